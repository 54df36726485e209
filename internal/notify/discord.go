package notify

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// sendDiscordChannelMessage delivers one message via a short-lived
// discordgo session, the library the teacher's go.mod already declares
// (spec §4.N gives it its first real caller).
func sendDiscordChannelMessage(token, channelID, text string) error {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("notify: discord session: %w", err)
	}
	defer session.Close()

	_, err = session.ChannelMessageSend(channelID, text)
	if err != nil {
		return fmt.Errorf("notify: discord send: %w", err)
	}
	return nil
}
