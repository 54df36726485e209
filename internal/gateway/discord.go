package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// DiscordMessenger is one agent's Discord account within a group
// Runtime. The teacher's go.mod declared bwmarrin/discordgo but never
// wired it into code; this is its first real caller in the gateway
// path (internal/notify/discord.go is the first caller overall, for
// one-shot alerts — this is the long-lived listening counterpart).
type DiscordMessenger struct {
	Session *discordgo.Session
	Group   string
	AgentID string
	Brain   Brain
	Logger  *slog.Logger

	removeHandler func()
	stop          chan struct{}
}

// NewDiscordMessenger opens a Discord session and authenticates the
// bot token, same "users/@me" identity check the credentials library
// performs before a token is ever used live (internal/credentials).
func NewDiscordMessenger(group, agentID, token string, brain Brain, logger *slog.Logger) (*DiscordMessenger, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("gateway: discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages
	if _, err := session.User("@me"); err != nil {
		return nil, fmt.Errorf("gateway: discord auth: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	dm := &DiscordMessenger{
		Session: session,
		Group:   group,
		AgentID: agentID,
		Brain:   brain,
		Logger:  logger,
		stop:    make(chan struct{}),
	}
	dm.removeHandler = session.AddHandler(dm.onMessageCreate)
	return dm, nil
}

func (d *DiscordMessenger) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	d.Logger.Debug("inbound message", "group", d.Group, "agent", d.AgentID, "from", m.Author.Username)

	ctx := context.Background()
	key := ChatKey(d.Group, d.AgentID, m.ChannelID)
	response, err := d.Brain.Think(ctx, key, m.Content)
	if err != nil {
		d.Logger.Error("think failed", "group", d.Group, "agent", d.AgentID, "err", err)
		response = "I'm having trouble thinking right now..."
	}

	if _, err := s.ChannelMessageSend(m.ChannelID, response); err != nil {
		d.Logger.Error("discord send failed", "group", d.Group, "agent", d.AgentID, "err", err)
	}
}

func (d *DiscordMessenger) Start() error {
	if err := d.Session.Open(); err != nil {
		return fmt.Errorf("gateway: discord open: %w", err)
	}
	d.Logger.Info("discord account authorized", "group", d.Group, "agent", d.AgentID, "bot", d.Session.State.User.Username)
	// discordgo drives message handling on its own goroutines via
	// AddHandler; block here only to keep the same "Start blocks until
	// stopped" contract telegram.go and the Runtime share.
	<-d.stop
	return nil
}

func (d *DiscordMessenger) Send(chatID string, text string) error {
	_, err := d.Session.ChannelMessageSend(chatID, text)
	return err
}

func (d *DiscordMessenger) Stop() error {
	if d.removeHandler != nil {
		d.removeHandler()
	}
	err := d.Session.Close()
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	return err
}
