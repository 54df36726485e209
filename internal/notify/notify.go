// Package notify sends a text message to the habitat owner through
// whatever chat transport is currently reachable (spec §4.C). It is
// grounded on the teacher's gateway.Messenger.Send (internal/gateway's
// TelegramGateway.Send: Markdown parse mode, numeric chat id parsing),
// narrowed to a one-shot send that discovers its own token instead of
// holding a long-lived bot connection.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dfrysinger/hatchery/internal/credentials"
	"github.com/dfrysinger/hatchery/internal/manifest"
)

// Sender discovers a working chat token and delivers one message
// through it. Best-effort: a failed send never returns an error the
// caller must handle, only a recorded reason (spec §4.C: "fails
// silently but records the reason").
type Sender struct {
	Credentials *credentials.Client
	Logger      *slog.Logger

	// SendTelegram/SendDiscord are overridable for tests; production
	// wires them to the real chat APIs.
	SendTelegram func(token, chatID, text string) error
	SendDiscord  func(token, channelID, text string) error
}

func New(creds *credentials.Client) *Sender {
	return &Sender{
		Credentials:  creds,
		Logger:       slog.Default(),
		SendTelegram: sendTelegram,
		SendDiscord:  sendDiscord,
	}
}

// candidateSource is one token pool to search, in priority order:
// safe-mode config tokens first, then the manifest's agent tokens
// (spec §4.C: "first consulting safe-mode config tokens, then the
// manifest's agent tokens").
type candidateSource struct {
	platform manifest.Platform
	agents   []manifest.Agent
	group    string
	ownerID  string
}

// Notify sends text to the owner, trying safeModeAgents before
// manifestAgents, telegram before discord within each pool, per spec
// §4.C's discovery order and §4.B's tie-break rules.
func (s *Sender) Notify(ctx context.Context, text string, safeModeAgents, manifestAgents []manifest.Agent, group, telegramOwnerID, discordOwnerID string) error {
	sources := []candidateSource{
		{platform: manifest.PlatformTelegram, agents: safeModeAgents, group: group, ownerID: telegramOwnerID},
		{platform: manifest.PlatformDiscord, agents: safeModeAgents, group: group, ownerID: discordOwnerID},
		{platform: manifest.PlatformTelegram, agents: manifestAgents, group: group, ownerID: telegramOwnerID},
		{platform: manifest.PlatformDiscord, agents: manifestAgents, group: group, ownerID: discordOwnerID},
	}

	var lastReason string
	for _, src := range sources {
		if src.ownerID == "" || len(src.agents) == 0 {
			continue
		}
		token, ok := s.Credentials.FindWorkingChatToken(ctx, src.platform, src.agents, src.group)
		if !ok {
			lastReason = fmt.Sprintf("no working %s token in group %q", src.platform, src.group)
			continue
		}
		if err := s.deliver(src.platform, token.Token, src.ownerID, text); err != nil {
			lastReason = err.Error()
			continue
		}
		return nil
	}

	s.Logger.Warn("notify: all transports exhausted, message not delivered", "reason", lastReason)
	return nil
}

func (s *Sender) deliver(platform manifest.Platform, token, ownerID, text string) error {
	switch platform {
	case manifest.PlatformTelegram:
		return s.SendTelegram(token, ownerID, text)
	case manifest.PlatformDiscord:
		return s.SendDiscord(token, ownerID, text)
	default:
		return fmt.Errorf("notify: unsupported platform %q", platform)
	}
}

func sendTelegram(token, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("notify: invalid telegram chat id %q: %w", chatID, err)
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return fmt.Errorf("notify: telegram auth: %w", err)
	}
	msg := tgbotapi.NewMessage(id, text)
	msg.ParseMode = "Markdown"
	_, err = bot.Send(msg)
	return err
}

func sendDiscord(token, channelID, text string) error {
	return sendDiscordChannelMessage(token, channelID, text)
}
