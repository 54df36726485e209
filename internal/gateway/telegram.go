package gateway

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramMessenger is one agent's Telegram account within a group
// Runtime. The teacher's TelegramGateway was a single global bot bound
// to a single global Brain; this generalizes it to one bot per agent
// id, routing through ChatKey(group, agentID, chatID) instead of a
// bare chatID (spec §4.N).
type TelegramMessenger struct {
	Bot     *tgbotapi.BotAPI
	Group   string
	AgentID string
	Brain   Brain
	Logger  *slog.Logger
}

// NewTelegramMessenger dials the Telegram API and authenticates the
// bot token, same as the teacher's NewTelegramGateway.
func NewTelegramMessenger(group, agentID, token string, brain Brain, logger *slog.Logger) (*TelegramMessenger, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram account authorized", "group", group, "agent", agentID, "bot", bot.Self.UserName)

	return &TelegramMessenger{
		Bot:     bot,
		Group:   group,
		AgentID: agentID,
		Brain:   brain,
		Logger:  logger,
	}, nil
}

func (tg *TelegramMessenger) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)

	for update := range updates {
		if update.Message == nil {
			continue
		}

		tg.Logger.Debug("inbound message", "group", tg.Group, "agent", tg.AgentID, "from", update.Message.From.UserName)

		ctx := context.Background()
		chatID := fmt.Sprintf("%d", update.Message.Chat.ID)
		key := ChatKey(tg.Group, tg.AgentID, chatID)
		response, err := tg.Brain.Think(ctx, key, update.Message.Text)
		if err != nil {
			tg.Logger.Error("think failed", "group", tg.Group, "agent", tg.AgentID, "err", err)
			response = "I'm having trouble thinking right now..."
		}

		msg := tgbotapi.NewMessage(update.Message.Chat.ID, response)
		tg.Bot.Send(msg)
	}
	return nil
}

func (tg *TelegramMessenger) Send(chatID string, text string) error {
	id := 0
	fmt.Sscanf(chatID, "%d", &id)
	if id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}

	msg := tgbotapi.NewMessage(int64(id), text)
	msg.ParseMode = "Markdown" // Enable markdown for better alerts
	_, err := tg.Bot.Send(msg)
	return err
}

func (tg *TelegramMessenger) Stop() error {
	tg.Bot.StopReceivingUpdates()
	return nil
}
