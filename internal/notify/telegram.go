package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"chatwatch/internal/config"
	"chatwatch/internal/domain"
	"chatwatch/internal/permanent"

	tgbot "github.com/go-telegram/bot"
)

// TelegramSender sends notifications to Telegram Bot API.
// Params: bot client; chat id comes from each notification channel.
// Returns: Telegram transport sender.
type TelegramSender struct {
	client *tgbot.Bot
}

// NewTelegramSender creates Telegram sender without getMe round-trip.
// Params: Telegram notifier config.
// Returns: initialized sender or client init error.
func NewTelegramSender(cfg config.TelegramNotifier) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &TelegramSender{client: botClient}, nil
}

// Transport returns sender transport name.
func (s *TelegramSender) Transport() string {
	return config.TransportTelegram
}

// Send posts one plain-text message to Telegram chat.
// Params: context and notification payload.
// Returns: Bot API error, permanent for client-side rejections.
func (s *TelegramSender) Send(ctx context.Context, notification domain.Notification) error {
	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: normalizeChatID(notification.Channel),
		Text:   notification.Text,
	})
	if err != nil {
		wrapped := fmt.Errorf("telegram send: %w", err)
		if errors.Is(err, tgbot.ErrorBadRequest) || errors.Is(err, tgbot.ErrorForbidden) ||
			errors.Is(err, tgbot.ErrorUnauthorized) || errors.Is(err, tgbot.ErrorNotFound) {
			return permanent.Mark(wrapped)
		}
		return wrapped
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: chat id value from action channel.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
