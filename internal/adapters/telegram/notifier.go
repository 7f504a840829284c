// Package telegram forwards a subset of state changes to a Telegram chat.
// Fills, closures, halts, and errors are forwarded; routine stop adjustments
// are logged only.
package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"trailstopbot/internal/domain"
	"trailstopbot/internal/ports"
)

// Notifier implements the ports.Notifier interface using the Telegram Bot API.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger ports.Logger
}

// Config holds configuration for the Telegram notifier.
type Config struct {
	Token  string
	ChatID int64
	Logger ports.Logger
}

// New creates a Telegram notifier and verifies the bot token.
func New(cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Telegram notifier")
	}
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("%w: telegram token and chat id are required", ports.ErrConfiguration)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize telegram bot: %v", ports.ErrConfiguration, err)
	}

	cfg.Logger.Info(context.Background(), "Telegram notifier initialized", map[string]interface{}{
		"botUser": bot.Self.UserName, "chatId": cfg.ChatID,
	})
	return &Notifier{bot: bot, chatID: cfg.ChatID, logger: cfg.Logger}, nil
}

// Notify forwards alert-worthy state changes to the configured chat.
func (n *Notifier) Notify(ctx context.Context, ev domain.StateChange) error {
	text := format(ev)
	if text == "" {
		return nil // not alert-worthy
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("%w: failed to send telegram alert for %s: %v", ports.ErrNotification, ev.Symbol, err)
	}
	n.logger.Debug(ctx, "Telegram alert sent", map[string]interface{}{"kind": ev.Kind, "symbol": ev.Symbol})
	return nil
}

// format renders the alert text, or "" for events that should not alert.
func format(ev domain.StateChange) string {
	switch ev.Kind {
	case domain.EventStopFilled:
		return fmt.Sprintf("[%s] Stop filled: %s %.4f @ %.2f (order %s)",
			ev.Profile, ev.Symbol, ev.Quantity, ev.Price, ev.OrderID)
	case domain.EventPositionClosed:
		return fmt.Sprintf("[%s] Position closed: %s (%s)", ev.Profile, ev.Symbol, ev.Detail)
	case domain.EventHalted:
		return fmt.Sprintf("[%s] HALTED %s: %s (manual reconciliation required)", ev.Profile, ev.Symbol, ev.Detail)
	case domain.EventError:
		return fmt.Sprintf("[%s] ERROR %s: %s", ev.Profile, ev.Symbol, ev.Detail)
	default:
		return ""
	}
}

var _ ports.Notifier = (*Notifier)(nil)
