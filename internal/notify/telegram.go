package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/models"
)

// Kind identifies a trading event
type Kind string

const (
	PositionOpened  Kind = "position_opened"
	PositionReduced Kind = "position_reduced"
	PositionClosed  Kind = "position_closed"
	TradingPaused   Kind = "trading_paused"
	SessionFinished Kind = "session_finished"
)

// Event is something worth telling the operator about
type Event struct {
	Kind   Kind
	Pair   string
	Side   models.Side
	Price  float64
	Size   float64
	PnL    float64
	Reason string
	At     time.Time
}

// Notifier delivers events
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Format renders an event as a Telegram Markdown message
func Format(e Event) string {
	var b strings.Builder
	switch e.Kind {
	case PositionOpened:
		fmt.Fprintf(&b, "🟢 *%s %s* opened\n", strings.ToUpper(string(e.Side)), e.Pair)
		fmt.Fprintf(&b, "Price: `%.5f`\nSize: `%.8f`", e.Price, e.Size)
	case PositionReduced:
		fmt.Fprintf(&b, "🟡 *%s* partially closed (%s)\n", e.Pair, e.Reason)
		fmt.Fprintf(&b, "Price: `%.5f`\nSize: `%.8f`\nPnL: `%+.2f`", e.Price, e.Size, e.PnL)
	case PositionClosed:
		icon := "✅"
		if e.PnL < 0 {
			icon = "❌"
		}
		fmt.Fprintf(&b, "%s *%s* closed (%s)\n", icon, e.Pair, e.Reason)
		fmt.Fprintf(&b, "Price: `%.5f`\nPnL: `%+.2f`", e.Price, e.PnL)
	case TradingPaused:
		fmt.Fprintf(&b, "⏸ *Trading paused*\n%s", e.Reason)
	case SessionFinished:
		fmt.Fprintf(&b, "🏁 *Session finished*\n%s", e.Reason)
	default:
		fmt.Fprintf(&b, "%s %s", e.Kind, e.Pair)
	}
	return b.String()
}

// Sender is the part of tgbotapi.BotAPI used for delivery
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends events to a single chat
type Telegram struct {
	sender Sender
	chatID int64
	logger zerolog.Logger
}

// NewTelegram connects to the Bot API with token
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return NewTelegramWithSender(bot, chatID), nil
}

// NewTelegramWithSender uses an existing sender
func NewTelegramWithSender(sender Sender, chatID int64) *Telegram {
	return &Telegram{
		sender: sender,
		chatID: chatID,
		logger: log.With().Str("component", "telegram_notifier").Logger(),
	}
}

// Notify sends the formatted event
func (t *Telegram) Notify(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, Format(e))
	msg.ParseMode = "Markdown"

	if _, err := t.sender.Send(msg); err != nil {
		t.logger.Error().Err(err).Str("kind", string(e.Kind)).Msg("Failed to send notification")
		return fmt.Errorf("sending telegram message: %w", err)
	}
	return nil
}
