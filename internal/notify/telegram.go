package notify

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"PositionLedger/internal/observability"
	"PositionLedger/internal/reconcile"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Sender is the part of *tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts ledger status changes to a chat. OnStatusChange only
// enqueues; Run does the network I/O.
type Telegram struct {
	bot     Sender
	chatID  int64
	name    string
	queue   chan string
	closing chan struct{}
	once    sync.Once
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// DialTelegram authenticates the bot token.
func DialTelegram(token string, chatID int64, name string, metrics *observability.Metrics, logger zerolog.Logger) (*Telegram, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telegram bot: %w", err)
	}
	return NewTelegram(bot, chatID, name, metrics, logger), nil
}

func NewTelegram(bot Sender, chatID int64, name string, metrics *observability.Metrics, logger zerolog.Logger) *Telegram {
	if name == "" {
		name = "positionledger"
	}
	return &Telegram{
		bot:     bot,
		chatID:  chatID,
		name:    name,
		queue:   make(chan string, 32),
		closing: make(chan struct{}),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// OnStatusChange implements reconcile.StatusListener. A full queue drops
// the message.
func (t *Telegram) OnStatusChange(prev, next reconcile.Status) {
	msg := t.format(prev, next)
	select {
	case t.queue <- msg:
	default:
		t.failed()
		t.logger.Warn().Str("to", next.String()).Msg("notification queue full, dropping")
	}
}

// Run sends queued messages until ctx is cancelled or Close is called.
// After Close it delivers what is already queued and returns nil.
func (t *Telegram) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text := <-t.queue:
			t.send(text)
		case <-t.closing:
			for {
				select {
				case text := <-t.queue:
					t.send(text)
				default:
					return nil
				}
			}
		}
	}
}

// Close asks Run to flush the queue and return. Status changes reported
// after Close may not be delivered.
func (t *Telegram) Close() {
	t.once.Do(func() { close(t.closing) })
}

func (t *Telegram) send(text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.failed()
		t.logger.Warn().Err(err).Msg("failed to send telegram message")
	}
}

func (t *Telegram) failed() {
	if t.metrics != nil {
		t.metrics.NotifyErrors.Inc()
	}
}

func (t *Telegram) format(prev, next reconcile.Status) string {
	icon := "ℹ️"
	switch next {
	case reconcile.StatusLive:
		icon = "✅"
	case reconcile.StatusDegraded:
		icon = "⚠️"
	}
	text := fmt.Sprintf("%s %s: ledger %s (was %s) at %s",
		icon, t.name, next, prev, t.now().UTC().Format(time.RFC3339))
	if next == reconcile.StatusDegraded {
		text += "\nBackfill exhausted its retries; data may be incomplete."
	}
	return text
}
