package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PositionLedger/internal/observability"
	"PositionLedger/internal/reconcile"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBot struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return tgbotapi.Message{}, b.err
	}
	b.sent = append(b.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func TestTelegram_SendsStatusChanges(t *testing.T) {
	bot := &fakeBot{}
	n := NewTelegram(bot, 42, "ledger-eu", nil, zerolog.Nop())
	n.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.OnStatusChange(reconcile.StatusInitializing, reconcile.StatusDegraded)
	n.OnStatusChange(reconcile.StatusDegraded, reconcile.StatusLive)

	require.Eventually(t, func() bool { return bot.count() == 2 }, time.Second, 5*time.Millisecond)

	bot.mu.Lock()
	defer bot.mu.Unlock()
	assert.Equal(t, int64(42), bot.sent[0].ChatID)
	assert.Contains(t, bot.sent[0].Text, "ledger-eu: ledger Degraded (was Initializing) at 2026-01-02T03:04:05Z")
	assert.Contains(t, bot.sent[0].Text, "may be incomplete")
	assert.Contains(t, bot.sent[1].Text, "✅")
	assert.Contains(t, bot.sent[1].Text, "ledger Live (was Degraded)")
}

func TestTelegram_SendFailureCounted(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	n := NewTelegram(&fakeBot{err: errors.New("429 too many requests")}, 1, "", m, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.OnStatusChange(reconcile.StatusInitializing, reconcile.StatusLive)
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.NotifyErrors) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTelegram_FullQueueDrops(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	n := NewTelegram(&fakeBot{}, 1, "", m, zerolog.Nop())

	// Run is not started, so the queue fills.
	for i := 0; i < cap(n.queue)+3; i++ {
		n.OnStatusChange(reconcile.StatusLive, reconcile.StatusDegraded)
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(m.NotifyErrors))
}

func TestTelegram_CloseFlushesQueueAndReturns(t *testing.T) {
	bot := &fakeBot{}
	n := NewTelegram(bot, 1, "", nil, zerolog.Nop())

	// Queued before Run starts, so Close must still deliver them.
	n.OnStatusChange(reconcile.StatusInitializing, reconcile.StatusLive)
	n.OnStatusChange(reconcile.StatusLive, reconcile.StatusDegraded)
	n.Close()
	n.Close()

	done := make(chan error, 1)
	go func() { done <- n.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, 2, bot.count())
}
