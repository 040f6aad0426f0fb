package ledger_test

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/ledger"
	fpmath "PositionLedger/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Helpers
// ============================================================================

func seq(block uint64, index uint32) event.SequenceID {
	return event.SequenceID{Block: block, Index: index}
}

func mustOpen(id uint64, side event.Side, size int64, asset string) *event.Event {
	return event.Opened(seq(id, 0), id, event.Payload{
		Trader:     fmt.Sprintf("0xTrader%d", id%3),
		Asset:      asset,
		Side:       side,
		Size:       fpmath.FromInt64(size, 0),
		Collateral: fpmath.FromInt64(100_000_000, 6),
		EntryPrice: fpmath.FromInt64(30000, 0),
		Leverage:   10,
	})
}

func closeEvt(id uint64) *event.Event {
	return event.Terminal(seq(id, 1), id, event.KindClosed)
}

func liquidateEvt(id uint64) *event.Event {
	return event.Terminal(seq(id, 1), id, event.KindLiquidated)
}

func mustApply(t *testing.T, l *ledger.Ledger, evt *event.Event) ledger.Result {
	t.Helper()
	res, err := l.Apply(evt)
	require.NoError(t, err)
	return res
}

func ids(ps []ledger.Position) []uint64 {
	out := make([]uint64, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func amt(v int64) fpmath.Amount {
	return fpmath.FromInt64(v, 0)
}

func assertAmount(t *testing.T, want int64, got fpmath.Amount, msg string) {
	t.Helper()
	assert.Equal(t, 0, amt(want).Cmp(got), "%s: got %s, want %d", msg, got, want)
}

// ============================================================================
// Test: Apply outcomes
// ============================================================================

func TestApply_OpenThenClose(t *testing.T) {
	l := ledger.New()

	res := mustApply(t, l, mustOpen(1, event.SideLong, 1000, "BTC"))
	assert.Equal(t, ledger.Applied, res.Outcome)
	assert.Equal(t, ledger.StatusOpen, res.Status)
	require.NotNil(t, res.Position)
	assert.Equal(t, uint64(1), res.Position.ID)

	assertAmount(t, 1000, l.GetAggregates("BTC").Long, "long after open")

	res = mustApply(t, l, closeEvt(1))
	assert.Equal(t, ledger.Applied, res.Outcome)
	assert.Equal(t, ledger.StatusClosed, res.Status)
	assert.Empty(t, l.GetOpen(ledger.Filter{}))
	assertAmount(t, 0, l.GetAggregates("BTC").Long, "long after close")

	status, err := l.StatusOf(1)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClosed, status)
}

func TestApply_TerminalBeforeOpen(t *testing.T) {
	l := ledger.New()

	res := mustApply(t, l, liquidateEvt(4))
	assert.Equal(t, ledger.Buffered, res.Outcome)
	assert.Equal(t, ledger.StatusLiquidated, res.Status)
	assert.Equal(t, 1, l.Stats().Pending)

	res = mustApply(t, l, mustOpen(4, event.SideShort, 700, "ETH"))
	assert.Equal(t, ledger.Applied, res.Outcome)
	assert.Equal(t, ledger.StatusLiquidated, res.Status)
	assert.Nil(t, res.Position)

	assert.Empty(t, l.GetOpen(ledger.Filter{}))
	assertAmount(t, 0, l.GetAggregates("ETH").Short, "short never counted")
	assert.Equal(t, 0, l.Stats().Pending)
	require.NoError(t, l.Verify())
}

func TestApply_RedeliveredOpenAfterClose(t *testing.T) {
	l := ledger.New()

	mustApply(t, l, mustOpen(1, event.SideLong, 1000, "BTC"))
	mustApply(t, l, closeEvt(1))
	res := mustApply(t, l, mustOpen(1, event.SideLong, 1000, "BTC"))

	assert.Equal(t, ledger.Duplicate, res.Outcome)
	assert.Equal(t, ledger.StatusClosed, res.Status)
	assert.Empty(t, l.GetOpen(ledger.Filter{}))
	assertAmount(t, 0, l.GetAggregates("BTC").Long, "long notional")
}

func TestApply_DuplicateOpen(t *testing.T) {
	l := ledger.New()
	evt := mustOpen(2, event.SideLong, 500, "BTC")

	mustApply(t, l, evt)
	before := l.Digest()
	res := mustApply(t, l, evt)

	assert.Equal(t, ledger.Duplicate, res.Outcome)
	assertAmount(t, 500, l.GetAggregates("BTC").Long, "long notional")
	assert.Equal(t, before, l.Digest())
}

func TestApply_DuplicateBufferedTerminal(t *testing.T) {
	l := ledger.New()

	assert.Equal(t, ledger.Buffered, mustApply(t, l, closeEvt(9)).Outcome)
	assert.Equal(t, ledger.Duplicate, mustApply(t, l, closeEvt(9)).Outcome)
	assert.Equal(t, 1, l.Stats().Pending)
}

func TestApply_ConflictingTerminalFirstWins(t *testing.T) {
	l := ledger.New()

	mustApply(t, l, mustOpen(3, event.SideShort, 200, "SOL"))
	mustApply(t, l, liquidateEvt(3))
	res := mustApply(t, l, closeEvt(3))

	assert.Equal(t, ledger.Duplicate, res.Outcome)
	assert.True(t, res.Conflict)
	assert.Equal(t, ledger.StatusLiquidated, res.Status)
}

func TestApply_MalformedLeavesStateUntouched(t *testing.T) {
	l := ledger.New()
	mustApply(t, l, mustOpen(1, event.SideLong, 1000, "BTC"))
	before := l.Digest()

	bad := mustOpen(2, event.SideLong, 1000, "BTC")
	bad.Payload.Size = fpmath.Zero(18)

	_, err := l.Apply(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, event.ErrMalformedEvent))
	assert.Equal(t, before, l.Digest())
	assert.Len(t, l.GetOpen(ledger.Filter{}), 1)
}

func TestStatusOf_Unknown(t *testing.T) {
	l := ledger.New()
	mustApply(t, l, closeEvt(5))

	_, err := l.StatusOf(5)
	assert.ErrorIs(t, err, ledger.ErrUnknownPosition)
	_, err = l.StatusOf(6)
	assert.ErrorIs(t, err, ledger.ErrUnknownPosition)
}

// ============================================================================
// Test: order independence and idempotence
// ============================================================================

func TestOrderIndependence_SingleID(t *testing.T) {
	open := mustOpen(1, event.SideLong, 1000, "BTC")

	for _, terminal := range []*event.Event{nil, closeEvt(1), liquidateEvt(1)} {
		orders := [][]*event.Event{{open}}
		if terminal != nil {
			orders = [][]*event.Event{{open, terminal}, {terminal, open}}
		}

		var digests [][32]byte
		for _, order := range orders {
			l := ledger.New()
			for _, e := range order {
				mustApply(t, l, e)
			}
			if terminal == nil {
				assert.Equal(t, []uint64{1}, ids(l.GetOpen(ledger.Filter{})))
			} else {
				assert.Empty(t, l.GetOpen(ledger.Filter{}))
			}
			digests = append(digests, l.Digest())
		}
		for _, d := range digests[1:] {
			assert.Equal(t, digests[0], d)
		}
	}
}

func TestOrderIndependence_RandomInterleavings(t *testing.T) {
	var events []*event.Event
	var wantOpen []uint64
	for id := uint64(1); id <= 40; id++ {
		side := event.SideLong
		if id%2 == 0 {
			side = event.SideShort
		}
		events = append(events, mustOpen(id, side, int64(id*10), []string{"BTC", "ETH"}[id%2]))
		switch id % 4 {
		case 0:
			events = append(events, closeEvt(id))
		case 1:
			events = append(events, liquidateEvt(id))
		default:
			wantOpen = append(wantOpen, id)
		}
	}

	reference := ledger.New()
	for _, e := range events {
		mustApply(t, reference, e)
	}
	require.Equal(t, wantOpen, ids(reference.GetOpen(ledger.Filter{})))
	want := reference.Digest()

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 25; i++ {
		shuffled := append([]*event.Event(nil), events...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		// Redeliver a random prefix to exercise idempotence too.
		shuffled = append(shuffled, shuffled[:rng.Intn(len(shuffled))]...)

		l := ledger.New()
		for _, e := range shuffled {
			mustApply(t, l, e)
		}
		assert.Equal(t, want, l.Digest(), "interleaving %d", i)
		assert.Equal(t, 0, reference.GetAggregates("").Long.Cmp(l.GetAggregates("").Long))
		assert.Equal(t, 0, reference.GetAggregates("").Short.Cmp(l.GetAggregates("").Short))
		require.NoError(t, l.Verify())
	}
}

func TestAggregates_SumOfOpenedAndBackToZero(t *testing.T) {
	l := ledger.New()
	var total int64
	for id := uint64(1); id <= 10; id++ {
		side := event.SideLong
		if id > 6 {
			side = event.SideShort
		}
		mustApply(t, l, mustOpen(id, side, int64(id*100), "BTC"))
		total += int64(id * 100)
	}

	agg := l.GetAggregates("BTC")
	assertAmount(t, total, agg.Total(), "long + short")
	assertAmount(t, 2100, agg.Long, "long")
	assertAmount(t, 3400, agg.Short, "short")

	for id := uint64(1); id <= 10; id++ {
		mustApply(t, l, closeEvt(id))
	}
	agg = l.GetAggregates("BTC")
	assert.True(t, agg.Long.IsZero())
	assert.True(t, agg.Short.IsZero())
	assert.Empty(t, l.Snapshot().Assets())
}

func TestAggregates_MixedDecimals(t *testing.T) {
	l := ledger.New()

	a := mustOpen(1, event.SideLong, 0, "BTC")
	a.Payload.Size = fpmath.MustParseAmount("1500000000000000000", 18) // 1.5
	b := mustOpen(2, event.SideLong, 0, "BTC")
	b.Payload.Size = fpmath.FromInt64(2_500_000, 6) // 2.5

	mustApply(t, l, a)
	mustApply(t, l, b)
	assertAmount(t, 4, l.GetAggregates("BTC").Long, "long")

	mustApply(t, l, closeEvt(1))
	assert.Equal(t, "2.500000000000000000", l.GetAggregates("BTC").Long.String())
}

// ============================================================================
// Test: filters and snapshots
// ============================================================================

func TestGetOpen_Filters(t *testing.T) {
	l := ledger.New()
	mustApply(t, l, mustOpen(1, event.SideLong, 10, "BTC")) // trader 1
	mustApply(t, l, mustOpen(2, event.SideLong, 10, "ETH")) // trader 2
	mustApply(t, l, mustOpen(4, event.SideLong, 10, "BTC")) // trader 1
	mustApply(t, l, mustOpen(3, event.SideLong, 10, "BTC")) // trader 0

	assert.Equal(t, []uint64{1, 2, 3, 4}, ids(l.GetOpen(ledger.Filter{})))
	assert.Equal(t, []uint64{1, 3, 4}, ids(l.GetOpen(ledger.Filter{Asset: "BTC"})))
	assert.Equal(t, []uint64{1, 4}, ids(l.GetOpen(ledger.Filter{Trader: "0XTRADER1"})))
	assert.Equal(t, []uint64{2}, ids(l.GetOpen(ledger.Filter{Trader: "0xtrader2", Asset: "ETH"})))
	assert.Empty(t, l.GetOpen(ledger.Filter{Trader: "0xtrader2", Asset: "BTC"}))
}

func TestSnapshot_IsStable(t *testing.T) {
	l := ledger.New()
	mustApply(t, l, mustOpen(1, event.SideLong, 10, "BTC"))

	snap := l.Snapshot()
	mustApply(t, l, mustOpen(2, event.SideShort, 20, "BTC"))
	mustApply(t, l, closeEvt(1))

	assert.Equal(t, []uint64{1}, ids(snap.Open(ledger.Filter{})))
	assertAmount(t, 10, snap.Aggregates("BTC").Long, "old snapshot long")
	assertAmount(t, 0, snap.Aggregates("BTC").Short, "old snapshot short")

	cur := l.Snapshot()
	assert.Equal(t, []uint64{2}, ids(cur.Open(ledger.Filter{})))
	assert.Greater(t, cur.Version, snap.Version)
}

func TestConcurrentApplyAndRead(t *testing.T) {
	l := ledger.New()
	const n = 200

	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for id := uint64(1); id <= n; id++ {
				if w == 0 {
					_, _ = l.Apply(mustOpen(id, event.SideLong, 1, "BTC"))
				} else if id%2 == 0 {
					_, _ = l.Apply(closeEvt(id))
				}
			}
		}(w)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := l.Snapshot()
				open := snap.Open(ledger.Filter{})
				// Every snapshot is internally consistent.
				if amt(int64(len(open))).Cmp(snap.Aggregates("BTC").Long) != 0 {
					t.Errorf("snapshot drift: %d open, long %s", len(open), snap.Aggregates("BTC").Long)
					return
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()

	assert.Len(t, l.GetOpen(ledger.Filter{}), n/2)
	require.NoError(t, l.Verify())
}

// ============================================================================
// Test: prune, verify, observer
// ============================================================================

func TestPrune_DropsOldTerminalRecords(t *testing.T) {
	l := ledger.New()
	mustApply(t, l, event.Terminal(seq(10, 0), 1, event.KindClosed)) // pending
	mustApply(t, l, event.Terminal(seq(50, 0), 2, event.KindClosed)) // pending
	mustApply(t, l, mustOpen(3, event.SideLong, 5, "BTC"))           // open at block 3

	dropped := l.Prune(seq(20, 0))
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, l.Stats().Pending)
	assert.Len(t, l.GetOpen(ledger.Filter{}), 1, "open positions are never pruned")
	require.NoError(t, l.Verify())
}

func TestObserver(t *testing.T) {
	var outcomes []ledger.Outcome
	l := ledger.New(ledger.WithObserver(func(_ *event.Event, res ledger.Result, _ time.Duration) {
		outcomes = append(outcomes, res.Outcome)
	}))

	mustApply(t, l, closeEvt(1))
	mustApply(t, l, mustOpen(1, event.SideLong, 1, "BTC"))
	mustApply(t, l, mustOpen(1, event.SideLong, 1, "BTC"))

	assert.Equal(t, []ledger.Outcome{ledger.Buffered, ledger.Applied, ledger.Duplicate}, outcomes)
}

func TestStatus_CanTransitionTo(t *testing.T) {
	assert.True(t, ledger.StatusUnknown.CanTransitionTo(ledger.StatusOpen))
	assert.True(t, ledger.StatusUnknown.CanTransitionTo(ledger.StatusClosed))
	assert.True(t, ledger.StatusOpen.CanTransitionTo(ledger.StatusLiquidated))
	assert.False(t, ledger.StatusOpen.CanTransitionTo(ledger.StatusOpen))
	assert.False(t, ledger.StatusClosed.CanTransitionTo(ledger.StatusLiquidated))
	assert.False(t, ledger.StatusLiquidated.CanTransitionTo(ledger.StatusOpen))
}
