package ledger

import (
	"testing"
	"time"

	"PositionLedger/internal/event"
	fpmath "PositionLedger/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openedAt(block, id uint64) *event.Event {
	return event.Opened(event.SequenceID{Block: block}, id, event.Payload{
		Trader:     "0xTrader",
		Asset:      "BTC",
		Side:       event.SideLong,
		Size:       fpmath.FromInt64(1000, 0),
		Collateral: fpmath.FromInt64(100_000_000, 6),
		EntryPrice: fpmath.FromInt64(30000, 0),
		Leverage:   10,
	})
}

// Readers of digest, status and verification work off the published
// snapshot, so they finish while a writer holds the lock.
func TestSnapshotReaders_DoNotTakeWriterLock(t *testing.T) {
	l := New()
	for id := uint64(1); id <= 100; id++ {
		_, err := l.Apply(openedAt(id, id))
		require.NoError(t, err)
	}
	_, err := l.Apply(event.Terminal(event.SequenceID{Block: 200}, 7, event.KindClosed))
	require.NoError(t, err)
	_, err = l.Apply(event.Terminal(event.SequenceID{Block: 201}, 500, event.KindLiquidated))
	require.NoError(t, err)

	want := l.Digest()

	l.mu.Lock()
	done := make(chan struct{})
	var (
		digest  [32]byte
		open    Status
		closed  Status
		pendErr error
		verr    error
	)
	go func() {
		defer close(done)
		digest = l.Digest()
		open, _ = l.StatusOf(1)
		closed, _ = l.StatusOf(7)
		_, pendErr = l.StatusOf(500)
		verr = l.Verify()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		l.mu.Unlock()
		t.Fatal("snapshot readers blocked on the writer lock")
	}
	l.mu.Unlock()

	assert.Equal(t, want, digest)
	assert.Equal(t, StatusOpen, open)
	assert.Equal(t, StatusClosed, closed)
	assert.ErrorIs(t, pendErr, ErrUnknownPosition)
	assert.NoError(t, verr)
}

func TestSnapshot_TerminalRecordsArePointInTime(t *testing.T) {
	l := New()
	_, err := l.Apply(openedAt(1, 1))
	require.NoError(t, err)

	before := l.Snapshot()
	beforeDigest := before.Digest()

	_, err = l.Apply(event.Terminal(event.SequenceID{Block: 2}, 1, event.KindClosed))
	require.NoError(t, err)

	st, err := before.StatusOf(1)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, st)
	assert.Equal(t, beforeDigest, before.Digest())

	st, err = l.Snapshot().StatusOf(1)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, st)
	assert.NotEqual(t, beforeDigest, l.Digest())
	assert.NoError(t, l.Snapshot().Verify())
}
