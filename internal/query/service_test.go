package query_test

import (
	"context"
	"errors"
	"testing"

	"PositionLedger/internal/event"
	"PositionLedger/internal/ledger"
	fpmath "PositionLedger/internal/math"
	"PositionLedger/internal/pnl"
	"PositionLedger/internal/pricefeed"
	"PositionLedger/internal/query"
	"PositionLedger/internal/reconcile"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	status   reconcile.Status
	caughtUp chan struct{}
	tracker  *reconcile.SequenceTracker
}

func newFakeStatus(s reconcile.Status) *fakeStatus {
	f := &fakeStatus{status: s, caughtUp: make(chan struct{}), tracker: reconcile.NewSequenceTracker()}
	if s == reconcile.StatusLive {
		close(f.caughtUp)
	}
	return f
}

func (f *fakeStatus) Status() reconcile.Status            { return f.status }
func (f *fakeStatus) CaughtUp() <-chan struct{}           { return f.caughtUp }
func (f *fakeStatus) Tracker() *reconcile.SequenceTracker { return f.tracker }

func openEvt(id uint64, trader, asset string, side event.Side, size int64) *event.Event {
	return event.Opened(event.SequenceID{Block: 100 + id}, id, event.Payload{
		Trader:     trader,
		Asset:      asset,
		Side:       side,
		Size:       fpmath.FromInt64(size, 0),
		Collateral: fpmath.MustParseAmount("1000000000", 6), // 1000
		EntryPrice: fpmath.FromInt64(30000, 0),
		Leverage:   5,
	})
}

func setup(t *testing.T, status reconcile.Status) (*ledger.Ledger, *query.Service, *pricefeed.Static) {
	t.Helper()
	l := ledger.New()
	for _, evt := range []*event.Event{
		openEvt(1, "0xAlice", "BTC", event.SideLong, 1000),
		openEvt(2, "0xBob", "BTC", event.SideShort, 500),
		openEvt(3, "0xAlice", "ETH", event.SideLong, 200),
	} {
		_, err := l.Apply(evt)
		require.NoError(t, err)
	}
	prices := pricefeed.NewStatic(map[string]decimal.Decimal{"BTC": decimal.NewFromInt(33000)})
	svc := query.NewService(l, pnl.NewCalculator(prices), newFakeStatus(status))
	return l, svc, prices
}

func TestGetOpenPositions_Filters(t *testing.T) {
	_, svc, _ := setup(t, reconcile.StatusLive)

	all := svc.GetOpenPositions("", "")
	require.Len(t, all.Positions, 3)
	assert.False(t, all.Incomplete)
	assert.Equal(t, "Live", all.LedgerStatus)
	assert.Equal(t, "103:0", all.AsOfSequence)

	p := all.Positions[0]
	assert.Equal(t, uint64(1), p.PositionID)
	assert.Equal(t, "long", p.Side)
	assert.True(t, p.IsLong)
	assert.Equal(t, "1000", p.Size)
	assert.Equal(t, "1000.000000", p.Collateral)
	assert.Equal(t, "30000", p.EntryPrice)

	alice := svc.GetOpenPositions("0xalice", "")
	require.Len(t, alice.Positions, 2)

	aliceBTC := svc.GetOpenPositions("0xAlice", "BTC")
	require.Len(t, aliceBTC.Positions, 1)
	assert.Equal(t, uint64(1), aliceBTC.Positions[0].PositionID)
}

func TestGetOpenPositions_FlaggedWhileInitializing(t *testing.T) {
	_, svc, _ := setup(t, reconcile.StatusInitializing)

	resp := svc.GetOpenPositions("", "")
	assert.Len(t, resp.Positions, 3)
	assert.True(t, resp.Incomplete)
	assert.Equal(t, "Initializing", resp.LedgerStatus)
}

func TestGetAggregateOpenInterest(t *testing.T) {
	_, svc, _ := setup(t, reconcile.StatusLive)

	btc := svc.GetAggregateOpenInterest("BTC")
	assert.Equal(t, "1000", btc.LongNotional)
	assert.Equal(t, "500", btc.ShortNotional)
	assert.Equal(t, "1500", btc.Total)

	ratio, err := decimal.NewFromString(btc.LongRatio)
	require.NoError(t, err)
	assert.True(t, ratio.Sub(decimal.RequireFromString("0.666666666666666667")).Abs().LessThan(decimal.New(1, -15)))

	none := svc.GetAggregateOpenInterest("DOGE")
	assert.Equal(t, "0.5", none.LongRatio)

	list := svc.ListOpenInterest()
	require.Len(t, list.Assets, 2)
	assert.Equal(t, "BTC", list.Assets[0].Asset)
	assert.Equal(t, "ETH", list.Assets[1].Asset)
}

func TestComputePnL(t *testing.T) {
	_, svc, _ := setup(t, reconcile.StatusLive)

	// Short 500 @ 30000 marked at 33000 from the feed.
	resp, err := svc.ComputePnL(context.Background(), 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "33000", resp.MarkPrice)
	assert.Equal(t, "-50", resp.PnL)
	assert.Equal(t, "-5", resp.PnLPercent)

	mark := decimal.NewFromInt(27000)
	resp, err = svc.ComputePnL(context.Background(), 2, &mark)
	require.NoError(t, err)
	assert.Equal(t, "50", resp.PnL)
}

func TestComputePnL_Errors(t *testing.T) {
	l, svc, _ := setup(t, reconcile.StatusLive)

	_, err := svc.ComputePnL(context.Background(), 3, nil)
	assert.True(t, errors.Is(err, pnl.ErrNoMarkPrice), "no ETH price in feed")

	_, err = svc.ComputePnL(context.Background(), 99, nil)
	assert.True(t, errors.Is(err, ledger.ErrUnknownPosition))

	_, err = l.Apply(event.Terminal(event.SequenceID{Block: 200}, 1, event.KindClosed))
	require.NoError(t, err)
	_, err = svc.ComputePnL(context.Background(), 1, nil)
	assert.True(t, errors.Is(err, query.ErrNotOpen))
}

func TestStatus(t *testing.T) {
	l, svc, _ := setup(t, reconcile.StatusLive)
	_, err := l.Apply(event.Terminal(event.SequenceID{Block: 300}, 42, event.KindLiquidated))
	require.NoError(t, err)

	st := svc.Status()
	assert.Equal(t, "Live", st.Status)
	assert.True(t, st.CaughtUp)
	assert.Equal(t, 3, st.Open)
	assert.Equal(t, 1, st.Pending)
	assert.Len(t, st.Digest, 64)
	assert.Equal(t, "300:0", st.HighWater)
}
