package query

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"PositionLedger/internal/ledger"
	"PositionLedger/internal/openinterest"
	"PositionLedger/internal/pnl"
	"PositionLedger/internal/reconcile"

	"github.com/shopspring/decimal"
)

var ErrNotOpen = errors.New("position is not open")

// StatusSource is satisfied by *reconcile.Coordinator.
type StatusSource interface {
	Status() reconcile.Status
	CaughtUp() <-chan struct{}
	Tracker() *reconcile.SequenceTracker
}

// Service is the read side exposed to UIs and dashboards. Every call reads
// one immutable ledger snapshot and never blocks the producers.
type Service struct {
	ledger *ledger.Ledger
	pnl    *pnl.Calculator
	status StatusSource
}

func NewService(l *ledger.Ledger, calc *pnl.Calculator, status StatusSource) *Service {
	return &Service{
		ledger: l,
		pnl:    calc,
		status: status,
	}
}

// GetOpenPositions returns open positions filtered by trader and/or asset.
// Empty filters match everything.
func (s *Service) GetOpenPositions(trader, asset string) PositionsResponse {
	snap := s.ledger.Snapshot()
	open := snap.Open(ledger.Filter{Trader: trader, Asset: asset})

	views := make([]PositionView, 0, len(open))
	for i := range open {
		views = append(views, positionView(&open[i]))
	}
	return PositionsResponse{Positions: views, Freshness: s.freshness(snap)}
}

// GetAggregateOpenInterest returns long/short notional and ratios for asset,
// or across all assets when asset is empty.
func (s *Service) GetAggregateOpenInterest(asset string) OpenInterestResponse {
	snap := s.ledger.Snapshot()
	return OpenInterestResponse{
		OpenInterestView: interestView(openinterest.OpenInterestAt(snap, asset)),
		Freshness:        s.freshness(snap),
	}
}

// ListOpenInterest returns one entry per asset with open exposure.
func (s *Service) ListOpenInterest() OpenInterestListResponse {
	snap := s.ledger.Snapshot()
	all := openinterest.AllAt(snap)
	views := make([]OpenInterestView, 0, len(all))
	for _, in := range all {
		views = append(views, interestView(in))
	}
	return OpenInterestListResponse{Assets: views, Freshness: s.freshness(snap)}
}

// ComputePnL evaluates an open position at mark, or at the price feed's
// current mark price when mark is nil.
func (s *Service) ComputePnL(ctx context.Context, id uint64, mark *decimal.Decimal) (*PnLResponse, error) {
	snap := s.ledger.Snapshot()
	p, ok := snap.Position(id)
	if !ok {
		st, err := snap.StatusOf(id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("position %d is %s: %w", id, st, ErrNotOpen)
	}

	var (
		res   pnl.Result
		price decimal.Decimal
		err   error
	)
	if mark != nil {
		price = *mark
		res, err = pnl.Compute(p, price)
	} else {
		res, price, err = s.pnl.ForPosition(ctx, p)
	}
	if err != nil {
		return nil, err
	}

	return &PnLResponse{
		PositionID: p.ID,
		Asset:      p.Asset,
		Side:       p.Side.String(),
		MarkPrice:  price.String(),
		EntryPrice: p.EntryPrice.String(),
		PnL:        res.PnL.String(),
		PnLPercent: res.PnLPercent.String(),
		Freshness:  s.freshness(snap),
	}, nil
}

// Status reports the coordinator state and ledger size.
func (s *Service) Status() StatusResponse {
	snap := s.ledger.Snapshot()
	stats := snap.Stats()
	digest := snap.Digest()

	caughtUp := false
	select {
	case <-s.status.CaughtUp():
		caughtUp = true
	default:
	}

	tracker := s.status.Tracker()
	return StatusResponse{
		Status:      s.status.Status().String(),
		CaughtUp:    caughtUp,
		HighWater:   stats.HighWater.String(),
		Version:     stats.Version,
		Open:        stats.Open,
		Pending:     stats.Pending,
		Terminal:    stats.Terminal,
		Digest:      hex.EncodeToString(digest[:]),
		Regressions: tracker.Regressions(reconcile.SourceBackfill) + tracker.Regressions(reconcile.SourceLive),
	}
}

func (s *Service) freshness(snap *ledger.Snapshot) Freshness {
	st := s.status.Status()
	return Freshness{
		LedgerStatus: st.String(),
		Incomplete:   st != reconcile.StatusLive,
		AsOfSequence: snap.HighWater.String(),
		Version:      snap.Version,
	}
}

func positionView(p *ledger.Position) PositionView {
	return PositionView{
		PositionID: p.ID,
		Trader:     p.Trader,
		Asset:      p.Asset,
		Side:       p.Side.String(),
		IsLong:     p.IsLong(),
		Size:       p.Size.String(),
		Collateral: p.Collateral.String(),
		Leverage:   p.Leverage,
		EntryPrice: p.EntryPrice.String(),
		OpenedAt:   p.Sequence.String(),
	}
}

func interestView(in openinterest.Interest) OpenInterestView {
	return OpenInterestView{
		Asset:         in.Asset,
		LongNotional:  in.Long.String(),
		ShortNotional: in.Short.String(),
		Total:         in.Total.String(),
		LongRatio:     in.LongRatio.String(),
		ShortRatio:    in.ShortRatio.String(),
	}
}
