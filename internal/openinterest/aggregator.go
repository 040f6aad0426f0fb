package openinterest

import (
	"PositionLedger/internal/ledger"

	"github.com/shopspring/decimal"
)

// ratioPlaces is the display precision of long/short ratios.
const ratioPlaces = 18

var half = decimal.New(5, -1)

// SnapshotSource is satisfied by *ledger.Ledger.
type SnapshotSource interface {
	Snapshot() *ledger.Snapshot
}

// Interest is the open interest of one asset (or every asset when Asset is
// empty), converted for display.
type Interest struct {
	Asset      string
	Long       decimal.Decimal
	Short      decimal.Decimal
	Total      decimal.Decimal
	LongRatio  decimal.Decimal
	ShortRatio decimal.Decimal
}

// Aggregator derives open-interest metrics from the ledger's incremental
// aggregates. Nothing is cached: every call reads the current snapshot, so
// results always agree with GetOpen at the same version.
type Aggregator struct {
	src SnapshotSource
}

func NewAggregator(src SnapshotSource) *Aggregator {
	return &Aggregator{src: src}
}

// OpenInterest returns long, short and ratios for asset. Empty asset sums
// across every asset.
func (a *Aggregator) OpenInterest(asset string) Interest {
	return OpenInterestAt(a.src.Snapshot(), asset)
}

// All returns one Interest per asset with open exposure, sorted by asset,
// all read from a single snapshot.
func (a *Aggregator) All() []Interest {
	return AllAt(a.src.Snapshot())
}

// OpenInterestAt is OpenInterest against a snapshot the caller already
// holds, so the figures match that snapshot's version.
func OpenInterestAt(snap *ledger.Snapshot, asset string) Interest {
	return interestOf(asset, snap.Aggregates(asset))
}

// AllAt is All against a snapshot the caller already holds.
func AllAt(snap *ledger.Snapshot) []Interest {
	assets := snap.Assets()
	out := make([]Interest, 0, len(assets))
	for _, asset := range assets {
		out = append(out, interestOf(asset, snap.Aggregates(asset)))
	}
	return out
}

// LongRatio is long / (long + short), or 0.5 when both sides are zero.
func (a *Aggregator) LongRatio(asset string) decimal.Decimal {
	return a.OpenInterest(asset).LongRatio
}

// ShortRatio is short / (long + short), or 0.5 when both sides are zero.
func (a *Aggregator) ShortRatio(asset string) decimal.Decimal {
	return a.OpenInterest(asset).ShortRatio
}

func interestOf(asset string, e ledger.Exposure) Interest {
	long, short := e.Long.Decimal(), e.Short.Decimal()
	total := e.Total().Decimal()

	in := Interest{Asset: asset, Long: long, Short: short, Total: total}
	if total.IsZero() {
		in.LongRatio, in.ShortRatio = half, half
		return in
	}
	in.LongRatio = long.DivRound(total, ratioPlaces)
	in.ShortRatio = short.DivRound(total, ratioPlaces)
	return in
}
