package ledger

import (
	"fmt"
	"sort"
	"sync/atomic"

	"PositionLedger/internal/event"
	fpmath "PositionLedger/internal/math"

	"github.com/google/btree"
)

// Filter narrows GetOpen. Empty fields match everything.
type Filter struct {
	Trader string
	Asset  string
}

// Snapshot is an immutable point-in-time view of the ledger. It is safe for
// concurrent use and stays valid after later Apply calls.
type Snapshot struct {
	open       *btree.BTreeG[*Position]
	aggregates map[string]Exposure
	terminal   *btree.BTreeG[terminalRecord]
	pending    int

	HighWater event.SequenceID
	Version   uint64
}

type snapshotHolder struct {
	p atomic.Pointer[Snapshot]
}

// publish swaps in a fresh snapshot. Caller holds l.mu.
// BTreeG.Clone is lazy copy-on-write, so this is O(1) for both trees.
func (l *Ledger) publish() {
	l.snap.p.Store(&Snapshot{
		open:       l.open.Clone(),
		aggregates: l.aggregates,
		terminal:   l.terminal.Clone(),
		pending:    l.pending,
		HighWater:  l.highWater,
		Version:    l.version,
	})
}

// Snapshot returns the latest published view without locking.
func (l *Ledger) Snapshot() *Snapshot {
	return l.snap.p.Load()
}

// Len is the number of open positions.
func (s *Snapshot) Len() int {
	return s.open.Len()
}

// Pending is the number of terminal markers waiting for their Opened event.
func (s *Snapshot) Pending() int {
	return s.pending
}

// Position looks up one open position by id.
func (s *Snapshot) Position(id uint64) (Position, bool) {
	p, ok := s.open.Get(&Position{ID: id})
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// StatusOf reports the status of id as of this snapshot. Ids that are only
// known through a pending terminal report ErrUnknownPosition.
func (s *Snapshot) StatusOf(id uint64) (Status, error) {
	if _, ok := s.open.Get(&Position{ID: id}); ok {
		return StatusOpen, nil
	}
	if rec, ok := s.terminal.Get(terminalRecord{ID: id}); ok && rec.Opened {
		return StatusFromKind(rec.Kind), nil
	}
	return StatusUnknown, fmt.Errorf("position %d: %w", id, ErrUnknownPosition)
}

// Open returns copies of the open positions matching f, ordered by id.
func (s *Snapshot) Open(f Filter) []Position {
	out := make([]Position, 0, s.open.Len())
	s.open.Ascend(func(p *Position) bool {
		if p.matches(f) {
			out = append(out, *p)
		}
		return true
	})
	return out
}

// Aggregates returns the exposure for asset, or the sum across assets when
// asset is empty. Unknown assets report zero on both sides.
func (s *Snapshot) Aggregates(asset string) Exposure {
	if asset != "" {
		if e, ok := s.aggregates[asset]; ok {
			return Exposure{
				Long:  fpmath.NewAmount(e.Long.Raw, e.Long.Decimals),
				Short: fpmath.NewAmount(e.Short.Raw, e.Short.Decimals),
			}
		}
		return zeroExposure()
	}
	total := zeroExposure()
	for _, e := range s.aggregates {
		total.Long = total.Long.Add(e.Long)
		total.Short = total.Short.Add(e.Short)
	}
	return total
}

// Assets lists assets with non-zero exposure, sorted.
func (s *Snapshot) Assets() []string {
	out := make([]string, 0, len(s.aggregates))
	for a := range s.aggregates {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
