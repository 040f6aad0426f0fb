package reconcile

import (
	"sync"

	"PositionLedger/internal/event"
)

// SequenceTracker records the highest sequence seen per source and counts
// regressions (deliveries older than what that source already produced,
// which is what redelivery after a reconnect looks like).
// Safe for concurrent use.
type SequenceTracker struct {
	mu          sync.Mutex
	highest     map[string]event.SequenceID
	regressions map[string]int64
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{
		highest:     make(map[string]event.SequenceID),
		regressions: make(map[string]int64),
	}
}

// Observe records a delivery and reports whether it was a regression.
func (t *SequenceTracker) Observe(source string, seq event.SequenceID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.highest[source]
	switch {
	case !ok || cur.Less(seq):
		t.highest[source] = seq
		return false
	case seq.Less(cur):
		t.regressions[source]++
		return true
	default:
		return false
	}
}

// Highest returns the highest sequence seen for source.
func (t *SequenceTracker) Highest(source string) (event.SequenceID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.highest[source]
	return s, ok
}

// HighestOverall returns the max across every source.
func (t *SequenceTracker) HighestOverall() (event.SequenceID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best event.SequenceID
	found := false
	for _, s := range t.highest {
		if !found || best.Less(s) {
			best = s
			found = true
		}
	}
	return best, found
}

func (t *SequenceTracker) Regressions(source string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regressions[source]
}
