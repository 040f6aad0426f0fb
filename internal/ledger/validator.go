package ledger

import (
	"fmt"
	"sort"
	"strings"
)

// Verify checks the latest snapshot. It never takes the writer lock.
func (l *Ledger) Verify() error {
	return l.Snapshot().Verify()
}

// Verify recomputes per-asset long/short sums from the open set and checks
// them against the incrementally maintained aggregates. It also checks that
// no id is both open and terminal and that the pending count matches.
func (s *Snapshot) Verify() error {
	var problems []string

	recomputed := make(map[string]Exposure)
	s.open.Ascend(func(p *Position) bool {
		exp, ok := recomputed[p.Asset]
		if !ok {
			exp = zeroExposure()
		}
		recomputed[p.Asset] = exp.add(p.Side, p.Size)

		if _, dup := s.terminal.Get(terminalRecord{ID: p.ID}); dup {
			problems = append(problems, fmt.Sprintf("position %d is both open and terminal", p.ID))
		}
		return true
	})

	assets := make(map[string]struct{}, len(recomputed)+len(s.aggregates))
	for a := range recomputed {
		assets[a] = struct{}{}
	}
	for a := range s.aggregates {
		assets[a] = struct{}{}
	}
	for a := range assets {
		want, ok := recomputed[a]
		if !ok {
			want = zeroExposure()
		}
		got, ok := s.aggregates[a]
		if !ok {
			got = zeroExposure()
		}
		if got.Long.Cmp(want.Long) != 0 {
			problems = append(problems, fmt.Sprintf("%s long notional drift: have %s, open set sums to %s", a, got.Long, want.Long))
		}
		if got.Short.Cmp(want.Short) != 0 {
			problems = append(problems, fmt.Sprintf("%s short notional drift: have %s, open set sums to %s", a, got.Short, want.Short))
		}
	}

	pending := 0
	s.terminal.Ascend(func(rec terminalRecord) bool {
		if !rec.Opened {
			pending++
		}
		return true
	})
	if pending != s.pending {
		problems = append(problems, fmt.Sprintf("pending count %d, terminal records hold %d", s.pending, pending))
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("ledger invariant violated: %s", strings.Join(problems, "; "))
}
