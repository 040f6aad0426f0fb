package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"PositionLedger/internal/event"
	fpmath "PositionLedger/internal/math"

	"github.com/google/btree"
	"github.com/rs/zerolog"
)

var ErrUnknownPosition = errors.New("unknown position")

// Outcome of applying one event.
type Outcome int32

const (
	// Applied: a normal lifecycle transition took effect.
	Applied Outcome = iota + 1
	// Duplicate: (positionId, kind) was already processed. No state change.
	Duplicate
	// Buffered: terminal event arrived before its Opened event.
	Buffered
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Buffered:
		return "buffered"
	default:
		return "unknown"
	}
}

// Result describes what Apply did. Status is the position's status after the
// event; Position is a copy of the affected open position when one exists.
type Result struct {
	Outcome  Outcome
	Status   Status
	Position *Position

	// Conflict is set when a second, different terminal kind arrived for an
	// already-terminated id. The first terminal wins.
	Conflict bool
}

// Transition pairs an event with its result, for downstream consumers.
type Transition struct {
	Event     *event.Event
	Result    Result
	AppliedAt time.Time
}

// Observer is called after every Apply, under the writer lock.
// It must not call back into the ledger.
type Observer func(evt *event.Event, res Result, elapsed time.Duration)

// terminalRecord remembers a terminal event per id. Opened=false means the
// terminal is still pending an Opened event.
type terminalRecord struct {
	ID       uint64
	Kind     event.Kind
	Sequence event.SequenceID
	Opened   bool
}

// Ledger is the idempotent, terminal-precedent position state machine.
//
// Writers serialize on mu; each Apply is atomic with respect to the open
// set, the terminal records and the aggregates. Readers go through Snapshot,
// which is an atomically swapped immutable view and never takes mu.
type Ledger struct {
	mu         sync.Mutex
	open       *btree.BTreeG[*Position]
	terminal   *btree.BTreeG[terminalRecord]
	pending    int
	aggregates map[string]Exposure // copy-on-write, shared with snapshots
	highWater  event.SequenceID
	version    uint64

	snap snapshotHolder

	observer Observer
	logger   zerolog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observer = o }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

const btreeDegree = 32

func byID(a, b *Position) bool { return a.ID < b.ID }

func terminalByID(a, b terminalRecord) bool { return a.ID < b.ID }

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		open:       btree.NewG[*Position](btreeDegree, byID),
		terminal:   btree.NewG[terminalRecord](btreeDegree, terminalByID),
		aggregates: make(map[string]Exposure),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.publish()
	return l
}

// Apply folds one event into the ledger. Malformed events return an error
// wrapping event.ErrMalformedEvent and leave state untouched; every other
// event yields an Outcome.
func (l *Ledger) Apply(evt *event.Event) (Result, error) {
	if err := evt.Validate(); err != nil {
		return Result{}, err
	}

	start := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var res Result
	if evt.Kind == event.KindOpened {
		res = l.applyOpened(evt)
	} else {
		res = l.applyTerminal(evt)
	}

	if l.highWater.Less(evt.Sequence) {
		l.highWater = evt.Sequence
	}
	l.version++
	l.publish()

	if l.observer != nil {
		l.observer(evt, res, time.Since(start))
	}
	return res, nil
}

func (l *Ledger) applyOpened(evt *event.Event) Result {
	id := evt.PositionID

	if existing, ok := l.open.Get(&Position{ID: id}); ok {
		cp := *existing
		return Result{Outcome: Duplicate, Status: StatusOpen, Position: &cp}
	}

	if rec, ok := l.terminal.Get(terminalRecord{ID: id}); ok {
		status := StatusFromKind(rec.Kind)
		if rec.Opened {
			return Result{Outcome: Duplicate, Status: status}
		}
		// Terminal precedence: resolve straight to the recorded terminal
		// status without touching the open set or the aggregates.
		rec.Opened = true
		if rec.Sequence.Less(evt.Sequence) {
			rec.Sequence = evt.Sequence
		}
		l.terminal.ReplaceOrInsert(rec)
		l.pending--
		return Result{Outcome: Applied, Status: status}
	}

	pos := positionFromEvent(evt)
	l.open.ReplaceOrInsert(pos)
	l.adjustExposure(pos, true)

	cp := *pos
	return Result{Outcome: Applied, Status: StatusOpen, Position: &cp}
}

func (l *Ledger) applyTerminal(evt *event.Event) Result {
	id := evt.PositionID
	next := StatusFromKind(evt.Kind)

	if rec, ok := l.terminal.Get(terminalRecord{ID: id}); ok {
		status := StatusFromKind(rec.Kind)
		res := Result{Outcome: Duplicate, Status: status}
		if rec.Kind != evt.Kind {
			res.Conflict = true
			l.logger.Warn().
				Uint64("position_id", id).
				Str("recorded", rec.Kind.String()).
				Str("received", evt.Kind.String()).
				Str("sequence", evt.Sequence.String()).
				Msg("conflicting terminal event ignored")
		}
		return res
	}

	if pos, ok := l.open.Delete(&Position{ID: id}); ok {
		if !pos.Status.CanTransitionTo(next) {
			// Unreachable: open entries are always StatusOpen.
			panic(fmt.Sprintf("ledger: position %d in status %s cannot become %s", id, pos.Status, next))
		}
		l.adjustExposure(pos, false)
		seq := evt.Sequence
		if seq.Less(pos.Sequence) {
			seq = pos.Sequence
		}
		l.terminal.ReplaceOrInsert(terminalRecord{ID: id, Kind: evt.Kind, Sequence: seq, Opened: true})

		cp := *pos
		cp.Status = next
		return Result{Outcome: Applied, Status: next, Position: &cp}
	}

	l.terminal.ReplaceOrInsert(terminalRecord{ID: id, Kind: evt.Kind, Sequence: evt.Sequence})
	l.pending++
	return Result{Outcome: Buffered, Status: next}
}

// adjustExposure adds or removes a position's size on its side. The map is
// replaced rather than mutated because published snapshots share it.
func (l *Ledger) adjustExposure(pos *Position, add bool) {
	next := make(map[string]Exposure, len(l.aggregates)+1)
	for k, v := range l.aggregates {
		next[k] = v
	}

	exp, ok := next[pos.Asset]
	if !ok {
		exp = zeroExposure()
	}
	if add {
		exp = exp.add(pos.Side, pos.Size)
	} else {
		exp = exp.sub(pos.Side, pos.Size)
	}
	if exp.Long.IsZero() && exp.Short.IsZero() {
		delete(next, pos.Asset)
	} else {
		next[pos.Asset] = exp
	}
	l.aggregates = next
}

// Prune forgets terminal records older than floor. Pending entries that old
// are treated as permanently resolved. Open positions are never pruned.
// Returns the number of records dropped.
func (l *Ledger) Prune(floor event.SequenceID) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stale []terminalRecord
	l.terminal.Ascend(func(rec terminalRecord) bool {
		if rec.Sequence.Less(floor) {
			stale = append(stale, rec)
		}
		return true
	})
	for _, rec := range stale {
		if !rec.Opened {
			l.pending--
		}
		l.terminal.Delete(rec)
	}
	dropped := len(stale)
	if dropped > 0 {
		l.version++
		l.publish()
	}
	return dropped
}

// StatusOf reports the known status for an id, or ErrUnknownPosition.
func (l *Ledger) StatusOf(id uint64) (Status, error) {
	return l.Snapshot().StatusOf(id)
}

// GetOpen returns a point-in-time copy of open positions matching f,
// ordered by position id.
func (l *Ledger) GetOpen(f Filter) []Position {
	return l.Snapshot().Open(f)
}

// GetAggregates returns long/short notional for one asset, or summed over
// every asset when asset is empty.
func (l *Ledger) GetAggregates(asset string) Exposure {
	return l.Snapshot().Aggregates(asset)
}

// Stats summarizes ledger size.
type Stats struct {
	Open      int
	Pending   int
	Terminal  int
	HighWater event.SequenceID
	Version   uint64
}

func (l *Ledger) Stats() Stats {
	return l.Snapshot().Stats()
}

func (s *Snapshot) Stats() Stats {
	return Stats{
		Open:      s.Len(),
		Pending:   s.pending,
		Terminal:  s.terminal.Len(),
		HighWater: s.HighWater,
		Version:   s.Version,
	}
}

// Exposure is the aggregate notional per side.
type Exposure struct {
	Long  fpmath.Amount
	Short fpmath.Amount
}

func zeroExposure() Exposure {
	return Exposure{
		Long:  fpmath.Zero(fpmath.NotionalConfig.DecimalPrecision),
		Short: fpmath.Zero(fpmath.NotionalConfig.DecimalPrecision),
	}
}

// Total returns Long + Short.
func (e Exposure) Total() fpmath.Amount {
	return e.Long.Add(e.Short)
}

func (e Exposure) add(side event.Side, size fpmath.Amount) Exposure {
	if side == event.SideLong {
		e.Long = e.Long.Add(size)
	} else {
		e.Short = e.Short.Add(size)
	}
	return e
}

func (e Exposure) sub(side event.Side, size fpmath.Amount) Exposure {
	if side == event.SideLong {
		e.Long = e.Long.Sub(size)
	} else {
		e.Short = e.Short.Sub(size)
	}
	return e
}
