package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/ledger"
	"PositionLedger/internal/observability"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

var ErrAlreadyRunning = errors.New("reconcile: coordinator already running")

// Source labels attached to events and metrics.
const (
	SourceBackfill = "backfill"
	SourceLive     = "live"
)

// EventSource is the adapter contract over the external position log.
type EventSource interface {
	// Head returns the newest sequence block the source knows of.
	Head(ctx context.Context) (uint64, error)

	// Backfill returns every event from block `from` up to the head observed
	// when the call started, in source order. Bounded; safe to retry.
	Backfill(ctx context.Context, from uint64) ([]*event.Event, error)

	// Subscribe pushes live events into sink until the subscription fails or
	// is unsubscribed. resumeFrom > 0 asks the source to redeliver from that
	// block; 0 means start at the current head. Delivery is at-least-once.
	Subscribe(ctx context.Context, resumeFrom uint64, sink chan<- *event.Event) (Subscription, error)
}

// Subscription is a live feed handle. Err delivers at most one error; a
// closed Err channel also ends the subscription. No sends to sink happen
// after Unsubscribe returns.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// Coordinator runs backfill and the live subscription concurrently against
// one ledger. Both paths call Ledger.Apply directly: apply is idempotent and
// terminal-precedent, so arrival order across sources does not matter.
type Coordinator struct {
	cfg     Config
	source  EventSource
	ledger  *ledger.Ledger
	logger  zerolog.Logger
	metrics *observability.Metrics
	tracker *SequenceTracker

	outs      []chan<- ledger.Transition
	listeners []StatusListener

	status atomic.Int32
	// backfillHead is the head the last successful backfill covered up to.
	// liveAnchor is the head observed before the first live subscription.
	backfillHead atomic.Uint64
	liveAnchor   atomic.Uint64

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	caughtUp chan struct{}
	upOnce   *sync.Once
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTransitions sends every non-duplicate transition to ch. Sends never
// block; a full channel drops the transition. May be given more than once.
func WithTransitions(ch chan<- ledger.Transition) Option {
	return func(c *Coordinator) { c.outs = append(c.outs, ch) }
}

func WithStatusListener(l StatusListener) Option {
	return func(c *Coordinator) { c.listeners = append(c.listeners, l) }
}

// NewCoordinator validates cfg and builds an idle coordinator.
func NewCoordinator(cfg Config, source EventSource, l *ledger.Ledger, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil || l == nil {
		return nil, fmt.Errorf("reconcile: source and ledger are required")
	}
	c := &Coordinator{
		cfg:      cfg,
		source:   source,
		ledger:   l,
		logger:   zerolog.Nop(),
		tracker:  NewSequenceTracker(),
		caughtUp: make(chan struct{}),
		upOnce:   new(sync.Once),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status.Store(int32(StatusInitializing))
	return c, nil
}

// Status returns the current ledger status.
func (c *Coordinator) Status() Status {
	return Status(c.status.Load())
}

// CaughtUp is closed once the current run's backfill has been fully applied.
func (c *Coordinator) CaughtUp() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caughtUp
}

// Tracker exposes per-source sequence progress.
func (c *Coordinator) Tracker() *SequenceTracker {
	return c.tracker
}

// Start launches backfill, live subscription and pruning. It returns
// immediately. Calling Start after Stop re-runs backfill against the same
// ledger, which is safe because every transition is idempotent.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	select {
	case <-c.caughtUp:
		// Previous run finished backfill; this run must redo it.
		c.caughtUp = make(chan struct{})
		c.upOnce = new(sync.Once)
	default:
	}
	c.setStatus(StatusInitializing)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.backfillLoop(runCtx)
	}()
	go func() {
		defer wg.Done()
		c.liveLoop(runCtx)
	}()
	if c.cfg.PruneInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pruneLoop(runCtx)
		}()
	}

	done := c.done
	go func() {
		wg.Wait()
		close(done)
	}()

	c.logger.Info().
		Uint64("horizon", c.cfg.Horizon).
		Int("backfill_max_attempts", c.cfg.BackfillMaxAttempts).
		Msg("reconciliation started")
	return nil
}

// Stop cancels in-flight backfill requests, tears down the subscription and
// waits for every goroutine to exit. Safe to call when not running.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.running = false
	c.mu.Unlock()

	cancel()
	<-done
	c.logger.Info().Msg("reconciliation stopped")
}

// Run starts the coordinator and blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	c.Stop()
	return nil
}

// --- Backfill ---

func (c *Coordinator) backfillLoop(ctx context.Context) {
	err := c.backfillCycle(ctx)
	for err != nil {
		if ctx.Err() != nil {
			return
		}
		c.setStatus(StatusDegraded)
		c.logger.Error().Err(err).
			Int("attempts", c.cfg.BackfillMaxAttempts).
			Msg("backfill exhausted retries; serving possibly incomplete data")

		if c.cfg.DegradedRetryInterval <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.DegradedRetryInterval):
		}
		c.logger.Info().Msg("retrying backfill from degraded state")
		err = c.backfillCycle(ctx)
	}

	c.setStatus(StatusLive)
	c.mu.Lock()
	once, ch := c.upOnce, c.caughtUp
	c.mu.Unlock()
	once.Do(func() { close(ch) })
}

// backfillCycle runs BackfillQuery with bounded exponential backoff and
// jitter. Events are applied only after a complete successful response.
func (c *Coordinator) backfillCycle(ctx context.Context) error {
	start := time.Now()
	attempt := 0

	op := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, c.cfg.BackfillTimeout)
		defer cancel()

		head, err := c.source.Head(actx)
		if err != nil {
			return c.classify(ctx, fmt.Errorf("head: %w", err))
		}
		from := c.cfg.BackfillFrom(head)
		evts, err := c.source.Backfill(actx, from)
		if err != nil {
			return c.classify(ctx, fmt.Errorf("backfill from %d: %w", from, err))
		}

		for _, evt := range evts {
			evt.Source = SourceBackfill
			c.apply(evt)
		}
		raise(&c.backfillHead, head)

		if c.metrics != nil {
			c.metrics.BackfillAttempts.WithLabelValues("success").Inc()
			c.metrics.BackfillEvents.Add(float64(len(evts)))
		}
		c.logger.Info().
			Uint64("from", from).
			Uint64("head", head).
			Int("events", len(evts)).
			Int("attempt", attempt).
			Msg("backfill applied")
		return nil
	}

	notify := func(err error, next time.Duration) {
		if c.metrics != nil {
			c.metrics.BackfillAttempts.WithLabelValues("failure").Inc()
		}
		c.logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", next).
			Msg("backfill failed")
	}

	err := backoff.RetryNotify(op, c.backfillBackOff(ctx), notify)
	if c.metrics != nil {
		c.metrics.BackfillDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil && ctx.Err() == nil && c.metrics != nil {
		// RetryNotify does not notify for the final failure.
		c.metrics.BackfillAttempts.WithLabelValues("failure").Inc()
	}
	return err
}

func (c *Coordinator) backfillBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackfillInitialInterval
	bo.MaxInterval = c.cfg.BackfillMaxInterval
	bo.RandomizationFactor = c.cfg.Jitter
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.BackfillMaxAttempts-1)), ctx)
}

// classify stops retrying once the run itself is cancelled. Everything else
// is a transient source error.
func (c *Coordinator) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}
	return err
}

// --- Live subscription ---

func (c *Coordinator) liveLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ResubscribeInitialInterval
	bo.MaxInterval = c.cfg.ResubscribeMaxInterval
	bo.RandomizationFactor = c.cfg.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()

	sink := make(chan *event.Event, c.cfg.LiveBuffer)
	first, anchored := true, false

	for {
		if !anchored {
			hctx, cancel := context.WithTimeout(ctx, c.cfg.BackfillTimeout)
			head, err := c.source.Head(hctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				wait := bo.NextBackOff()
				c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("live head lookup failed")
				if !sleepCtx(ctx, wait) {
					return
				}
				continue
			}
			raise(&c.liveAnchor, head)
			anchored = true
		}

		resume := c.resumePoint()
		sub, err := c.source.Subscribe(ctx, resume, sink)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			c.logger.Warn().Err(err).Uint64("resume_from", resume).Dur("retry_in", wait).Msg("live subscribe failed")
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		if !first {
			if c.metrics != nil {
				c.metrics.Resubscribes.Inc()
			}
			c.logger.Info().Uint64("resume_from", resume).Msg("live subscription re-established")
		}
		first = false

		err = c.consume(ctx, sub, sink, bo)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("live subscription dropped")
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (c *Coordinator) consume(ctx context.Context, sub Subscription, sink <-chan *event.Event, bo backoff.BackOff) error {
	healthy := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return errors.New("subscription closed")
			}
			return err

		case evt := <-sink:
			if evt == nil {
				continue
			}
			if !healthy {
				healthy = true
				bo.Reset()
			}
			evt.Source = SourceLive
			c.apply(evt)
			if c.metrics != nil {
				c.metrics.SetChannelMetrics("live", len(sink), cap(sink))
			}
		}
	}
}

// resumePoint backs off RedeliveryWindow blocks from the newest block known
// to be covered: the head a completed backfill reached, the highest block
// delivered live, or the anchor the first subscription started from. Heads
// observed later (the pruner's, for instance) are not coverage and are
// never used, so an outage is always replayed.
func (c *Coordinator) resumePoint() uint64 {
	covered := c.backfillHead.Load()
	if a := c.liveAnchor.Load(); a > covered {
		covered = a
	}
	if s, ok := c.tracker.Highest(SourceLive); ok && s.Block > covered {
		covered = s.Block
	}
	if covered <= c.cfg.RedeliveryWindow {
		return 1
	}
	return covered - c.cfg.RedeliveryWindow
}

// raise stores v into a if it is larger.
func raise(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}

// --- Pruning ---

func (c *Coordinator) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pruneOnce(ctx)
		}
	}
}

func (c *Coordinator) pruneOnce(ctx context.Context) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.BackfillTimeout)
	head, err := c.source.Head(hctx)
	cancel()
	if err != nil {
		c.logger.Debug().Err(err).Msg("prune skipped: head unavailable")
		return
	}

	floor := c.cfg.BackfillFrom(head)
	if floor > 0 {
		if n := c.ledger.Prune(event.SequenceID{Block: floor}); n > 0 {
			if c.metrics != nil {
				c.metrics.PrunedRecords.Add(float64(n))
			}
			c.logger.Debug().Int("pruned", n).Uint64("floor", floor).Msg("pruned terminal records")
		}
	}

	if err := c.ledger.Verify(); err != nil {
		if c.metrics != nil {
			c.metrics.InvariantViolations.Inc()
		}
		c.logger.Error().Err(err).Msg("ledger verification failed")
	}
	c.updateGauges("")
}

// --- Apply path ---

func (c *Coordinator) apply(evt *event.Event) {
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now()
	}

	res, err := c.ledger.Apply(evt)
	if err != nil {
		field := "unknown"
		var me *event.MalformedEventError
		if errors.As(err, &me) {
			field = me.Field
		}
		if c.metrics != nil {
			c.metrics.EventsMalformed.WithLabelValues(evt.Source, field).Inc()
		}
		c.logger.Warn().Err(err).
			Str("source", evt.Source).
			Uint64("position_id", evt.PositionID).
			Str("sequence", evt.Sequence.String()).
			Msg("dropping malformed event")
		return
	}

	if regressed := c.tracker.Observe(evt.Source, evt.Sequence); regressed && c.metrics != nil {
		c.metrics.SequenceRegressions.WithLabelValues(evt.Source).Inc()
	}

	if c.metrics != nil {
		c.metrics.EventsApplied.WithLabelValues(evt.Source, evt.Kind.String(), res.Outcome.String()).Inc()
		if res.Conflict {
			c.metrics.TerminalConflicts.Inc()
		}
	}

	if res.Outcome == ledger.Duplicate {
		return
	}
	if res.Position != nil {
		c.updateGauges(res.Position.Asset)
	} else {
		c.updateGauges("")
	}
	c.emit(ledger.Transition{Event: evt, Result: res, AppliedAt: time.Now()})
}

func (c *Coordinator) emit(t ledger.Transition) {
	for _, out := range c.outs {
		select {
		case out <- t:
		default:
			if c.metrics != nil {
				c.metrics.TransitionDrops.Inc()
			}
		}
	}
}

func (c *Coordinator) updateGauges(asset string) {
	if c.metrics == nil {
		return
	}
	snap := c.ledger.Snapshot()
	c.metrics.OpenPositions.Set(float64(snap.Len()))
	c.metrics.PendingTerminal.Set(float64(snap.Pending()))
	c.metrics.HighWaterBlock.Set(float64(snap.HighWater.Block))

	assets := snap.Assets()
	if asset != "" {
		assets = []string{asset}
	}
	for _, a := range assets {
		exp := snap.Aggregates(a)
		c.metrics.OpenInterest.WithLabelValues(a, "long").Set(exp.Long.Decimal().InexactFloat64())
		c.metrics.OpenInterest.WithLabelValues(a, "short").Set(exp.Short.Decimal().InexactFloat64())
	}
}

// --- Status ---

func (c *Coordinator) setStatus(next Status) {
	prev := Status(c.status.Swap(int32(next)))
	if prev == next {
		return
	}
	if c.metrics != nil {
		c.metrics.LedgerStatus.Set(float64(next))
		c.metrics.StatusTransitions.WithLabelValues(prev.String(), next.String()).Inc()
	}
	c.logger.Info().Str("from", prev.String()).Str("to", next.String()).Msg("ledger status changed")
	for _, l := range c.listeners {
		l.OnStatusChange(prev, next)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		d = 0
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
