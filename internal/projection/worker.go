package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"PositionLedger/internal/ledger"
	"PositionLedger/internal/observability"
	"PositionLedger/internal/openinterest"
	"PositionLedger/internal/reconcile"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Worker mirrors ledger transitions into Postgres read-model tables for
// external dashboards. The tables are a projection, never a source of truth:
// they are truncated on start and rebuilt as the ledger is.
type Worker struct {
	db         *sql.DB
	ledger     *ledger.Ledger
	oi         *openinterest.Aggregator
	inputChan  <-chan ledger.Transition
	statusChan chan reconcile.Status
	metrics    *observability.Metrics
	logger     zerolog.Logger
	maxRetries uint64
}

func NewWorker(db *sql.DB, l *ledger.Ledger, inputChan <-chan ledger.Transition, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		db:         db,
		ledger:     l,
		oi:         openinterest.NewAggregator(l),
		inputChan:  inputChan,
		statusChan: make(chan reconcile.Status, 1),
		metrics:    metrics,
		logger:     logger,
		maxRetries: 3,
	}
}

// OnStatusChange queues the new status for the worker goroutine. Only the
// latest pending status is kept.
func (w *Worker) OnStatusChange(_, next reconcile.Status) {
	for {
		select {
		case w.statusChan <- next:
			return
		default:
		}
		select {
		case <-w.statusChan:
		default:
		}
	}
}

// Run truncates the projection and then applies transitions until ctx is
// cancelled or the input channel closes.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Reset(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case st := <-w.statusChan:
			w.withRetry(ctx, "status", func() error { return w.writeStatus(ctx, st) })

		case t, ok := <-w.inputChan:
			if !ok {
				return nil
			}
			start := time.Now()
			w.withRetry(ctx, "transition", func() error { return w.applyTransition(ctx, t) })
			if w.metrics != nil {
				w.metrics.ProjectionUpdateDur.Observe(time.Since(start).Seconds())
			}
		}
	}
}

// Reset empties every projection table.
func (w *Worker) Reset(ctx context.Context) error {
	if _, err := w.db.ExecContext(ctx, `
		TRUNCATE projections.open_positions, projections.open_interest, projections.ledger_status
	`); err != nil {
		return fmt.Errorf("truncate projections: %w", err)
	}
	return nil
}

// withRetry runs op with capped exponential backoff. A write that still
// fails is logged and skipped; the next transition rewrites the asset's
// aggregate and the status row, so the projection converges.
func (w *Worker) withRetry(ctx context.Context, what string, op func() error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if w.metrics != nil {
			w.metrics.ProjectionErrors.Inc()
		}
		w.logger.Warn().Err(err).Str("write", what).Msg("projection update failed")
	}
}

func (w *Worker) applyTransition(ctx context.Context, t ledger.Transition) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if p := t.Result.Position; p != nil {
		if t.Result.Status == ledger.StatusOpen {
			if err := upsertPosition(ctx, tx, p); err != nil {
				return fmt.Errorf("upsert position: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM projections.open_positions WHERE position_id = $1`,
				strconv.FormatUint(p.ID, 10),
			); err != nil {
				return fmt.Errorf("delete position: %w", err)
			}
		}
		if err := w.refreshInterest(ctx, tx, p.Asset); err != nil {
			return fmt.Errorf("open interest: %w", err)
		}
	}

	if err := w.refreshCounters(ctx, tx); err != nil {
		return fmt.Errorf("ledger status: %w", err)
	}
	return tx.Commit()
}

func upsertPosition(ctx context.Context, tx *sql.Tx, p *ledger.Position) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.open_positions
			(position_id, trader, asset, side, size, collateral, leverage, entry_price, opened_block, opened_index, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (position_id) DO UPDATE SET
			trader = EXCLUDED.trader, asset = EXCLUDED.asset, side = EXCLUDED.side,
			size = EXCLUDED.size, collateral = EXCLUDED.collateral, leverage = EXCLUDED.leverage,
			entry_price = EXCLUDED.entry_price, opened_block = EXCLUDED.opened_block,
			opened_index = EXCLUDED.opened_index, updated_at = NOW()
	`,
		strconv.FormatUint(p.ID, 10), p.Trader, p.Asset, p.Side.String(),
		p.Size.String(), p.Collateral.String(), int64(p.Leverage), p.EntryPrice.String(),
		int64(p.Sequence.Block), int64(p.Sequence.Index),
	)
	return err
}

// refreshInterest rewrites one asset's row from the current ledger
// aggregates, deleting it once both sides are zero.
func (w *Worker) refreshInterest(ctx context.Context, tx *sql.Tx, asset string) error {
	in := w.oi.OpenInterest(asset)
	if in.Total.IsZero() {
		_, err := tx.ExecContext(ctx, `DELETE FROM projections.open_interest WHERE asset = $1`, asset)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.open_interest (asset, long_notional, short_notional, long_ratio, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (asset) DO UPDATE SET
			long_notional = EXCLUDED.long_notional, short_notional = EXCLUDED.short_notional,
			long_ratio = EXCLUDED.long_ratio, updated_at = NOW()
	`, asset, in.Long.String(), in.Short.String(), in.LongRatio.String())
	return err
}

func (w *Worker) refreshCounters(ctx context.Context, tx *sql.Tx) error {
	stats := w.ledger.Stats()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.ledger_status
			(id, status, high_water_block, high_water_index, open_positions, pending_terminal, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			high_water_block = EXCLUDED.high_water_block, high_water_index = EXCLUDED.high_water_index,
			open_positions = EXCLUDED.open_positions, pending_terminal = EXCLUDED.pending_terminal,
			updated_at = NOW()
	`, reconcile.StatusInitializing.String(), int64(stats.HighWater.Block), int64(stats.HighWater.Index), stats.Open, stats.Pending)
	return err
}

func (w *Worker) writeStatus(ctx context.Context, st reconcile.Status) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO projections.ledger_status (id, status, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
	`, st.String())
	return err
}
