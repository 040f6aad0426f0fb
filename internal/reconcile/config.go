package reconcile

import (
	"fmt"
	"time"
)

// Config tunes retry and window behavior.
type Config struct {
	// Horizon is the backfill window in blocks (or stream sequences).
	Horizon uint64

	BackfillTimeout         time.Duration
	BackfillMaxAttempts     int
	BackfillInitialInterval time.Duration
	BackfillMaxInterval     time.Duration
	// Jitter is the backoff randomization factor in [0, 1).
	Jitter float64

	ResubscribeInitialInterval time.Duration
	ResubscribeMaxInterval     time.Duration
	// RedeliveryWindow is how many blocks before the last seen event a
	// resubscription resumes from.
	RedeliveryWindow uint64

	// PruneInterval <= 0 disables pruning.
	PruneInterval time.Duration
	// DegradedRetryInterval <= 0 leaves a Degraded coordinator degraded.
	DegradedRetryInterval time.Duration

	// LiveBuffer sizes the channel between subscription and ledger.
	LiveBuffer int
}

// DefaultConfig mirrors the window the venue's UI used: the last 1000 blocks.
func DefaultConfig() Config {
	return Config{
		Horizon:                    1000,
		BackfillTimeout:            30 * time.Second,
		BackfillMaxAttempts:        5,
		BackfillInitialInterval:    500 * time.Millisecond,
		BackfillMaxInterval:        10 * time.Second,
		Jitter:                     0.5,
		ResubscribeInitialInterval: time.Second,
		ResubscribeMaxInterval:     30 * time.Second,
		RedeliveryWindow:           10,
		PruneInterval:              time.Minute,
		DegradedRetryInterval:      2 * time.Minute,
		LiveBuffer:                 1024,
	}
}

func (c Config) Validate() error {
	if c.Horizon == 0 {
		return fmt.Errorf("reconcile: horizon must be positive")
	}
	if c.BackfillMaxAttempts < 1 {
		return fmt.Errorf("reconcile: backfill max attempts must be at least 1, got %d", c.BackfillMaxAttempts)
	}
	if c.BackfillTimeout <= 0 {
		return fmt.Errorf("reconcile: backfill timeout must be positive")
	}
	if c.BackfillInitialInterval <= 0 || c.BackfillMaxInterval < c.BackfillInitialInterval {
		return fmt.Errorf("reconcile: invalid backfill intervals %s..%s", c.BackfillInitialInterval, c.BackfillMaxInterval)
	}
	if c.ResubscribeInitialInterval <= 0 || c.ResubscribeMaxInterval < c.ResubscribeInitialInterval {
		return fmt.Errorf("reconcile: invalid resubscribe intervals %s..%s", c.ResubscribeInitialInterval, c.ResubscribeMaxInterval)
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("reconcile: jitter must be in [0, 1), got %v", c.Jitter)
	}
	if c.LiveBuffer < 0 {
		return fmt.Errorf("reconcile: live buffer must not be negative")
	}
	return nil
}

// BackfillFrom returns the first block of the horizon ending at head,
// inclusive: head=5000, horizon=1000 gives 4001.
func (c Config) BackfillFrom(head uint64) uint64 {
	if head+1 <= c.Horizon {
		return 0
	}
	return head + 1 - c.Horizon
}
