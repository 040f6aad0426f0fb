package reconcile

import "fmt"

// Status is the ledger's completeness as seen by consumers.
type Status int32

const (
	// StatusInitializing: backfill has not completed; data may be incomplete.
	StatusInitializing Status = iota
	// StatusLive: backfill applied in full, live feed running.
	StatusLive
	// StatusDegraded: backfill exhausted its retries. Data is kept but may be incomplete.
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "Initializing"
	case StatusLive:
		return "Live"
	case StatusDegraded:
		return "Degraded"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusListener is notified of every status change. Implementations must
// return quickly and must not call back into the coordinator; they run on
// its goroutines.
type StatusListener interface {
	OnStatusChange(prev, next Status)
}

// StatusListenerFunc adapts a function to StatusListener.
type StatusListenerFunc func(prev, next Status)

func (f StatusListenerFunc) OnStatusChange(prev, next Status) { f(prev, next) }
