package event

import (
	"fmt"
	"time"
)

// Kind discriminator for position lifecycle events
type Kind int32

const (
	KindUnknown Kind = iota
	KindOpened
	KindClosed
	KindLiquidated
)

func (k Kind) String() string {
	switch k {
	case KindOpened:
		return "Opened"
	case KindClosed:
		return "Closed"
	case KindLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether the kind ends a position's lifecycle.
func (k Kind) IsTerminal() bool {
	return k == KindClosed || k == KindLiquidated
}

// ParseKind accepts the names produced by String, or their lowercase form.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "Opened", "opened":
		return KindOpened, nil
	case "Closed", "closed":
		return KindClosed, nil
	case "Liquidated", "liquidated":
		return KindLiquidated, nil
	default:
		return KindUnknown, fmt.Errorf("unknown event kind %q", s)
	}
}

// SequenceID is the source-assigned ordering key: block number plus log index
// for on-chain sources, stream sequence (Index 0) for broker sources.
// It orders deliveries for dedup and resume only, never business logic.
type SequenceID struct {
	Block uint64
	Index uint32
}

// Compare returns -1, 0 or +1.
func (s SequenceID) Compare(o SequenceID) int {
	switch {
	case s.Block < o.Block:
		return -1
	case s.Block > o.Block:
		return 1
	case s.Index < o.Index:
		return -1
	case s.Index > o.Index:
		return 1
	default:
		return 0
	}
}

func (s SequenceID) Less(o SequenceID) bool {
	return s.Compare(o) < 0
}

func (s SequenceID) String() string {
	return fmt.Sprintf("%d:%d", s.Block, s.Index)
}

// Key identifies an event for idempotency: applying the same key twice
// has no additional effect.
type Key struct {
	PositionID uint64
	Kind       Kind
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.PositionID, k.Kind)
}

// Event is one record of the external position log.
// Payload is present only for KindOpened.
type Event struct {
	Sequence   SequenceID
	Kind       Kind
	PositionID uint64
	Payload    *Payload

	// Source names the producer ("backfill", "live") for logs and metrics.
	Source string

	// ReceivedAt is local wall-clock receive time, never used for ordering.
	ReceivedAt time.Time
}

// IdempotencyKey returns the stable dedup key
func (e *Event) IdempotencyKey() Key {
	return Key{PositionID: e.PositionID, Kind: e.Kind}
}

// Opened builds an Opened event. Convenience for adapters and tests.
func Opened(seq SequenceID, id uint64, p Payload) *Event {
	return &Event{Sequence: seq, Kind: KindOpened, PositionID: id, Payload: &p}
}

// Terminal builds a Closed or Liquidated event.
func Terminal(seq SequenceID, id uint64, kind Kind) *Event {
	return &Event{Sequence: seq, Kind: kind, PositionID: id}
}
