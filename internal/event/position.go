package event

import (
	"fmt"

	fpmath "PositionLedger/internal/math"
)

// Side represents position direction
type Side int32

const (
	SideUnknown Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "unknown"
	}
}

// SideFromIsLong maps the contract's isLong flag.
func SideFromIsLong(isLong bool) Side {
	if isLong {
		return SideLong
	}
	return SideShort
}

// Payload carries the fields of a PositionOpened record. Every amount keeps
// the decimal exponent the source declared for it.
type Payload struct {
	Trader     string
	Asset      string
	Side       Side
	Size       fpmath.Amount // notional size, usually 18 decimals
	Collateral fpmath.Amount // collateral token units, often 6 decimals
	EntryPrice fpmath.Amount // usually 18 decimals
	Leverage   uint64
}

// Validate checks the event carries every field its kind requires.
// Payload on a terminal event is ignored.
func (e *Event) Validate() error {
	if e == nil {
		return &MalformedEventError{Field: "event", Reason: "nil"}
	}
	switch e.Kind {
	case KindOpened:
		if err := e.Payload.validate(); err != nil {
			err.Sequence = e.Sequence
			return err
		}
		return nil
	case KindClosed, KindLiquidated:
		return nil
	default:
		return &MalformedEventError{Field: "kind", Reason: fmt.Sprintf("unsupported kind %d", e.Kind), Sequence: e.Sequence}
	}
}

func (p *Payload) validate() *MalformedEventError {
	if p == nil {
		return &MalformedEventError{Field: "payload", Reason: "missing on Opened event"}
	}
	if p.Trader == "" {
		return &MalformedEventError{Field: "trader", Reason: "empty"}
	}
	if p.Asset == "" {
		return &MalformedEventError{Field: "asset", Reason: "empty"}
	}
	if p.Side != SideLong && p.Side != SideShort {
		return &MalformedEventError{Field: "side", Reason: fmt.Sprintf("invalid side %d", p.Side)}
	}
	if !p.Size.IsValid() || p.Size.Sign() <= 0 {
		return &MalformedEventError{Field: "size", Reason: "must be positive"}
	}
	if !p.Collateral.IsValid() || p.Collateral.Sign() < 0 {
		return &MalformedEventError{Field: "collateral", Reason: "must be non-negative"}
	}
	if !p.EntryPrice.IsValid() || p.EntryPrice.Sign() <= 0 {
		return &MalformedEventError{Field: "entry_price", Reason: "must be positive"}
	}
	if p.Leverage == 0 {
		return &MalformedEventError{Field: "leverage", Reason: "must be at least 1"}
	}
	return nil
}
