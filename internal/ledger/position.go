package ledger

import (
	"encoding/binary"
	"strings"

	"PositionLedger/internal/event"
	fpmath "PositionLedger/internal/math"
)

// Status is a position's lifecycle state. Closed and Liquidated are
// terminal and mutually exclusive.
type Status int32

const (
	StatusUnknown Status = iota
	StatusOpen
	StatusClosed
	StatusLiquidated
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusClosed:
		return "Closed"
	case StatusLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusLiquidated
}

// CanTransitionTo validates state transitions
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusUnknown:
		return next != StatusUnknown
	case StatusOpen:
		return next.IsTerminal()
	default:
		return false
	}
}

// StatusFromKind maps a terminal event kind to the status it produces.
func StatusFromKind(k event.Kind) Status {
	switch k {
	case event.KindOpened:
		return StatusOpen
	case event.KindClosed:
		return StatusClosed
	case event.KindLiquidated:
		return StatusLiquidated
	default:
		return StatusUnknown
	}
}

// Position is one open leveraged exposure. Values held by the ledger are
// never mutated after insertion; callers receive copies.
type Position struct {
	ID         uint64
	Trader     string
	Asset      string
	Side       event.Side
	Size       fpmath.Amount
	Collateral fpmath.Amount
	EntryPrice fpmath.Amount
	Leverage   uint64
	Sequence   event.SequenceID
	Status     Status
}

func (p *Position) IsLong() bool {
	return p.Side == event.SideLong
}

// positionFromEvent builds the ledger's own copy of an Opened payload.
func positionFromEvent(evt *event.Event) *Position {
	pl := evt.Payload
	return &Position{
		ID:         evt.PositionID,
		Trader:     pl.Trader,
		Asset:      pl.Asset,
		Side:       pl.Side,
		Size:       fpmath.NewAmount(pl.Size.Raw, pl.Size.Decimals),
		Collateral: fpmath.NewAmount(pl.Collateral.Raw, pl.Collateral.Decimals),
		EntryPrice: fpmath.NewAmount(pl.EntryPrice.Raw, pl.EntryPrice.Decimals),
		Leverage:   pl.Leverage,
		Sequence:   evt.Sequence,
		Status:     StatusOpen,
	}
}

// matches applies the GetOpen filter. Trader identities are hex addresses,
// compared case-insensitively.
func (p *Position) matches(f Filter) bool {
	if f.Trader != "" && !strings.EqualFold(p.Trader, f.Trader) {
		return false
	}
	if f.Asset != "" && p.Asset != f.Asset {
		return false
	}
	return true
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	buf = binary.LittleEndian.AppendUint64(buf, p.ID)
	buf = appendString(buf, strings.ToLower(p.Trader))
	buf = appendString(buf, p.Asset)
	buf = append(buf, byte(p.Side))
	buf = appendAmount(buf, p.Size)
	buf = appendAmount(buf, p.Collateral)
	buf = appendAmount(buf, p.EntryPrice)
	buf = binary.LittleEndian.AppendUint64(buf, p.Leverage)
	buf = appendSequence(buf, p.Sequence)
	buf = append(buf, byte(p.Status))

	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// appendAmount writes decimals, sign, then length-prefixed big-endian magnitude.
func appendAmount(buf []byte, a fpmath.Amount) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(a.Decimals))
	buf = append(buf, byte(a.Sign()+1))
	var mag []byte
	if a.Raw != nil {
		mag = a.Raw.Bytes()
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(mag)))
	return append(buf, mag...)
}

func appendSequence(buf []byte, s event.SequenceID) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, s.Block)
	return binary.LittleEndian.AppendUint32(buf, s.Index)
}
