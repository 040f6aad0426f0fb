package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"PositionLedger/internal/event"
	fpmath "PositionLedger/internal/math"
)

// RawEvent is an undecoded message from a broker source.
type RawEvent struct {
	Subject   string
	Data      []byte
	Sequence  uint64 // broker-assigned stream sequence
	Timestamp time.Time
}

// --- Wire types (JSON with snake_case field names) ---

type wireSequence struct {
	Block uint64 `json:"block"`
	Index uint32 `json:"index"`
}

type wireAmount struct {
	Value    string `json:"value"`
	Decimals int32  `json:"decimals"`
}

type wireEvent struct {
	Sequence   *wireSequence `json:"sequence,omitempty"`
	Kind       string        `json:"kind"`
	PositionID *uint64       `json:"position_id"`
	Trader     string        `json:"trader,omitempty"`
	Asset      string        `json:"asset,omitempty"`
	IsLong     *bool         `json:"is_long,omitempty"`
	Size       *wireAmount   `json:"size,omitempty"`
	Collateral *wireAmount   `json:"collateral,omitempty"`
	EntryPrice *wireAmount   `json:"entry_price,omitempty"`
	Leverage   uint64        `json:"leverage,omitempty"`
}

// ParseRawEvent decodes a broker message. When the payload carries no
// sequence the broker's stream sequence is used.
func ParseRawEvent(raw RawEvent) (*event.Event, error) {
	evt, err := ParseEvent(raw.Data)
	if err != nil {
		return nil, fmt.Errorf("parse %s seq=%d: %w", raw.Subject, raw.Sequence, err)
	}
	if evt.Sequence == (event.SequenceID{}) {
		evt.Sequence = event.SequenceID{Block: raw.Sequence}
	}
	evt.ReceivedAt = raw.Timestamp
	return evt, nil
}

// ParseEvent decodes one JSON event. Decode failures and missing fields are
// reported as *event.MalformedEventError.
func ParseEvent(data []byte) (*event.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &event.MalformedEventError{Field: "json", Reason: err.Error()}
	}

	kind, err := event.ParseKind(w.Kind)
	if err != nil {
		return nil, &event.MalformedEventError{Field: "kind", Reason: err.Error()}
	}
	if w.PositionID == nil {
		return nil, &event.MalformedEventError{Field: "position_id", Reason: "missing"}
	}

	evt := &event.Event{Kind: kind, PositionID: *w.PositionID}
	if w.Sequence != nil {
		evt.Sequence = event.SequenceID{Block: w.Sequence.Block, Index: w.Sequence.Index}
	}
	if kind != event.KindOpened {
		return evt, nil
	}

	if w.IsLong == nil {
		return nil, &event.MalformedEventError{Field: "is_long", Reason: "missing", Sequence: evt.Sequence}
	}
	size, err := parseAmount("size", w.Size)
	if err != nil {
		return nil, err
	}
	collateral, err := parseAmount("collateral", w.Collateral)
	if err != nil {
		return nil, err
	}
	entry, err := parseAmount("entry_price", w.EntryPrice)
	if err != nil {
		return nil, err
	}

	evt.Payload = &event.Payload{
		Trader:     w.Trader,
		Asset:      w.Asset,
		Side:       event.SideFromIsLong(*w.IsLong),
		Size:       size,
		Collateral: collateral,
		EntryPrice: entry,
		Leverage:   w.Leverage,
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return evt, nil
}

func parseAmount(field string, w *wireAmount) (fpmath.Amount, error) {
	if w == nil {
		return fpmath.Amount{}, &event.MalformedEventError{Field: field, Reason: "missing"}
	}
	a, err := fpmath.ParseAmount(w.Value, w.Decimals)
	if err != nil {
		return fpmath.Amount{}, &event.MalformedEventError{Field: field, Reason: err.Error()}
	}
	return a, nil
}

// EncodeEvent is the inverse of ParseEvent.
func EncodeEvent(evt *event.Event) ([]byte, error) {
	return json.Marshal(toWire(evt))
}

func toWire(evt *event.Event) wireEvent {
	id := evt.PositionID
	w := wireEvent{
		Sequence:   &wireSequence{Block: evt.Sequence.Block, Index: evt.Sequence.Index},
		Kind:       lowerKind(evt.Kind),
		PositionID: &id,
	}
	if p := evt.Payload; p != nil && evt.Kind == event.KindOpened {
		isLong := p.Side == event.SideLong
		w.Trader = p.Trader
		w.Asset = p.Asset
		w.IsLong = &isLong
		w.Size = amountToWire(p.Size)
		w.Collateral = amountToWire(p.Collateral)
		w.EntryPrice = amountToWire(p.EntryPrice)
		w.Leverage = p.Leverage
	}
	return w
}

func amountToWire(a fpmath.Amount) *wireAmount {
	if a.Raw == nil {
		return nil
	}
	return &wireAmount{Value: a.Raw.String(), Decimals: a.Decimals}
}

func lowerKind(k event.Kind) string {
	switch k {
	case event.KindOpened:
		return "opened"
	case event.KindClosed:
		return "closed"
	case event.KindLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}
