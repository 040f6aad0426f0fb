package event_test

import (
	"errors"
	"testing"

	"PositionLedger/internal/event"
	fpmath "PositionLedger/internal/math"
)

func validPayload() event.Payload {
	return event.Payload{
		Trader:     "0xAbC0000000000000000000000000000000000001",
		Asset:      "BTC",
		Side:       event.SideLong,
		Size:       fpmath.FromInt64(1000, 0),
		Collateral: fpmath.FromInt64(100_000_000, 6),
		EntryPrice: fpmath.FromInt64(30000, 0),
		Leverage:   10,
	}
}

func TestSequenceID_Compare(t *testing.T) {
	a := event.SequenceID{Block: 10, Index: 2}
	b := event.SequenceID{Block: 10, Index: 3}
	c := event.SequenceID{Block: 11, Index: 0}

	if a.Compare(b) != -1 || b.Compare(a) != 1 {
		t.Errorf("index ordering broken")
	}
	if !b.Less(c) {
		t.Errorf("block ordering broken")
	}
	if a.Compare(a) != 0 {
		t.Errorf("self compare: got %d, want 0", a.Compare(a))
	}
	if a.String() != "10:2" {
		t.Errorf("string: got %s, want 10:2", a.String())
	}
}

func TestKind(t *testing.T) {
	if event.KindOpened.IsTerminal() {
		t.Errorf("Opened must not be terminal")
	}
	if !event.KindClosed.IsTerminal() || !event.KindLiquidated.IsTerminal() {
		t.Errorf("Closed and Liquidated must be terminal")
	}
	k, err := event.ParseKind("liquidated")
	if err != nil || k != event.KindLiquidated {
		t.Errorf("ParseKind: got %v, %v", k, err)
	}
	if _, err := event.ParseKind("Transferred"); err == nil {
		t.Errorf("expected error for unknown kind")
	}
}

func TestIdempotencyKey_IgnoresSequence(t *testing.T) {
	a := event.Terminal(event.SequenceID{Block: 1}, 7, event.KindClosed)
	b := event.Terminal(event.SequenceID{Block: 9, Index: 4}, 7, event.KindClosed)
	if a.IdempotencyKey() != b.IdempotencyKey() {
		t.Errorf("keys differ: %s vs %s", a.IdempotencyKey(), b.IdempotencyKey())
	}
	c := event.Terminal(event.SequenceID{Block: 1}, 7, event.KindLiquidated)
	if a.IdempotencyKey() == c.IdempotencyKey() {
		t.Errorf("different kinds must not share a key")
	}
}

func TestValidate_Opened(t *testing.T) {
	evt := event.Opened(event.SequenceID{Block: 5}, 1, validPayload())
	if err := evt.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
}

func TestValidate_Malformed(t *testing.T) {
	cases := map[string]func(p *event.Payload){
		"trader":      func(p *event.Payload) { p.Trader = "" },
		"asset":       func(p *event.Payload) { p.Asset = "" },
		"side":        func(p *event.Payload) { p.Side = event.SideUnknown },
		"size":        func(p *event.Payload) { p.Size = fpmath.Zero(18) },
		"collateral":  func(p *event.Payload) { p.Collateral = fpmath.FromInt64(-1, 6) },
		"entry_price": func(p *event.Payload) { p.EntryPrice = fpmath.Amount{} },
		"leverage":    func(p *event.Payload) { p.Leverage = 0 },
	}
	for field, mutate := range cases {
		p := validPayload()
		mutate(&p)
		evt := event.Opened(event.SequenceID{Block: 3, Index: 1}, 1, p)

		err := evt.Validate()
		if !errors.Is(err, event.ErrMalformedEvent) {
			t.Errorf("%s: expected ErrMalformedEvent, got %v", field, err)
			continue
		}
		var me *event.MalformedEventError
		if !errors.As(err, &me) {
			t.Fatalf("%s: expected *MalformedEventError", field)
		}
		if me.Field != field {
			t.Errorf("field: got %s, want %s", me.Field, field)
		}
		if me.Sequence != evt.Sequence {
			t.Errorf("%s: sequence not recorded", field)
		}
	}
}

func TestValidate_OpenedWithoutPayload(t *testing.T) {
	evt := &event.Event{Kind: event.KindOpened, PositionID: 1}
	if err := evt.Validate(); !errors.Is(err, event.ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestValidate_TerminalAndUnknown(t *testing.T) {
	if err := event.Terminal(event.SequenceID{}, 0, event.KindClosed).Validate(); err != nil {
		t.Errorf("terminal event rejected: %v", err)
	}
	evt := &event.Event{Kind: event.KindUnknown, PositionID: 1}
	if err := evt.Validate(); !errors.Is(err, event.ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent for unknown kind, got %v", err)
	}
}
