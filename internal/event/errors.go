package event

import (
	"errors"
	"fmt"
)

var ErrMalformedEvent = errors.New("malformed event")

// MalformedEventError describes a missing or invalid required field.
// Such events are dropped, never applied.
type MalformedEventError struct {
	Field    string
	Reason   string
	Sequence SequenceID
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event at %s: %s: %s", e.Sequence, e.Field, e.Reason)
}

func (e *MalformedEventError) Unwrap() error {
	return ErrMalformedEvent
}
