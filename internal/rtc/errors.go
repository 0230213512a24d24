package rtc

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedTrack      = errors.New("track is not backed by a pion track")
	ErrMissingDescription    = errors.New("no local description")
	ErrUnexpectedDescription = errors.New("unexpected session description type")
	ErrEmptySDP              = errors.New("empty SDP")
)

// EngineError records which engine operation failed.
type EngineError struct {
	Op      string
	Err     error
	Details string
}

func (e *EngineError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *EngineError {
	return &EngineError{Op: op, Err: err}
}

func NewDetailedError(op string, err error, details string) *EngineError {
	return &EngineError{Op: op, Err: err, Details: details}
}
