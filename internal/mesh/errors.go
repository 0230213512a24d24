package mesh

import (
	"errors"
	"fmt"

	"github.com/BioHazard786/warpmesh/internal/signaling"
)

var (
	ErrTransportDelivery  = errors.New("signaling delivery failed")
	ErrMalformedEnvelope  = signaling.ErrMalformedEnvelope
	ErrNegotiation        = errors.New("negotiation failed")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrMediaAcquisition   = errors.New("local media unavailable")
	ErrTransportState     = errors.New("transport failed")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrSessionClosed      = errors.New("session closed")
	ErrSessionNotStarted  = errors.New("session not started")
	ErrInvalidOptions     = errors.New("invalid options")
)

// Error carries the operation and participant a failure belongs to.
// Kind is one of the sentinels above; Cause is the underlying error, if any.
type Error struct {
	Op          string
	Participant ParticipantID
	Kind        error
	Cause       error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Participant != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Participant)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %v", msg, e.Kind)
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func newError(op string, participant ParticipantID, kind, cause error) *Error {
	return &Error{Op: op, Participant: participant, Kind: kind, Cause: cause}
}
