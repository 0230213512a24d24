package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ParticipantID identifies one participant within a room.
type ParticipantID string

// Kind is the negotiation step an envelope carries.
type Kind string

// Envelope kinds.
const (
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
)

// Valid reports whether k is one of the known envelope kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate:
		return true
	}
	return false
}

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrClientClosed      = errors.New("signaling client closed")
	ErrRelayLost         = errors.New("relay connection lost")
	ErrUndecodableFrame  = errors.New("undecodable frame")
)

// Envelope is one negotiation message addressed from one participant to another.
// Payload is an opaque session-description or candidate blob produced by the
// negotiation engine; this package never interprets it beyond checking it is JSON.
type Envelope struct {
	From    ParticipantID   `json:"from" msgpack:"from"`
	To      ParticipantID   `json:"to" msgpack:"to"`
	Kind    Kind            `json:"kind" msgpack:"kind"`
	Payload json.RawMessage `json:"payload" msgpack:"payload"`
	RoomID  string          `json:"room_id" msgpack:"room_id"`
}

// Validate checks the structural invariants every envelope must satisfy.
func (e *Envelope) Validate() error {
	switch {
	case e.From == "":
		return fmt.Errorf("%w: missing sender", ErrMalformedEnvelope)
	case e.To == "":
		return fmt.Errorf("%w: missing recipient", ErrMalformedEnvelope)
	case e.From == e.To:
		return fmt.Errorf("%w: sender equals recipient", ErrMalformedEnvelope)
	case !e.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, e.Kind)
	}
	return ValidatePayload(e.Payload)
}

// ValidatePayload is the minimal payload check: present and well-formed JSON.
func ValidatePayload(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedEnvelope)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrMalformedEnvelope)
	}
	return nil
}

// Membership is a room directory update. A non-nil Snapshot replaces the
// member set; otherwise Joined and Left are applied as deltas.
type Membership struct {
	Snapshot []ParticipantID
	Joined   []ParticipantID
	Left     []ParticipantID
}

// Frame types exchanged with the relay.
const (
	FrameTypeJoin    = "join"
	FrameTypeLeave   = "leave"
	FrameTypeMembers = "members"
	FrameTypeSignal  = "signal"
	FrameTypeError   = "error"
)

// Frame is the unit exchanged between a client and the relay.
type Frame struct {
	Type         string          `json:"type" msgpack:"type"`
	RoomID       string          `json:"room_id,omitempty" msgpack:"room_id,omitempty"`
	Participant  ParticipantID   `json:"participant,omitempty" msgpack:"participant,omitempty"`
	Participants []ParticipantID `json:"participants,omitempty" msgpack:"participants,omitempty"`
	Envelope     *Envelope       `json:"envelope,omitempty" msgpack:"envelope,omitempty"`
	Error        string          `json:"error,omitempty" msgpack:"error,omitempty"`
}

func (f *Frame) checkEnvelope() error {
	if f.Envelope == nil {
		return fmt.Errorf("%w: signal frame without envelope", ErrMalformedEnvelope)
	}
	return f.Envelope.Validate()
}
