package mesh

import (
	"context"
	"encoding/json"

	"github.com/BioHazard786/warpmesh/internal/signaling"
)

// ParticipantID identifies a participant within a room.
type ParticipantID = signaling.ParticipantID

// EngineState is the transport state reported by a negotiation engine.
type EngineState int

const (
	EngineConnecting EngineState = iota
	EngineConnected
	EngineDisconnected
	EngineFailed
	EngineClosed
)

func (s EngineState) String() string {
	switch s {
	case EngineConnecting:
		return "connecting"
	case EngineConnected:
		return "connected"
	case EngineDisconnected:
		return "disconnected"
	case EngineFailed:
		return "failed"
	case EngineClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EngineHooks receives asynchronous notifications from an engine. Hooks may
// be invoked from any goroutine.
type EngineHooks struct {
	OnLocalCandidate func(candidate json.RawMessage)
	OnStateChange    func(state EngineState)
	OnRemoteTrack    func(track RemoteTrack)
}

// Engine is the negotiation primitive behind one peer connection: one
// transport to one remote participant. Payloads are opaque blobs that are
// carried verbatim in signaling envelopes. Calls for the same engine are
// never made concurrently.
type Engine interface {
	// AddTrack attaches a local media track.
	AddTrack(track MediaTrack) error
	// CreateOffer creates an offer, applies it locally and returns it.
	CreateOffer() (json.RawMessage, error)
	// AcceptOffer applies a remote offer, then creates, applies and returns the answer.
	AcceptOffer(offer json.RawMessage) (json.RawMessage, error)
	// AcceptAnswer applies the remote answer to an outstanding local offer.
	AcceptAnswer(answer json.RawMessage) error
	// AddCandidate applies a remote ICE candidate. The remote description
	// must already be applied.
	AddCandidate(candidate json.RawMessage) error
	// Rollback discards an outstanding local offer.
	Rollback() error
	// Close detaches local media and releases the transport.
	Close() error
}

// EngineFactory builds a fresh engine for the link to remote.
type EngineFactory func(remote ParticipantID, hooks EngineHooks) (Engine, error)

// PayloadValidator rejects payloads the engine could never parse. A
// rejected envelope is dropped without touching connection state.
type PayloadValidator func(kind signaling.Kind, payload json.RawMessage) error

// MediaTrack is one local capture track.
type MediaTrack interface {
	ID() string
	Kind() string
}

// MediaSource is the local capture handle shared by every connection.
// Toggling enablement never triggers renegotiation.
type MediaSource interface {
	Tracks() []MediaTrack
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Close() error
}

// MediaAcquirer opens the local media source when a session starts.
type MediaAcquirer func(ctx context.Context) (MediaSource, error)

// RemoteTrack describes a track received from a remote participant.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string
}

// RemoteStream groups the tracks received on one connection.
type RemoteStream struct {
	ID     string
	Tracks []RemoteTrack
}

func (rs *RemoteStream) clone() *RemoteStream {
	if rs == nil {
		return nil
	}
	return &RemoteStream{ID: rs.ID, Tracks: append([]RemoteTrack(nil), rs.Tracks...)}
}

// Transport publishes envelopes to a recipient and delivers envelopes
// addressed to this participant. Envelopes between the same ordered pair
// arrive in send order.
type Transport interface {
	Send(ctx context.Context, env signaling.Envelope) error
	Subscribe(onEnvelope func(signaling.Envelope))
}

// Directory feeds room membership into a session.
type Directory interface {
	SubscribeMembership(onMembership func(signaling.Membership))
}
