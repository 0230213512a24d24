package rtc

import (
	"encoding/json"
	"log/slog"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"github.com/BioHazard786/warpmesh/internal/config"
	"github.com/BioHazard786/warpmesh/internal/mesh"
)

// LocalTrack is a mesh.MediaTrack backed by a pion track.
type LocalTrack interface {
	mesh.MediaTrack
	Local() pion.TrackLocal
}

// Engine is a mesh.Engine over one pion PeerConnection.
type Engine struct {
	cfg    *config.Config
	remote mesh.ParticipantID
	hooks  mesh.EngineHooks
	logger *slog.Logger

	mu      sync.Mutex
	pc      *pion.PeerConnection
	tracks  []LocalTrack
	senders []*pion.RTPSender
}

// NewPeerConnection builds a pion PeerConnection with the configured ICE servers.
func NewPeerConnection(cfg *config.Config) (*pion.PeerConnection, error) {
	var iceServers []pion.ICEServer
	if stun := cfg.GetSTUNServers(); stun != nil {
		iceServers = append(iceServers, pion.ICEServer{URLs: stun})
	}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := pion.ICETransportPolicyAll
	if turnServers != nil && (cfg.ForceRelay || ShouldForceRelay()) {
		policy = pion.ICETransportPolicyRelay
	}

	pc, err := pion.NewPeerConnection(pion.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	})
	if err != nil {
		return nil, NewError("create peer connection", err)
	}
	return pc, nil
}

// NewFactory returns a mesh.EngineFactory producing pion engines.
func NewFactory(cfg *config.Config, logger *slog.Logger) mesh.EngineFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(remote mesh.ParticipantID, hooks mesh.EngineHooks) (mesh.Engine, error) {
		pc, err := NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		e := &Engine{
			cfg:    cfg,
			pc:     pc,
			remote: remote,
			hooks:  hooks,
			logger: logger.With("component", "rtc", "participant", string(remote)),
		}
		e.setupHandlers(pc)
		return e, nil
	}
}

func (e *Engine) peer() *pion.PeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pc
}

// setupHandlers wires pc's callbacks to the hooks. Callbacks from a
// PeerConnection that has since been replaced are ignored.
func (e *Engine) setupHandlers(pc *pion.PeerConnection) {
	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil || e.hooks.OnLocalCandidate == nil || e.peer() != pc {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			e.logger.Warn("failed to encode local candidate", "error", err)
			return
		}
		e.hooks.OnLocalCandidate(payload)
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		e.logger.Debug("peer connection state", "state", state.String())
		if e.hooks.OnStateChange == nil || e.peer() != pc {
			return
		}
		switch state {
		case pion.PeerConnectionStateConnected:
			e.hooks.OnStateChange(mesh.EngineConnected)
		case pion.PeerConnectionStateDisconnected:
			e.hooks.OnStateChange(mesh.EngineDisconnected)
		case pion.PeerConnectionStateFailed:
			e.hooks.OnStateChange(mesh.EngineFailed)
		case pion.PeerConnectionStateClosed:
			e.hooks.OnStateChange(mesh.EngineClosed)
		default:
			e.hooks.OnStateChange(mesh.EngineConnecting)
		}
	})

	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		e.logger.Info("remote track", "track", track.ID(), "kind", track.Kind().String())
		if e.hooks.OnRemoteTrack != nil && e.peer() == pc {
			e.hooks.OnRemoteTrack(mesh.RemoteTrack{
				ID:       track.ID(),
				StreamID: track.StreamID(),
				Kind:     track.Kind().String(),
			})
		}
		// Nothing renders here; keep the receive buffers drained.
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})
}

// AddTrack attaches a local track and starts draining its RTCP.
func (e *Engine) AddTrack(track mesh.MediaTrack) error {
	local, ok := track.(LocalTrack)
	if !ok {
		return NewDetailedError("add track", ErrUnsupportedTrack, track.Kind())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.attachLocked(local); err != nil {
		return err
	}
	e.tracks = append(e.tracks, local)
	return nil
}

func (e *Engine) attachLocked(track LocalTrack) error {
	sender, err := e.pc.AddTrack(track.Local())
	if err != nil {
		return NewError("add track", err)
	}
	e.senders = append(e.senders, sender)

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (e *Engine) CreateOffer() (json.RawMessage, error) {
	pc := e.peer()
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, NewError("create offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, NewError("set local description", err)
	}
	return encodeDescription(pc.LocalDescription())
}

func (e *Engine) AcceptOffer(offer json.RawMessage) (json.RawMessage, error) {
	desc, err := decodeDescription(offer, pion.SDPTypeOffer)
	if err != nil {
		return nil, err
	}
	pc := e.peer()
	if err := pc.SetRemoteDescription(desc); err != nil {
		return nil, NewError("set remote description", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, NewError("create answer", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, NewError("set local description", err)
	}
	return encodeDescription(pc.LocalDescription())
}

func (e *Engine) AcceptAnswer(answer json.RawMessage) error {
	desc, err := decodeDescription(answer, pion.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := e.peer().SetRemoteDescription(desc); err != nil {
		return NewError("set remote description", err)
	}
	return nil
}

func (e *Engine) AddCandidate(candidate json.RawMessage) error {
	var ice pion.ICECandidateInit
	if err := json.Unmarshal(candidate, &ice); err != nil {
		return NewError("parse ICE candidate", err)
	}
	if err := e.peer().AddICECandidate(ice); err != nil {
		return NewError("add ICE candidate", err)
	}
	return nil
}

// Rollback discards the outstanding local offer. If the PeerConnection
// refuses the rollback, it is replaced by a fresh one carrying the same
// tracks; nothing had been agreed with the remote yet.
func (e *Engine) Rollback() error {
	pc := e.peer()
	err := pc.SetLocalDescription(pion.SessionDescription{Type: pion.SDPTypeRollback})
	if err == nil {
		return nil
	}
	e.logger.Debug("rollback refused, rebuilding peer connection", "error", err)

	fresh, err := NewPeerConnection(e.cfg)
	if err != nil {
		return NewError("rollback", err)
	}

	e.mu.Lock()
	old, oldSenders := e.pc, e.senders
	e.pc, e.senders = fresh, nil
	for _, track := range e.tracks {
		if err := e.attachLocked(track); err != nil {
			e.mu.Unlock()
			return NewError("rollback", err)
		}
	}
	e.mu.Unlock()

	e.setupHandlers(fresh)
	stopSenders(oldSenders, e.logger)
	if err := old.Close(); err != nil {
		e.logger.Debug("failed to close replaced peer connection", "error", err)
	}
	return nil
}

// Close detaches every local track and closes the transport.
func (e *Engine) Close() error {
	e.mu.Lock()
	pc, senders := e.pc, e.senders
	e.senders = nil
	e.mu.Unlock()

	stopSenders(senders, e.logger)
	if err := pc.Close(); err != nil {
		return NewError("close peer connection", err)
	}
	return nil
}

func stopSenders(senders []*pion.RTPSender, logger *slog.Logger) {
	for _, sender := range senders {
		if err := sender.Stop(); err != nil {
			logger.Debug("failed to stop sender", "error", err)
		}
	}
}

func encodeDescription(desc *pion.SessionDescription) (json.RawMessage, error) {
	if desc == nil {
		return nil, NewError("encode description", ErrMissingDescription)
	}
	payload, err := json.Marshal(desc)
	if err != nil {
		return nil, NewError("encode description", err)
	}
	return payload, nil
}

func decodeDescription(payload json.RawMessage, want pion.SDPType) (pion.SessionDescription, error) {
	var desc pion.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return desc, NewError("parse session description", err)
	}
	if desc.Type != want {
		return desc, NewDetailedError("parse session description", ErrUnexpectedDescription, desc.Type.String())
	}
	return desc, nil
}
