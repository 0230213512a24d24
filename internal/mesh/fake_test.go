package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpmesh/internal/signaling"
)

const testRoom = "test-room"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDesc struct {
	Type   string        `json:"type"`
	Engine int           `json:"engine"`
	From   ParticipantID `json:"from"`
}

type fakeCandidate struct {
	Candidate string `json:"candidate"`
}

// fakeNet is an in-process stand-in for the negotiation engine. Two engines
// connect once one of them applies an answer produced by the other in
// response to its own offer.
type fakeNet struct {
	mu     sync.Mutex
	nextID int
	all    map[int]*fakeEngine
	latest map[[2]ParticipantID]*fakeEngine
	gate   map[ParticipantID]chan struct{}
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		all:    make(map[int]*fakeEngine),
		latest: make(map[[2]ParticipantID]*fakeEngine),
		gate:   make(map[ParticipantID]chan struct{}),
	}
}

// factory returns an EngineFactory for engines owned by owner.
func (n *fakeNet) factory(owner ParticipantID) EngineFactory {
	return func(remote ParticipantID, hooks EngineHooks) (Engine, error) {
		n.mu.Lock()
		defer n.mu.Unlock()

		n.nextID++
		e := &fakeEngine{net: n, id: n.nextID, owner: owner, remote: remote, hooks: hooks}
		n.all[e.id] = e
		n.latest[[2]ParticipantID{owner, remote}] = e
		return e, nil
	}
}

// holdOffers blocks CreateOffer on engines owned by owner until the returned
// function is called.
func (n *fakeNet) holdOffers(owner ParticipantID) func() {
	gate := make(chan struct{})
	n.mu.Lock()
	n.gate[owner] = gate
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.gate, owner)
			n.mu.Unlock()
			close(gate)
		})
	}
}

func (n *fakeNet) engine(owner, remote ParticipantID) *fakeEngine {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.latest[[2]ParticipantID{owner, remote}]
}

func (n *fakeNet) byID(id int) *fakeEngine {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.all[id]
}

func (n *fakeNet) engines(owner, remote ParticipantID) []*fakeEngine {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*fakeEngine
	for id := 1; id <= n.nextID; id++ {
		if e := n.all[id]; e != nil && e.owner == owner && e.remote == remote {
			out = append(out, e)
		}
	}
	return out
}

// fail reports a transport failure on the current link between a and b.
func (n *fakeNet) fail(a, b ParticipantID) {
	for _, e := range []*fakeEngine{n.engine(a, b), n.engine(b, a)} {
		if e != nil {
			e.hooks.OnStateChange(EngineFailed)
		}
	}
}

type fakeEngine struct {
	net    *fakeNet
	id     int
	owner  ParticipantID
	remote ParticipantID
	hooks  EngineHooks

	mu             sync.Mutex
	local          *fakeDesc
	remoteDesc     *fakeDesc
	tracks         []string
	candidates     []string
	early          int
	rollbacks      int
	offersAccepted int
	produced       int
	closed         bool
}

func (e *fakeEngine) AddTrack(track MediaTrack) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracks = append(e.tracks, track.Kind())
	return nil
}

func (e *fakeEngine) CreateOffer() (json.RawMessage, error) {
	e.net.mu.Lock()
	gate := e.net.gate[e.owner]
	e.net.mu.Unlock()
	if gate != nil {
		<-gate
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("engine closed")
	}
	e.local = &fakeDesc{Type: "offer", Engine: e.id, From: e.owner}
	offer, _ := json.Marshal(e.local)
	candidate := e.nextCandidateLocked()
	e.mu.Unlock()

	e.hooks.OnLocalCandidate(candidate)
	return offer, nil
}

func (e *fakeEngine) AcceptOffer(offer json.RawMessage) (json.RawMessage, error) {
	var desc fakeDesc
	if err := json.Unmarshal(offer, &desc); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.local != nil && e.local.Type == "offer" && e.remoteDesc == nil {
		e.mu.Unlock()
		return nil, errors.New("offer received in have-local-offer")
	}
	e.remoteDesc = &desc
	e.offersAccepted++
	e.local = &fakeDesc{Type: "answer", Engine: e.id, From: e.owner}
	answer, _ := json.Marshal(e.local)
	candidate := e.nextCandidateLocked()
	e.mu.Unlock()

	e.hooks.OnLocalCandidate(candidate)
	return answer, nil
}

func (e *fakeEngine) AcceptAnswer(answer json.RawMessage) error {
	var desc fakeDesc
	if err := json.Unmarshal(answer, &desc); err != nil {
		return err
	}

	e.mu.Lock()
	if e.local == nil || e.local.Type != "offer" {
		e.mu.Unlock()
		return errors.New("answer without local offer")
	}
	e.remoteDesc = &desc
	e.mu.Unlock()

	peer := e.net.byID(desc.Engine)
	if peer == nil {
		return nil
	}
	peer.mu.Lock()
	matched := peer.remoteDesc != nil && peer.remoteDesc.Engine == e.id && !peer.closed
	peer.mu.Unlock()

	if matched {
		e.hooks.OnStateChange(EngineConnected)
		peer.hooks.OnStateChange(EngineConnected)
		peer.hooks.OnRemoteTrack(RemoteTrack{ID: fmt.Sprintf("%s-video", e.owner), StreamID: string(e.owner), Kind: "video"})
		e.hooks.OnRemoteTrack(RemoteTrack{ID: fmt.Sprintf("%s-video", peer.owner), StreamID: string(peer.owner), Kind: "video"})
	}
	return nil
}

func (e *fakeEngine) AddCandidate(candidate json.RawMessage) error {
	var c fakeCandidate
	if err := json.Unmarshal(candidate, &c); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remoteDesc == nil {
		e.early++
		return errors.New("remote description not set")
	}
	e.candidates = append(e.candidates, c.Candidate)
	return nil
}

func (e *fakeEngine) Rollback() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.local == nil || e.local.Type != "offer" {
		return errors.New("nothing to roll back")
	}
	e.local = nil
	e.rollbacks++
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) nextCandidateLocked() json.RawMessage {
	e.produced++
	c, _ := json.Marshal(fakeCandidate{Candidate: fmt.Sprintf("%s-%d-%d", e.owner, e.id, e.produced)})
	return c
}

func (e *fakeEngine) stats() (rollbacks, offersAccepted, early int, candidates, tracks []string, closed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rollbacks, e.offersAccepted, e.early,
		append([]string(nil), e.candidates...), append([]string(nil), e.tracks...), e.closed
}

type fakeTrack struct {
	id   string
	kind string
}

func (t fakeTrack) ID() string   { return t.id }
func (t fakeTrack) Kind() string { return t.kind }

type fakeMedia struct {
	mu     sync.Mutex
	audio  bool
	video  bool
	closed bool
}

func (m *fakeMedia) Tracks() []MediaTrack {
	return []MediaTrack{fakeTrack{id: "mic", kind: "audio"}, fakeTrack{id: "cam", kind: "video"}}
}

func (m *fakeMedia) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	m.audio = enabled
	m.mu.Unlock()
}

func (m *fakeMedia) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	m.video = enabled
	m.mu.Unlock()
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// fakeTransport records outbound envelopes and lets tests inject inbound ones.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []signaling.Envelope
	deliver func(signaling.Envelope)
}

func (t *fakeTransport) Send(_ context.Context, env signaling.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, env)
	return nil
}

func (t *fakeTransport) Subscribe(onEnvelope func(signaling.Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliver = onEnvelope
}

func (t *fakeTransport) inject(env signaling.Envelope) {
	t.mu.Lock()
	deliver := t.deliver
	t.mu.Unlock()
	deliver(env)
}

func (t *fakeTransport) sentTo(to ParticipantID) []signaling.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []signaling.Envelope
	for _, env := range t.sent {
		if env.To == to {
			out = append(out, env)
		}
	}
	return out
}

type sessionOption func(*Options)

func withInitiates(fn func(self, remote ParticipantID) bool) sessionOption {
	return func(o *Options) { o.Initiates = fn }
}

func withBackoff(base, max time.Duration) sessionOption {
	return func(o *Options) {
		o.BaseBackoff = base
		o.MaxBackoff = max
	}
}

func withNegotiationTimeout(d time.Duration) sessionOption {
	return func(o *Options) { o.NegotiationTimeout = d }
}

func withEventBuffer(n int) sessionOption {
	return func(o *Options) { o.EventBuffer = n }
}

// joinRelay starts a session for id attached to relay.
func joinRelay(t *testing.T, relay *signaling.MemoryRelay, net *fakeNet, id ParticipantID, opts ...sessionOption) *Session {
	t.Helper()

	ep := relay.Join(testRoom, id)
	s := startSession(t, ep, net, id, opts...)
	t.Cleanup(ep.Close)
	return s
}

func startSession(t *testing.T, transport Transport, net *fakeNet, id ParticipantID, opts ...sessionOption) *Session {
	t.Helper()

	o := Options{
		RoomID:      testRoom,
		Self:        id,
		Transport:   transport,
		Engines:     net.factory(id),
		Media:       func(context.Context) (MediaSource, error) { return &fakeMedia{audio: true, video: true}, nil },
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  80 * time.Millisecond,
		Logger:      discardLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	s, err := New(o)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

// peers returns the session's connections keyed by participant. It is safe
// to call from an Eventually condition.
func peers(s *Session) map[ParticipantID]PeerStatus {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	list, err := s.Snapshot(ctx)
	if err != nil {
		return nil
	}
	out := make(map[ParticipantID]PeerStatus, len(list))
	for _, p := range list {
		out[p.Participant] = p
	}
	return out
}

func stateOf(s *Session, id ParticipantID) (State, bool) {
	p, ok := peers(s)[id]
	return p.State, ok
}

// requireConnected waits until s reports every id in ids as Connected.
func requireConnected(t *testing.T, s *Session, ids ...ParticipantID) {
	t.Helper()
	require.Eventually(t, func() bool {
		current := peers(s)
		for _, id := range ids {
			if p, ok := current[id]; !ok || p.State != StateConnected {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "%s never connected to %v", s.Self(), ids)
}
