package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/BioHazard786/warpmesh/internal/signaling"
)

const (
	DefaultBaseBackoff        = 500 * time.Millisecond
	DefaultMaxBackoff         = 30 * time.Second
	DefaultNegotiationTimeout = 15 * time.Second
	DefaultSendTimeout        = 5 * time.Second
	DefaultEventBuffer        = 256
)

// Options configures a Session.
type Options struct {
	RoomID string
	Self   ParticipantID

	// Transport carries envelopes to and from the relay. If it also
	// implements Directory and Directory is nil, it is used for membership.
	Transport Transport
	Directory Directory

	Engines EngineFactory
	// Media opens the local capture handle. Nil runs without local media.
	Media MediaAcquirer
	// ValidatePayload defaults to a non-empty JSON check.
	ValidatePayload PayloadValidator
	// Initiates decides which side offers when a connection is created.
	// Defaults to the lexicographically larger id.
	Initiates func(self, remote ParticipantID) bool

	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// NegotiationTimeout bounds Offering, Negotiating and Answering. A
	// negative value disables the watchdog.
	NegotiationTimeout time.Duration
	SendTimeout        time.Duration
	EventBuffer        int

	Logger *slog.Logger
}

// Event reports a connection state change to the rendering layer.
type Event struct {
	Participant ParticipantID
	State       State
	Stream      *RemoteStream
	At          time.Time
}

// PeerStatus is a point-in-time copy of one connection.
type PeerStatus struct {
	Participant ParticipantID
	State       State
	Stream      *RemoteStream
	Retry       RetrySchedule
}

type membershipRequest struct {
	membership signaling.Membership
	done       chan struct{}
}

type retryFire struct {
	participant ParticipantID
	token       uint64
}

type watchdogFire struct {
	participant ParticipantID
	generation  uint64
	seq         uint64
}

// Session is the room-level facade. One loop goroutine owns every
// connection, the member set and the supervisor; everything else talks to
// it through channels.
type Session struct {
	room      string
	self      ParticipantID
	transport Transport
	directory Directory
	engines   EngineFactory
	acquire   MediaAcquirer
	validate  PayloadValidator
	initiates func(self, remote ParticipantID) bool

	negotiationTimeout time.Duration
	sendTimeout        time.Duration

	media       MediaSource
	manager     *Manager
	coordinator *Coordinator
	supervisor  *Supervisor
	members     map[ParticipantID]struct{}
	events      chan Event
	dropped     int

	membership   chan membershipRequest
	inbound      chan signaling.Envelope
	results      chan opResult
	engineEvents chan engineEvent
	retries      chan retryFire
	watchdogs    chan watchdogFire
	queries      chan func()

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	loopDone chan struct{}
	closers  sync.WaitGroup
	stopOnce sync.Once

	logger *slog.Logger
}

// New validates opts and builds a session. Nothing runs until Start.
func New(opts Options) (*Session, error) {
	switch {
	case opts.RoomID == "":
		return nil, fmt.Errorf("%w: room id is required", ErrInvalidOptions)
	case opts.Self == "":
		return nil, fmt.Errorf("%w: participant id is required", ErrInvalidOptions)
	case opts.Transport == nil:
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidOptions)
	case opts.Engines == nil:
		return nil, fmt.Errorf("%w: engine factory is required", ErrInvalidOptions)
	}

	directory := opts.Directory
	if directory == nil {
		if d, ok := opts.Transport.(Directory); ok {
			directory = d
		}
	}
	validate := opts.ValidatePayload
	if validate == nil {
		validate = func(_ signaling.Kind, payload json.RawMessage) error {
			return signaling.ValidatePayload(payload)
		}
	}
	initiates := opts.Initiates
	if initiates == nil {
		initiates = func(self, remote ParticipantID) bool { return self > remote }
	}

	base := opts.BaseBackoff
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	timeout := opts.NegotiationTimeout
	if timeout == 0 {
		timeout = DefaultNegotiationTimeout
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("room", opts.RoomID, "self", string(opts.Self))

	s := &Session{
		room:               opts.RoomID,
		self:               opts.Self,
		transport:          opts.Transport,
		directory:          directory,
		engines:            opts.Engines,
		acquire:            opts.Media,
		validate:           validate,
		initiates:          initiates,
		negotiationTimeout: timeout,
		sendTimeout:        sendTimeout,
		members:            make(map[ParticipantID]struct{}),
		events:             make(chan Event, buffer),
		membership:         make(chan membershipRequest),
		inbound:            make(chan signaling.Envelope),
		results:            make(chan opResult),
		engineEvents:       make(chan engineEvent),
		retries:            make(chan retryFire),
		watchdogs:          make(chan watchdogFire),
		queries:            make(chan func()),
		done:               make(chan struct{}),
		loopDone:           make(chan struct{}),
		logger:             logger,
	}
	s.manager = newManager(s)
	s.coordinator = newCoordinator(s)
	s.supervisor = NewSupervisor(base, maxBackoff, s.fireRetry, logger.With("component", "supervisor"))
	return s, nil
}

// Start acquires local media, starts the loop and subscribes to the
// directory and the transport. Membership is subscribed first so that
// envelopes buffered by the transport find their connections.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if s.started {
		return nil
	}

	if s.acquire != nil {
		media, err := s.acquire(ctx)
		if err != nil {
			s.logger.Error("failed to acquire local media", "error", err)
			return newError("acquire media", "", ErrMediaAcquisition, err)
		}
		s.media = media
	}

	s.started = true
	go s.run()

	if s.directory != nil {
		s.directory.SubscribeMembership(s.deliverMembership)
	}
	s.transport.Subscribe(s.deliverEnvelope)

	s.logger.Info("session started")
	return nil
}

// Stop closes every connection, cancels pending retries, releases local
// media and closes the event stream. Safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		close(s.done)
		s.mu.Unlock()

		if started {
			<-s.loopDone
		}
		s.closers.Wait()

		if s.media != nil {
			if err := s.media.Close(); err != nil {
				s.logger.Warn("failed to release local media", "error", err)
			}
		}
		close(s.events)
		s.logger.Info("session stopped")
	})
}

// Events returns the stream of connection state changes. It is closed by Stop.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Apply feeds a membership update into the session and waits until it has
// been reconciled.
func (s *Session) Apply(ctx context.Context, m signaling.Membership) error {
	if err := s.ready(); err != nil {
		return err
	}
	req := membershipRequest{membership: m, done: make(chan struct{})}
	select {
	case s.membership <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// Reconcile replaces the member set with ids.
func (s *Session) Reconcile(ctx context.Context, ids []ParticipantID) error {
	snapshot := make([]ParticipantID, len(ids))
	copy(snapshot, ids)
	return s.Apply(ctx, signaling.Membership{Snapshot: snapshot})
}

// Snapshot returns every tracked connection, sorted by participant.
func (s *Session) Snapshot(ctx context.Context) ([]PeerStatus, error) {
	var out []PeerStatus
	err := s.query(ctx, func() {
		for _, id := range s.manager.ids() {
			pc := s.manager.get(id)
			retry, _ := s.supervisor.Stats(id)
			out = append(out, PeerStatus{
				Participant: id,
				State:       pc.state,
				Stream:      pc.stream.clone(),
				Retry:       retry,
			})
		}
	})
	return out, err
}

// RetryStats returns the retry schedule for id.
func (s *Session) RetryStats(ctx context.Context, id ParticipantID) (RetrySchedule, bool, error) {
	var (
		stats RetrySchedule
		ok    bool
	)
	err := s.query(ctx, func() {
		stats, ok = s.supervisor.Stats(id)
	})
	return stats, ok, err
}

// Members returns the current member set, excluding self.
func (s *Session) Members(ctx context.Context) ([]ParticipantID, error) {
	var out []ParticipantID
	err := s.query(ctx, func() {
		for id := range s.members {
			out = append(out, id)
		}
		slices.Sort(out)
	})
	return out, err
}

// SetAudioEnabled toggles the local audio track. No renegotiation happens.
func (s *Session) SetAudioEnabled(enabled bool) {
	if s.media != nil {
		s.media.SetAudioEnabled(enabled)
	}
}

// SetVideoEnabled toggles the local video track. No renegotiation happens.
func (s *Session) SetVideoEnabled(enabled bool) {
	if s.media != nil {
		s.media.SetVideoEnabled(enabled)
	}
}

// Self returns the local participant id.
func (s *Session) Self() ParticipantID {
	return s.self
}

// Room returns the room id.
func (s *Session) Room() string {
	return s.room
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if !s.started {
		return ErrSessionNotStarted
	}
	return nil
}

func (s *Session) query(ctx context.Context, fn func()) error {
	if err := s.ready(); err != nil {
		return err
	}
	done := make(chan struct{})
	select {
	case s.queries <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// run is the session loop. It is the only goroutine that touches
// connections, the member set or the supervisor.
func (s *Session) run() {
	defer close(s.loopDone)

	for {
		select {
		case <-s.done:
			s.manager.closeAll()
			s.supervisor.Stop()
			return

		case req := <-s.membership:
			s.applyMembership(req.membership)
			close(req.done)

		case env := <-s.inbound:
			s.coordinator.handleEnvelope(env)

		case res := <-s.results:
			s.coordinator.handleResult(res)

		case ev := <-s.engineEvents:
			s.coordinator.handleEngineEvent(ev)

		case f := <-s.retries:
			if s.supervisor.Claim(f.participant, f.token) {
				s.coordinator.retry(f.participant)
			}

		case f := <-s.watchdogs:
			s.coordinator.handleWatchdog(f.participant, f.generation, f.seq)

		case fn := <-s.queries:
			fn()
		}
	}
}

func (s *Session) applyMembership(m signaling.Membership) {
	if m.Snapshot != nil {
		s.members = make(map[ParticipantID]struct{}, len(m.Snapshot))
		for _, id := range m.Snapshot {
			s.members[id] = struct{}{}
		}
	} else {
		for _, id := range m.Joined {
			s.members[id] = struct{}{}
		}
		for _, id := range m.Left {
			delete(s.members, id)
		}
	}
	delete(s.members, s.self)

	s.logger.Debug("membership applied", "members", len(s.members))
	s.manager.reconcile(s.members)
}

// deliverMembership is the directory callback. It blocks until the update
// has been reconciled so membership and envelopes keep their relative order.
func (s *Session) deliverMembership(m signaling.Membership) {
	req := membershipRequest{membership: m, done: make(chan struct{})}
	select {
	case s.membership <- req:
	case <-s.done:
		return
	}
	select {
	case <-req.done:
	case <-s.done:
	}
}

func (s *Session) deliverEnvelope(env signaling.Envelope) {
	select {
	case s.inbound <- env:
	case <-s.done:
	}
}

func (s *Session) post(res opResult) {
	select {
	case s.results <- res:
	case <-s.done:
	}
}

func (s *Session) postEngineEvent(ev engineEvent) {
	select {
	case s.engineEvents <- ev:
	case <-s.done:
	}
}

func (s *Session) fireRetry(id ParticipantID, token uint64) {
	select {
	case s.retries <- retryFire{participant: id, token: token}:
	case <-s.done:
	}
}

// hooksFor builds engine callbacks tagged with the generation the engine
// is created under.
func (s *Session) hooksFor(id ParticipantID, generation uint64) EngineHooks {
	return EngineHooks{
		OnLocalCandidate: func(candidate json.RawMessage) {
			s.postEngineEvent(engineEvent{participant: id, generation: generation, candidate: candidate})
		},
		OnStateChange: func(state EngineState) {
			s.postEngineEvent(engineEvent{participant: id, generation: generation, state: &state})
		},
		OnRemoteTrack: func(track RemoteTrack) {
			s.postEngineEvent(engineEvent{participant: id, generation: generation, track: &track})
		},
	}
}

// closeEngine closes engine off the loop. Stop waits for it.
func (s *Session) closeEngine(id ParticipantID, engine Engine) {
	s.closers.Add(1)
	go func() {
		defer s.closers.Done()
		if err := engine.Close(); err != nil {
			s.logger.Warn("failed to close engine", "participant", string(id), "error", err)
		}
	}()
}

func (s *Session) armWatchdog(pc *PeerConnection) {
	pc.stopWatchdog()
	if s.negotiationTimeout < 0 {
		return
	}
	fire := watchdogFire{participant: pc.participant, generation: pc.generation, seq: pc.watchSeq}
	pc.watchdog = time.AfterFunc(s.negotiationTimeout, func() {
		select {
		case s.watchdogs <- fire:
		case <-s.done:
		}
	})
}

// send publishes one envelope to a remote participant. Failures are logged
// and never retried on their own; the watchdog covers lost negotiation.
func (s *Session) send(to ParticipantID, kind signaling.Kind, payload json.RawMessage) {
	env := signaling.Envelope{
		From:    s.self,
		To:      to,
		Kind:    kind,
		Payload: payload,
		RoomID:  s.room,
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.transport.Send(ctx, env); err != nil {
		s.logger.Warn("failed to send envelope",
			"error", newError("send "+string(kind), to, ErrTransportDelivery, err))
	}
}

// emit publishes the current state of pc. The stream never blocks the
// loop: when it is full the oldest event is discarded, so a slow consumer
// always sees the newest state. The loop is the only sender.
func (s *Session) emit(pc *PeerConnection) {
	ev := Event{
		Participant: pc.participant,
		State:       pc.state,
		Stream:      pc.stream.clone(),
		At:          time.Now(),
	}
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case old := <-s.events:
			s.dropped++
			if s.dropped == 1 || s.dropped%DefaultEventBuffer == 0 {
				s.logger.Debug("event stream full, discarding oldest event",
					"participant", string(old.Participant), "state", old.State.String(), "dropped", s.dropped)
			}
		default:
		}
	}
}
