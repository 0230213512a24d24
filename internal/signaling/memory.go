package signaling

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// MemoryRelay is an in-process relay. It routes envelopes by recipient
// within a room and acts as the room directory, pushing a membership
// snapshot to every member whenever someone joins or leaves.
type MemoryRelay struct {
	mu     sync.Mutex
	rooms  map[string]map[ParticipantID]*MemoryEndpoint
	filter func(Envelope) bool
	logger *slog.Logger
}

// NewMemoryRelay creates an empty relay.
func NewMemoryRelay(logger *slog.Logger) *MemoryRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryRelay{
		rooms:  make(map[string]map[ParticipantID]*MemoryEndpoint),
		logger: logger.With("component", "memory-relay"),
	}
}

// SetFilter installs a predicate consulted for every routed envelope;
// envelopes for which it returns false are silently lost.
func (r *MemoryRelay) SetFilter(filter func(Envelope) bool) {
	r.mu.Lock()
	r.filter = filter
	r.mu.Unlock()
}

// Join registers a participant in a room and returns its endpoint.
func (r *MemoryRelay) Join(roomID string, self ParticipantID) *MemoryEndpoint {
	ep := &MemoryEndpoint{
		relay:  r,
		roomID: roomID,
		self:   self,
		inbox:  newMailbox(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[ParticipantID]*MemoryEndpoint)
		r.rooms[roomID] = room
	}
	if old, ok := room[self]; ok {
		old.inbox.close()
	}
	room[self] = ep
	r.broadcastMembersLocked(roomID)
	return ep
}

func (r *MemoryRelay) leave(ep *MemoryEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[ep.roomID]
	if room[ep.self] != ep {
		return
	}
	delete(room, ep.self)
	if len(room) == 0 {
		delete(r.rooms, ep.roomID)
		return
	}
	r.broadcastMembersLocked(ep.roomID)
}

func (r *MemoryRelay) broadcastMembersLocked(roomID string) {
	room := r.rooms[roomID]
	members := make([]ParticipantID, 0, len(room))
	for id := range room {
		members = append(members, id)
	}
	slices.Sort(members)

	for _, ep := range room {
		snapshot := slices.Clone(members)
		ep.inbox.push(func() { ep.deliverMembers(snapshot) })
	}
}

func (r *MemoryRelay) route(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filter != nil && !r.filter(env) {
		return
	}
	target, ok := r.rooms[env.RoomID][env.To]
	if !ok {
		r.logger.Debug("no recipient for envelope", "room", env.RoomID, "to", string(env.To), "kind", string(env.Kind))
		return
	}
	target.inbox.push(func() { target.deliverEnvelope(env) })
}

// MemoryEndpoint is one participant's attachment to a MemoryRelay.
type MemoryEndpoint struct {
	relay  *MemoryRelay
	roomID string
	self   ParticipantID
	inbox  *mailbox

	mu           sync.Mutex
	onEnvelope   func(Envelope)
	onMembership func(Membership)
	pending      []Envelope
	lastMembers  []ParticipantID
	haveMembers  bool
	closeOnce    sync.Once
	closed       atomic.Bool
}

// Send routes an envelope to its recipient.
func (e *MemoryEndpoint) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.RoomID == "" {
		env.RoomID = e.roomID
	}
	if err := env.Validate(); err != nil {
		return err
	}

	if e.closed.Load() {
		return ErrClientClosed
	}

	e.relay.route(env)
	return nil
}

// Subscribe registers the envelope callback, replaying anything buffered.
func (e *MemoryEndpoint) Subscribe(onEnvelope func(Envelope)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onEnvelope = onEnvelope
	for _, env := range e.pending {
		onEnvelope(env)
	}
	e.pending = nil
}

// SubscribeMembership registers the membership callback and replays the
// last snapshot.
func (e *MemoryEndpoint) SubscribeMembership(onMembership func(Membership)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onMembership = onMembership
	if e.haveMembers {
		onMembership(Membership{Snapshot: slices.Clone(e.lastMembers)})
	}
}

// Close leaves the room. Other members receive a fresh snapshot.
func (e *MemoryEndpoint) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.relay.leave(e)
		e.inbox.close()
	})
}

func (e *MemoryEndpoint) deliverEnvelope(env Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.onEnvelope == nil {
		e.pending = append(e.pending, env)
		return
	}
	e.onEnvelope(env)
}

func (e *MemoryEndpoint) deliverMembers(members []ParticipantID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastMembers = members
	e.haveMembers = true
	if e.onMembership != nil {
		e.onMembership(Membership{Snapshot: slices.Clone(members)})
	}
}

// mailbox runs queued deliveries one at a time in FIFO order without ever
// blocking the producer.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.items = nil
		close(m.done)
	}
	m.mu.Unlock()
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}

		for {
			m.mu.Lock()
			if m.closed || len(m.items) == 0 {
				m.mu.Unlock()
				break
			}
			fn := m.items[0]
			m.items = m.items[1:]
			m.mu.Unlock()

			fn()
		}
	}
}
