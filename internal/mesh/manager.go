package mesh

import (
	"log/slog"
	"slices"
)

// Manager maps participant ids to peer connections and is the only place
// connections are created or destroyed. All methods run on the session loop.
type Manager struct {
	s      *Session
	conns  map[ParticipantID]*PeerConnection
	logger *slog.Logger
}

func newManager(s *Session) *Manager {
	return &Manager{
		s:      s,
		conns:  make(map[ParticipantID]*PeerConnection),
		logger: s.logger.With("component", "manager"),
	}
}

func (m *Manager) get(id ParticipantID) *PeerConnection {
	return m.conns[id]
}

// ids returns the tracked participants in sorted order.
func (m *Manager) ids() []ParticipantID {
	ids := make([]ParticipantID, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ensure returns the connection for id, creating it in Idle with local media
// attached if it does not exist yet.
func (m *Manager) ensure(id ParticipantID) (*PeerConnection, bool) {
	if pc, ok := m.conns[id]; ok {
		return pc, false
	}

	pc := newPeerConnection(id)
	m.conns[id] = pc
	m.logger.Info("connection created", "participant", string(id))
	m.s.emit(pc)

	if err := m.install(pc); err != nil {
		m.s.coordinator.fail(pc, newError("create engine", id, ErrNegotiation, err))
	}
	return pc, true
}

// install builds a fresh engine for pc, attaches every local media track and
// starts its work queue. The generation moves forward so anything issued
// for a previous engine is recognised as stale.
func (m *Manager) install(pc *PeerConnection) error {
	pc.generation++
	hooks := m.s.hooksFor(pc.participant, pc.generation)

	engine, err := m.s.engines(pc.participant, hooks)
	if err != nil {
		return err
	}
	if m.s.media != nil {
		for _, track := range m.s.media.Tracks() {
			if err := engine.AddTrack(track); err != nil {
				m.s.closeEngine(pc.participant, engine)
				return err
			}
		}
	}

	pc.engine = engine
	pc.queue = newWorkQueue()
	return nil
}

// release tears down the current engine: pending work is abandoned, media is
// detached, the transport is closed and every buffered candidate dropped.
func (m *Manager) release(pc *PeerConnection) {
	pc.stopWatchdog()
	if pc.queue != nil {
		pc.queue.stop()
		pc.queue = nil
	}
	if pc.engine != nil {
		m.s.closeEngine(pc.participant, pc.engine)
		pc.engine = nil
	}
	pc.resetNegotiation()
	pc.generation++
}

// recycle replaces the engine of pc with a fresh one.
func (m *Manager) recycle(pc *PeerConnection) error {
	m.release(pc)
	return m.install(pc)
}

// remove closes the connection to id. Unknown ids are ignored.
func (m *Manager) remove(id ParticipantID) {
	pc, ok := m.conns[id]
	if !ok {
		return
	}

	m.release(pc)
	m.s.supervisor.Cancel(id)
	pc.state = StateClosed
	delete(m.conns, id)

	m.logger.Info("connection closed", "participant", string(id))
	m.s.emit(pc)
}

// reconcile makes the tracked connections match want, excluding self.
func (m *Manager) reconcile(want map[ParticipantID]struct{}) {
	for _, id := range m.ids() {
		if _, ok := want[id]; !ok {
			m.remove(id)
		}
	}

	added := make([]ParticipantID, 0, len(want))
	for id := range want {
		if id == m.s.self {
			continue
		}
		if _, ok := m.conns[id]; !ok {
			added = append(added, id)
		}
	}
	slices.Sort(added)

	for _, id := range added {
		pc, created := m.ensure(id)
		if created && pc.state == StateIdle {
			m.s.coordinator.start(pc)
		}
	}
}

// closeAll closes every tracked connection.
func (m *Manager) closeAll() {
	for _, id := range m.ids() {
		m.remove(id)
	}
}
