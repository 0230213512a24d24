package mesh

import (
	"encoding/json"
	"log/slog"

	"github.com/BioHazard786/warpmesh/internal/signaling"
)

type opKind int

const (
	opOffer opKind = iota
	opAnswer
	opApplyAnswer
	opCandidates
)

func (k opKind) String() string {
	switch k {
	case opOffer:
		return "create offer"
	case opAnswer:
		return "answer offer"
	case opApplyAnswer:
		return "apply answer"
	case opCandidates:
		return "add candidates"
	default:
		return "unknown"
	}
}

// opResult is the completion of an engine operation, posted back to the
// session loop.
type opResult struct {
	participant ParticipantID
	generation  uint64
	offerSeq    uint64
	op          opKind
	payload     json.RawMessage
	err         error
	rejected    int
}

// engineEvent is an engine callback, posted back to the session loop.
type engineEvent struct {
	participant ParticipantID
	generation  uint64
	candidate   json.RawMessage
	state       *EngineState
	track       *RemoteTrack
}

// Coordinator drives each connection through the offer/answer/ICE state
// machine. All methods run on the session loop; engine calls are handed to
// the connection's work queue.
type Coordinator struct {
	s      *Session
	logger *slog.Logger
}

func newCoordinator(s *Session) *Coordinator {
	return &Coordinator{
		s:      s,
		logger: s.logger.With("component", "coordinator"),
	}
}

// start kicks off negotiation for a freshly created connection.
func (c *Coordinator) start(pc *PeerConnection) {
	if c.s.initiates(c.s.self, pc.participant) {
		c.offer(pc)
	}
}

// polite reports whether this side yields when both sides offer at once:
// the smaller id rolls back and answers.
func (c *Coordinator) polite(remote ParticipantID) bool {
	return c.s.self < remote
}

func (c *Coordinator) offer(pc *PeerConnection) {
	if err := pc.transition(StateOffering); err != nil {
		c.logger.Warn("cannot offer", "participant", string(pc.participant), "error", err)
		return
	}
	pc.localOffer = true
	pc.offerSeq++
	c.s.armWatchdog(pc)
	c.s.emit(pc)

	engine := pc.engine
	c.submit(pc, opOffer, func(res *opResult) {
		res.payload, res.err = engine.CreateOffer()
	})
}

// submit queues fn on the connection's work queue and posts its result to
// the loop tagged with the current generation and offer.
func (c *Coordinator) submit(pc *PeerConnection, op opKind, fn func(res *opResult)) {
	res := opResult{
		participant: pc.participant,
		generation:  pc.generation,
		offerSeq:    pc.offerSeq,
		op:          op,
	}
	if pc.queue == nil || !pc.queue.submit(func() {
		fn(&res)
		c.s.post(res)
	}) {
		c.logger.Debug("dropping operation for released engine", "participant", string(pc.participant), "op", op.String())
	}
}

// handleEnvelope applies one inbound envelope.
func (c *Coordinator) handleEnvelope(env signaling.Envelope) {
	log := c.logger.With("participant", string(env.From), "kind", string(env.Kind))

	if env.To != c.s.self || env.From == c.s.self || (env.RoomID != "" && env.RoomID != c.s.room) {
		log.Warn("dropping misaddressed envelope", "to", string(env.To), "room", env.RoomID)
		return
	}
	if err := c.s.validate(env.Kind, env.Payload); err != nil {
		log.Warn("dropping malformed envelope", "error", err)
		return
	}

	pc := c.s.manager.get(env.From)
	if pc == nil {
		log.Warn("dropping envelope", "error", ErrUnknownParticipant)
		return
	}

	switch env.Kind {
	case signaling.KindOffer:
		c.handleOffer(pc, env.Payload)
	case signaling.KindAnswer:
		c.handleAnswer(pc, env.Payload)
	case signaling.KindICECandidate:
		c.handleRemoteCandidate(pc, env.Payload)
	}
}

func (c *Coordinator) handleOffer(pc *PeerConnection, offer json.RawMessage) {
	log := c.logger.With("participant", string(pc.participant))

	rollback := false
	switch {
	case pc.localOffer && !c.polite(pc.participant):
		log.Info("glare: ignoring remote offer, awaiting answer to ours")
		return

	case pc.localOffer:
		log.Info("glare: rolling back local offer to answer remote")
		rollback = true
		pc.localOffer = false
		pc.offerSeq++

	case pc.remoteApplied || pc.state == StateFailed || pc.engine == nil:
		// The remote rebuilt its transport; start from a clean engine.
		if err := c.s.manager.recycle(pc); err != nil {
			c.fail(pc, newError("recreate engine", pc.participant, ErrNegotiation, err))
			return
		}
	}

	if err := pc.transition(StateAnswering); err != nil {
		log.Warn("cannot answer", "error", err)
		return
	}
	c.s.armWatchdog(pc)
	c.s.emit(pc)

	engine := pc.engine
	c.submit(pc, opAnswer, func(res *opResult) {
		if rollback {
			if err := engine.Rollback(); err != nil {
				res.err = err
				return
			}
		}
		res.payload, res.err = engine.AcceptOffer(offer)
	})
}

func (c *Coordinator) handleAnswer(pc *PeerConnection, answer json.RawMessage) {
	if pc.state != StateNegotiating || !pc.localOffer {
		c.logger.Warn("dropping unexpected answer", "participant", string(pc.participant), "state", pc.state.String())
		return
	}

	engine := pc.engine
	c.submit(pc, opApplyAnswer, func(res *opResult) {
		res.err = engine.AcceptAnswer(answer)
	})
}

func (c *Coordinator) handleRemoteCandidate(pc *PeerConnection, candidate json.RawMessage) {
	if !pc.remoteApplied {
		pc.bufferCandidate(candidate)
		c.logger.Debug("buffered remote candidate", "participant", string(pc.participant), "buffered", len(pc.pending))
		return
	}
	c.addCandidates(pc, []json.RawMessage{candidate})
}

func (c *Coordinator) addCandidates(pc *PeerConnection, candidates []json.RawMessage) {
	if len(candidates) == 0 {
		return
	}
	engine := pc.engine
	c.submit(pc, opCandidates, func(res *opResult) {
		for _, candidate := range candidates {
			if err := engine.AddCandidate(candidate); err != nil {
				res.rejected++
				res.err = err
			}
		}
	})
}

// flush applies buffered remote candidates in receipt order once the remote
// description is in place.
func (c *Coordinator) flush(pc *PeerConnection) {
	pc.remoteApplied = true
	c.addCandidates(pc, pc.takePending())
}

// handleResult applies the completion of an engine operation.
func (c *Coordinator) handleResult(res opResult) {
	pc := c.s.manager.get(res.participant)
	if pc == nil || pc.generation != res.generation {
		c.logger.Debug("discarding stale completion", "participant", string(res.participant), "op", res.op.String())
		return
	}
	log := c.logger.With("participant", string(pc.participant), "op", res.op.String())

	if res.op == opCandidates {
		if res.err != nil {
			log.Warn("engine rejected remote candidates", "rejected", res.rejected, "error", res.err)
		}
		return
	}
	if res.op == opOffer && res.offerSeq != pc.offerSeq {
		log.Debug("discarding rolled back offer")
		return
	}
	if pc.state == StateFailed {
		log.Debug("discarding completion for failed link")
		return
	}
	if res.err != nil {
		c.fail(pc, newError(res.op.String(), pc.participant, ErrNegotiation, res.err))
		return
	}

	switch res.op {
	case opOffer:
		if err := pc.transition(StateNegotiating); err != nil {
			log.Warn("offer completed out of order", "error", err)
			return
		}
		c.s.emit(pc)
		c.sendDescription(pc, signaling.KindOffer, res.payload)

	case opAnswer:
		c.sendDescription(pc, signaling.KindAnswer, res.payload)
		c.flush(pc)

	case opApplyAnswer:
		pc.localOffer = false
		c.flush(pc)
		if pc.state == StateNegotiating {
			c.connected(pc)
		}
	}
}

func (c *Coordinator) sendDescription(pc *PeerConnection, kind signaling.Kind, payload json.RawMessage) {
	c.s.send(pc.participant, kind, payload)
	pc.localSent = true
	for _, candidate := range pc.held {
		c.s.send(pc.participant, signaling.KindICECandidate, candidate)
	}
	pc.held = nil
}

// handleEngineEvent applies one engine callback.
func (c *Coordinator) handleEngineEvent(ev engineEvent) {
	pc := c.s.manager.get(ev.participant)
	if pc == nil || pc.generation != ev.generation {
		return
	}

	switch {
	case ev.candidate != nil:
		if !pc.localSent {
			pc.held = append(pc.held, ev.candidate)
			return
		}
		c.s.send(pc.participant, signaling.KindICECandidate, ev.candidate)

	case ev.state != nil:
		c.handleEngineState(pc, *ev.state)

	case ev.track != nil:
		if pc.stream == nil {
			pc.stream = &RemoteStream{ID: ev.track.StreamID}
		}
		pc.stream.Tracks = append(pc.stream.Tracks, *ev.track)
		c.s.emit(pc)
	}
}

func (c *Coordinator) handleEngineState(pc *PeerConnection, state EngineState) {
	c.logger.Debug("engine state", "participant", string(pc.participant), "engine", state.String(), "state", pc.state.String())

	switch state {
	case EngineConnected:
		if pc.state == StateNegotiating || pc.state == StateAnswering {
			c.connected(pc)
		}
	case EngineFailed, EngineDisconnected:
		if pc.state == StateConnected || pc.state.negotiating() {
			c.fail(pc, newError("transport "+state.String(), pc.participant, ErrTransportState, nil))
		}
	}
}

func (c *Coordinator) connected(pc *PeerConnection) {
	if err := pc.transition(StateConnected); err != nil {
		c.logger.Warn("cannot mark connected", "participant", string(pc.participant), "error", err)
		return
	}
	pc.localOffer = false
	pc.stopWatchdog()
	c.s.supervisor.Reset(pc.participant)
	c.logger.Info("connected", "participant", string(pc.participant))
	c.s.emit(pc)
}

// fail moves pc to Failed and hands it to the supervisor.
func (c *Coordinator) fail(pc *PeerConnection, err error) {
	if pc.state == StateFailed || pc.state == StateClosed {
		return
	}
	if terr := pc.transition(StateFailed); terr != nil {
		c.logger.Warn("cannot mark failed", "participant", string(pc.participant), "error", terr)
		return
	}
	pc.localOffer = false
	pc.stopWatchdog()
	c.logger.Error("connection failed", "participant", string(pc.participant), "error", err)
	c.s.supervisor.Schedule(pc.participant)
	c.s.emit(pc)
}

// retry re-arms a failed connection on a fresh engine.
func (c *Coordinator) retry(id ParticipantID) {
	pc := c.s.manager.get(id)
	if pc == nil {
		return
	}
	if _, member := c.s.members[id]; !member {
		c.logger.Debug("skipping retry for departed participant", "participant", string(id))
		return
	}
	if pc.state != StateFailed {
		c.logger.Debug("skipping retry, link already recovering", "participant", string(id), "state", pc.state.String())
		return
	}

	stats, _ := c.s.supervisor.Stats(id)
	c.logger.Info("retrying connection", "participant", string(id), "attempt", stats.Attempt, "total", stats.Total)

	if err := pc.transition(StateIdle); err != nil {
		c.logger.Warn("cannot reset connection", "participant", string(id), "error", err)
		return
	}
	if err := c.s.manager.recycle(pc); err != nil {
		c.fail(pc, newError("recreate engine", id, ErrNegotiation, err))
		return
	}
	c.s.emit(pc)
	c.offer(pc)
}

func (c *Coordinator) handleWatchdog(id ParticipantID, generation, seq uint64) {
	pc := c.s.manager.get(id)
	if pc == nil || pc.generation != generation || pc.watchSeq != seq || !pc.state.negotiating() {
		return
	}
	c.fail(pc, newError("negotiate", id, ErrNegotiationTimeout, nil))
}
