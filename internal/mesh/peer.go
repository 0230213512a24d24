package mesh

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// PeerConnection is the negotiated link to one remote participant. It is
// owned by the Manager and only ever touched from the session loop; outside
// code refers to it by participant id.
type PeerConnection struct {
	participant ParticipantID
	state       State

	// generation changes every time the engine is replaced or released.
	// Engine callbacks and async completions carry the generation they were
	// issued under and are discarded when it no longer matches.
	generation uint64
	engine     Engine
	queue      *workQueue

	// offerSeq identifies the outstanding local offer so a rolled back
	// offer that completes late is never sent.
	offerSeq      uint64
	localOffer    bool
	remoteApplied bool

	// Remote candidates received before the remote description was
	// applied, in receipt order.
	pending []json.RawMessage

	// Local candidates produced before this engine's first description was
	// sent; released right after it.
	localSent bool
	held      []json.RawMessage

	stream *RemoteStream

	watchdog *time.Timer
	watchSeq uint64
}

func newPeerConnection(participant ParticipantID) *PeerConnection {
	return &PeerConnection{
		participant: participant,
		state:       StateIdle,
	}
}

// transition moves the connection along a legal edge of the state machine.
func (pc *PeerConnection) transition(to State) error {
	if !canTransition(pc.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, pc.state, to)
	}
	pc.state = to
	return nil
}

func (pc *PeerConnection) bufferCandidate(candidate json.RawMessage) {
	pc.pending = append(pc.pending, candidate)
}

func (pc *PeerConnection) takePending() []json.RawMessage {
	pending := pc.pending
	pc.pending = nil
	return pending
}

func (pc *PeerConnection) stopWatchdog() {
	if pc.watchdog != nil {
		pc.watchdog.Stop()
		pc.watchdog = nil
	}
	pc.watchSeq++
}

// resetNegotiation forgets everything tied to the current engine.
func (pc *PeerConnection) resetNegotiation() {
	pc.localOffer = false
	pc.offerSeq++
	pc.remoteApplied = false
	pc.pending = nil
	pc.localSent = false
	pc.held = nil
	pc.stream = nil
}

// workQueue runs engine operations for one connection one at a time, in
// submission order. Submitting never blocks the session loop.
type workQueue struct {
	mu      sync.Mutex
	jobs    []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

func newWorkQueue() *workQueue {
	q := &workQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *workQueue) submit(job func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// stop discards queued jobs. A job already running finishes on its own.
func (q *workQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}
	q.stopped = true
	q.jobs = nil
	close(q.done)
}

func (q *workQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if q.stopped || len(q.jobs) == 0 {
				q.mu.Unlock()
				break
			}
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()

			job()
		}
	}
}
