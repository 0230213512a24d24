package mesh

// State is the negotiation state of one peer connection.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// negotiating reports whether the connection is mid-handshake and therefore
// guarded by the negotiation watchdog.
func (s State) negotiating() bool {
	return s == StateOffering || s == StateNegotiating || s == StateAnswering
}

// transitions lists every legal edge of the state machine. Closed has no
// outgoing edges.
var transitions = map[State][]State{
	StateIdle:        {StateOffering, StateAnswering, StateFailed, StateClosed},
	StateOffering:    {StateNegotiating, StateAnswering, StateFailed, StateClosed},
	StateNegotiating: {StateConnected, StateAnswering, StateFailed, StateClosed},
	StateAnswering:   {StateConnected, StateAnswering, StateFailed, StateClosed},
	StateConnected:   {StateAnswering, StateFailed, StateClosed},
	StateFailed:      {StateIdle, StateAnswering, StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
