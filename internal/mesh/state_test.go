package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitions(t *testing.T) {
	allowed := [][2]State{
		{StateIdle, StateOffering},
		{StateIdle, StateAnswering},
		{StateOffering, StateNegotiating},
		{StateOffering, StateAnswering},
		{StateNegotiating, StateConnected},
		{StateNegotiating, StateAnswering},
		{StateAnswering, StateConnected},
		{StateConnected, StateFailed},
		{StateFailed, StateIdle},
		{StateFailed, StateAnswering},
	}
	for _, edge := range allowed {
		assert.True(t, canTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	denied := [][2]State{
		{StateIdle, StateConnected},
		{StateIdle, StateNegotiating},
		{StateConnected, StateOffering},
		{StateFailed, StateConnected},
		{StateClosed, StateIdle},
		{StateClosed, StateOffering},
	}
	for _, edge := range denied {
		assert.False(t, canTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	for _, s := range []State{StateIdle, StateOffering, StateAnswering, StateNegotiating, StateConnected, StateFailed} {
		assert.True(t, canTransition(s, StateClosed), "%s -> closed", s)
	}
}

func TestPeerConnectionTransition(t *testing.T) {
	pc := newPeerConnection("b")
	require.Equal(t, StateIdle, pc.state)

	require.NoError(t, pc.transition(StateOffering))
	err := pc.transition(StateIdle)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateOffering, pc.state)
}

func TestPendingCandidatesKeepOrder(t *testing.T) {
	pc := newPeerConnection("b")
	pc.bufferCandidate([]byte(`{"candidate":"1"}`))
	pc.bufferCandidate([]byte(`{"candidate":"2"}`))

	pending := pc.takePending()
	require.Len(t, pending, 2)
	assert.JSONEq(t, `{"candidate":"1"}`, string(pending[0]))
	assert.JSONEq(t, `{"candidate":"2"}`, string(pending[1]))
	assert.Empty(t, pc.takePending())
}

func TestErrorUnwrapsKindAndCause(t *testing.T) {
	cause := assert.AnError
	err := newError("answer offer", "b", ErrNegotiation, cause)

	assert.ErrorIs(t, err, ErrNegotiation)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "answer offer b")
}
