package ui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpmesh/internal/mesh"
)

func TestPeerTableView(t *testing.T) {
	assert.Contains(t, PeerTableView(nil), "No other participants")

	view := PeerTableView([]mesh.PeerStatus{
		{
			Participant: "alice",
			State:       mesh.StateConnected,
			Stream:      &mesh.RemoteStream{ID: "s", Tracks: []mesh.RemoteTrack{{Kind: "audio"}, {Kind: "video"}}},
		},
		{Participant: "bob", State: mesh.StateFailed, Retry: mesh.RetrySchedule{Total: 3}},
	})
	assert.Contains(t, view, "alice")
	assert.Contains(t, view, "connected")
	assert.Contains(t, view, "audio,video")
	assert.Contains(t, view, "failed")
	assert.Contains(t, view, "3")
}

func TestSummaryView(t *testing.T) {
	view := SummaryView(SessionSummary{
		Room:     "room",
		Self:     "alice",
		Duration: 90 * time.Second,
		Peers: []mesh.PeerStatus{
			{Participant: "bob", State: mesh.StateConnected},
			{Participant: "carol", State: mesh.StateFailed, Retry: mesh.RetrySchedule{Attempt: 1, Total: 2, Delay: time.Second}},
		},
	})
	assert.Contains(t, strings.ToLower(view), "mesh summary")
	assert.Contains(t, view, "carol")
	assert.Contains(t, view, "1s")
	assert.Contains(t, view, "1/2")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdef...", truncate("abcdefghijklmnop", 9))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}

func TestMeshModelTracksEvents(t *testing.T) {
	events := make(chan mesh.Event)
	var audio []bool
	view := NewMeshView("room", "alice", events, Controls{
		ToggleAudio: func(enabled bool) { audio = append(audio, enabled) },
	})
	m := view.model

	m.Update(eventMsg{Participant: "bob", State: mesh.StateOffering})
	m.Update(eventMsg{Participant: "bob", State: mesh.StateFailed})
	m.Update(eventMsg{Participant: "bob", State: mesh.StateIdle})
	m.Update(eventMsg{Participant: "bob", State: mesh.StateConnected})
	m.Update(eventMsg{Participant: "carol", State: mesh.StateAnswering})

	rows := m.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, mesh.ParticipantID("bob"), rows[0].Participant)
	assert.Equal(t, mesh.StateConnected, rows[0].State)
	assert.Equal(t, 1, rows[0].Retry.Total)
	assert.Equal(t, 1, m.connected())
	assert.Contains(t, m.View(), "1/2 connected")

	m.Update(eventMsg{Participant: "carol", State: mesh.StateClosed})
	assert.Len(t, m.rows(), 1)
	assert.Contains(t, m.View(), "Full mesh")

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")})
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")})
	assert.Equal(t, []bool{false, true}, audio)

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("v")})
	assert.Contains(t, m.View(), "video off")

	_, cmd := m.Update(streamClosedMsg{})
	require.NotNil(t, cmd)
	assert.True(t, m.closed)
	assert.Empty(t, m.View())
}
