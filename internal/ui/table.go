package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/BioHazard786/warpmesh/internal/mesh"
)

// PeerTableView renders one row per remote participant.
func PeerTableView(peers []mesh.PeerStatus) string {
	if len(peers) == 0 {
		return MutedStyle.Render("No other participants yet")
	}

	headers := []string{"Participant", "State", "Tracks", "Retries"}

	var rows [][]string
	for _, p := range peers {
		rows = append(rows, []string{
			truncate(string(p.Participant), 24),
			StateIcon(p.State) + " " + p.State.String(),
			trackSummary(p.Stream),
			fmt.Sprintf("%d", p.Retry.Total),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case col == 1 && row >= 0 && row < len(peers):
				return tableCellStyle.Inherit(StateStyle(peers[row].State))
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

// RoomInfo is the banner shown after joining a room.
type RoomInfo struct {
	RoomID string
	Self   mesh.ParticipantID
	Relay  string
}

func (r RoomInfo) View() string {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(Success).
		Padding(1, 2)

	content := fmt.Sprintf("%s Joined room\n\n%s Room:   %s\n%s You:    %s\n%s Relay:  %s",
		IconSuccess,
		IconRoom, BoldStyle.Foreground(Primary).Render(r.RoomID),
		IconPeer, BoldStyle.Render(string(r.Self)),
		IconConnect, MutedStyle.Render(r.Relay),
	)

	return boxStyle.Render(content)
}

func trackSummary(stream *mesh.RemoteStream) string {
	if stream == nil || len(stream.Tracks) == 0 {
		return "-"
	}
	kinds := make([]string, 0, len(stream.Tracks))
	for _, track := range stream.Tracks {
		kinds = append(kinds, track.Kind)
	}
	return strings.Join(kinds, ",")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
