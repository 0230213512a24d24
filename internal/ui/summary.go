package ui

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/BioHazard786/warpmesh/internal/mesh"
)

// SessionSummary is printed when a participant leaves the call.
type SessionSummary struct {
	Room     string
	Self     mesh.ParticipantID
	Duration time.Duration
	Peers    []mesh.PeerStatus
}

// SummaryView renders the per-participant connection and retry statistics.
func SummaryView(summary SessionSummary) string {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("Mesh summary: %s as %s (%s)", summary.Room, summary.Self, summary.Duration.Round(time.Second)))
	t.AppendHeader(table.Row{"Participant", "Final State", "Tracks", "Retries", "Backoff"})

	connected := 0
	for _, p := range summary.Peers {
		if p.State == mesh.StateConnected {
			connected++
		}
		backoff := "-"
		if p.Retry.Attempt > 0 {
			backoff = p.Retry.Delay.String()
		}
		t.AppendRow(table.Row{p.Participant, p.State, trackSummary(p.Stream), p.Retry.Total, backoff})
	}
	t.AppendFooter(table.Row{"Connected", fmt.Sprintf("%d/%d", connected, len(summary.Peers))})

	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	return t.Render()
}

func RenderSummary(summary SessionSummary) {
	fmt.Println(SummaryView(summary))
}
