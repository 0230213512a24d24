package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpmesh/internal/config"
	"github.com/BioHazard786/warpmesh/internal/mesh"
	"github.com/BioHazard786/warpmesh/internal/signaling"
	"github.com/BioHazard786/warpmesh/internal/ui"
)

var (
	flagSimParticipants int
	flagSimTimeout      time.Duration
	flagSimSTUN         string
	flagSimNoVideo      bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a local full mesh between in-process participants",
	Long: `Start several participants in this process, connect them through an in-memory
relay with real WebRTC engines, and wait until every pair is connected.

Examples:
  warpmesh simulate
  warpmesh simulate --participants 5 --timeout 1m`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagSimParticipants < 2 {
			return errors.New("a mesh needs at least 2 participants")
		}
		return simulate(cmd.Context())
	},
}

func simulate(ctx context.Context) error {
	cfg, err := LoadConfig(config.Options{STUNServer: flagSimSTUN})
	if err != nil {
		return err
	}

	room := "simulation"
	bus := signaling.NewMemoryRelay(slog.Default())

	var (
		sessions  []*mesh.Session
		endpoints []*signaling.MemoryEndpoint
	)
	defer func() {
		for _, s := range sessions {
			s.Stop()
		}
		for _, ep := range endpoints {
			ep.Close()
		}
	}()

	started := time.Now()
	for i := 1; i <= flagSimParticipants; i++ {
		self := mesh.ParticipantID(fmt.Sprintf("peer-%02d", i))
		endpoint := bus.Join(room, self)
		endpoints = append(endpoints, endpoint)

		session, err := NewMeshSession(cfg, MeshParams{
			Room:      room,
			Self:      self,
			Transport: endpoint,
			Directory: endpoint,
			Audio:     true,
			Video:     !flagSimNoVideo,
		})
		if err != nil {
			return err
		}
		if err := session.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", self, err)
		}
		sessions = append(sessions, session)

		// Progress comes from snapshots; the stream only needs draining.
		go func(events <-chan mesh.Event) {
			for range events {
			}
		}(session.Events())
	}

	fmt.Println()
	spin := ui.NewWaitingSpinner(fmt.Sprintf("Negotiating %d links...", links(flagSimParticipants)))
	spin.Start()

	waitCtx, cancel := context.WithTimeout(ctx, flagSimTimeout)
	defer cancel()
	connected, err := waitForFullMesh(waitCtx, sessions, func(n int) {
		spin.UpdateMessage(fmt.Sprintf("Connected %d/%d links...", n, links(flagSimParticipants)))
	})
	if err != nil {
		spin.Error(fmt.Sprintf("Mesh incomplete: %d/%d links connected", connected, links(flagSimParticipants)))
	} else {
		spin.Success(fmt.Sprintf("Full mesh of %d participants in %s", flagSimParticipants, time.Since(started).Round(time.Millisecond)))
	}

	summaryCtx, cancelSummary := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelSummary()
	for _, s := range sessions {
		summary, serr := Summarize(summaryCtx, s, started)
		if serr != nil {
			return serr
		}
		fmt.Println()
		ui.RenderSummary(summary)
	}
	return err
}

// links is the number of connections in a full mesh of n participants.
func links(n int) int {
	return n * (n - 1) / 2
}

// waitForFullMesh polls until every session reports every peer connected.
// It returns the number of links connected on both ends.
func waitForFullMesh(ctx context.Context, sessions []*mesh.Session, progress func(int)) (int, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	want := links(len(sessions))
	for {
		connected, err := countConnected(ctx, sessions)
		if err != nil {
			return connected, err
		}
		progress(connected)
		if connected == want {
			return connected, nil
		}

		select {
		case <-ctx.Done():
			return connected, fmt.Errorf("waiting for full mesh: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func countConnected(ctx context.Context, sessions []*mesh.Session) (int, error) {
	ends := 0
	for _, s := range sessions {
		peers, err := s.Snapshot(ctx)
		if err != nil {
			return ends / 2, err
		}
		for _, p := range peers {
			if p.State == mesh.StateConnected {
				ends++
			}
		}
	}
	return ends / 2, nil
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().IntVarP(&flagSimParticipants, "participants", "n", 3, "Number of participants")
	simulateCmd.Flags().DurationVar(&flagSimTimeout, "timeout", 30*time.Second, "How long to wait for the full mesh")
	simulateCmd.Flags().StringVarP(&flagSimSTUN, "stun", "s", "", "Custom STUN server")
	simulateCmd.Flags().BoolVar(&flagSimNoVideo, "no-video", false, "Audio only")
}
