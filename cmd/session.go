package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BioHazard786/warpmesh/internal/config"
	"github.com/BioHazard786/warpmesh/internal/media"
	"github.com/BioHazard786/warpmesh/internal/mesh"
	"github.com/BioHazard786/warpmesh/internal/rtc"
	"github.com/BioHazard786/warpmesh/internal/ui"
)

// MeshParams are the per-participant inputs for one mesh session.
type MeshParams struct {
	Room      string
	Self      mesh.ParticipantID
	Transport mesh.Transport
	Directory mesh.Directory
	Audio     bool
	Video     bool
	Logger    *slog.Logger
}

func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	return cfg, nil
}

// NewMeshSession wires pion engines and a generated media source into a
// mesh session. The session is not started.
func NewMeshSession(cfg *config.Config, p MeshParams) (*mesh.Session, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("self", string(p.Self))

	var acquire mesh.MediaAcquirer
	if p.Audio || p.Video {
		acquire = media.Acquirer(media.Options{
			Audio:    p.Audio,
			Video:    p.Video,
			StreamID: string(p.Self),
			Logger:   logger,
		})
	}

	session, err := mesh.New(mesh.Options{
		RoomID:             p.Room,
		Self:               p.Self,
		Transport:          p.Transport,
		Directory:          p.Directory,
		Engines:            rtc.NewFactory(cfg, logger),
		Media:              acquire,
		ValidatePayload:    rtc.ValidatePayload,
		BaseBackoff:        cfg.BaseBackoff,
		MaxBackoff:         cfg.MaxBackoff,
		NegotiationTimeout: cfg.NegotiationTimeout,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// Summarize collects the final per-connection statistics of a running session.
func Summarize(ctx context.Context, s *mesh.Session, started time.Time) (ui.SessionSummary, error) {
	peers, err := s.Snapshot(ctx)
	if err != nil {
		return ui.SessionSummary{}, err
	}
	return ui.SessionSummary{
		Room:     s.Room(),
		Self:     s.Self(),
		Duration: time.Since(started),
		Peers:    peers,
	}, nil
}
