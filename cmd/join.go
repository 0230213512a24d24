package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpmesh/internal/config"
	"github.com/BioHazard786/warpmesh/internal/logging"
	"github.com/BioHazard786/warpmesh/internal/mesh"
	"github.com/BioHazard786/warpmesh/internal/relay"
	"github.com/BioHazard786/warpmesh/internal/signaling"
	"github.com/BioHazard786/warpmesh/internal/ui"
)

var (
	flagJoinID       string
	flagJoinRelay    string
	flagJoinCodec    string
	flagJoinSTUN     string
	flagJoinTURN     string
	flagJoinTURNUser string
	flagJoinTURNPass string
	flagJoinForce    bool
	flagJoinNoAudio  bool
	flagJoinNoVideo  bool
)

var joinCmd = &cobra.Command{
	Use:     "join [room]",
	Aliases: []string{"j"},
	Short:   "Join a room and connect to every other participant",
	Long: `Join a room through the signaling relay and keep a direct WebRTC connection to every
other participant. Without a room name a memorable one is generated.

Examples:
  warpmesh join sleepy-otter-ramen-ember
  warpmesh join standup --id alice --relay ws://relay.example.com/ws
  warpmesh join standup --codec msgpack --no-video`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room := relay.RoomName()
		if len(args) == 1 {
			room = args[0]
		}
		return joinRoom(cmd.Context(), room)
	},
}

func joinRoom(ctx context.Context, room string) error {
	if flagJoinNoAudio && flagJoinNoVideo {
		return errors.New("at least one of audio or video must stay enabled")
	}

	cfg, err := LoadConfig(config.Options{
		RelayURL:   flagJoinRelay,
		Codec:      flagJoinCodec,
		STUNServer: flagJoinSTUN,
		TURNServer: flagJoinTURN,
		TURNUser:   flagJoinTURNUser,
		TURNPass:   flagJoinTURNPass,
		ForceRelay: flagJoinForce,
	})
	if err != nil {
		return err
	}

	codec, err := signaling.CodecByName(cfg.Codec)
	if err != nil {
		return err
	}

	self := mesh.ParticipantID(flagJoinID)
	if self == "" {
		self = mesh.ParticipantID(uuid.NewString())
	}

	fmt.Println()
	spin := ui.NewConnectionSpinner("Connecting to relay...")
	spin.Start()

	client := signaling.NewClient(cfg.RelayURL, room, self, codec, slog.Default())
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		spin.Error("Could not reach the relay")
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer client.Close()

	session, err := NewMeshSession(cfg, MeshParams{
		Room:      room,
		Self:      self,
		Transport: client,
		Directory: client,
		Audio:     !flagJoinNoAudio,
		Video:     !flagJoinNoVideo,
	})
	if err != nil {
		spin.Stop()
		return err
	}
	defer session.Stop()

	spin.UpdateMessage("Starting media...")
	if err := session.Start(ctx); err != nil {
		spin.Error("Could not start the session")
		return err
	}
	spin.Stop()

	fmt.Println(ui.RoomInfo{RoomID: room, Self: self, Relay: cfg.RelayURL}.View())
	started := time.Now()

	view := ui.NewMeshView(room, self, session.Events(), ui.Controls{
		ToggleAudio: session.SetAudioEnabled,
		ToggleVideo: session.SetVideoEnabled,
	})
	// Logs written while the view owns the terminal are shown after it exits.
	release := logging.Hold()
	defer release()
	view.Start()

	done := make(chan struct{})
	go func() {
		view.Wait()
		close(done)
	}()

	var lost bool
	select {
	case <-done:
	case <-ctx.Done():
		session.Stop()
		<-done
	case <-client.Lost():
		lost = true
		session.Stop()
		<-done
	}
	release()
	if lost {
		return fmt.Errorf("leave %s: %w", room, signaling.ErrRelayLost)
	}

	summaryCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	summary, err := Summarize(summaryCtx, session, started)
	if errors.Is(err, mesh.ErrSessionClosed) {
		ui.PrintInfo("Left the room.")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println()
	ui.RenderSummary(summary)
	return nil
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagJoinID, "id", "i", "", "Participant id (default: random UUID)")
	joinCmd.Flags().StringVarP(&flagJoinRelay, "relay", "r", "", "Signaling relay websocket URL")
	joinCmd.Flags().StringVarP(&flagJoinCodec, "codec", "c", "", "Envelope codec: json or msgpack")
	joinCmd.Flags().StringVarP(&flagJoinSTUN, "stun", "s", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagJoinTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVarP(&flagJoinTURNUser, "turn-user", "u", "", "TURN username")
	joinCmd.Flags().StringVarP(&flagJoinTURNPass, "turn-pass", "p", "", "TURN password")
	joinCmd.Flags().BoolVar(&flagJoinForce, "force-relay", false, "Only use TURN relay candidates")
	joinCmd.Flags().BoolVar(&flagJoinNoAudio, "no-audio", false, "Do not send audio")
	joinCmd.Flags().BoolVar(&flagJoinNoVideo, "no-video", false, "Do not send video")
}
