package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpmesh/internal/config"
	"github.com/BioHazard786/warpmesh/internal/relay"
	"github.com/BioHazard786/warpmesh/internal/ui"
)

var flagListen string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the signaling relay",
	Long: `Run the websocket signaling relay. Clients join rooms on /ws; the relay keeps
each room's member list and forwards negotiation envelopes to the addressed
participant only. /health reports liveness.

Examples:
  warpmesh relay
  warpmesh relay --listen :9000`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(config.Options{ListenAddr: flagListen})
		if err != nil {
			return err
		}
		return runRelay(cmd.Context(), cfg.ListenAddr)
	},
}

func runRelay(ctx context.Context, addr string) error {
	hub := relay.NewHub(slog.Default())
	go hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           relay.NewRouter(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	ui.PrintSuccessf("Signaling relay listening on %s", addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown relay: %w", err)
	}
	ui.PrintInfo("Relay stopped.")
	return nil
}

func init() {
	rootCmd.AddCommand(relayCmd)

	relayCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "Listen address (default :8080)")
}
