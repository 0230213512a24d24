package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpmesh/internal/ui"
	"github.com/BioHazard786/warpmesh/internal/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warpmesh",
	Short: "Full-mesh WebRTC calls between every participant of a room",
	Long: `WarpMesh connects every participant of a room directly to every other participant
using WebRTC. A lightweight relay carries only the negotiation messages; media flows
peer to peer. Links that fail are retried with exponential backoff until they recover
or the participant leaves.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}
