package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "groundwave",
	Short: "Mesh radio message router and protocol bridge",
	Long: `Groundwave connects to Meshtastic, MeshCore and Telegram links, answers
commands and direct chat with paced, chunked replies, and keeps a shared
node registry and bulletin board.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
