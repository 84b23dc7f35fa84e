// Package cli implements the forge command line client.
package cli

import (
	"log/slog"
	"os"

	"github.com/me/forge/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking FORGE_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("FORGE_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8010"
}

// NewRootCmd creates the root cobra command for the forge CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "forge",
		Short: "Forge — continuous integration scheduling server",
		Long:  "Forge records source changes and turns them into buildsets via configured schedulers.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Forge server URL (or FORGE_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newChangesCmd(),
		newBuildsetsCmd(),
		newSchedulersCmd(),
		newForceCmd(),
		newHealthCmd(),
	)

	return root
}
