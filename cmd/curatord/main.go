// Curatord runs the knowledge validator and history analyzer agents behind
// an HTTP health, status and ingestion surface.
//
// Usage:
//
//	# Start the daemon with ~/.config/curator/config.yaml
//	curatord serve
//
//	# Override settings from the environment
//	CURATOR_SERVER_HTTP_PORT=9292 CURATOR_STORE_DRIVER=sqlite curatord serve
//
//	# Talk to a running daemon
//	curatord health
//	curatord submit --title "RSI basics" --type indicator notes.md
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// serverURL is the base URL of a running curatord for client commands.
	serverURL string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "curatord",
	Short: "Autonomous knowledge curation daemon",
	Long: `curatord validates submitted knowledge and periodically analyzes
interaction history to surface patterns, failures and trends.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/curator/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:9191", "curatord server URL for client commands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(submitCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "curatord by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}
