package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "/etc/minutemeter/config.yaml"

var (
	version    = "dev"
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "minutemeter",
	Short: "Per-user voice minute metering service",
	Long: `minutemeter tracks monthly voice conversation minutes for each user.
Every user is served by a single in-memory actor that owns the user's usage
state, persists it before answering, and replicates it to a reporting store.

Without a subcommand minutemeter runs the server.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	path := os.Getenv("MINUTEMETER_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", path,
		"Path to configuration file (env MINUTEMETER_CONFIG)")
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "minutemeter: %v\n", err)
		os.Exit(1)
	}
}
