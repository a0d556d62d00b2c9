// Package cmd provides the CLI commands for ratekeeper.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/ratekeeper/internal/config"
)

var cfgFile string

// loader is initialized before any command runs.
var loader *config.Loader

var rootCmd = &cobra.Command{
	Use:   "ratekeeper",
	Short: "ratekeeper - sliding window admission control",
	Long: `ratekeeper decides whether an operation performed by a subject (user, IP,
API key) may proceed, using per-operation sliding windows shared across
processes through Redis or SQLite, with a local fallback when the shared
store is unavailable.

Quick start:
  1. Create a config file: ratekeeper.yaml
  2. Run: ratekeeper start

Configuration:
  Config is loaded from ratekeeper.yaml in the current directory,
  $HOME/.ratekeeper/, or /etc/ratekeeper/.

  Environment variables can override config values with the RATEKEEPER_ prefix.
  Example: RATEKEEPER_DISTRIBUTED_REDIS_URL=redis://localhost:6379/0

Commands:
  start       Start the admission server
  check       Run admission checks from the command line
  config      Inspect the effective configuration
  stop        Stop the running server
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./ratekeeper.yaml)")
}

func initConfig() {
	loader = config.NewLoader(cfgFile)
}
