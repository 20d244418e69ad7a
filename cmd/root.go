// Package cmd defines the parley command line interface.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/log"
)

var (
	flagLogLevel string
	flagLogJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - a chat orchestration gateway for LLM providers",
	Long: `Parley routes chat messages through pluggable LLM providers,
keeps short and long term conversational memory, and streams replies
to clients over WebSocket with an HTTP fallback.

Run "parley serve" to start the gateway.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "log in JSON format")
}

// newLogger builds the process logger from the global flags.
func newLogger() log.Logger {
	var level slog.Level
	switch flagLogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return log.New(log.Config{Level: level, JSON: flagLogJSON})
}
