// Command repolensctl is the operator CLI for the repolens job store.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var flagVerbose bool

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("repolensctl failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "repolensctl",
		Short:             "Operate the repolens job store",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: initLogging,
	}
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newJobCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newAPIKeyCmd())
	return root
}

func initLogging(_ *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
	return nil
}
