// Command blastctl is the operational entry point of the cascade engine.
//
// It forces a single run-loop tick, runs the loop continuously or for a
// bounded wall-clock time (for cron-style schedulers), applies retention
// cleanup, polls providers for stuck attempts, applies migrations and
// manages campaigns from YAML documents. Configuration comes from the
// environment exactly as for the api and the Lambda workers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"blastengine/internal/app"
	"blastengine/internal/config"
)

var (
	// logLevel overrides LOG_LEVEL when set.
	logLevel string
	// migrate applies the schema before the command runs.
	migrate bool
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:           "blastctl",
	Short:         "Operate the cascading notification engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&migrate, "migrate", false, "Apply database migrations before running")

	rootCmd.AddCommand(runOnceCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(campaignCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "blastctl: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig is replaced in tests.
var loadConfig = app.LoadConfig

// logOutput receives structured logs; reports go to the command output.
var logOutput io.Writer = os.Stderr

// openApp loads configuration and wires the engine for one command.
func openApp(cmd *cobra.Command) (*app.App, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	a, err := buildWith(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

// buildWith wires the engine from an already loaded configuration.
func buildWith(cmd *cobra.Command, cfg *config.Config) (*app.App, error) {
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	a, err := app.Build(cmd.Context(), cfg, app.NewLoggerTo(logOutput, level))
	if err != nil {
		return nil, fmt.Errorf("wiring engine: %w", err)
	}
	if migrate {
		if err := a.Migrate(cmd.Context()); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("applying migrations: %w", err)
		}
	}
	return a, nil
}

// printJSON writes v as indented JSON to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
