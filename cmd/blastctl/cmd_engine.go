package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	runTimeout   time.Duration
	runInterval  time.Duration
	attemptsDays int
	clicksDays   int
	dryRun       bool
	pollSince    time.Duration
)

// runOnceCmd forces one run-loop tick.
var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run a single run-loop tick and print its report",
	Args:  cobra.NoArgs,
	RunE:  runOnce,
}

// daemonCmd runs the loop until interrupted.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the run-loop continuously until SIGINT/SIGTERM",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

// runCmd runs the loop for a bounded time.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the run-loop until idle or until --timeout elapses",
	Long: `Run ticks until no campaign is running or scheduled, or until the
timeout elapses. Intended for externally scheduled invocations (cron,
Kubernetes CronJob) where the process must not outlive its slot.`,
	Args: cobra.NoArgs,
	RunE: runBounded,
}

// cleanupCmd enforces retention.
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge old failed/bounced attempts and click-log rows",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

// pollCmd recovers attempts whose callbacks never arrived.
var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll providers for SENT attempts without a later status",
	Args:  cobra.NoArgs,
	RunE:  runPoll,
}

// migrateCmd applies the schema.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	daemonCmd.Flags().DurationVar(&runInterval, "interval", 0, "Tick interval (default ENGINE_TICK_INTERVAL)")

	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Maximum wall-clock runtime (default ENGINE_RUN_TIMEOUT)")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "Tick interval (default ENGINE_TICK_INTERVAL)")

	cleanupCmd.Flags().IntVar(&attemptsDays, "attempts-days", 0, "Retention for failed/bounced attempts in days (default RETENTION_ATTEMPT_DAYS)")
	cleanupCmd.Flags().IntVar(&clicksDays, "clicks-days", 0, "Retention for click-log rows in days (default RETENTION_CLICK_DAYS)")
	cleanupCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Count rows without deleting them")

	pollCmd.Flags().DurationVar(&pollSince, "since", time.Hour, "Only poll attempts sent within this window (0 polls all)")
}

func runOnce(cmd *cobra.Command, _ []string) error {
	a, _, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.Loop.Tick(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, rep)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	a, cfg, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	interval := runInterval
	if interval <= 0 {
		interval = cfg.Engine.TickInterval
	}
	a.Logger.Info("daemon started", "interval", interval.String())
	err = a.Loop.Run(cmd.Context(), interval)
	a.Logger.Info("daemon stopped")
	return err
}

func runBounded(cmd *cobra.Command, _ []string) error {
	a, cfg, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	timeout := runTimeout
	if timeout <= 0 {
		timeout = cfg.Engine.RunTimeout
	}
	interval := runInterval
	if interval <= 0 {
		interval = cfg.Engine.TickInterval
	}
	a.Logger.Info("bounded run started", "timeout", timeout.String(), "interval", interval.String())
	return a.Loop.RunFor(cmd.Context(), interval, timeout)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	// Flags override the configured windows before wiring.
	if attemptsDays > 0 {
		cfg.Retention.AttemptDays = attemptsDays
	}
	if clicksDays > 0 {
		cfg.Retention.ClickDays = clicksDays
	}
	if cfg.Retention.ClickDays < cfg.Retention.AttemptDays {
		return fmt.Errorf("--clicks-days (%d) must not be shorter than --attempts-days (%d)",
			cfg.Retention.ClickDays, cfg.Retention.AttemptDays)
	}

	a, err := buildWith(cmd, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.Cleanup.Run(cmd.Context(), time.Now().UTC(), dryRun)
	if err != nil {
		return err
	}
	return printJSON(cmd, rep)
}

func runPoll(cmd *cobra.Command, _ []string) error {
	a, _, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.Recovery.Run(cmd.Context(), time.Now().UTC(), pollSince)
	if err != nil {
		return err
	}
	return printJSON(cmd, rep)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	a, _, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Pool == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "no DATABASE_URL configured; in-memory store needs no migrations")
		return nil
	}
	if err := a.Migrate(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}
