// Package main is the entry point for the blastengine HTTP server.
//
// It serves provider delivery callbacks under /webhooks, the campaign admin
// API under /v1, health under /health and, with the Prometheus backend,
// /metrics. With ENGINE_RUN_LOOP=true it also runs the cascade run-loop in
// the same process, which is the usual local setup.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"blastengine/internal/app"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("blastengine API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring engine: %w", err)
	}
	defer a.Close()

	if err := a.Migrate(ctx); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	srv, err := a.NewServer()
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, app.DefaultShutdownGrace) })
	if cfg.Engine.EmbeddedLoop {
		g.Go(func() error { return a.Loop.Run(gctx, cfg.Engine.TickInterval) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("server stopped cleanly")
	return nil
}
