// Package core is the HTTP chassis shared by the webhook ingestion and the
// campaign admin API. It owns the chi router and the cross-cutting
// middleware: panic recovery, request ids, request logging, request
// metrics and admin key checks. Domain handlers attach through
// route registrars so core never imports them.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"blastengine/internal/config"
)

// RequestRecorder records per-request telemetry.
type RequestRecorder interface {
	RecordRequest(method, route, status string, duration time.Duration)
}

// RouteRegistrar mounts a handler group on a sub-router.
type RouteRegistrar func(r chi.Router)

// Server holds the router and the dependencies the middleware needs.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   RequestRecorder

	// MetricsHandler is served on GET /metrics when set.
	MetricsHandler http.Handler
	HealthProbes   []HealthProbe

	// WebhookRoutes mount under /webhooks without admin auth.
	WebhookRoutes []RouteRegistrar
	// V1Routes mount under /v1 behind the admin key.
	V1Routes []RouteRegistrar

	router *chi.Mux
}

// NewServer creates a Server. Routes are mounted by MountRoutes once the
// registrars are in place.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi.Mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe serves on the configured port until ctx is cancelled,
// then drains in-flight requests for up to shutdownGrace.
func (s *Server) ListenAndServe(ctx context.Context, shutdownGrace time.Duration) error {
	srv := &http.Server{
		Addr:              ":" + s.Config.Server.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Logger.Info("server shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.Logger.Info("server shutdown complete")
	return nil
}
