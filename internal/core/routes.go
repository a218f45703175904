package core

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"blastengine/internal/types"
)

// defaultRequestTimeout applies when the config leaves REQUEST_TIMEOUT unset.
const defaultRequestTimeout = 15 * time.Second

// maskedHeaders are redacted in debug request logs.
var maskedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Api-Key",
	"X-Twilio-Signature",
	"X-Hub-Signature-256",
}

// MountRoutes registers the global middleware chain and every route group.
//
// Recoverer is outermost so a panic anywhere becomes a 500 envelope; the
// request id is assigned before Observe so every log line carries it.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.Observe)

	s.router.Get("/health", s.HandleHealth)
	if s.MetricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}

	s.router.Route("/webhooks", func(r chi.Router) {
		for _, registrar := range s.WebhookRoutes {
			registrar(r)
		}
	})

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(AdminKeyMiddleware(s.adminKey()))
		for _, registrar := range s.V1Routes {
			registrar(r)
		}
	})
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) adminKey() string {
	if s.Config == nil {
		return ""
	}
	return s.Config.Server.AdminAPIKey.Unmask()
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware reuses an inbound X-Request-Id or generates one, and
// stores it in the context. Provider calls forward it as the trace id.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), requestID)))
	})
}
