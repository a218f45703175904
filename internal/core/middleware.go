package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"blastengine/internal/types"
)

// statusRecorder remembers the first status and counts body bytes.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach Flush on streamed exports.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (sr *statusRecorder) code() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

// Recoverer turns a handler panic into a logged stack and a 500 envelope.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			s.Logger.Error("handler panicked",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", types.GetRequestID(r.Context()),
				"panic", fmt.Sprint(rvr),
				"stack", string(debug.Stack()),
			)
			Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "an unexpected error occurred", nil))
		}()
		next.ServeHTTP(w, r)
	})
}

// Observe logs each request and feeds the request recorder. Webhook
// requests carry the provider label; header values are only logged at
// debug level, with credentials and vendor signatures masked.
func (s *Server) Observe(next http.Handler) http.Handler {
	masked := make(map[string]bool, len(maskedHeaders))
	for _, h := range maskedHeaders {
		masked[http.CanonicalHeaderKey(h)] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		sr := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(sr, r)
		elapsed := time.Since(began)

		route := r.URL.Path
		var provider string
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
			provider = rctx.URLParam("provider")
		}
		status := sr.code()
		if s.Metrics != nil {
			s.Metrics.RecordRequest(r.Method, route, strconv.Itoa(status), elapsed)
		}

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Int("bytes", sr.bytes),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
		}
		if id := types.GetRequestID(r.Context()); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}
		if provider != "" {
			attrs = append(attrs, slog.String("provider", provider))
		}
		if s.Logger.Enabled(r.Context(), slog.LevelDebug) {
			attrs = append(attrs, headerGroup(r.Header, masked))
		}
		s.Logger.LogAttrs(r.Context(), level, "request served", attrs...)
	})
}

func headerGroup(h http.Header, masked map[string]bool) slog.Attr {
	attrs := make([]any, 0, len(h))
	for name, values := range h {
		v := strings.Join(values, ", ")
		if masked[name] {
			v = "[REDACTED]"
		}
		attrs = append(attrs, slog.String(name, v))
	}
	return slog.Group("headers", attrs...)
}
