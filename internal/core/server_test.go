package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blastengine/internal/config"
	"blastengine/internal/types"
)

type recordedRequest struct {
	method, route, status string
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recordedRequest
}

func (f *fakeRecorder) RecordRequest(method, route, status string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, recordedRequest{method, route, status})
}

func newTestServer(t *testing.T, adminKey string) *Server {
	t.Helper()
	cfg := &config.Config{Environment: "local"}
	cfg.Server.AdminAPIKey = types.SecretString(adminKey)
	s, err := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func decodeError(t *testing.T, body io.Reader) ErrorDetail {
	t.Helper()
	var env APIErrorResponse
	require.NoError(t, json.NewDecoder(body).Decode(&env))
	return env.Error
}

func TestNewServer_RequiresDeps(t *testing.T) {
	_, err := NewServer(nil, slog.Default())
	assert.Error(t, err)
	_, err = NewServer(&config.Config{}, nil)
	assert.Error(t, err)
}

func TestAdminKeyMiddleware(t *testing.T) {
	s := newTestServer(t, "s3cret")
	s.V1Routes = append(s.V1Routes, func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			JSON(w, r, http.StatusOK, map[string]string{"pong": "yes"})
		})
	})
	s.MountRoutes()

	tests := []struct {
		name     string
		header   string
		value    string
		wantCode int
		wantErr  types.ErrorCode
	}{
		{name: "missing", wantCode: http.StatusUnauthorized, wantErr: types.ErrCodeAuthKeyMissing},
		{name: "wrong", header: "X-Api-Key", value: "nope", wantCode: http.StatusUnauthorized, wantErr: types.ErrCodeAuthKeyInvalid},
		{name: "basic scheme", header: "Authorization", value: "Basic s3cret", wantCode: http.StatusUnauthorized, wantErr: types.ErrCodeAuthKeyMissing},
		{name: "bearer", header: "Authorization", value: "Bearer s3cret", wantCode: http.StatusOK},
		{name: "api key header", header: "X-Api-Key", value: "s3cret", wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantErr != "" {
				detail := decodeError(t, rec.Body)
				assert.Equal(t, string(tt.wantErr), detail.Code)
				assert.NotEmpty(t, detail.RequestID)
			}
		})
	}
}

func TestWebhookRoutesSkipAdminKey(t *testing.T) {
	s := newTestServer(t, "s3cret")
	s.WebhookRoutes = append(s.WebhookRoutes, func(r chi.Router) {
		r.Post("/twilio", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("OK")) })
	})
	s.MountRoutes()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/twilio", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestRecoverer(t *testing.T) {
	s := newTestServer(t, "")
	s.V1Routes = append(s.V1Routes, func(r chi.Router) {
		r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })
	})
	s.MountRoutes()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := decodeError(t, rec.Body)
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), detail.Code)
	assert.NotContains(t, detail.Message, "kaboom")
}

func TestRequestIDPropagation(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = types.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
}

func TestObserve_RecordsRoutePattern(t *testing.T) {
	s := newTestServer(t, "")
	recorder := &fakeRecorder{}
	s.Metrics = recorder
	s.V1Routes = append(s.V1Routes, func(r chi.Router) {
		r.Get("/campaigns/{id}", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	})
	s.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("# metrics")) })
	s.MountRoutes()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/campaigns/abc", nil))
	require.Len(t, recorder.seen, 1)
	assert.Equal(t, recordedRequest{"GET", "/v1/campaigns/{id}", "418"}, recorder.seen[0])

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, "")
	s.HealthProbes = []HealthProbe{
		ProbeFunc{Label: "database", Fn: func(context.Context) error { return nil }},
		ProbeFunc{Label: "queue", Fn: func(context.Context) error { return errors.New("unreachable") }},
	}
	s.MountRoutes()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "healthy", body.Components["database"].Status)
	assert.Equal(t, "unreachable", body.Components["queue"].Message)
}

func TestHandleHealth_PanickingProbe(t *testing.T) {
	s := newTestServer(t, "")
	s.HealthProbes = []HealthProbe{ProbeFunc{Label: "db", Fn: func(context.Context) error { panic("nil pool") }}}

	rec := httptest.NewRecorder()
	s.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "probe panicked")
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
		Cap  int    `json:"cap"`
	}
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{name: "empty", body: "", wantMsg: "must not be empty"},
		{name: "syntax", body: "{", wantMsg: "invalid JSON"},
		{name: "unknown field", body: `{"nme":"x"}`, wantMsg: "unknown field"},
		{name: "type mismatch", body: `{"cap":"ten"}`, wantMsg: "invalid value"},
		{name: "two objects", body: `{"name":"a"} {"name":"b"}`, wantMsg: "single JSON object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst payload
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			err := DecodeJSON(httptest.NewRecorder(), req, &dst)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidJSON))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	var ok payload
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"spring","cap":3}`))
	require.NoError(t, DecodeJSON(httptest.NewRecorder(), req, &ok))
	assert.Equal(t, payload{Name: "spring", Cap: 3}, ok)
}

func TestValidator_ReportsJSONFieldNames(t *testing.T) {
	type input struct {
		BusinessID string `json:"business_id" validate:"required"`
		Name       string `json:"name" validate:"required,max=5"`
	}
	err := NewValidator().ValidateStruct(input{Name: "too long"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus())
	assert.Equal(t, map[string]any{"business_id": "required", "name": "max"}, appErr.Details)

	assert.NoError(t, NewValidator().ValidateStruct(input{BusinessID: "b", Name: "ok"}))
}

func TestObserve_LogsProviderAndMasksSignatures(t *testing.T) {
	var logs strings.Builder
	cfg := &config.Config{Environment: "local"}
	s, err := NewServer(cfg, slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	require.NoError(t, err)
	s.WebhookRoutes = append(s.WebhookRoutes, func(r chi.Router) {
		r.Post("/{provider}", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("OK")) })
	})
	s.MountRoutes()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", nil)
	req.Header.Set("X-Twilio-Signature", "s3cret")
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)

	out := logs.String()
	assert.Contains(t, out, `"provider":"twilio"`)
	assert.Contains(t, out, `"route":"/webhooks/{provider}"`)
	assert.Contains(t, out, `"bytes":2`)
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "s3cret")
}
