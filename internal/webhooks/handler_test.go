package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blastengine/internal/core"
	"blastengine/internal/memstore"
	"blastengine/internal/reconcile"
	"blastengine/internal/types"
)

var sentAt = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type rejectAll struct{}

func (rejectAll) Verify(string, map[string][]string, []byte) error {
	return errors.New("bad signature")
}

type brokenReconciler struct{}

func (brokenReconciler) Reconcile(context.Context, types.StatusEvent) (reconcile.Result, error) {
	return "", errors.New("connection reset")
}

type fixture struct {
	store  *memstore.Store
	router *chi.Mux
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.Campaigns.Create(ctx, &types.Campaign{
		ID: "c1", BusinessID: "biz", Name: "spring", Status: types.CampaignRunning, CreatedAt: sentAt,
	}))
	_, err := s.Recipients.InsertBatch(ctx, []*types.Recipient{{
		ID: "r1", CampaignID: "c1", CustomerID: "cust-1", Status: types.RecipientPending, CreatedAt: sentAt,
	}})
	require.NoError(t, err)
	for _, a := range []struct{ id, provider, ext string }{
		{"a-sms", "twilio", "SM1"},
		{"a-mail", "sendgrid", "sg-1"},
		{"a-wa", "whatsapp", "wamid.1"},
	} {
		require.NoError(t, s.Attempts.Create(ctx, &types.DeliveryAttempt{
			ID: a.id, RecipientID: "r1", CampaignID: "c1", Provider: a.provider, Status: types.AttemptQueued, CreatedAt: sentAt,
		}))
		require.NoError(t, s.Attempts.MarkSent(ctx, a.id, a.ext, types.MoneyFromFloat(0.05), sentAt))
	}

	rec := reconcile.New(s.Attempts, s.Recipients, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(rec, logger, opts...)

	r := chi.NewRouter()
	r.Use(core.RequestIDMiddleware)
	r.Route("/webhooks", h.RegisterRoutes)
	return &fixture{store: s, router: r}
}

func (f *fixture) do(t *testing.T, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) attempt(t *testing.T, id string) *types.DeliveryAttempt {
	t.Helper()
	a, err := f.store.Attempts.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestReceive_TwilioAnswersOK(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/webhooks/twilio", "application/x-www-form-urlencoded",
		"MessageSid=SM1&MessageStatus=delivered&Price=-0.0075")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	a := f.attempt(t, "a-sms")
	assert.Equal(t, types.AttemptDelivered, a.Status)
	assert.Equal(t, "-0.0075", a.Metadata["price"])
}

func TestReceive_SendGridIsIdempotent(t *testing.T) {
	f := newFixture(t)
	body := `[{"sg_message_id":"sg-1.filter0001","event":"delivered","timestamp":1772452900},
	          {"sg_message_id":"sg-1.filter0001","event":"open","timestamp":1772452950}]`

	for range 2 {
		rec := f.do(t, http.MethodPost, "/webhooks/sendgrid", "application/json", body)
		require.Equal(t, http.StatusOK, rec.Code)
		var ack Ack
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&ack))
		assert.Equal(t, Ack{Status: "ok", Processed: 2}, ack)
	}

	assert.Equal(t, types.AttemptOpened, f.attempt(t, "a-mail").Status)
	c, err := f.store.Campaigns.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Counters.Delivered)
	assert.EqualValues(t, 1, c.Counters.Opened)
}

func TestReceive_UnknownExternalIDIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/webhooks/whatsapp", "application/json",
		`{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.unknown","status":"delivered"},{"id":"wamid.1","status":"sideways"}]}}]}]}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","processed":2}`, rec.Body.String())
	assert.Equal(t, types.AttemptSent, f.attempt(t, "a-wa").Status)
}

func TestReceive_MalformedPayloads(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name     string
		target   string
		body     string
		wantCode types.ErrorCode
	}{
		{"sendgrid garbage", "/webhooks/sendgrid", "{{", types.ErrCodeValidationInvalidPayload},
		{"twilio missing status", "/webhooks/twilio", "MessageSid=SM1", types.ErrCodeValidationInvalidPayload},
		{"twilio bad form", "/webhooks/twilio", "%zz", types.ErrCodeValidationInvalidPayload},
		{"infobip garbage", "/webhooks/infobip", "[", types.ErrCodeValidationInvalidPayload},
		{"generic without id", "/webhooks/generic", `{"status":"delivered"}`, types.ErrCodeValidationInvalidPayload},
		{"unknown provider", "/webhooks/pigeon", `{}`, types.ErrCodeValidationUnknownProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.target, "", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var env core.APIErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
			assert.Equal(t, string(tt.wantCode), env.Error.Code)
			assert.NotEmpty(t, env.Error.RequestID)
		})
	}
}

func TestReceive_VerifierRejects(t *testing.T) {
	f := newFixture(t, WithVerifier(rejectAll{}))
	rec := f.do(t, http.MethodPost, "/webhooks/twilio", "application/x-www-form-urlencoded", "MessageSid=SM1&MessageStatus=delivered")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeValidationSignature))
	assert.Equal(t, types.AttemptSent, f.attempt(t, "a-sms").Status)
}

func TestReceive_StorageFailureIs500(t *testing.T) {
	h := NewHandler(brokenReconciler{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Route("/webhooks", h.RegisterRoutes)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/generic", strings.NewReader(`{"id":"x","status":"delivered"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestReceive_BodyLimit(t *testing.T) {
	f := newFixture(t, WithMaxBody(16))
	rec := f.do(t, http.MethodPost, "/webhooks/generic", "application/json", `{"id":"SM1","status":"delivered","pad":"xxxxxxxx"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyWhatsApp(t *testing.T) {
	f := newFixture(t, WithVerifyToken("hush"))

	rec := f.do(t, http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=hush&hub.challenge=1158201444", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1158201444", rec.Body.String())

	for _, q := range []string{
		"hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1",
		"hub.mode=unsubscribe&hub.verify_token=hush&hub.challenge=1",
		"hub.challenge=1",
	} {
		rec := f.do(t, http.MethodGet, "/webhooks/whatsapp?"+q, "", "")
		assert.Equal(t, http.StatusForbidden, rec.Code, q)
	}
}

func TestVerifyWhatsApp_NoTokenConfigured(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=&hub.challenge=1", "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
