package webhooks

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"blastengine/internal/core"
	"blastengine/internal/reconcile"
	"blastengine/internal/types"
)

// Reconciler applies one normalized event.
type Reconciler interface {
	Reconcile(ctx context.Context, ev types.StatusEvent) (reconcile.Result, error)
}

// defaultMaxBody bounds callback bodies when the config leaves it unset.
const defaultMaxBody = 1 << 20

// Ack is the JSON acknowledgement for every provider except Twilio.
type Ack struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
}

// Handler serves POST /webhooks/{provider} and the WhatsApp GET
// verification handshake.
type Handler struct {
	reconciler  Reconciler
	verifier    reconcile.Verifier
	verifyToken string
	maxBody     int64
	logger      *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithVerifier installs the signature check run before parsing.
func WithVerifier(v reconcile.Verifier) Option { return func(h *Handler) { h.verifier = v } }

// WithVerifyToken sets the WhatsApp hub.verify_token.
func WithVerifyToken(token string) Option { return func(h *Handler) { h.verifyToken = token } }

// WithMaxBody caps request bodies.
func WithMaxBody(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// NewHandler creates a Handler. Without WithVerifier every callback is
// accepted.
func NewHandler(reconciler Reconciler, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		reconciler: reconciler,
		verifier:   reconcile.AllowAll{},
		maxBody:    defaultMaxBody,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the handler on the /webhooks group.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/whatsapp", h.VerifyWhatsApp)
	r.Post("/{provider}", h.Receive)
}

// VerifyWhatsApp answers the Meta subscription handshake: the challenge is
// echoed back when hub.mode is "subscribe" and the token matches.
func (h *Handler) VerifyWhatsApp(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("hub.verify_token")
	if h.verifyToken == "" || q.Get("hub.mode") != "subscribe" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) != 1 {
		core.Error(w, r, types.NewAppError(types.ErrCodePermissionWebhook, "webhook verification failed", nil))
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// Receive verifies, parses and reconciles one callback. Parse and
// signature failures answer 400; storage failures answer 500 so the
// vendor retries.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		core.Error(w, r, invalidPayload(provider, "unreadable body", err))
		return
	}
	if err := h.verifier.Verify(provider, r.Header, body); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature rejected", "provider", provider, "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationSignature, "webhook signature rejected", err))
		return
	}

	events, err := h.parse(provider, body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "webhook payload rejected", "provider", provider, "error", err)
		core.Error(w, r, err)
		return
	}

	processed, err := Apply(r.Context(), h.reconciler, h.logger, events)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if provider == ProviderTwilio {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "OK")
		return
	}
	core.JSON(w, r, http.StatusOK, Ack{Status: "ok", Processed: processed})
}

func (h *Handler) parse(provider string, body []byte) ([]types.StatusEvent, error) {
	switch provider {
	case ProviderSendGrid:
		return ParseSendGrid(body)
	case ProviderTwilio:
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, invalidPayload(provider, "malformed form body", err)
		}
		ev, err := ParseTwilio(form)
		if err != nil {
			return nil, err
		}
		return []types.StatusEvent{ev}, nil
	case ProviderInfobip:
		return ParseInfobip(body)
	case ProviderWhatsApp:
		return ParseWhatsApp(body)
	case ProviderSES:
		return ParseSESFeedback(body)
	case ProviderGeneric:
		ev, err := ParseGeneric(body)
		if err != nil {
			return nil, err
		}
		return []types.StatusEvent{ev}, nil
	}
	return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationUnknownProvider,
		"no webhook handler for provider", nil, map[string]any{"provider": provider})
}

// Apply reconciles events in order and counts the ones the reconciler
// accepted, including stale and unknown ones. A failing event does not stop
// the rest; all failures are joined. The SES feedback worker shares it.
func Apply(ctx context.Context, rec Reconciler, logger *slog.Logger, events []types.StatusEvent) (int, error) {
	var (
		processed int
		errs      []error
	)
	for _, ev := range events {
		result, err := rec.Reconcile(ctx, ev)
		if err != nil {
			logger.ErrorContext(ctx, "reconcile failed",
				"provider", ev.Provider, "external_id", ev.ExternalID, "error", err)
			errs = append(errs, err)
			continue
		}
		processed++
		logger.DebugContext(ctx, "webhook event reconciled",
			"provider", ev.Provider, "external_id", ev.ExternalID, "result", string(result))
	}
	return processed, errors.Join(errs...)
}
