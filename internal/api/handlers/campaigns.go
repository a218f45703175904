// Package handlers contains the admin HTTP handlers mounted under /v1.
//
// The campaign handler covers:
//   - Create, Get, List
//   - Schedule, Start, Pause, Resume, Cancel
//   - Audience staging, conversion recording
//   - Stats and CSV export
package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"blastengine/internal/campaigns"
	"blastengine/internal/core"
	"blastengine/internal/export"
	"blastengine/internal/types"
)

// CampaignService is the lifecycle surface the handler drives.
type CampaignService interface {
	Create(ctx context.Context, in campaigns.CreateInput) (*types.Campaign, error)
	Get(ctx context.Context, id string) (*types.Campaign, error)
	List(ctx context.Context, statuses ...types.CampaignStatus) ([]*types.Campaign, error)
	Schedule(ctx context.Context, id string, at time.Time) (*types.Campaign, error)
	Start(ctx context.Context, id string) (*types.Campaign, error)
	Pause(ctx context.Context, id string) (*types.Campaign, error)
	Resume(ctx context.Context, id string) (*types.Campaign, error)
	Cancel(ctx context.Context, id string) (*types.Campaign, error)
	RecordConversion(ctx context.Context, campaignID, customerID string, at time.Time) (bool, error)
	Stats(ctx context.Context, id string) (*campaigns.Stats, error)
}

// Exporter streams a campaign export.
type Exporter interface {
	Export(ctx context.Context, w io.Writer, campaignID string, enc export.Encoding) (int, error)
}

// AudienceStager stores the audience a campaign materializes on start.
// Implemented by db.DirectoryRepository and memstore.StaticAudience.
type AudienceStager interface {
	StageAudience(ctx context.Context, campaignID string, seeds []types.RecipientSeed) (int64, error)
}

// CreateCampaignRequest is the body of POST /v1/campaigns.
type CreateCampaignRequest struct {
	BusinessID   string            `json:"business_id" validate:"required,max=100"`
	BusinessName string            `json:"business_name,omitempty" validate:"max=200"`
	Name         string            `json:"name" validate:"required,max=200"`
	Trigger      types.TriggerType `json:"trigger,omitempty" validate:"omitempty,oneof=manual scheduled event_coupon_issued event_coupon_redeemed event_review_toxic event_segment_enter expiry_24h expiry_1h"`
	Strategy     *types.Strategy   `json:"strategy,omitempty" validate:"-"`
	BudgetCap    *types.Money      `json:"budget_cap,omitempty"`
	ScheduledAt  *time.Time        `json:"scheduled_at,omitempty"`
}

// ScheduleRequest is the body of POST /v1/campaigns/{id}/schedule.
type ScheduleRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at" validate:"required"`
}

// ConversionRequest is the body of POST /v1/campaigns/{id}/conversions.
type ConversionRequest struct {
	CustomerID string     `json:"customer_id" validate:"required"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

// ConversionResponse reports whether the conversion was new.
type ConversionResponse struct {
	Recorded bool `json:"recorded"`
}

// AudienceRequest is the body of POST /v1/campaigns/{id}/audience.
type AudienceRequest struct {
	Recipients []types.RecipientSeed `json:"recipients" validate:"required,min=1,max=10000,dive"`
}

// AudienceResponse reports how many members were staged.
type AudienceResponse struct {
	Staged int64 `json:"staged"`
}

// CampaignListResponse wraps GET /v1/campaigns.
type CampaignListResponse struct {
	Data []*types.Campaign `json:"data"`
}

// CampaignHandler serves the campaign admin API.
type CampaignHandler struct {
	svc       CampaignService
	exporter  Exporter
	audience  AudienceStager
	validator *core.Validator
	logger    *slog.Logger
}

// NewCampaignHandler creates a CampaignHandler. audience may be nil, in
// which case the staging route answers 404.
func NewCampaignHandler(svc CampaignService, exporter Exporter, audience AudienceStager, v *core.Validator, l *slog.Logger) *CampaignHandler {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = core.NewValidator()
	}
	return &CampaignHandler{svc: svc, exporter: exporter, audience: audience, validator: v, logger: l}
}

// RegisterRoutes mounts the campaign routes on the /v1 group.
func (h *CampaignHandler) RegisterRoutes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Post("/schedule", h.Schedule)
			r.Post("/start", h.lifecycle(h.svc.Start, "started"))
			r.Post("/pause", h.lifecycle(h.svc.Pause, "paused"))
			r.Post("/resume", h.lifecycle(h.svc.Resume, "resumed"))
			r.Post("/cancel", h.lifecycle(h.svc.Cancel, "cancelled"))
			if h.audience != nil {
				r.Post("/audience", h.StageAudience)
			}
			r.Post("/conversions", h.RecordConversion)
			r.Get("/stats", h.Stats)
			r.Get("/export", h.Export)
		})
	})
}

// decode reads and validates a request body, writing the error envelope on
// failure.
func (h *CampaignHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := core.DecodeJSON(w, r, dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	return true
}

// Create handles POST /v1/campaigns.
func (h *CampaignHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.svc.Create(r.Context(), campaigns.CreateInput{
		BusinessID:   req.BusinessID,
		BusinessName: req.BusinessName,
		Name:         req.Name,
		Trigger:      req.Trigger,
		Strategy:     req.Strategy,
		BudgetCap:    req.BudgetCap,
		ScheduledAt:  req.ScheduledAt,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "campaign created via api", "campaign_id", c.ID, "status", string(c.Status))
	core.JSON(w, r, http.StatusCreated, c)
}

// List handles GET /v1/campaigns?status=running,paused.
func (h *CampaignHandler) List(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	list, err := h.svc.List(r.Context(), statuses...)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if list == nil {
		list = []*types.Campaign{}
	}
	core.JSON(w, r, http.StatusOK, CampaignListResponse{Data: list})
}

func parseStatuses(raw string) ([]types.CampaignStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []types.CampaignStatus
	for _, part := range strings.Split(raw, ",") {
		s := types.CampaignStatus(strings.ToLower(strings.TrimSpace(part)))
		switch s {
		case types.CampaignDraft, types.CampaignScheduled, types.CampaignRunning,
			types.CampaignPaused, types.CampaignCompleted, types.CampaignCancelled:
			out = append(out, s)
		default:
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidParam,
				"unknown campaign status", nil, map[string]any{"status": part})
		}
	}
	return out, nil
}

// Get handles GET /v1/campaigns/{id}.
func (h *CampaignHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, c)
}

// Schedule handles POST /v1/campaigns/{id}/schedule.
func (h *CampaignHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.svc.Schedule(r.Context(), chi.URLParam(r, "id"), *req.ScheduledAt)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, c)
}

// lifecycle adapts one of the bodiless state transitions.
func (h *CampaignHandler) lifecycle(op func(context.Context, string) (*types.Campaign, error), verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		c, err := op(r.Context(), id)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		h.logger.InfoContext(r.Context(), "campaign "+verb, "campaign_id", id, "status", string(c.Status))
		core.JSON(w, r, http.StatusOK, c)
	}
}

// StageAudience handles POST /v1/campaigns/{id}/audience. Staging is only
// accepted before the campaign starts.
func (h *CampaignHandler) StageAudience(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req AudienceRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.svc.Get(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if !c.CanStart() {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeConflictCampaignState,
			"audience can only be staged before the campaign starts", nil,
			map[string]any{"status": string(c.Status)}))
		return
	}
	n, err := h.audience.StageAudience(r.Context(), id, req.Recipients)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, AudienceResponse{Staged: n})
}

// RecordConversion handles POST /v1/campaigns/{id}/conversions. A repeated
// conversion answers 200 with recorded=false.
func (h *CampaignHandler) RecordConversion(w http.ResponseWriter, r *http.Request) {
	var req ConversionRequest
	if !h.decode(w, r, &req) {
		return
	}
	at := time.Now().UTC()
	if req.OccurredAt != nil {
		at = req.OccurredAt.UTC()
	}
	recorded, err := h.svc.RecordConversion(r.Context(), chi.URLParam(r, "id"), req.CustomerID, at)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, ConversionResponse{Recorded: recorded})
}

// Stats handles GET /v1/campaigns/{id}/stats.
func (h *CampaignHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, stats)
}

// Export handles GET /v1/campaigns/{id}/export?encoding=gzip|zstd. Once the
// first byte is written, failures can only be logged.
func (h *CampaignHandler) Export(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	enc, err := export.ParseEncoding(r.URL.Query().Get("encoding"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if _, err := h.svc.Get(r.Context(), id); err != nil {
		core.Error(w, r, err)
		return
	}

	contentType := "text/csv; charset=utf-8"
	switch enc {
	case export.EncodingGzip:
		contentType = "application/gzip"
	case export.EncodingZstd:
		contentType = "application/zstd"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+enc.FileName(id)+`"`)
	w.WriteHeader(http.StatusOK)

	rows, err := h.exporter.Export(r.Context(), w, id, enc)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "campaign export aborted", "campaign_id", id, "rows", rows, "error", err)
		return
	}
	h.logger.InfoContext(r.Context(), "campaign exported", "campaign_id", id, "rows", rows, "encoding", string(enc))
}
