// Package dispatch is the single write-point for delivery attempts: it
// records the attempt, calls the provider once, and books the outcome
// against the recipient and campaign.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"blastengine/internal/events"
	"blastengine/internal/external"
	"blastengine/internal/metrics"
	"blastengine/internal/types"
)

// AttemptStore persists delivery attempts.
type AttemptStore interface {
	Create(ctx context.Context, a *types.DeliveryAttempt) error
	MarkSent(ctx context.Context, id, externalID string, cost types.Money, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error
}

// CampaignLedger books spend and counters on the campaign.
type CampaignLedger interface {
	// SettleBudget releases reserved and adds actual to the settled spend.
	SettleBudget(ctx context.Context, campaignID string, reserved, actual types.Money) error
	IncrementCounter(ctx context.Context, campaignID string, field types.CounterField, delta int64) error
}

// RecipientLedger accumulates per-recipient spend.
type RecipientLedger interface {
	AddCost(ctx context.Context, recipientID string, amount types.Money) error
}

// ContactMarker records that an address was used.
type ContactMarker interface {
	MarkSeen(ctx context.Context, addressID string, at time.Time) error
}

// Request is one send.
type Request struct {
	Campaign  *types.Campaign
	Recipient *types.Recipient
	Step      int
	Address   types.ContactAddress
	Provider  external.Provider
	Content   types.RenderedMessage
	// Reserved is the amount already reserved against the campaign budget
	// for this send. It is settled whatever the outcome.
	Reserved types.Money
}

// Config wires a Dispatcher.
type Config struct {
	Attempts   AttemptStore
	Campaigns  CampaignLedger
	Recipients RecipientLedger
	Contacts   ContactMarker
	Metrics    metrics.Recorder
	Events     events.Publisher
	Clock      types.Clock
	Logger     types.Logger
	// Timeout bounds a single provider call.
	Timeout time.Duration
}

// Dispatcher sends one message per call.
type Dispatcher struct {
	cfg Config
}

// New creates a Dispatcher. Nil optional collaborators get no-op defaults.
func New(cfg Config) *Dispatcher {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Events == nil {
		cfg.Events = events.Noop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = types.NopLogger{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Dispatcher{cfg: cfg}
}

// Dispatch creates a QUEUED attempt, sends it, and records SENT or FAILED.
//
// A provider failure is not an error: the returned attempt has status
// failed. An error is returned only when the attempt could not be created,
// in which case nothing was sent and the reservation has been released.
//
// Once the provider has been called, the outcome is recorded even if ctx is
// cancelled; bookkeeping failures after a send are logged, not returned,
// because the send cannot be undone.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*types.DeliveryAttempt, error) {
	now := d.cfg.Clock.Now()
	attempt := &types.DeliveryAttempt{
		ID:               uuid.NewString(),
		RecipientID:      req.Recipient.ID,
		CampaignID:       req.Campaign.ID,
		CustomerID:       req.Recipient.CustomerID,
		ContactAddressID: req.Address.ID,
		Step:             req.Step,
		Channel:          req.Provider.Channel(),
		Provider:         req.Provider.Name(),
		TemplateID:       req.Content.TemplateID,
		Subject:          req.Content.Subject,
		Body:             req.Content.Body,
		Status:           types.AttemptQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	logger := d.cfg.Logger.With(
		"campaign_id", attempt.CampaignID,
		"recipient_id", attempt.RecipientID,
		"attempt_id", attempt.ID,
		"channel", attempt.Channel,
		"provider", attempt.Provider,
	)

	// Bookkeeping outlives the caller's cancellation.
	bookCtx := context.WithoutCancel(ctx)

	if err := d.cfg.Attempts.Create(ctx, attempt); err != nil {
		if serr := d.cfg.Campaigns.SettleBudget(bookCtx, attempt.CampaignID, req.Reserved, 0); serr != nil {
			logger.Error("failed to release reservation", "error", serr.Error())
		}
		return nil, fmt.Errorf("create delivery attempt: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(bookCtx, d.cfg.Timeout)
	start := time.Now()
	result, sendErr := req.Provider.Send(sendCtx, external.Message{
		AttemptID:  attempt.ID,
		CampaignID: attempt.CampaignID,
		Channel:    attempt.Channel,
		To:         req.Address.Value,
		Subject:    req.Content.Subject,
		Body:       req.Content.Body,
		BodyHTML:   req.Content.BodyHTML,
	})
	cancel()
	latency := time.Since(start)
	done := d.cfg.Clock.Now()

	if sendErr != nil {
		d.recordFailure(bookCtx, logger, attempt, req, sendErr, done)
		d.cfg.Metrics.RecordDispatch(bookCtx, attempt.Channel, attempt.Provider, metrics.ResultFailed, latency)
		return attempt, nil
	}

	cost := result.Cost
	switch {
	case cost <= 0:
		cost = req.Reserved
	case cost > req.Reserved:
		// Spend is booked against the reservation and never past it.
		logger.Warn("provider charged above its quote, booking the quote",
			"charged", cost.String(),
			"quote", req.Reserved.String(),
		)
		cost = req.Reserved
	}
	attempt.Status = types.AttemptSent
	attempt.ExternalID = result.ExternalID
	attempt.Cost = cost
	attempt.SentAt = &done
	attempt.UpdatedAt = done

	var errs []error
	if err := d.cfg.Attempts.MarkSent(bookCtx, attempt.ID, result.ExternalID, cost, done); err != nil {
		errs = append(errs, fmt.Errorf("mark sent: %w", err))
	}
	if err := d.cfg.Campaigns.SettleBudget(bookCtx, attempt.CampaignID, req.Reserved, cost); err != nil {
		errs = append(errs, fmt.Errorf("settle budget: %w", err))
	}
	if err := d.cfg.Recipients.AddCost(bookCtx, attempt.RecipientID, cost); err != nil {
		errs = append(errs, fmt.Errorf("add recipient cost: %w", err))
	}
	if err := d.cfg.Campaigns.IncrementCounter(bookCtx, attempt.CampaignID, types.CounterSent, 1); err != nil {
		errs = append(errs, fmt.Errorf("increment sent: %w", err))
	}
	if d.cfg.Contacts != nil && req.Address.ID != "" {
		if err := d.cfg.Contacts.MarkSeen(bookCtx, req.Address.ID, done); err != nil {
			errs = append(errs, fmt.Errorf("mark address seen: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error("dispatch succeeded but bookkeeping failed; recover with status polling",
			"external_id", result.ExternalID,
			"error", err.Error(),
		)
	}

	d.cfg.Metrics.RecordDispatch(bookCtx, attempt.Channel, attempt.Provider, metrics.ResultSuccess, latency)
	d.publish(bookCtx, logger, attempt)
	logger.Info("message dispatched", "external_id", result.ExternalID, "cost", cost.String())
	return attempt, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, logger types.Logger, attempt *types.DeliveryAttempt, req Request, sendErr error, at time.Time) {
	attempt.Status = types.AttemptFailed
	attempt.ErrorMessage = sendErr.Error()
	attempt.UpdatedAt = at

	if err := d.cfg.Attempts.MarkFailed(ctx, attempt.ID, attempt.ErrorMessage, at); err != nil {
		logger.Error("failed to mark attempt failed", "error", err.Error())
	}
	if err := d.cfg.Campaigns.SettleBudget(ctx, attempt.CampaignID, req.Reserved, 0); err != nil {
		logger.Error("failed to release reservation", "error", err.Error())
	}
	logger.Warn("dispatch failed", "error", attempt.ErrorMessage)
	d.publish(ctx, logger, attempt)
}

func (d *Dispatcher) publish(ctx context.Context, logger types.Logger, a *types.DeliveryAttempt) {
	e := events.Event{
		Type:        events.AttemptStatusChanged,
		CampaignID:  a.CampaignID,
		RecipientID: a.RecipientID,
		AttemptID:   a.ID,
		Channel:     a.Channel,
		Provider:    a.Provider,
		Status:      string(a.Status),
		OccurredAt:  a.UpdatedAt,
	}
	if a.Status == types.AttemptSent {
		cost := a.Cost
		e.Cost = &cost
	}
	if err := d.cfg.Events.Publish(ctx, e); err != nil {
		logger.Warn("failed to publish attempt event", "error", err.Error())
	}
}
