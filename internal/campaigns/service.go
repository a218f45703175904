// Package campaigns implements the campaign lifecycle: creation with a
// validated strategy, scheduling, start (audience materialization), pause,
// resume, cancel, conversion tracking and reporting.
package campaigns

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"blastengine/internal/events"
	"blastengine/internal/types"
)

// insertChunk bounds one recipient insert.
const insertChunk = 1000

// CampaignStore is the campaign persistence the service needs.
type CampaignStore interface {
	Create(ctx context.Context, c *types.Campaign) error
	Get(ctx context.Context, id string) (*types.Campaign, error)
	List(ctx context.Context, statuses ...types.CampaignStatus) ([]*types.Campaign, error)
	Transition(ctx context.Context, id string, from []types.CampaignStatus, to types.CampaignStatus, reason string, now time.Time) (bool, error)
	Schedule(ctx context.Context, id string, at, now time.Time) (bool, error)
	SetRecipientTotal(ctx context.Context, id string, n int64) error
	IncrementCounter(ctx context.Context, id string, field types.CounterField, delta int64) error
}

// RecipientStore is the recipient persistence the service needs.
type RecipientStore interface {
	// InsertBatch ignores customers already present in the campaign and
	// returns how many rows were added.
	InsertBatch(ctx context.Context, rs []*types.Recipient) (int64, error)
	GetByCustomer(ctx context.Context, campaignID, customerID string) (*types.Recipient, error)
	MarkConverted(ctx context.Context, id string, at time.Time) (bool, error)
	FailActive(ctx context.Context, campaignID string, now time.Time) (int64, error)
	CountByStatus(ctx context.Context, campaignID string) (map[types.RecipientStatus]int64, error)
}

// FailureCounter reports failed attempts per channel.
type FailureCounter interface {
	FailureCountsByChannel(ctx context.Context, campaignID string) (map[types.Channel]int64, error)
}

// AudienceResolver materializes a campaign's recipients.
type AudienceResolver interface {
	ResolveRecipients(ctx context.Context, campaignID string) ([]types.RecipientSeed, error)
}

// StopEvaluator re-checks a recipient's stop conditions.
type StopEvaluator interface {
	EvaluateStop(ctx context.Context, recipientID string) (bool, error)
}

// Deps wires a Service.
type Deps struct {
	Campaigns  CampaignStore
	Recipients RecipientStore
	Failures   FailureCounter
	Audience   AudienceResolver
	// Stopper is optional; when set, a recorded conversion completes the
	// recipient immediately instead of at its next evaluation.
	Stopper StopEvaluator
	Events  events.Publisher
	Clock   types.Clock
	Logger  types.Logger
}

// Service manages campaigns.
type Service struct {
	d        Deps
	validate *validator.Validate
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	if d.Clock == nil {
		d.Clock = types.RealClock{}
	}
	if d.Logger == nil {
		d.Logger = types.NopLogger{}
	}
	return &Service{d: d, validate: validator.New()}
}

// CreateInput describes a new campaign.
type CreateInput struct {
	BusinessID   string            `json:"business_id" yaml:"business_id" validate:"required"`
	BusinessName string            `json:"business_name" yaml:"business_name"`
	Name         string            `json:"name" yaml:"name" validate:"required,max=200"`
	Trigger      types.TriggerType `json:"trigger" yaml:"trigger"`
	// Strategy nil selects the default cascade.
	Strategy    *types.Strategy `json:"strategy" yaml:"strategy" validate:"-"`
	BudgetCap   *types.Money    `json:"budget_cap" yaml:"budget_cap"`
	ScheduledAt *time.Time      `json:"scheduled_at" yaml:"scheduled_at"`
}

// Create validates the input and stores a DRAFT campaign, or a SCHEDULED
// one when ScheduledAt is set. Missing strategy fields take the defaults.
func (s *Service) Create(ctx context.Context, in CreateInput) (*types.Campaign, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "invalid campaign", err)
	}
	strategy := types.DefaultStrategy()
	if in.Strategy != nil {
		strategy = in.Strategy.WithDefaults()
	}
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	if in.BudgetCap != nil && *in.BudgetCap <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidStrategy, "budget_cap must be positive", nil)
	}

	now := s.d.Clock.Now()
	trigger := in.Trigger
	if trigger == "" {
		trigger = types.TriggerManual
	}
	c := &types.Campaign{
		ID:           uuid.NewString(),
		BusinessID:   in.BusinessID,
		BusinessName: in.BusinessName,
		Name:         in.Name,
		Trigger:      trigger,
		Strategy:     strategy,
		BudgetCap:    in.BudgetCap,
		Status:       types.CampaignDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.ScheduledAt != nil {
		at := in.ScheduledAt.UTC()
		c.Status = types.CampaignScheduled
		c.ScheduledAt = &at
		c.Trigger = types.TriggerScheduled
	}
	if err := s.d.Campaigns.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	s.d.Logger.Info("campaign created", "campaign_id", c.ID, "business_id", c.BusinessID, "status", string(c.Status))
	return c, nil
}

// Get returns one campaign.
func (s *Service) Get(ctx context.Context, id string) (*types.Campaign, error) {
	return s.d.Campaigns.Get(ctx, id)
}

// List returns campaigns in the given statuses, or all.
func (s *Service) List(ctx context.Context, statuses ...types.CampaignStatus) ([]*types.Campaign, error) {
	return s.d.Campaigns.List(ctx, statuses...)
}

// Schedule sets the start time of a DRAFT or SCHEDULED campaign.
func (s *Service) Schedule(ctx context.Context, id string, at time.Time) (*types.Campaign, error) {
	ok, err := s.d.Campaigns.Schedule(ctx, id, at.UTC(), s.d.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("Schedule: %w", err)
	}
	if !ok {
		return nil, s.stateConflict(ctx, id, "schedule")
	}
	return s.d.Campaigns.Get(ctx, id)
}

// Start materializes the audience and moves the campaign to RUNNING. An
// audience failure cancels the campaign; an empty audience completes it.
func (s *Service) Start(ctx context.Context, id string) (*types.Campaign, error) {
	c, err := s.d.Campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.CanStart() {
		return nil, s.stateConflict(ctx, id, "start")
	}
	startable := []types.CampaignStatus{types.CampaignDraft, types.CampaignScheduled}
	logger := s.d.Logger.With("campaign_id", id)

	seeds, err := s.d.Audience.ResolveRecipients(ctx, id)
	if err != nil {
		reason := "audience resolution failed: " + err.Error()
		if _, terr := s.transition(ctx, id, startable, types.CampaignCancelled, reason); terr != nil {
			logger.Error("failed to cancel campaign after audience failure", "error", terr.Error())
		}
		logger.Error("campaign cancelled", "reason", reason)
		return nil, types.NewAppError(types.ErrCodeInternalAudience, "failed to materialize recipients", err)
	}

	inserted, err := s.materialize(ctx, id, seeds)
	if err != nil {
		return nil, fmt.Errorf("Start: %w", err)
	}

	to, reason := types.CampaignRunning, ""
	if inserted == 0 {
		to, reason = types.CampaignCompleted, "no recipients"
	}
	ok, err := s.transition(ctx, id, startable, to, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.stateConflict(ctx, id, "start")
	}
	if err := s.d.Campaigns.SetRecipientTotal(ctx, id, inserted); err != nil {
		return nil, fmt.Errorf("Start: set recipient total: %w", err)
	}
	logger.Info("campaign started", "recipients", inserted, "status", string(to))
	return s.d.Campaigns.Get(ctx, id)
}

func (s *Service) materialize(ctx context.Context, campaignID string, seeds []types.RecipientSeed) (int64, error) {
	now := s.d.Clock.Now()
	var total int64
	batch := make([]*types.Recipient, 0, min(len(seeds), insertChunk))
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.d.Recipients.InsertBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("insert recipients: %w", err)
		}
		total += n
		batch = batch[:0]
		return nil
	}

	for _, seed := range seeds {
		if seed.CustomerID == "" {
			continue
		}
		batch = append(batch, &types.Recipient{
			ID:         uuid.NewString(),
			CampaignID: campaignID,
			CustomerID: seed.CustomerID,
			Addresses:  seed.Addresses,
			Variables:  seed.Variables,
			Status:     types.RecipientPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if len(batch) == insertChunk {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return total, nil
}

// Pause stops new dispatches for a RUNNING campaign.
func (s *Service) Pause(ctx context.Context, id string) (*types.Campaign, error) {
	return s.move(ctx, id, []types.CampaignStatus{types.CampaignRunning}, types.CampaignPaused, "pause")
}

// Resume restarts a PAUSED campaign.
func (s *Service) Resume(ctx context.Context, id string) (*types.Campaign, error) {
	return s.move(ctx, id, []types.CampaignStatus{types.CampaignPaused}, types.CampaignRunning, "resume")
}

// Cancel retires a non-terminal campaign and fails its active recipients.
func (s *Service) Cancel(ctx context.Context, id string) (*types.Campaign, error) {
	c, err := s.move(ctx, id, []types.CampaignStatus{
		types.CampaignDraft, types.CampaignScheduled, types.CampaignRunning, types.CampaignPaused,
	}, types.CampaignCancelled, "cancel")
	if err != nil {
		return nil, err
	}
	n, err := s.d.Recipients.FailActive(ctx, id, s.d.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("Cancel: fail active recipients: %w", err)
	}
	s.d.Logger.Info("campaign cancelled", "campaign_id", id, "recipients_failed", n)
	return c, nil
}

func (s *Service) move(ctx context.Context, id string, from []types.CampaignStatus, to types.CampaignStatus, op string) (*types.Campaign, error) {
	ok, err := s.transition(ctx, id, from, to, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.stateConflict(ctx, id, op)
	}
	return s.d.Campaigns.Get(ctx, id)
}

func (s *Service) transition(ctx context.Context, id string, from []types.CampaignStatus, to types.CampaignStatus, reason string) (bool, error) {
	now := s.d.Clock.Now()
	ok, err := s.d.Campaigns.Transition(ctx, id, from, to, reason, now)
	if err != nil {
		return false, fmt.Errorf("transition campaign to %s: %w", to, err)
	}
	if ok {
		if err := s.d.Events.Publish(ctx, events.Event{
			Type:       events.CampaignStatusChanged,
			CampaignID: id,
			Status:     string(to),
			OccurredAt: now,
		}); err != nil {
			s.d.Logger.Warn("failed to publish campaign event", "campaign_id", id, "error", err.Error())
		}
	}
	return ok, nil
}

func (s *Service) stateConflict(ctx context.Context, id, op string) error {
	c, err := s.d.Campaigns.Get(ctx, id)
	if err != nil {
		return err
	}
	return types.NewAppErrorWithDetails(types.ErrCodeConflictCampaignState,
		fmt.Sprintf("cannot %s a campaign in status %s", op, c.Status), nil,
		map[string]any{"status": c.Status})
}

// RecordConversion marks the customer's recipient as converted. Only the
// first conversion counts; it reports whether this call was that one.
func (s *Service) RecordConversion(ctx context.Context, campaignID, customerID string, at time.Time) (bool, error) {
	r, err := s.d.Recipients.GetByCustomer(ctx, campaignID, customerID)
	if err != nil {
		return false, err
	}
	if at.IsZero() {
		at = s.d.Clock.Now()
	}
	first, err := s.d.Recipients.MarkConverted(ctx, r.ID, at)
	if err != nil {
		return false, fmt.Errorf("RecordConversion: %w", err)
	}
	if !first {
		return false, nil
	}
	if err := s.d.Campaigns.IncrementCounter(ctx, campaignID, types.CounterConverted, 1); err != nil {
		return true, fmt.Errorf("RecordConversion: increment counter: %w", err)
	}
	if s.d.Stopper != nil {
		if _, err := s.d.Stopper.EvaluateStop(ctx, r.ID); err != nil {
			s.d.Logger.Warn("stop re-check after conversion failed", "recipient_id", r.ID, "error", err.Error())
		}
	}
	return true, nil
}

// Stats is the reporting view of one campaign.
type Stats struct {
	CampaignID         string                          `json:"campaign_id"`
	Status             types.CampaignStatus            `json:"status"`
	Counters           types.CampaignCounters          `json:"counters"`
	DeliveryRate       float64                         `json:"delivery_rate"`
	ConversionRate     float64                         `json:"conversion_rate"`
	CurrentCost        types.Money                     `json:"current_cost"`
	ReservedCost       types.Money                     `json:"reserved_cost"`
	BudgetCap          *types.Money                    `json:"budget_cap,omitempty"`
	RecipientsByStatus map[types.RecipientStatus]int64 `json:"recipients_by_status"`
	FailuresByChannel  map[types.Channel]int64         `json:"failures_by_channel"`
}

// Stats aggregates counters, spend and per-channel failures.
func (s *Service) Stats(ctx context.Context, id string) (*Stats, error) {
	c, err := s.d.Campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	byStatus, err := s.d.Recipients.CountByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Stats: count recipients: %w", err)
	}
	failures, err := s.d.Failures.FailureCountsByChannel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Stats: count failures: %w", err)
	}
	return &Stats{
		CampaignID:         c.ID,
		Status:             c.Status,
		Counters:           c.Counters,
		DeliveryRate:       c.DeliveryRate(),
		ConversionRate:     c.ConversionRate(),
		CurrentCost:        c.CurrentCost,
		ReservedCost:       c.ReservedCost,
		BudgetCap:          c.BudgetCap,
		RecipientsByStatus: byStatus,
		FailuresByChannel:  failures,
	}, nil
}
