// Package reconcile applies normalized provider status callbacks to
// delivery attempts, campaign counters and recipient engagement markers.
// Every vendor handler funnels into Reconciler.Reconcile.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"blastengine/internal/events"
	"blastengine/internal/metrics"
	"blastengine/internal/types"
)

// AttemptStore is the attempt persistence the reconciler needs.
type AttemptStore interface {
	GetByExternalID(ctx context.Context, externalID string) (*types.DeliveryAttempt, error)
	Get(ctx context.Context, id string) (*types.DeliveryAttempt, error)
	// CompareAndSetStatus moves the attempt to to only if it is still in from.
	CompareAndSetStatus(ctx context.Context, id string, from, to types.AttemptStatus) (bool, error)
	// SetMilestone stamps the milestone timestamp only if it is unset and
	// counts it on the campaign in the same atomic write.
	SetMilestone(ctx context.Context, id string, m types.Milestone, at time.Time) (bool, error)
	MergeMetadata(ctx context.Context, id string, md map[string]any) error
	RecordClick(ctx context.Context, attemptID, url string, at time.Time) error
}

// RecipientMarkers stamps first-seen engagement on recipients.
type RecipientMarkers interface {
	MarkOpened(ctx context.Context, id string, at time.Time) (bool, error)
	MarkClicked(ctx context.Context, id string, at time.Time) (bool, error)
}

// StopEvaluator re-checks a recipient's stop conditions.
type StopEvaluator interface {
	EvaluateStop(ctx context.Context, recipientID string) (bool, error)
}

// Verifier checks an inbound callback before it is trusted. Signature
// schemes are vendor specific and plugged in by the caller.
type Verifier interface {
	Verify(provider string, headers map[string][]string, body []byte) error
}

// AllowAll accepts every callback.
type AllowAll struct{}

func (AllowAll) Verify(string, map[string][]string, []byte) error { return nil }

// Result describes what Reconcile did with an event.
type Result string

const (
	ResultApplied        Result = "applied"
	ResultStale          Result = "stale"
	ResultUnknownStatus  Result = "unknown_status"
	ResultUnknownAttempt Result = "unknown_attempt"
)

// maxCASRetries bounds the status compare-and-set loop under contention.
const maxCASRetries = 3

// Reconciler applies status events.
type Reconciler struct {
	attempts   AttemptStore
	recipients RecipientMarkers
	stopper    StopEvaluator
	metrics    metrics.Recorder
	events     events.Publisher
	clock      types.Clock
	logger     types.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option { return func(r *Reconciler) { r.metrics = m } }

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option { return func(r *Reconciler) { r.events = p } }

// WithClock sets the clock used when an event carries no timestamp.
func WithClock(c types.Clock) Option { return func(r *Reconciler) { r.clock = c } }

// WithLogger sets the logger.
func WithLogger(l types.Logger) Option { return func(r *Reconciler) { r.logger = l } }

// New creates a Reconciler. stopper may be nil, in which case stop
// conditions are only observed by the next cascade evaluation.
func New(attempts AttemptStore, recipients RecipientMarkers, stopper StopEvaluator, opts ...Option) *Reconciler {
	r := &Reconciler{
		attempts:   attempts,
		recipients: recipients,
		stopper:    stopper,
		metrics:    metrics.Noop{},
		events:     events.Noop{},
		clock:      types.RealClock{},
		logger:     types.NopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile applies one normalized callback. Unknown external ids and
// unknown vendor statuses are logged and reported through the Result, not
// as errors. Applying the same event twice leaves the same state as
// applying it once.
func (r *Reconciler) Reconcile(ctx context.Context, ev types.StatusEvent) (Result, error) {
	logger := r.logger.With("provider", ev.Provider, "external_id", ev.ExternalID)

	status, ok := Canonical(ev.Provider, ev.VendorStatus)
	if !ok {
		logger.Warn("ignoring unknown vendor status", "vendor_status", ev.VendorStatus)
		r.metrics.RecordWebhook(ctx, ev.Provider, "")
		return ResultUnknownStatus, nil
	}

	attempt, err := r.attempts.GetByExternalID(ctx, ev.ExternalID)
	if err != nil {
		if types.IsNotFound(err) {
			logger.Info("discarding callback for unknown message", "vendor_status", ev.VendorStatus)
			r.metrics.RecordWebhook(ctx, ev.Provider, "")
			return ResultUnknownAttempt, nil
		}
		return "", fmt.Errorf("Reconcile: load attempt: %w", err)
	}
	logger = logger.With("attempt_id", attempt.ID, "recipient_id", attempt.RecipientID, "campaign_id", attempt.CampaignID)

	at := ev.OccurredAt
	if at.IsZero() {
		at = r.clock.Now()
	}

	if len(ev.Metadata) > 0 {
		if err := r.attempts.MergeMetadata(ctx, attempt.ID, ev.Metadata); err != nil {
			return "", fmt.Errorf("Reconcile: merge metadata: %w", err)
		}
	}

	applied, current, err := r.advance(ctx, attempt, status)
	if err != nil {
		return "", err
	}
	// A status already at or past this one may still owe its follow-up
	// writes when an earlier delivery of the event failed part way.
	if !applied && !current.Reached(status) {
		r.metrics.RecordWebhook(ctx, ev.Provider, status)
		return ResultStale, nil
	}

	stamped, err := r.recordMilestone(ctx, attempt, status, at)
	if err != nil {
		return "", err
	}
	marked, err := r.recordEngagement(ctx, logger, attempt, status, at, ev.Metadata, applied || stamped)
	if err != nil {
		return "", err
	}
	if !applied && !stamped && !marked {
		r.metrics.RecordWebhook(ctx, ev.Provider, status)
		return ResultStale, nil
	}

	r.metrics.RecordWebhook(ctx, ev.Provider, status)
	if err := r.events.Publish(ctx, events.Event{
		Type:        events.AttemptStatusChanged,
		CampaignID:  attempt.CampaignID,
		RecipientID: attempt.RecipientID,
		AttemptID:   attempt.ID,
		Channel:     attempt.Channel,
		Provider:    attempt.Provider,
		Status:      string(status),
		OccurredAt:  at,
	}); err != nil {
		logger.Warn("failed to publish attempt event", "error", err.Error())
	}
	logger.Info("delivery status reconciled", "status", string(status))
	return ResultApplied, nil
}

// advance moves the attempt forward to status. It returns false when the
// attempt is already at or past status, or in an absorbing status, along
// with the stored status it last observed.
func (r *Reconciler) advance(ctx context.Context, a *types.DeliveryAttempt, status types.AttemptStatus) (bool, types.AttemptStatus, error) {
	current := a.Status
	for range maxCASRetries {
		if !types.CanTransition(current, status) {
			return false, current, nil
		}
		won, err := r.attempts.CompareAndSetStatus(ctx, a.ID, current, status)
		if err != nil {
			return false, current, fmt.Errorf("Reconcile: update status: %w", err)
		}
		if won {
			a.Status = status
			return true, status, nil
		}
		fresh, err := r.attempts.Get(ctx, a.ID)
		if err != nil {
			return false, current, fmt.Errorf("Reconcile: reload attempt: %w", err)
		}
		current = fresh.Status
	}
	return false, current, types.NewAppError(types.ErrCodeConflictConcurrent, "attempt status kept changing during reconcile", nil)
}

// recordMilestone stamps the first observation of delivered, opened or
// clicked. The store counts it on the campaign in the same write.
func (r *Reconciler) recordMilestone(ctx context.Context, a *types.DeliveryAttempt, status types.AttemptStatus, at time.Time) (bool, error) {
	m := status.Milestone()
	if m == types.MilestoneNone {
		return false, nil
	}
	won, err := r.attempts.SetMilestone(ctx, a.ID, m, at)
	if err != nil {
		return false, fmt.Errorf("Reconcile: set %s timestamp: %w", m, err)
	}
	return won, nil
}

// recordEngagement stamps the recipient markers. It reports whether a
// marker was set by this call. The click log row is written only when
// logClick is set, so redelivered clicks are not logged twice.
func (r *Reconciler) recordEngagement(ctx context.Context, logger types.Logger, a *types.DeliveryAttempt, status types.AttemptStatus, at time.Time, md map[string]any, logClick bool) (bool, error) {
	switch status {
	case types.AttemptOpened:
		first, err := r.recipients.MarkOpened(ctx, a.RecipientID, at)
		if err != nil {
			return false, fmt.Errorf("Reconcile: mark opened: %w", err)
		}
		return first, nil
	case types.AttemptClicked:
		if url, _ := md["url"].(string); url != "" && logClick {
			if err := r.attempts.RecordClick(ctx, a.ID, url, at); err != nil {
				return false, fmt.Errorf("Reconcile: record click: %w", err)
			}
		}
		first, err := r.recipients.MarkClicked(ctx, a.RecipientID, at)
		if err != nil {
			return false, fmt.Errorf("Reconcile: mark clicked: %w", err)
		}
		if first && r.stopper != nil {
			completed, err := r.stopper.EvaluateStop(ctx, a.RecipientID)
			if err != nil {
				// The next cascade evaluation re-checks the stop conditions.
				logger.Error("stop re-check failed", "error", err.Error())
				return true, nil
			}
			if completed {
				logger.Info("recipient completed by engagement")
			}
		}
		return first, nil
	}
	return false, nil
}
