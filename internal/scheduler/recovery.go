package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"blastengine/internal/external"
	"blastengine/internal/reconcile"
	"blastengine/internal/types"
)

// StaleAttemptLister finds SENT attempts that have not progressed.
type StaleAttemptLister interface {
	ListStaleSent(ctx context.Context, before time.Time, limit int) ([]*types.DeliveryAttempt, error)
}

// StatusReconciler applies a normalized status event.
type StatusReconciler interface {
	Reconcile(ctx context.Context, ev types.StatusEvent) (reconcile.Result, error)
}

// DefaultPollBatch caps how many attempts one recovery run polls.
const DefaultPollBatch = 500

// defaultPollAge is how long an attempt stays SENT before it is polled.
const defaultPollAge = 15 * time.Minute

// RecoveryReport is the outcome of one status-poll run.
type RecoveryReport struct {
	Candidates  int `json:"candidates"`
	Polled      int `json:"polled"`
	Applied     int `json:"applied"`
	Unsupported int `json:"unsupported"`
	Errors      int `json:"errors"`
}

// StatusRecovery polls providers for attempts whose delivery callbacks
// never arrived and feeds the answers through the reconciler.
type StatusRecovery struct {
	attempts   StaleAttemptLister
	pollers    map[string]external.StatusPoller
	reconciler StatusReconciler
	batch      int
	logger     *slog.Logger
}

// NewStatusRecovery creates a StatusRecovery. pollers is usually
// Registry.Pollers().
func NewStatusRecovery(attempts StaleAttemptLister, pollers map[string]external.StatusPoller, reconciler StatusReconciler, logger *slog.Logger) *StatusRecovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusRecovery{
		attempts:   attempts,
		pollers:    pollers,
		reconciler: reconciler,
		batch:      DefaultPollBatch,
		logger:     logger,
	}
}

// Run polls SENT attempts sent between now-since and now-15m. A zero since
// polls every stale attempt regardless of age. Per-attempt failures are
// counted and logged; only a failed listing aborts the run.
func (r *StatusRecovery) Run(ctx context.Context, now time.Time, since time.Duration) (RecoveryReport, error) {
	var report RecoveryReport

	stale, err := r.attempts.ListStaleSent(ctx, now.Add(-defaultPollAge), r.batch)
	if err != nil {
		return report, fmt.Errorf("list stale attempts: %w", err)
	}

	var floor time.Time
	if since > 0 {
		floor = now.Add(-since)
	}

	for _, a := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if a.ExternalID == "" || (a.SentAt != nil && a.SentAt.Before(floor)) {
			continue
		}
		report.Candidates++

		poller, ok := r.pollers[a.Provider]
		if !ok {
			report.Unsupported++
			continue
		}

		logger := r.logger.With("attempt_id", a.ID, "provider", a.Provider, "external_id", a.ExternalID)
		vendorStatus, err := poller.PollStatus(ctx, a.ExternalID)
		if err != nil {
			report.Errors++
			logger.WarnContext(ctx, "status poll failed", "error", err)
			continue
		}
		report.Polled++

		result, err := r.reconciler.Reconcile(ctx, types.StatusEvent{
			Provider:     a.Provider,
			ExternalID:   a.ExternalID,
			VendorStatus: vendorStatus,
			OccurredAt:   now,
			Metadata:     map[string]any{"source": "poll"},
		})
		if err != nil {
			report.Errors++
			logger.ErrorContext(ctx, "reconcile polled status failed", "error", err)
			continue
		}
		if result == reconcile.ResultApplied {
			report.Applied++
		}
	}

	r.logger.InfoContext(ctx, "status poll recovery finished",
		"candidates", report.Candidates,
		"polled", report.Polled,
		"applied", report.Applied,
		"unsupported", report.Unsupported,
		"errors", report.Errors,
	)
	return report, nil
}
