package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupDB is the storage the retention cleanup needs.
type CleanupDB interface {
	// DeleteFailedBefore removes FAILED and BOUNCED attempts created before
	// cutoff. With dryRun it only counts them.
	DeleteFailedBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error)
	// DeleteClicksBefore removes click-log rows recorded before cutoff.
	DeleteClicksBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error)
}

// Retention is the cleanup window in days per table.
type Retention struct {
	AttemptDays int
	ClickDays   int
}

// Default retention windows.
const (
	DefaultAttemptRetentionDays = 90
	DefaultClickRetentionDays   = 180
)

// CleanupReport is the outcome of one cleanup run.
type CleanupReport struct {
	DryRun          bool      `json:"dry_run"`
	AttemptCutoff   time.Time `json:"attempt_cutoff"`
	ClickCutoff     time.Time `json:"click_cutoff"`
	AttemptsDeleted int64     `json:"attempts_deleted"`
	ClicksDeleted   int64     `json:"clicks_deleted"`
}

// CleanupService enforces the retention windows.
type CleanupService struct {
	db        CleanupDB
	retention Retention
	logger    *slog.Logger
}

// NewCleanupService creates a CleanupService. Non-positive windows fall
// back to the defaults.
func NewCleanupService(db CleanupDB, retention Retention, logger *slog.Logger) *CleanupService {
	if logger == nil {
		logger = slog.Default()
	}
	if retention.AttemptDays <= 0 {
		retention.AttemptDays = DefaultAttemptRetentionDays
	}
	if retention.ClickDays <= 0 {
		retention.ClickDays = DefaultClickRetentionDays
	}
	return &CleanupService{db: db, retention: retention, logger: logger}
}

// Run deletes failed attempts and click rows older than their windows,
// measured back from now.
func (s *CleanupService) Run(ctx context.Context, now time.Time, dryRun bool) (CleanupReport, error) {
	report := CleanupReport{
		DryRun:        dryRun,
		AttemptCutoff: now.AddDate(0, 0, -s.retention.AttemptDays),
		ClickCutoff:   now.AddDate(0, 0, -s.retention.ClickDays),
	}

	n, err := s.db.DeleteFailedBefore(ctx, report.AttemptCutoff, dryRun)
	if err != nil {
		return report, fmt.Errorf("cleanup attempts: %w", err)
	}
	report.AttemptsDeleted = n

	n, err = s.db.DeleteClicksBefore(ctx, report.ClickCutoff, dryRun)
	if err != nil {
		return report, fmt.Errorf("cleanup clicks: %w", err)
	}
	report.ClicksDeleted = n

	s.logger.InfoContext(ctx, "retention cleanup finished",
		"dry_run", dryRun,
		"attempts", report.AttemptsDeleted,
		"clicks", report.ClicksDeleted,
		"attempt_cutoff", report.AttemptCutoff.Format(time.RFC3339),
		"click_cutoff", report.ClickCutoff.Format(time.RFC3339),
	)
	return report, nil
}
