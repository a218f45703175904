// Package scheduler holds the periodic maintenance jobs of the cascade
// engine: run-loop ticks, retention cleanup, and status-poll recovery for
// attempts whose callbacks never arrived.
//
// The same services back both the blastctl subcommands and the
// cmd/scheduler Lambda, which receives a MaintenancePayload per
// EventBridge rule.
package scheduler

import "time"

// TaskType identifies which maintenance job should handle an invocation.
type TaskType string

const (
	TaskTick       TaskType = "tick"
	TaskCleanup    TaskType = "cleanup"
	TaskPollStatus TaskType = "poll_status"
)

// MaintenancePayload is the JSON payload sent by EventBridge:
//
//	{
//	  "task": "cleanup",
//	  "reference_time": "2026-02-06T03:00:00Z",
//	  "dry_run": true
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime replaces "now" for manual runs and backfills.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
	// DryRun makes cleanup count rows without deleting them.
	DryRun bool `json:"dry_run,omitempty"`
	// Since bounds status polling to attempts sent within this window.
	Since time.Duration `json:"since,omitempty"`
}

// Now returns ReferenceTime when set and fallback otherwise.
func (p MaintenancePayload) Now(fallback time.Time) time.Time {
	if p.ReferenceTime != nil {
		return p.ReferenceTime.UTC()
	}
	return fallback
}
