// Package metrics records engine telemetry. Recorder is implemented by a
// CloudWatch backend for the Lambda deployment, a Prometheus backend for
// the long-running daemon, and Noop.
package metrics

import (
	"context"
	"time"

	"blastengine/internal/types"
)

// Result categorizes a dispatch outcome.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
	ResultSkipped Result = "skipped"
)

// Recorder is the engine's telemetry sink. Implementations must not block
// the caller on backend failures.
type Recorder interface {
	RecordDispatch(ctx context.Context, channel types.Channel, provider string, result Result, latency time.Duration)
	// RecordWebhook counts inbound status events; status is empty when the
	// vendor status was not recognised.
	RecordWebhook(ctx context.Context, provider string, status types.AttemptStatus)
	RecordRecipientOutcome(ctx context.Context, status types.RecipientStatus)
	RecordTick(ctx context.Context, duration time.Duration)
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordDispatch(context.Context, types.Channel, string, Result, time.Duration) {}
func (Noop) RecordWebhook(context.Context, string, types.AttemptStatus)                   {}
func (Noop) RecordRecipientOutcome(context.Context, types.RecipientStatus)                {}
func (Noop) RecordTick(context.Context, time.Duration)                                    {}

var _ Recorder = Noop{}

func statusLabel(s types.AttemptStatus) string {
	if s == "" {
		return "ignored"
	}
	return string(s)
}
