// Package main is the entrypoint for the Scheduler Lambda function.
//
// The Scheduler is a maintenance multiplexer. EventBridge rules send a
// MaintenancePayload naming the task and the handler routes it to the
// run-loop, the retention cleanup or the status-poll recovery. Keeping the
// low-frequency jobs in one function avoids a cold start per rule.
//
// Handler flow:
//  1. Parse MaintenancePayload and determine the reference time.
//  2. Take the per-task job lock so overlapping invocations skip.
//  3. Switch on TaskType and call the service.
//  4. Log the item count.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"blastengine/internal/app"
	"blastengine/internal/lock"
	"blastengine/internal/runloop"
	"blastengine/internal/scheduler"
)

const (
	// lockWait is how long an invocation waits for a job lock held by a
	// previous invocation before skipping.
	lockWait = 2 * time.Second

	// defaultPollWindow bounds status polling when the payload sets none.
	defaultPollWindow = 72 * time.Hour
)

// ServiceRegistry holds the services the multiplexer routes to. Fields are
// interfaces so tests can substitute them.
type ServiceRegistry struct {
	Loop     TickService
	Cleanup  CleanupService
	Recovery RecoveryService
}

// TickService advances running campaigns by one pass.
type TickService interface {
	Tick(ctx context.Context) (runloop.Report, error)
}

// CleanupService enforces retention windows.
type CleanupService interface {
	Run(ctx context.Context, now time.Time, dryRun bool) (scheduler.CleanupReport, error)
}

// RecoveryService polls providers for stuck attempts.
type RecoveryService interface {
	Run(ctx context.Context, now time.Time, since time.Duration) (scheduler.RecoveryReport, error)
}

// Handler holds the dependencies for the scheduler Lambda handler function.
type Handler struct {
	Services ServiceRegistry
	JobLock  lock.Locker
	WorkerID string
	Logger   *slog.Logger
	Now      func() time.Time
}

// Handle processes a MaintenancePayload from EventBridge.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := h.Now
	if clock == nil {
		clock = time.Now
	}

	now := payload.Now(clock().UTC())
	taskStr := string(payload.Task)
	logger.InfoContext(ctx, "scheduler handler invoked",
		"task", taskStr,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", h.WorkerID,
	)

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	lockID := "job:" + taskStr
	if h.JobLock != nil {
		waitCtx, cancel := context.WithTimeout(ctx, lockWait)
		release, err := h.JobLock.Lock(waitCtx, lockID)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				logger.InfoContext(ctx, "job lock not acquired, another worker is processing", "lock_id", lockID)
				return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
			}
			return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
		}
		defer release()
	}

	items, err := h.dispatch(ctx, payload, now)
	if err != nil {
		logger.ErrorContext(ctx, "task execution failed",
			"task", taskStr,
			"error", err,
			"items_before_error", items,
		)
		return "", fmt.Errorf("task %s failed: %w", taskStr, err)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", taskStr, items)
	logger.InfoContext(ctx, result, "task", taskStr, "items", items)
	return result, nil
}

// dispatch routes a TaskType to its service and returns the item count.
func (h *Handler) dispatch(ctx context.Context, p scheduler.MaintenancePayload, now time.Time) (int, error) {
	switch p.Task {
	case scheduler.TaskTick:
		rep, err := h.Services.Loop.Tick(ctx)
		return rep.Dispatched + rep.Enqueued, err

	case scheduler.TaskCleanup:
		rep, err := h.Services.Cleanup.Run(ctx, now, p.DryRun)
		return int(rep.AttemptsDeleted + rep.ClicksDeleted), err

	case scheduler.TaskPollStatus:
		since := p.Since
		if since <= 0 {
			since = defaultPollWindow
		}
		rep, err := h.Services.Recovery.Run(ctx, now, since)
		return rep.Applied, err

	default:
		return 0, fmt.Errorf("unknown task type: %q", p.Task)
	}
}

func main() {
	logger := app.NewLogger(os.Getenv("LOG_LEVEL"))
	logger.Info("scheduler Lambda initializing (cold start)")

	cfg, err := app.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	a, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to wire engine", "error", err)
		os.Exit(1)
	}

	workerID := uuid.NewString()
	handler := &Handler{
		Services: ServiceRegistry{
			Loop:     a.Loop,
			Cleanup:  a.Cleanup,
			Recovery: a.Recovery,
		},
		JobLock:  a.Locker,
		WorkerID: workerID,
		Logger:   logger,
	}

	logger.Info("scheduler Lambda initialized", "worker_id", workerID)
	lambda.Start(handler.Handle)
}
