// Package runloop drives running campaigns: each tick promotes due scheduled
// campaigns, evaluates (or enqueues) due recipients through a bounded worker
// pool and completes campaigns that have no active recipients left.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"blastengine/internal/cascade"
	"blastengine/internal/metrics"
	"blastengine/internal/queue"
	"blastengine/internal/types"
)

// Pool defaults.
const (
	DefaultWorkers   = 8
	DefaultBatchSize = 500
)

// CampaignStore is the campaign persistence the loop needs.
type CampaignStore interface {
	// ListDueScheduled returns SCHEDULED campaigns whose start time has passed.
	ListDueScheduled(ctx context.Context, now time.Time) ([]*types.Campaign, error)
	ListByStatus(ctx context.Context, status types.CampaignStatus) ([]*types.Campaign, error)
	Transition(ctx context.Context, id string, from []types.CampaignStatus, to types.CampaignStatus, reason string, now time.Time) (bool, error)
}

// RecipientStore is the recipient persistence the loop needs.
type RecipientStore interface {
	// ListDue returns up to limit ids of pending or processing recipients
	// whose NextAttemptAt is unset or not after now.
	ListDue(ctx context.Context, campaignID string, now time.Time, limit int) ([]string, error)
	CountActive(ctx context.Context, campaignID string) (int64, error)
}

// Stepper evaluates one recipient.
type Stepper interface {
	Step(ctx context.Context, recipientID string) (cascade.Outcome, error)
}

// Starter starts a campaign, materializing its audience.
type Starter interface {
	Start(ctx context.Context, id string) (*types.Campaign, error)
}

// Enqueuer hands due recipients to remote workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, tasks []queue.RecipientTask) error
}

// Deps wires a Loop. Enqueuer switches the loop to queue mode: due
// recipients are published instead of stepped in-process.
type Deps struct {
	Campaigns  CampaignStore
	Recipients RecipientStore
	Stepper    Stepper
	Starter    Starter
	Enqueuer   Enqueuer
	Workers    int
	BatchSize  int
	Metrics    metrics.Recorder
	Clock      types.Clock
	Logger     types.Logger
}

// Loop runs ticks.
type Loop struct {
	d Deps
}

// New creates a Loop.
func New(d Deps) *Loop {
	if d.Workers <= 0 {
		d.Workers = DefaultWorkers
	}
	if d.BatchSize <= 0 {
		d.BatchSize = DefaultBatchSize
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	if d.Clock == nil {
		d.Clock = types.RealClock{}
	}
	if d.Logger == nil {
		d.Logger = types.NopLogger{}
	}
	return &Loop{d: d}
}

// Report summarizes one tick.
type Report struct {
	Started    int `json:"started"`
	Campaigns  int `json:"campaigns"`
	Evaluated  int `json:"evaluated"`
	Dispatched int `json:"dispatched"`
	Enqueued   int `json:"enqueued"`
	Completed  int `json:"completed"`
	Errors     int `json:"errors"`
}

// Tick performs one pass. Per-recipient and per-campaign failures are
// logged and counted in the report; only listing failures are returned.
func (l *Loop) Tick(ctx context.Context) (Report, error) {
	began := time.Now()
	defer func() { l.d.Metrics.RecordTick(ctx, time.Since(began)) }()

	var rep Report
	now := l.d.Clock.Now()

	due, err := l.d.Campaigns.ListDueScheduled(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("Tick: list scheduled campaigns: %w", err)
	}
	for _, c := range due {
		if _, err := l.d.Starter.Start(ctx, c.ID); err != nil {
			rep.Errors++
			l.d.Logger.Error("failed to start scheduled campaign", "campaign_id", c.ID, "error", err.Error())
			continue
		}
		rep.Started++
	}

	running, err := l.d.Campaigns.ListByStatus(ctx, types.CampaignRunning)
	if err != nil {
		return rep, fmt.Errorf("Tick: list running campaigns: %w", err)
	}
	rep.Campaigns = len(running)
	for _, c := range running {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		cctx := types.WithCampaignID(ctx, c.ID)
		if err := l.drain(cctx, c.ID, &rep); err != nil {
			rep.Errors++
			l.d.Logger.Error("failed to drain campaign", "campaign_id", c.ID, "error", err.Error())
			continue
		}
		done, err := l.completeIfDrained(cctx, c.ID)
		if err != nil {
			rep.Errors++
			l.d.Logger.Error("failed to complete campaign", "campaign_id", c.ID, "error", err.Error())
			continue
		}
		if done {
			rep.Completed++
		}
	}

	l.d.Logger.Info("tick finished",
		"started", rep.Started, "campaigns", rep.Campaigns, "evaluated", rep.Evaluated,
		"dispatched", rep.Dispatched, "enqueued", rep.Enqueued, "completed", rep.Completed,
		"errors", rep.Errors, "duration_ms", time.Since(began).Milliseconds())
	return rep, nil
}

// drain processes the campaign's due recipients in rounds. Each round
// widens the listing by BatchSize past what this tick has already handled,
// so recipients still due after handling (enqueued, or failing) are not
// handled twice and cannot spin the loop.
func (l *Loop) drain(ctx context.Context, campaignID string, rep *Report) error {
	seen := make(map[string]struct{})
	for {
		limit := len(seen) + l.d.BatchSize
		ids, err := l.d.Recipients.ListDue(ctx, campaignID, l.d.Clock.Now(), limit)
		if err != nil {
			return fmt.Errorf("list due recipients: %w", err)
		}
		var fresh []string
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				fresh = append(fresh, id)
			}
		}
		if len(fresh) == 0 {
			return nil
		}

		if l.d.Enqueuer != nil {
			if err := l.enqueue(ctx, campaignID, fresh); err != nil {
				return err
			}
			rep.Enqueued += len(fresh)
		} else {
			if err := l.evaluate(ctx, fresh, rep); err != nil {
				return err
			}
		}
		if len(ids) < limit {
			return nil
		}
	}
}

func (l *Loop) enqueue(ctx context.Context, campaignID string, ids []string) error {
	tasks := make([]queue.RecipientTask, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, queue.RecipientTask{CampaignID: campaignID, RecipientID: id})
	}
	if err := l.d.Enqueuer.Enqueue(ctx, tasks); err != nil {
		return fmt.Errorf("enqueue recipients: %w", err)
	}
	return nil
}

// evaluate steps ids through the worker pool. One recipient's failure does
// not stop the others.
func (l *Loop) evaluate(ctx context.Context, ids []string, rep *Report) error {
	var evaluated, dispatched, failed atomic.Int64

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(l.d.Workers)
	for _, id := range ids {
		g.Go(func() error {
			out, err := l.d.Stepper.Step(gCtx, id)
			if err != nil {
				if errors.Is(err, context.Canceled) && gCtx.Err() != nil {
					return err
				}
				failed.Add(1)
				l.d.Logger.Error("recipient evaluation failed", "recipient_id", id, "error", err.Error())
				return nil
			}
			if !out.Skipped {
				evaluated.Add(1)
			}
			dispatched.Add(int64(out.Dispatched))
			return nil
		})
	}
	err := g.Wait()

	rep.Evaluated += int(evaluated.Load())
	rep.Dispatched += int(dispatched.Load())
	rep.Errors += int(failed.Load())
	return err
}

// completeIfDrained moves a RUNNING campaign with no pending or processing
// recipients to COMPLETED.
func (l *Loop) completeIfDrained(ctx context.Context, campaignID string) (bool, error) {
	active, err := l.d.Recipients.CountActive(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if active > 0 {
		return false, nil
	}
	ok, err := l.d.Campaigns.Transition(ctx, campaignID,
		[]types.CampaignStatus{types.CampaignRunning}, types.CampaignCompleted, "", l.d.Clock.Now())
	if err != nil {
		return false, err
	}
	if ok {
		l.d.Logger.Info("campaign completed", "campaign_id", campaignID)
	}
	return ok, nil
}

// Run ticks every interval until ctx is cancelled. Tick errors are logged
// and the loop continues.
func (l *Loop) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := l.Tick(ctx); err != nil && ctx.Err() == nil {
			l.d.Logger.Error("tick failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunFor ticks every interval for at most maxRuntime and returns early
// once no campaign is running or scheduled.
func (l *Loop) RunFor(ctx context.Context, interval, maxRuntime time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, maxRuntime)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := l.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		idle, err := l.idle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if idle {
			l.d.Logger.Info("no campaigns left to run")
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Loop) idle(ctx context.Context) (bool, error) {
	for _, st := range []types.CampaignStatus{types.CampaignRunning, types.CampaignScheduled} {
		cs, err := l.d.Campaigns.ListByStatus(ctx, st)
		if err != nil {
			return false, err
		}
		if len(cs) > 0 {
			return false, nil
		}
	}
	return true, nil
}
