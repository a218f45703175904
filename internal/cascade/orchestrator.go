// Package cascade drives one recipient through its campaign's channel
// cascade. Each Step call is one evaluation of the recipient state machine,
// run inside the recipient's exclusive section.
package cascade

import (
	"context"
	"fmt"

	"blastengine/internal/dispatch"
	"blastengine/internal/events"
	"blastengine/internal/external"
	"blastengine/internal/lock"
	"blastengine/internal/metrics"
	"blastengine/internal/policy"
	"blastengine/internal/render"
	"blastengine/internal/resolver"
	"blastengine/internal/types"
)

// CampaignReader loads campaigns and reserves spend against their cap.
type CampaignReader interface {
	Get(ctx context.Context, id string) (*types.Campaign, error)

	// ReserveBudget reserves amount when current + reserved + amount stays
	// within the cap, in a single atomic step. Returns false when refused.
	ReserveBudget(ctx context.Context, id string, amount types.Money) (bool, error)
}

// RecipientStateStore persists the cascade state of one recipient.
type RecipientStateStore interface {
	Get(ctx context.Context, id string) (*types.Recipient, error)

	// SaveState writes cursor, status, attempt count and wake-up time. The
	// stored cursor never decreases, and a recipient already in a terminal
	// status is left untouched; applied is false in that case.
	SaveState(ctx context.Context, r *types.Recipient) (applied bool, err error)
}

// AttemptHistory answers questions about a recipient's past attempts.
type AttemptHistory interface {
	// HasEngaged reports whether any attempt reached delivered or clicked.
	HasEngaged(ctx context.Context, recipientID string) (bool, error)
	// HasSent reports whether any attempt was accepted by a provider.
	HasSent(ctx context.Context, recipientID string) (bool, error)
}

// PolicyGuard decides whether a send may happen now.
type PolicyGuard interface {
	Evaluate(ctx context.Context, in policy.Input) (policy.Result, error)
}

// MessageRenderer produces the content of one message.
type MessageRenderer interface {
	Render(ctx context.Context, req render.Request) (types.RenderedMessage, error)
}

// ProviderLookup returns the provider serving a channel.
type ProviderLookup interface {
	ForChannel(ch types.Channel) (external.Provider, bool)
}

// Dispatcher sends one message and records the attempt.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*types.DeliveryAttempt, error)
}

// Deps wires an Orchestrator.
type Deps struct {
	Campaigns  CampaignReader
	Recipients RecipientStateStore
	Attempts   AttemptHistory
	Guard      PolicyGuard
	Renderer   MessageRenderer
	Providers  ProviderLookup
	Dispatcher Dispatcher
	Locker     lock.Locker
	Metrics    metrics.Recorder
	Events     events.Publisher
	Clock      types.Clock
	Logger     types.Logger
}

// Outcome summarizes one Step call.
type Outcome struct {
	Status     types.RecipientStatus
	Step       int
	Dispatched int
	// Skipped is true when the call did nothing: recipient terminal, not
	// due, or campaign not running.
	Skipped bool
}

// Orchestrator evaluates recipients.
type Orchestrator struct {
	d Deps
}

// Compile-time assertion that the registry satisfies ProviderLookup.
var _ ProviderLookup = (*external.Registry)(nil)

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(d Deps) *Orchestrator {
	if d.Locker == nil {
		d.Locker = lock.NewKeyedMutex()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	if d.Clock == nil {
		d.Clock = types.RealClock{}
	}
	if d.Logger == nil {
		d.Logger = types.NopLogger{}
	}
	return &Orchestrator{d: d}
}

// LockKey is the exclusive-section key for a recipient.
func LockKey(recipientID string) string {
	return "recipient:" + recipientID
}

// evaluation carries the per-call state of one Step.
type evaluation struct {
	campaign *types.Campaign
	strategy types.Strategy
	r        *types.Recipient
	logger   types.Logger
	out      Outcome

	// failedOut is set when the last cursor advance was caused by
	// exhausting dispatch attempts.
	failedOut bool
	engaged   *bool
	// calls counts Dispatcher calls made by this evaluation.
	calls int
}

// Step runs one evaluation of the recipient state machine. It is a no-op
// for recipients that are terminal or not yet due, and for campaigns that
// are not running. Errors leave the stored state as it was before the
// failing operation.
func (o *Orchestrator) Step(ctx context.Context, recipientID string) (Outcome, error) {
	release, err := o.d.Locker.Lock(ctx, LockKey(recipientID))
	if err != nil {
		return Outcome{}, fmt.Errorf("lock recipient %s: %w", recipientID, err)
	}
	defer release()

	r, err := o.d.Recipients.Get(ctx, recipientID)
	if err != nil {
		return Outcome{}, fmt.Errorf("Step: load recipient: %w", err)
	}
	now := o.d.Clock.Now()
	if !r.IsDue(now) {
		return Outcome{Status: r.Status, Step: r.CurrentStep, Skipped: true}, nil
	}
	c, err := o.d.Campaigns.Get(ctx, r.CampaignID)
	if err != nil {
		return Outcome{}, fmt.Errorf("Step: load campaign: %w", err)
	}
	if !c.IsRunning() {
		return Outcome{Status: r.Status, Step: r.CurrentStep, Skipped: true}, nil
	}

	ev := &evaluation{
		campaign: c,
		strategy: c.Strategy.WithDefaults(),
		r:        r,
		logger: o.d.Logger.With(
			"campaign_id", c.ID,
			"recipient_id", r.ID,
		),
	}
	if err := o.run(ctx, ev); err != nil {
		return ev.out, err
	}
	ev.out.Status = r.Status
	ev.out.Step = r.CurrentStep
	return ev.out, nil
}

func (o *Orchestrator) run(ctx context.Context, ev *evaluation) error {
	r := ev.r
	cascade := ev.strategy.Cascade

	for {
		// A dispatch earlier in this call may have raced a pause or cancel.
		if ev.calls > 0 {
			fresh, err := o.d.Campaigns.Get(ctx, ev.campaign.ID)
			if err != nil {
				return fmt.Errorf("reload campaign: %w", err)
			}
			ev.campaign = fresh
			if !fresh.IsRunning() {
				r.NextAttemptAt = nil
				return o.save(ctx, ev)
			}
		}

		stop, err := o.stopSatisfied(ctx, ev)
		if err != nil {
			return err
		}
		if stop {
			return o.finish(ctx, ev, types.RecipientCompleted, "stop condition satisfied")
		}

		if policy.BudgetExceeded(ev.campaign, r, ev.strategy.MaxCostPerRecipient) {
			return o.finish(ctx, ev, types.RecipientSkipped, "budget cap reached")
		}

		if r.CurrentStep >= len(cascade) {
			status, err := o.exhaustedStatus(ctx, ev)
			if err != nil {
				return err
			}
			return o.finish(ctx, ev, status, "cascade exhausted")
		}

		// Woken after the step's engagement window elapsed.
		if r.Status == types.RecipientProcessing {
			o.advance(ev, false)
			continue
		}

		step := cascade[r.CurrentStep]
		addr, ok := resolver.Resolve(r, step.Channel)
		if !ok {
			o.advance(ev, false)
			continue
		}

		decision, err := o.d.Guard.Evaluate(ctx, policy.Input{
			Campaign:  ev.campaign,
			Recipient: r,
			Address:   addr,
			Channel:   step.Channel,
		})
		if err != nil {
			return fmt.Errorf("evaluate policy: %w", err)
		}
		if !decision.Allowed() {
			ev.logger.Info("send deferred by policy", "channel", step.Channel, "reason", decision.Reason)
			return o.retryLater(ctx, ev)
		}

		provider, ok := o.d.Providers.ForChannel(step.Channel)
		if !ok {
			ev.logger.Warn("no provider registered for channel, skipping step", "channel", step.Channel)
			o.advance(ev, false)
			continue
		}

		content, err := o.d.Renderer.Render(ctx, render.Request{
			TemplateID: step.TemplateID,
			BusinessID: ev.campaign.BusinessID,
			Channel:    step.Channel,
			Locale:     decision.Locale,
			Vars:       messageVars(ev.campaign, r),
		})
		if err != nil {
			ev.logger.Error("render failed", "channel", step.Channel, "error", err.Error())
			if exhausted := o.recordFailure(ev); exhausted {
				continue
			}
			return o.save(ctx, ev)
		}

		quote := provider.Quote(addr.Value)
		reserved, err := o.d.Campaigns.ReserveBudget(ctx, ev.campaign.ID, quote)
		if err != nil {
			return fmt.Errorf("reserve budget: %w", err)
		}
		if !reserved {
			return o.finish(ctx, ev, types.RecipientSkipped, "budget reservation refused")
		}

		attempt, err := o.d.Dispatcher.Dispatch(ctx, dispatch.Request{
			Campaign:  ev.campaign,
			Recipient: r,
			Step:      r.CurrentStep,
			Address:   addr,
			Provider:  provider,
			Content:   content,
			Reserved:  quote,
		})
		if err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		ev.calls++

		if attempt.Status == types.AttemptFailed {
			if exhausted := o.recordFailure(ev); exhausted {
				continue
			}
			return o.save(ctx, ev)
		}

		ev.out.Dispatched++
		r.AttemptsCount++
		r.TotalCost += attempt.Cost
		// A zero timeout closes the cascade for this recipient.
		if step.TimeoutMin == 0 {
			return o.finish(ctx, ev, types.RecipientCompleted, "terminal step sent")
		}
		wake := o.d.Clock.Now().Add(step.Timeout())
		r.Status = types.RecipientProcessing
		r.NextAttemptAt = &wake
		return o.save(ctx, ev)
	}
}

// recordFailure counts a failed attempt at the current step. It advances
// the cursor and returns true once the step's attempts are exhausted;
// otherwise it schedules a retry.
func (o *Orchestrator) recordFailure(ev *evaluation) bool {
	ev.r.AttemptsCount++
	if ev.r.AttemptsCount >= ev.strategy.MaxAttemptsPerStep {
		o.advance(ev, true)
		return true
	}
	o.scheduleRetry(ev)
	return false
}

func (o *Orchestrator) advance(ev *evaluation, failedOut bool) {
	r := ev.r
	if r.CurrentStep < len(ev.strategy.Cascade) {
		r.CurrentStep++
	}
	r.AttemptsCount = 0
	r.Status = types.RecipientPending
	r.NextAttemptAt = nil
	ev.failedOut = failedOut
}

func (o *Orchestrator) scheduleRetry(ev *evaluation) {
	at := o.d.Clock.Now().Add(ev.strategy.RetryDelay())
	ev.r.Status = types.RecipientPending
	ev.r.NextAttemptAt = &at
}

func (o *Orchestrator) retryLater(ctx context.Context, ev *evaluation) error {
	o.scheduleRetry(ev)
	return o.save(ctx, ev)
}

// exhaustedStatus is FAILED only when the final step gave up after failed
// dispatches and no provider ever accepted a message for this recipient.
func (o *Orchestrator) exhaustedStatus(ctx context.Context, ev *evaluation) (types.RecipientStatus, error) {
	if !ev.failedOut {
		return types.RecipientCompleted, nil
	}
	sent, err := o.d.Attempts.HasSent(ctx, ev.r.ID)
	if err != nil {
		return "", fmt.Errorf("check sent attempts: %w", err)
	}
	if sent {
		return types.RecipientCompleted, nil
	}
	return types.RecipientFailed, nil
}

func (o *Orchestrator) stopSatisfied(ctx context.Context, ev *evaluation) (bool, error) {
	engaged := false
	// The engagement lookup is only needed once a click is on record.
	if ev.r.LastClickedAt != nil && ev.strategy.Stops(types.StopDeliveredAndClicked) {
		if ev.engaged == nil {
			v, err := o.d.Attempts.HasEngaged(ctx, ev.r.ID)
			if err != nil {
				return false, fmt.Errorf("check engagement: %w", err)
			}
			ev.engaged = &v
		}
		engaged = *ev.engaged
	}
	return policy.StopSatisfied(ev.strategy.StopOn, ev.r, ev.campaign, engaged), nil
}

func (o *Orchestrator) finish(ctx context.Context, ev *evaluation, status types.RecipientStatus, reason string) error {
	_, err := o.terminate(ctx, ev, status, reason)
	return err
}

// terminate moves the recipient to a terminal status. applied is false
// when the stored recipient was already terminal.
func (o *Orchestrator) terminate(ctx context.Context, ev *evaluation, status types.RecipientStatus, reason string) (applied bool, err error) {
	ev.r.Status = status
	ev.r.NextAttemptAt = nil
	applied, err = o.d.Recipients.SaveState(ctx, ev.r)
	if err != nil {
		return false, fmt.Errorf("save recipient: %w", err)
	}
	if !applied {
		return false, nil
	}

	ev.logger.Info("recipient finished", "status", string(status), "reason", reason, "step", ev.r.CurrentStep)
	o.d.Metrics.RecordRecipientOutcome(ctx, status)
	if err := o.d.Events.Publish(ctx, events.Event{
		Type:        events.RecipientFinished,
		CampaignID:  ev.campaign.ID,
		RecipientID: ev.r.ID,
		Status:      string(status),
		OccurredAt:  o.d.Clock.Now(),
	}); err != nil {
		ev.logger.Warn("failed to publish recipient event", "error", err.Error())
	}
	return true, nil
}

func (o *Orchestrator) save(ctx context.Context, ev *evaluation) error {
	if _, err := o.d.Recipients.SaveState(ctx, ev.r); err != nil {
		return fmt.Errorf("save recipient: %w", err)
	}
	return nil
}

// EvaluateStop re-checks the stop conditions of one recipient outside the
// tick, completing it when one holds. It reports whether the recipient was
// completed by this call.
func (o *Orchestrator) EvaluateStop(ctx context.Context, recipientID string) (bool, error) {
	release, err := o.d.Locker.Lock(ctx, LockKey(recipientID))
	if err != nil {
		return false, fmt.Errorf("lock recipient %s: %w", recipientID, err)
	}
	defer release()

	r, err := o.d.Recipients.Get(ctx, recipientID)
	if err != nil {
		return false, fmt.Errorf("EvaluateStop: load recipient: %w", err)
	}
	if r.Status.IsTerminal() {
		return false, nil
	}
	c, err := o.d.Campaigns.Get(ctx, r.CampaignID)
	if err != nil {
		return false, fmt.Errorf("EvaluateStop: load campaign: %w", err)
	}

	ev := &evaluation{
		campaign: c,
		strategy: c.Strategy.WithDefaults(),
		r:        r,
		logger:   o.d.Logger.With("campaign_id", c.ID, "recipient_id", r.ID),
	}
	stop, err := o.stopSatisfied(ctx, ev)
	if err != nil || !stop {
		return false, err
	}
	return o.terminate(ctx, ev, types.RecipientCompleted, "stop condition satisfied")
}

// messageVars is the template context for one message. Recipient
// variables override the campaign-level names.
func messageVars(c *types.Campaign, r *types.Recipient) map[string]any {
	vars := map[string]any{
		"campaign_name": c.Name,
		"campaign_id":   c.ID,
		"business_id":   c.BusinessID,
		"business_name": c.BusinessName,
		"customer_id":   r.CustomerID,
	}
	for k, v := range r.Variables {
		vars[k] = v
	}
	return vars
}
