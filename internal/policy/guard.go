package policy

import (
	"context"
	"fmt"
	"time"

	"blastengine/internal/types"
)

// Guard evaluates whether a resolved address may be messaged now.
type Guard struct {
	counter FrequencyCounter
	prefs   PreferenceSource
	clock   types.Clock
	logger  types.Logger
}

// NewGuard creates a Guard.
func NewGuard(counter FrequencyCounter, prefs PreferenceSource, clock types.Clock, logger types.Logger) *Guard {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Guard{counter: counter, prefs: prefs, clock: clock, logger: logger}
}

// Input is everything Evaluate needs about one prospective send.
type Input struct {
	Campaign  *types.Campaign
	Recipient *types.Recipient
	Address   types.ContactAddress
	Channel   types.Channel
}

// Evaluate applies, in order: address reachability, quiet hours (customer
// window overrides the strategy window) and frequency caps. A broken
// quiet-hours window fails open. Store errors are returned.
func (g *Guard) Evaluate(ctx context.Context, in Input) (Result, error) {
	if !in.Address.Reachable() {
		return Result{Decision: DecisionDefer, Reason: "address not verified or not opted in"}, nil
	}

	prefs, err := g.prefs.GetPreferences(ctx, in.Campaign.BusinessID, in.Recipient.CustomerID)
	if err != nil {
		return Result{}, fmt.Errorf("load preferences: %w", err)
	}
	now := g.clock.Now()

	window := in.Campaign.Strategy.QuietHours
	if prefs.QuietHours != nil {
		window = prefs.QuietHours
	}
	if window != nil {
		quiet, err := WithinQuietHours(now, *window)
		switch {
		case err != nil:
			g.logger.Error("quiet hours evaluation failed, delivering anyway",
				"error", err.Error(),
				"recipient_id", in.Recipient.ID,
			)
		case quiet:
			resume := quietResumeAt(now, *window)
			return Result{
				Decision: DecisionDefer,
				Reason:   fmt.Sprintf("quiet hours active (%s-%s %s)", window.Start, window.End, window.Timezone),
				ResumeAt: &resume,
			}, nil
		}
	}

	tz := types.DefaultTimezone
	if window != nil && window.Timezone != "" {
		tz = window.Timezone
	}
	counts, err := g.counts(ctx, in, now, tz)
	if err != nil {
		return Result{}, err
	}
	if FrequencyExceeded(counts, prefs) {
		return Result{
			Decision: DecisionDefer,
			Reason:   fmt.Sprintf("frequency cap reached (day %d/%d, week %d/%d)", counts.Day, prefs.MaxPerDay, counts.Week, prefs.MaxPerWeek),
		}, nil
	}

	return Result{Decision: DecisionDeliver, Reason: "no policy restrictions apply", Locale: prefs.Locale}, nil
}

func (g *Guard) counts(ctx context.Context, in Input, now time.Time, tz string) (Counts, error) {
	q := types.FrequencyQuery{
		BusinessID: in.Campaign.BusinessID,
		CustomerID: in.Recipient.CustomerID,
		Channel:    in.Channel,
	}

	q.Since = DayStart(now, tz)
	day, err := g.counter.CountRecent(ctx, q)
	if err != nil {
		return Counts{}, fmt.Errorf("count daily attempts: %w", err)
	}
	q.Since = now.Add(-7 * 24 * time.Hour)
	week, err := g.counter.CountRecent(ctx, q)
	if err != nil {
		return Counts{}, fmt.Errorf("count weekly attempts: %w", err)
	}
	return Counts{Day: day, Week: week}, nil
}
