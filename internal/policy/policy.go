// Package policy holds the send-time predicates consulted before every
// dispatch: quiet hours, frequency caps, budget caps and stop conditions.
// The predicates are pure; Guard composes them with the stores they read.
package policy

import (
	"context"
	"fmt"
	"time"

	"blastengine/internal/types"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionDeliver Decision = "deliver"
	DecisionDefer   Decision = "defer"
)

// Result carries the decision and, for deferrals, when the blocking
// condition is expected to clear.
type Result struct {
	Decision Decision
	Reason   string
	ResumeAt *time.Time
	// Locale is the customer's message locale, set on deliver.
	Locale string
}

// Allowed reports whether the dispatch may proceed.
func (r Result) Allowed() bool { return r.Decision == DecisionDeliver }

// WithinQuietHours reports whether now falls inside window, evaluated in
// the window's timezone. Both ends are inclusive. A window whose start is
// after its end crosses midnight.
func WithinQuietHours(now time.Time, window types.QuietHours) (bool, error) {
	loc, err := loadLocation(window.Timezone)
	if err != nil {
		return false, err
	}
	start, err := types.ParseClock(window.Start)
	if err != nil {
		return false, err
	}
	end, err := types.ParseClock(window.End)
	if err != nil {
		return false, err
	}

	t := types.ClockOf(now.In(loc))
	if start <= end {
		return start <= t && t <= end, nil
	}
	return t >= start || t <= end, nil
}

// quietResumeAt returns the first minute after the window ends.
func quietResumeAt(now time.Time, window types.QuietHours) time.Time {
	loc, err := loadLocation(window.Timezone)
	if err != nil {
		return now
	}
	end, err := types.ParseClock(window.End)
	if err != nil {
		return now
	}
	local := now.In(loc)
	resume := time.Date(local.Year(), local.Month(), local.Day(), int(end)/60, int(end)%60, 0, 0, loc).Add(time.Minute)
	if !resume.After(local) {
		resume = resume.AddDate(0, 0, 1)
	}
	return resume.UTC()
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		tz = types.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Counts are sent-or-delivered attempts for one customer and channel.
type Counts struct {
	Day  int
	Week int
}

// FrequencyExceeded reports whether another send would break the daily or
// weekly cap. A non-positive cap disables that check.
func FrequencyExceeded(counts Counts, prefs types.Preferences) bool {
	if prefs.MaxPerDay > 0 && counts.Day >= prefs.MaxPerDay {
		return true
	}
	if prefs.MaxPerWeek > 0 && counts.Week >= prefs.MaxPerWeek {
		return true
	}
	return false
}

// BudgetExceeded reports whether the campaign has spent its cap or the
// recipient has reached maxPerRecipient. A zero per-recipient cap means
// unlimited.
func BudgetExceeded(c *types.Campaign, r *types.Recipient, maxPerRecipient types.Money) bool {
	if c.BudgetCap != nil && c.CurrentCost >= *c.BudgetCap {
		return true
	}
	return maxPerRecipient > 0 && r.TotalCost >= maxPerRecipient
}

// StopSatisfied reports whether any configured stop condition holds.
// anyEngaged is true when some attempt of the recipient reached delivered
// or clicked, regardless of which cascade step produced it.
func StopSatisfied(conditions []types.StopCondition, r *types.Recipient, c *types.Campaign, anyEngaged bool) bool {
	for _, cond := range conditions {
		switch cond {
		case types.StopDeliveredAndClicked:
			if r.LastClickedAt != nil && anyEngaged {
				return true
			}
		case types.StopRedeemed:
			if r.ConvertedAt != nil && c.StartedAt != nil && !r.ConvertedAt.Before(*c.StartedAt) {
				return true
			}
		}
	}
	return false
}

// DayStart returns local midnight of now in tz, as UTC.
func DayStart(now time.Time, tz string) time.Time {
	loc, err := loadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).UTC()
}

// FrequencyCounter counts sent-or-delivered attempts.
type FrequencyCounter interface {
	CountRecent(ctx context.Context, q types.FrequencyQuery) (int, error)
}

// PreferenceSource supplies per-customer policy inputs. Implementations
// return types.DefaultPreferences for customers with nothing stored.
type PreferenceSource interface {
	GetPreferences(ctx context.Context, businessID, customerID string) (types.Preferences, error)
}
