package types

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// CascadeStep is one channel in the ordered fallback list.
type CascadeStep struct {
	Channel Channel `json:"channel" yaml:"channel" validate:"required,oneof=whatsapp sms email"`
	// TimeoutMin is how long to wait for engagement before falling through.
	// Zero makes the step terminal once dispatched.
	TimeoutMin int    `json:"timeout_min" yaml:"timeout_min" validate:"gte=0,lte=10080"`
	TemplateID string `json:"template_id,omitempty" yaml:"template_id,omitempty"`
}

// Timeout returns the step's engagement wait.
func (s CascadeStep) Timeout() time.Duration {
	return time.Duration(s.TimeoutMin) * time.Minute
}

// Strategy is the typed, validated campaign configuration.
type Strategy struct {
	Cascade             []CascadeStep   `json:"cascade" yaml:"cascade" validate:"required,min=1,max=10,dive"`
	StopOn              []StopCondition `json:"stop_on" yaml:"stop_on" validate:"dive,oneof=delivered_and_clicked redeemed"`
	QuietHours          *QuietHours     `json:"quiet_hours,omitempty" yaml:"quiet_hours,omitempty"`
	MaxCostPerRecipient Money           `json:"max_cost_per_recipient" yaml:"max_cost_per_recipient" validate:"gte=0"`
	MaxAttemptsPerStep  int             `json:"max_attempts_per_step" yaml:"max_attempts_per_step" validate:"gte=1,lte=10"`
	RetryDelayMin       int             `json:"retry_delay_min" yaml:"retry_delay_min" validate:"gte=1,lte=1440"`
}

// Strategy defaults.
const (
	DefaultMaxAttemptsPerStep = 3
	DefaultRetryDelayMin      = 30
	DefaultQuietStart         = "21:00"
	DefaultQuietEnd           = "09:00"
)

// DefaultMaxCostPerRecipient is the per-recipient spend ceiling.
var DefaultMaxCostPerRecipient = MoneyFromFloat(120)

// DefaultStrategy returns the chat-app, text-message, email cascade.
func DefaultStrategy() Strategy {
	return Strategy{
		Cascade: []CascadeStep{
			{Channel: ChannelWhatsApp, TimeoutMin: 60},
			{Channel: ChannelSMS, TimeoutMin: 180},
			{Channel: ChannelEmail, TimeoutMin: 0},
		},
		StopOn: []StopCondition{StopDeliveredAndClicked, StopRedeemed},
		QuietHours: &QuietHours{
			Start:    DefaultQuietStart,
			End:      DefaultQuietEnd,
			Timezone: DefaultTimezone,
		},
		MaxCostPerRecipient: DefaultMaxCostPerRecipient,
		MaxAttemptsPerStep:  DefaultMaxAttemptsPerStep,
		RetryDelayMin:       DefaultRetryDelayMin,
	}
}

// WithDefaults fills zero-valued fields from DefaultStrategy.
// A nil StopOn gets the defaults; an empty non-nil slice disables stopping.
func (s Strategy) WithDefaults() Strategy {
	d := DefaultStrategy()
	if len(s.Cascade) == 0 {
		s.Cascade = d.Cascade
	}
	if s.StopOn == nil {
		s.StopOn = d.StopOn
	}
	if s.MaxCostPerRecipient == 0 {
		s.MaxCostPerRecipient = d.MaxCostPerRecipient
	}
	if s.MaxAttemptsPerStep == 0 {
		s.MaxAttemptsPerStep = d.MaxAttemptsPerStep
	}
	if s.RetryDelayMin == 0 {
		s.RetryDelayMin = d.RetryDelayMin
	}
	return s
}

// RetryDelay is the fixed wait before retrying a step or re-checking policy.
func (s Strategy) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMin) * time.Minute
}

// Stops reports whether c is among the configured stop conditions.
func (s Strategy) Stops(c StopCondition) bool {
	for _, sc := range s.StopOn {
		if sc == c {
			return true
		}
	}
	return false
}

var strategyValidator = validator.New()

// Validate checks structural constraints and the quiet-hours window.
// Strategies are validated once at campaign creation.
func (s Strategy) Validate() error {
	if err := strategyValidator.Struct(s); err != nil {
		return NewAppError(ErrCodeValidationInvalidStrategy, "strategy validation failed", err)
	}
	if s.QuietHours != nil {
		if err := s.QuietHours.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the window bounds and timezone.
func (q QuietHours) Validate() error {
	if _, err := ParseClock(q.Start); err != nil {
		return NewAppError(ErrCodeValidationInvalidStrategy, "invalid quiet_hours.start", err)
	}
	if _, err := ParseClock(q.End); err != nil {
		return NewAppError(ErrCodeValidationInvalidStrategy, "invalid quiet_hours.end", err)
	}
	if _, err := time.LoadLocation(q.Timezone); err != nil {
		return NewAppError(ErrCodeValidationInvalidTimezone, fmt.Sprintf("unknown timezone %q", q.Timezone), err)
	}
	return nil
}

// ClockTime is a time of day in minutes past midnight.
type ClockTime int

// ParseClock parses "HH:MM" (24-hour).
func ParseClock(s string) (ClockTime, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time format %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time out of range: %q", s)
	}
	return ClockTime(h*60 + m), nil
}

// ClockOf returns the minute-of-day of t.
func ClockOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}
