package types

import (
	"time"
)

// Campaign is one send run: a strategy applied to a materialized audience.
type Campaign struct {
	ID           string         `json:"id" db:"id"`
	BusinessID   string         `json:"business_id" db:"business_id" validate:"required"`
	BusinessName string         `json:"business_name,omitempty" db:"business_name"`
	Name         string         `json:"name" db:"name" validate:"required,max=200"`
	Trigger      TriggerType    `json:"trigger" db:"trigger_type"`
	Strategy     Strategy       `json:"strategy" db:"strategy"`
	BudgetCap    *Money         `json:"budget_cap,omitempty" db:"budget_cap"`
	CurrentCost  Money          `json:"current_cost" db:"current_cost"`
	ReservedCost Money          `json:"reserved_cost" db:"reserved_cost"`
	Status       CampaignStatus `json:"status" db:"status"`
	StatusReason string         `json:"status_reason,omitempty" db:"status_reason"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	Counters CampaignCounters `json:"counters" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CampaignCounters are monotonically non-decreasing aggregates.
type CampaignCounters struct {
	Recipients int64 `json:"recipients" db:"total_recipients"`
	Sent       int64 `json:"sent" db:"sent_count"`
	Delivered  int64 `json:"delivered" db:"delivered_count"`
	Opened     int64 `json:"opened" db:"opened_count"`
	Clicked    int64 `json:"clicked" db:"clicked_count"`
	Converted  int64 `json:"converted" db:"converted_count"`
}

// CounterField names one of the campaign counters for atomic increments.
type CounterField string

const (
	CounterSent      CounterField = "sent_count"
	CounterDelivered CounterField = "delivered_count"
	CounterOpened    CounterField = "opened_count"
	CounterClicked   CounterField = "clicked_count"
	CounterConverted CounterField = "converted_count"
)

// CounterForMilestone maps a first-seen milestone to its campaign counter.
func CounterForMilestone(m Milestone) (CounterField, bool) {
	switch m {
	case MilestoneDelivered:
		return CounterDelivered, true
	case MilestoneOpened:
		return CounterOpened, true
	case MilestoneClicked:
		return CounterClicked, true
	}
	return "", false
}

// CanStart reports whether the campaign may be started.
func (c *Campaign) CanStart() bool {
	return c.Status == CampaignDraft || c.Status == CampaignScheduled
}

// IsRunning reports whether recipients of this campaign may be dispatched.
func (c *Campaign) IsRunning() bool {
	return c.Status == CampaignRunning
}

// Spend is settled plus reserved cost.
func (c *Campaign) Spend() Money {
	return c.CurrentCost + c.ReservedCost
}

// DeliveryRate is delivered/sent as a percentage.
func (c *Campaign) DeliveryRate() float64 {
	if c.Counters.Sent == 0 {
		return 0
	}
	return float64(c.Counters.Delivered) / float64(c.Counters.Sent) * 100
}

// ConversionRate is converted/clicked as a percentage.
func (c *Campaign) ConversionRate() float64 {
	if c.Counters.Clicked == 0 {
		return 0
	}
	return float64(c.Counters.Converted) / float64(c.Counters.Clicked) * 100
}

// ContactAddress is a reachable destination for a customer on one channel.
type ContactAddress struct {
	ID         string     `json:"id" yaml:"id" db:"id"`
	CustomerID string     `json:"customer_id" yaml:"customer_id" db:"customer_id"`
	Channel    Channel    `json:"channel" yaml:"channel" db:"channel"`
	Value      string     `json:"value" yaml:"value" db:"value"`
	Verified   bool       `json:"verified" yaml:"verified" db:"verified"`
	OptIn      bool       `json:"opt_in" yaml:"opt_in" db:"opt_in"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty" yaml:"last_seen_at,omitempty" db:"last_seen_at"`
	CostWeight float64    `json:"cost_weight" yaml:"cost_weight" db:"cost_weight"`
}

// Reachable reports whether the address may be used for outbound messages.
func (a ContactAddress) Reachable() bool {
	return a.Verified && a.OptIn
}

// Recipient is one customer's progress through a campaign's cascade.
type Recipient struct {
	ID            string          `json:"id" db:"id"`
	CampaignID    string          `json:"campaign_id" db:"campaign_id"`
	CustomerID    string          `json:"customer_id" db:"customer_id"`
	Addresses     AddressList     `json:"addresses" db:"addresses"`
	Variables     Metadata        `json:"variables,omitempty" db:"variables"`
	CurrentStep   int             `json:"current_step" db:"current_step"`
	Status        RecipientStatus `json:"status" db:"status"`
	AttemptsCount int             `json:"attempts_count" db:"attempts_count"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	TotalCost     Money           `json:"total_cost" db:"total_cost"`
	LastOpenedAt  *time.Time      `json:"last_opened_at,omitempty" db:"last_opened_at"`
	LastClickedAt *time.Time      `json:"last_clicked_at,omitempty" db:"last_clicked_at"`
	ConvertedAt   *time.Time      `json:"converted_at,omitempty" db:"converted_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// IsDue reports whether the recipient should be evaluated at now.
func (r *Recipient) IsDue(now time.Time) bool {
	if r.Status != RecipientPending && r.Status != RecipientProcessing {
		return false
	}
	return r.NextAttemptAt == nil || !r.NextAttemptAt.After(now)
}

// RecipientSeed is what the audience collaborator hands over per customer.
type RecipientSeed struct {
	CustomerID string           `json:"customer_id" yaml:"customer_id"`
	Addresses  []ContactAddress `json:"addresses" yaml:"addresses"`
	Variables  Metadata         `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// DeliveryAttempt is one dispatch of a message through one provider.
type DeliveryAttempt struct {
	ID               string        `json:"id" db:"id"`
	RecipientID      string        `json:"recipient_id" db:"recipient_id"`
	CampaignID       string        `json:"campaign_id" db:"campaign_id"`
	CustomerID       string        `json:"customer_id" db:"customer_id"`
	ContactAddressID string        `json:"contact_address_id" db:"contact_address_id"`
	Step             int           `json:"step" db:"step"`
	Channel          Channel       `json:"channel" db:"channel"`
	Provider         string        `json:"provider" db:"provider"`
	TemplateID       string        `json:"template_id,omitempty" db:"template_id"`
	Subject          string        `json:"subject,omitempty" db:"subject"`
	Body             string        `json:"body" db:"body"`
	Status           AttemptStatus `json:"status" db:"status"`
	ExternalID       string        `json:"external_id,omitempty" db:"external_id"`
	SentAt           *time.Time    `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt      *time.Time    `json:"delivered_at,omitempty" db:"delivered_at"`
	OpenedAt         *time.Time    `json:"opened_at,omitempty" db:"opened_at"`
	ClickedAt        *time.Time    `json:"clicked_at,omitempty" db:"clicked_at"`
	Cost             Money         `json:"cost" db:"cost"`
	ErrorMessage     string        `json:"error_message,omitempty" db:"error_message"`
	Metadata         Metadata      `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

// QuietHours is a daily window during which nothing is sent.
// Start and End are "HH:MM" in Timezone; a window with Start > End crosses midnight.
type QuietHours struct {
	Start    string `json:"start" yaml:"start" validate:"required"`
	End      string `json:"end" yaml:"end" validate:"required"`
	Timezone string `json:"timezone" yaml:"timezone" validate:"required"`
}

// Preferences are the per-customer policy inputs.
type Preferences struct {
	// QuietHours overrides the strategy window when set.
	QuietHours *QuietHours `json:"quiet_hours,omitempty"`
	MaxPerDay  int         `json:"max_per_day"`
	MaxPerWeek int         `json:"max_per_week"`
	Locale     string      `json:"locale"`
}

// Default preference values applied when a customer has none stored.
const (
	DefaultMaxPerDay  = 3
	DefaultMaxPerWeek = 10
	DefaultLocale     = "ru"
	DefaultTimezone   = "Asia/Almaty"
)

// DefaultPreferences returns preferences for a customer with no stored row.
func DefaultPreferences() Preferences {
	return Preferences{
		MaxPerDay:  DefaultMaxPerDay,
		MaxPerWeek: DefaultMaxPerWeek,
		Locale:     DefaultLocale,
	}
}

// Template is a renderable message body for one channel and locale.
type Template struct {
	ID         string  `json:"id" db:"id"`
	BusinessID string  `json:"business_id" db:"business_id"`
	Name       string  `json:"name" db:"name"`
	Channel    Channel `json:"channel" db:"channel"`
	Locale     string  `json:"locale" db:"locale"`
	Subject    string  `json:"subject,omitempty" db:"subject"`
	BodyText   string  `json:"body_text" db:"body_text"`
	BodyHTML   string  `json:"body_html,omitempty" db:"body_html"`
	IsActive   bool    `json:"is_active" db:"is_active"`
}

// RenderedMessage is template output ready for a provider.
type RenderedMessage struct {
	// TemplateID is empty when the built-in fallback text was used.
	TemplateID string
	Subject    string
	Body       string
	BodyHTML   string
}

// StatusEvent is a normalized provider callback.
type StatusEvent struct {
	Provider     string         `json:"provider"`
	ExternalID   string         `json:"external_id"`
	VendorStatus string         `json:"vendor_status"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// FrequencyQuery selects the attempts counted against a customer's
// per-channel send caps.
type FrequencyQuery struct {
	BusinessID string
	CustomerID string
	Channel    Channel
	Since      time.Time
}
