package types

// Channel identifies a delivery medium.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
)

// IsValid reports whether c is a channel the engine can dispatch on.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelWhatsApp, ChannelSMS, ChannelEmail:
		return true
	}
	return false
}

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

// RecipientStatus is the cascade state of one recipient.
type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "pending"
	RecipientProcessing RecipientStatus = "processing"
	RecipientCompleted  RecipientStatus = "completed"
	RecipientFailed     RecipientStatus = "failed"
	RecipientSkipped    RecipientStatus = "skipped"
)

// IsTerminal reports whether the recipient has left the cascade.
func (s RecipientStatus) IsTerminal() bool {
	switch s {
	case RecipientCompleted, RecipientFailed, RecipientSkipped:
		return true
	}
	return false
}

// AttemptStatus is the delivery status of a single attempt.
type AttemptStatus string

const (
	AttemptQueued       AttemptStatus = "queued"
	AttemptSent         AttemptStatus = "sent"
	AttemptDelivered    AttemptStatus = "delivered"
	AttemptOpened       AttemptStatus = "opened"
	AttemptClicked      AttemptStatus = "clicked"
	AttemptFailed       AttemptStatus = "failed"
	AttemptBounced      AttemptStatus = "bounced"
	AttemptUnsubscribed AttemptStatus = "unsubscribed"
)

// StopCondition ends a recipient's cascade early.
type StopCondition string

const (
	// StopDeliveredAndClicked: the recipient clicked and some attempt in
	// the campaign reached delivered or clicked.
	StopDeliveredAndClicked StopCondition = "delivered_and_clicked"
	// StopRedeemed: the recipient converted after the campaign started.
	StopRedeemed StopCondition = "redeemed"
)

// TriggerType records what created a campaign.
type TriggerType string

const (
	TriggerManual              TriggerType = "manual"
	TriggerScheduled           TriggerType = "scheduled"
	TriggerEventCouponIssued   TriggerType = "event_coupon_issued"
	TriggerEventCouponRedeemed TriggerType = "event_coupon_redeemed"
	TriggerEventReviewToxic    TriggerType = "event_review_toxic"
	TriggerEventSegmentEnter   TriggerType = "event_segment_enter"
	TriggerExpiry24h           TriggerType = "expiry_24h"
	TriggerExpiry1h            TriggerType = "expiry_1h"
)
