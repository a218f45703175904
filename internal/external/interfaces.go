package external

import (
	"context"
	"strings"
	"unicode/utf8"

	"blastengine/internal/types"
)

// Message is a rendered message addressed to one destination.
type Message struct {
	AttemptID  string
	CampaignID string
	Channel    types.Channel
	To         string
	Subject    string
	Body       string
	BodyHTML   string
	// TemplateName selects a pre-approved vendor template (WhatsApp HSM).
	TemplateName   string
	TemplateParams []string
}

// SendResult is the vendor's acknowledgement of an accepted message.
type SendResult struct {
	ExternalID string
	Cost       types.Money
	// Status is the state the vendor reported on acceptance.
	Status types.AttemptStatus
}

// Provider is one outbound messaging vendor for one channel.
// Any returned error means the dispatch failed; no partial results.
type Provider interface {
	Name() string
	Channel() types.Channel
	// Quote estimates the cost of one message to destination without sending.
	Quote(destination string) types.Money
	// Send delivers one message. SendResult.Cost is booked up to the
	// quote reserved for the send; a zero cost books the quote.
	Send(ctx context.Context, msg Message) (SendResult, error)
}

// StatusPoller is implemented by providers that expose a delivery report API.
type StatusPoller interface {
	PollStatus(ctx context.Context, externalID string) (vendorStatus string, err error)
}

// truncateRunes cuts s to at most n characters without splitting a rune.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	var b strings.Builder
	i := 0
	for _, r := range s {
		if i == n {
			break
		}
		b.WriteRune(r)
		i++
	}
	return b.String()
}

// isLocalRate reports whether an E.164 number is in the +7 zone, which the
// SMS vendors bill at the local rate.
func isLocalRate(to string) bool {
	return strings.HasPrefix(to, "+7")
}
