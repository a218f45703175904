package reconcile

import (
	"strings"

	"blastengine/internal/types"
)

// vocabularies map each vendor's status words to the canonical statuses.
// Keys are lower-case.
var vocabularies = map[string]map[string]types.AttemptStatus{
	"sendgrid": {
		"processed":         types.AttemptSent,
		"deferred":          types.AttemptSent,
		"delivered":         types.AttemptDelivered,
		"open":              types.AttemptOpened,
		"click":             types.AttemptClicked,
		"bounce":            types.AttemptBounced,
		"dropped":           types.AttemptFailed,
		"spamreport":        types.AttemptFailed,
		"unsubscribe":       types.AttemptUnsubscribed,
		"group_unsubscribe": types.AttemptUnsubscribed,
	},
	"twilio": {
		"queued":      types.AttemptQueued,
		"sent":        types.AttemptSent,
		"delivered":   types.AttemptDelivered,
		"failed":      types.AttemptFailed,
		"undelivered": types.AttemptFailed,
	},
	"infobip": {
		"pending":       types.AttemptSent,
		"delivered":     types.AttemptDelivered,
		"undeliverable": types.AttemptFailed,
		"expired":       types.AttemptFailed,
		"rejected":      types.AttemptFailed,
	},
	"whatsapp": {
		"sent":      types.AttemptSent,
		"delivered": types.AttemptDelivered,
		"read":      types.AttemptOpened,
		"failed":    types.AttemptFailed,
	},
	"ses": {
		"delivery":  types.AttemptDelivered,
		"bounce":    types.AttemptBounced,
		"complaint": types.AttemptUnsubscribed,
		"open":      types.AttemptOpened,
		"click":     types.AttemptClicked,
		"reject":    types.AttemptFailed,
	},
}

// Canonical maps a vendor status to the canonical attempt status. Providers
// without a vocabulary accept the canonical names verbatim.
func Canonical(provider, vendorStatus string) (types.AttemptStatus, bool) {
	status := strings.ToLower(strings.TrimSpace(vendorStatus))
	if vocab, ok := vocabularies[strings.ToLower(provider)]; ok {
		s, ok := vocab[status]
		return s, ok
	}
	s := types.AttemptStatus(status)
	return s, s.IsValid()
}

// Known reports whether the provider has its own vocabulary.
func Known(provider string) bool {
	_, ok := vocabularies[strings.ToLower(provider)]
	return ok
}
