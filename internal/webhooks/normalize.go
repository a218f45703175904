// Package webhooks turns vendor delivery callbacks into normalized
// types.StatusEvent values and hands them to the reconciler. Each vendor
// has one parser; the HTTP handlers and the SES feedback worker share
// them.
package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"blastengine/internal/types"
)

// Provider names as they appear in /webhooks/{provider}.
const (
	ProviderSendGrid = "sendgrid"
	ProviderTwilio   = "twilio"
	ProviderInfobip  = "infobip"
	ProviderWhatsApp = "whatsapp"
	ProviderSES      = "ses"
	ProviderGeneric  = "generic"
)

func invalidPayload(provider, msg string, err error) error {
	return types.NewAppError(types.ErrCodeValidationInvalidPayload, fmt.Sprintf("%s webhook: %s", provider, msg), err)
}

// unixTime converts a unix-seconds value; zero yields the zero time so the
// reconciler falls back to its clock.
func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// putIf adds non-empty values to md.
func putIf(md map[string]any, key string, value any) {
	switch v := value.(type) {
	case nil:
		return
	case string:
		if v == "" {
			return
		}
	}
	md[key] = value
}

type sendGridEvent struct {
	SGMessageID string `json:"sg_message_id"`
	Event       string `json:"event"`
	Timestamp   int64  `json:"timestamp"`
	Reason      string `json:"reason"`
	URL         string `json:"url"`
	IP          string `json:"ip"`
	UserAgent   string `json:"useragent"`
	AttemptID   string `json:"attempt_id"`
}

// ParseSendGrid parses an Event Webhook body: a JSON array of events, or a
// single event object. sg_message_id carries a ".filter..." suffix after
// the X-Message-Id returned at send time; only the prefix is kept. Events
// missing an id or event type are skipped.
func ParseSendGrid(body []byte) ([]types.StatusEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, invalidPayload(ProviderSendGrid, "empty body", nil)
	}
	var raw []sendGridEvent
	if body[0] == '{' {
		var single sendGridEvent
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, invalidPayload(ProviderSendGrid, "malformed event", err)
		}
		raw = []sendGridEvent{single}
	} else if err := json.Unmarshal(body, &raw); err != nil {
		return nil, invalidPayload(ProviderSendGrid, "malformed event array", err)
	}

	out := make([]types.StatusEvent, 0, len(raw))
	for _, e := range raw {
		if e.SGMessageID == "" || e.Event == "" {
			continue
		}
		externalID, _, _ := strings.Cut(e.SGMessageID, ".")
		md := map[string]any{"event_type": e.Event}
		putIf(md, "reason", e.Reason)
		putIf(md, "url", e.URL)
		putIf(md, "ip", e.IP)
		putIf(md, "useragent", e.UserAgent)
		putIf(md, "attempt_id", e.AttemptID)
		out = append(out, types.StatusEvent{
			Provider:     ProviderSendGrid,
			ExternalID:   externalID,
			VendorStatus: e.Event,
			OccurredAt:   unixTime(e.Timestamp),
			Metadata:     md,
		})
	}
	return out, nil
}

// ParseTwilio parses a status callback form. MessageSid and MessageStatus
// are required.
func ParseTwilio(form url.Values) (types.StatusEvent, error) {
	sid := form.Get("MessageSid")
	status := form.Get("MessageStatus")
	if sid == "" || status == "" {
		return types.StatusEvent{}, invalidPayload(ProviderTwilio, "MessageSid and MessageStatus are required", nil)
	}
	md := map[string]any{"message_status": status}
	putIf(md, "error_code", form.Get("ErrorCode"))
	putIf(md, "error_message", form.Get("ErrorMessage"))
	putIf(md, "price", form.Get("Price"))
	putIf(md, "price_unit", form.Get("PriceUnit"))
	return types.StatusEvent{
		Provider:     ProviderTwilio,
		ExternalID:   sid,
		VendorStatus: status,
		Metadata:     md,
	}, nil
}

type infobipReports struct {
	Results []struct {
		MessageID string `json:"messageId"`
		DoneAt    string `json:"doneAt"`
		Status    struct {
			ID          int    `json:"id"`
			GroupName   string `json:"groupName"`
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"status"`
		Price struct {
			PricePerMessage float64 `json:"pricePerMessage"`
			Currency        string  `json:"currency"`
		} `json:"price"`
		Error struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"results"`
}

// ParseInfobip parses a delivery report push. The status group name
// (DELIVERED, PENDING, UNDELIVERABLE, EXPIRED, REJECTED) is the vendor
// status; the detailed name goes into metadata.
func ParseInfobip(body []byte) ([]types.StatusEvent, error) {
	var reports infobipReports
	if err := json.Unmarshal(body, &reports); err != nil {
		return nil, invalidPayload(ProviderInfobip, "malformed report", err)
	}
	out := make([]types.StatusEvent, 0, len(reports.Results))
	for _, r := range reports.Results {
		status := r.Status.GroupName
		if status == "" {
			status = r.Status.Name
		}
		if r.MessageID == "" || status == "" {
			continue
		}
		md := map[string]any{"status_name": r.Status.Name, "status_id": r.Status.ID}
		putIf(md, "description", r.Status.Description)
		putIf(md, "error", r.Error.Name)
		if r.Price.PricePerMessage > 0 {
			md["price"] = r.Price.PricePerMessage
			putIf(md, "currency", r.Price.Currency)
		}
		var at time.Time
		if r.DoneAt != "" {
			at, _ = time.Parse("2006-01-02T15:04:05.000-0700", r.DoneAt)
		}
		out = append(out, types.StatusEvent{
			Provider:     ProviderInfobip,
			ExternalID:   r.MessageID,
			VendorStatus: status,
			OccurredAt:   at.UTC(),
			Metadata:     md,
		})
	}
	return out, nil
}

type whatsAppNotification struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Statuses []struct {
					ID           string           `json:"id"`
					Status       string           `json:"status"`
					Timestamp    string           `json:"timestamp"`
					RecipientID  string           `json:"recipient_id"`
					Conversation map[string]any   `json:"conversation"`
					Pricing      map[string]any   `json:"pricing"`
					Errors       []map[string]any `json:"errors"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWhatsApp parses a Cloud API notification and returns one event per
// message status. Inbound messages in the same payload are ignored.
func ParseWhatsApp(body []byte) ([]types.StatusEvent, error) {
	var n whatsAppNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, invalidPayload(ProviderWhatsApp, "malformed notification", err)
	}
	var out []types.StatusEvent
	for _, entry := range n.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				if st.ID == "" || st.Status == "" {
					continue
				}
				md := map[string]any{"status": st.Status}
				putIf(md, "recipient_id", st.RecipientID)
				if len(st.Conversation) > 0 {
					md["conversation"] = st.Conversation
				}
				if len(st.Pricing) > 0 {
					md["pricing"] = st.Pricing
				}
				if len(st.Errors) > 0 {
					md["errors"] = st.Errors
				}
				sec, _ := strconv.ParseInt(st.Timestamp, 10, 64)
				out = append(out, types.StatusEvent{
					Provider:     ProviderWhatsApp,
					ExternalID:   st.ID,
					VendorStatus: st.Status,
					OccurredAt:   unixTime(sec),
					Metadata:     md,
				})
			}
		}
	}
	return out, nil
}

// ParseGeneric accepts {"external_id"|"message_id"|"id", "status"|"event",
// "provider"?, "url"?, ...}. Status words must be canonical unless the
// provider field names a known vocabulary. Every other field is kept as
// metadata.
func ParseGeneric(body []byte) (types.StatusEvent, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.StatusEvent{}, invalidPayload(ProviderGeneric, "malformed JSON object", err)
	}
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := raw[k].(string); ok && v != "" {
				delete(raw, k)
				return v
			}
		}
		return ""
	}
	externalID := pick("external_id", "message_id", "id")
	status := pick("status", "event")
	if externalID == "" || status == "" {
		return types.StatusEvent{}, invalidPayload(ProviderGeneric, "external_id and status are required", nil)
	}
	provider := pick("provider")
	if provider == "" {
		provider = ProviderGeneric
	}
	var at time.Time
	if ts, ok := raw["occurred_at"].(string); ok {
		at, _ = time.Parse(time.RFC3339, ts)
		delete(raw, "occurred_at")
	}
	return types.StatusEvent{
		Provider:     provider,
		ExternalID:   externalID,
		VendorStatus: status,
		OccurredAt:   at,
		Metadata:     raw,
	}, nil
}
