package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"blastengine/internal/types"
)

// SNSNotification is the SNS envelope delivered to the feedback queue.
type SNSNotification struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	TopicArn  string `json:"TopicArn"`
	Message   string `json:"Message"`
	Timestamp string `json:"Timestamp"`
}

// sesNotification covers both identity notifications (notificationType)
// and configuration-set event publishing (eventType).
type sesNotification struct {
	NotificationType string        `json:"notificationType"`
	EventType        string        `json:"eventType"`
	Mail             sesMail       `json:"mail"`
	Bounce           *sesBounce    `json:"bounce,omitempty"`
	Complaint        *sesComplaint `json:"complaint,omitempty"`
	Delivery         *sesTimestamp `json:"delivery,omitempty"`
	Open             *sesTimestamp `json:"open,omitempty"`
	Click            *sesClick     `json:"click,omitempty"`
	Reject           *sesReject    `json:"reject,omitempty"`
}

type sesMail struct {
	MessageID string              `json:"messageId"`
	Timestamp string              `json:"timestamp"`
	Tags      map[string][]string `json:"tags"`
}

type sesBounce struct {
	BounceType        string `json:"bounceType"`
	BounceSubType     string `json:"bounceSubType"`
	Timestamp         string `json:"timestamp"`
	BouncedRecipients []struct {
		EmailAddress   string `json:"emailAddress"`
		Status         string `json:"status"`
		DiagnosticCode string `json:"diagnosticCode"`
	} `json:"bouncedRecipients"`
}

type sesComplaint struct {
	ComplaintFeedbackType string `json:"complaintFeedbackType"`
	Timestamp             string `json:"timestamp"`
}

type sesTimestamp struct {
	Timestamp string `json:"timestamp"`
}

type sesClick struct {
	Timestamp string `json:"timestamp"`
	Link      string `json:"link"`
}

type sesReject struct {
	Reason string `json:"reason"`
}

// ParseSESFeedback unwraps an SNS envelope carrying an SES notification and
// returns at most one event keyed by the SES message id. Transient bounces
// return no event because SES retries them itself. Unknown notification
// types also return no event.
func ParseSESFeedback(snsBody []byte) ([]types.StatusEvent, error) {
	if len(snsBody) == 0 {
		return nil, invalidPayload(ProviderSES, "empty SNS body", nil)
	}
	var env SNSNotification
	if err := json.Unmarshal(snsBody, &env); err != nil {
		return nil, invalidPayload(ProviderSES, "malformed SNS envelope", err)
	}
	if env.Message == "" {
		return nil, invalidPayload(ProviderSES, "SNS Message field is empty", nil)
	}
	var n sesNotification
	if err := json.Unmarshal([]byte(env.Message), &n); err != nil {
		return nil, invalidPayload(ProviderSES, "malformed SES notification", err)
	}
	if n.Mail.MessageID == "" {
		return nil, invalidPayload(ProviderSES, "notification has no mail.messageId", nil)
	}

	kind := n.NotificationType
	if kind == "" {
		kind = n.EventType
	}
	md := map[string]any{"notification_type": kind}
	if ids := n.Mail.Tags["attempt_id"]; len(ids) > 0 {
		md["attempt_id"] = ids[0]
	}

	var ts string
	switch kind {
	case "Bounce":
		if n.Bounce == nil {
			return nil, invalidPayload(ProviderSES, "bounce notification missing bounce details", nil)
		}
		if n.Bounce.BounceType != "Permanent" {
			return nil, nil
		}
		ts = n.Bounce.Timestamp
		md["bounce_type"] = n.Bounce.BounceType
		putIf(md, "bounce_sub_type", n.Bounce.BounceSubType)
		if len(n.Bounce.BouncedRecipients) > 0 {
			r := n.Bounce.BouncedRecipients[0]
			reason := r.DiagnosticCode
			if reason == "" {
				reason = fmt.Sprintf("%s (%s)", n.Bounce.BounceSubType, r.Status)
			}
			md["reason"] = reason
		}
	case "Complaint":
		if n.Complaint == nil {
			return nil, invalidPayload(ProviderSES, "complaint notification missing complaint details", nil)
		}
		ts = n.Complaint.Timestamp
		reason := n.Complaint.ComplaintFeedbackType
		if reason == "" {
			reason = "complaint"
		}
		md["reason"] = reason
	case "Delivery":
		if n.Delivery != nil {
			ts = n.Delivery.Timestamp
		}
	case "Open":
		if n.Open != nil {
			ts = n.Open.Timestamp
		}
	case "Click":
		if n.Click != nil {
			ts = n.Click.Timestamp
			putIf(md, "url", n.Click.Link)
		}
	case "Reject":
		if n.Reject != nil {
			putIf(md, "reason", n.Reject.Reason)
		}
	default:
		return nil, nil
	}

	return []types.StatusEvent{{
		Provider:     ProviderSES,
		ExternalID:   n.Mail.MessageID,
		VendorStatus: strings.ToLower(kind),
		OccurredAt:   parseSESTime(ts),
		Metadata:     md,
	}}, nil
}

// parseSESTime accepts RFC3339 with or without fractional seconds; an
// unparseable value yields the zero time.
func parseSESTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
