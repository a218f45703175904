package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"blastengine/internal/types"
)

const sendGridAPIBase = "https://api.sendgrid.com"

// sendGridCost is the per-message price.
var sendGridCost = types.MoneyFromFloat(0.0001)

// SendGridConfig holds the configuration for creating a SendGridProvider.
type SendGridConfig struct {
	APIKey    types.SecretString
	BaseURL   string
	FromEmail string
	FromName  string
}

// SendGridProvider sends email through the SendGrid v3 Mail Send API.
type SendGridProvider struct {
	base    *BaseClient
	cfg     SendGridConfig
	baseURL string
}

// NewSendGridProvider creates a SendGridProvider.
func NewSendGridProvider(httpClient *http.Client, cfg SendGridConfig, opts ...BaseClientOption) *SendGridProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	return &SendGridProvider{
		base:    NewBaseClient(httpClient, "sendgrid", DefaultRetryPolicy(), userAgent, opts...),
		cfg:     cfg,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (s *SendGridProvider) Name() string             { return "sendgrid" }
func (s *SendGridProvider) Channel() types.Channel   { return types.ChannelEmail }
func (s *SendGridProvider) Quote(string) types.Money { return sendGridCost }

type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Content          []sendGridContent         `json:"content"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
}

type sendGridPersonalization struct {
	To      []sendGridAddress `json:"to"`
	Subject string            `json:"subject"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

// Send posts a plain-text and optional HTML message. SendGrid answers 202
// with the message id in X-Message-Id; webhook events carry it back as
// sg_message_id.
func (s *SendGridProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	payload := sendGridMailPayload{
		Personalizations: []sendGridPersonalization{{
			To:      []sendGridAddress{{Email: msg.To}},
			Subject: msg.Subject,
		}},
		From: sendGridAddress{Email: s.cfg.FromEmail, Name: s.cfg.FromName},
	}
	if msg.Body != "" {
		payload.Content = append(payload.Content, sendGridContent{Type: "text/plain", Value: msg.Body})
	}
	if msg.BodyHTML != "" {
		payload.Content = append(payload.Content, sendGridContent{Type: "text/html", Value: msg.BodyHTML})
	}
	if msg.AttemptID != "" {
		payload.CustomArgs = map[string]string{"attempt_id": msg.AttemptID, "campaign_id": msg.CampaignID}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal SendGrid mail payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create SendGrid request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey.Unmask())

	resp, err := s.base.Do(req)
	if err != nil {
		return SendResult{}, wrapTransportError("sendgrid", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return SendResult{}, s.mapErrorResponse(resp)
	}
	msgID := resp.Header.Get("X-Message-Id")
	if msgID == "" {
		return SendResult{}, types.NewAppError(types.ErrCodeUpstreamProviderReject, "sendgrid: accepted without X-Message-Id", nil)
	}
	return SendResult{ExternalID: msgID, Cost: sendGridCost, Status: types.AttemptSent}, nil
}

// mapErrorResponse maps 403 (suppression list) to email_blocked and every
// other rejection to upstream_email_provider_unavailable.
func (s *SendGridProvider) mapErrorResponse(resp *http.Response) error {
	raw := readErrorBody(resp)
	message := raw
	var sgErr sendGridErrorResponse
	if json.Unmarshal([]byte(raw), &sgErr) == nil && len(sgErr.Errors) > 0 {
		message = sgErr.Errors[0].Message
	}
	if resp.StatusCode == http.StatusForbidden {
		return types.NewAppError(types.ErrCodeEmailBlocked, fmt.Sprintf("sendgrid blocked delivery: %s", message), nil)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("sendgrid error (%d): %s", resp.StatusCode, message), nil)
}

// wrapTransportError keeps BaseClient AppErrors and wraps anything else.
func wrapTransportError(provider string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamProvider, fmt.Sprintf("%s request failed", provider), err)
}

var _ Provider = (*SendGridProvider)(nil)
