package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"blastengine/internal/types"
)

const (
	twilioAPIBase = "https://api.twilio.com/2010-04-01"
	smsMaxChars   = 160
)

var (
	twilioLocalCost         = types.MoneyFromFloat(0.05)
	twilioInternationalCost = types.MoneyFromFloat(0.10)
)

// TwilioConfig holds the configuration for creating a TwilioProvider.
type TwilioConfig struct {
	AccountSID string
	AuthToken  types.SecretString
	FromNumber string
	BaseURL    string
}

// TwilioProvider sends text messages through the Twilio Messages API.
type TwilioProvider struct {
	base    *BaseClient
	cfg     TwilioConfig
	baseURL string
}

// NewTwilioProvider creates a TwilioProvider.
func NewTwilioProvider(httpClient *http.Client, cfg TwilioConfig, opts ...BaseClientOption) *TwilioProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = twilioAPIBase
	}
	return &TwilioProvider{
		base:    NewBaseClient(httpClient, "twilio", DefaultRetryPolicy(), userAgent, opts...),
		cfg:     cfg,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (t *TwilioProvider) Name() string           { return "twilio" }
func (t *TwilioProvider) Channel() types.Channel { return types.ChannelSMS }

// Quote prices +7 numbers at the local rate.
func (t *TwilioProvider) Quote(to string) types.Money {
	if isLocalRate(to) {
		return twilioLocalCost
	}
	return twilioInternationalCost
}

type twilioMessage struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Send posts a form-encoded message. The body is cut to one SMS segment.
// Twilio answers 201 with the message SID.
func (t *TwilioProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	form := url.Values{}
	form.Set("From", t.cfg.FromNumber)
	form.Set("To", msg.To)
	form.Set("Body", truncateRunes(msg.Body, smsMaxChars))

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", t.baseURL, url.PathEscape(t.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create Twilio request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken.Unmask())

	resp, err := t.base.Do(req)
	if err != nil {
		return SendResult{}, wrapTransportError("twilio", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return SendResult{}, types.NewAppError(types.ErrCodeUpstreamProviderReject,
			fmt.Sprintf("twilio error (%d): %s", resp.StatusCode, readErrorBody(resp)), nil)
	}
	var out twilioMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.SID == "" {
		return SendResult{}, types.NewAppError(types.ErrCodeUpstreamProviderReject, "twilio: response without sid", err)
	}
	return SendResult{ExternalID: out.SID, Cost: t.Quote(msg.To), Status: types.AttemptSent}, nil
}

// PollStatus reads the current message status (queued, sent, delivered,
// undelivered, failed).
func (t *TwilioProvider) PollStatus(ctx context.Context, externalID string) (string, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages/%s.json", t.baseURL, url.PathEscape(t.cfg.AccountSID), url.PathEscape(externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create Twilio status request", err)
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken.Unmask())

	resp, err := t.base.Do(req)
	if err != nil {
		return "", wrapTransportError("twilio", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", types.NewAppError(types.ErrCodeUpstreamProviderReject,
			fmt.Sprintf("twilio status error (%d): %s", resp.StatusCode, readErrorBody(resp)), nil)
	}
	var out twilioMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamProviderReject, "twilio: undecodable status response", err)
	}
	return out.Status, nil
}

var (
	_ Provider     = (*TwilioProvider)(nil)
	_ StatusPoller = (*TwilioProvider)(nil)
)
