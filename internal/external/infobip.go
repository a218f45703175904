package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"blastengine/internal/types"
)

const infobipAPIBase = "https://api.infobip.com"

var (
	infobipLocalCost         = types.MoneyFromFloat(0.03)
	infobipInternationalCost = types.MoneyFromFloat(0.08)
)

// InfobipConfig holds the configuration for creating an InfobipProvider.
type InfobipConfig struct {
	APIKey  types.SecretString
	BaseURL string
	Sender  string
}

// InfobipProvider sends text messages through the Infobip SMS API.
type InfobipProvider struct {
	base    *BaseClient
	cfg     InfobipConfig
	baseURL string
}

// NewInfobipProvider creates an InfobipProvider.
func NewInfobipProvider(httpClient *http.Client, cfg InfobipConfig, opts ...BaseClientOption) *InfobipProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = infobipAPIBase
	}
	return &InfobipProvider{
		base:    NewBaseClient(httpClient, "infobip", DefaultRetryPolicy(), userAgent, opts...),
		cfg:     cfg,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (p *InfobipProvider) Name() string           { return "infobip" }
func (p *InfobipProvider) Channel() types.Channel { return types.ChannelSMS }

// Quote prices +7 numbers at the local rate.
func (p *InfobipProvider) Quote(to string) types.Money {
	if isLocalRate(to) {
		return infobipLocalCost
	}
	return infobipInternationalCost
}

type infobipSendRequest struct {
	Messages []infobipMessage `json:"messages"`
}

type infobipMessage struct {
	From         string               `json:"from"`
	Destinations []infobipDestination `json:"destinations"`
	Text         string               `json:"text"`
}

type infobipDestination struct {
	To        string `json:"to"`
	MessageID string `json:"messageId,omitempty"`
}

type infobipSendResponse struct {
	Messages []struct {
		MessageID string        `json:"messageId"`
		Status    infobipStatus `json:"status"`
	} `json:"messages"`
}

type infobipStatus struct {
	GroupName string `json:"groupName"`
	Name      string `json:"name"`
}

type infobipReportsResponse struct {
	Results []struct {
		MessageID string        `json:"messageId"`
		Status    infobipStatus `json:"status"`
	} `json:"results"`
}

func (p *InfobipProvider) authorize(req *http.Request) {
	req.Header.Set("Authorization", "App "+p.cfg.APIKey.Unmask())
	req.Header.Set("Accept", "application/json")
}

// Send posts one message with one destination. The attempt id is passed as
// the messageId so reports can be correlated even before the reply is read.
func (p *InfobipProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	payload := infobipSendRequest{Messages: []infobipMessage{{
		From:         p.cfg.Sender,
		Destinations: []infobipDestination{{To: msg.To, MessageID: msg.AttemptID}},
		Text:         truncateRunes(msg.Body, smsMaxChars),
	}}}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal Infobip payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/sms/2/text/advanced", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create Infobip request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)

	resp, err := p.base.Do(req)
	if err != nil {
		return SendResult{}, wrapTransportError("infobip", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SendResult{}, types.NewAppError(types.ErrCodeUpstreamProviderReject,
			fmt.Sprintf("infobip error (%d): %s", resp.StatusCode, readErrorBody(resp)), nil)
	}
	var out infobipSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out.Messages) == 0 || out.Messages[0].MessageID == "" {
		return SendResult{}, types.NewAppError(types.ErrCodeUpstreamProviderReject, "infobip: response without messageId", err)
	}
	if strings.EqualFold(out.Messages[0].Status.GroupName, "REJECTED") {
		return SendResult{}, types.NewAppError(types.ErrCodeUpstreamProviderReject,
			fmt.Sprintf("infobip rejected message: %s", out.Messages[0].Status.Name), nil)
	}
	return SendResult{ExternalID: out.Messages[0].MessageID, Cost: p.Quote(msg.To), Status: types.AttemptSent}, nil
}

// PollStatus fetches the delivery report and returns the lower-cased
// status group.
func (p *InfobipProvider) PollStatus(ctx context.Context, externalID string) (string, error) {
	endpoint := p.baseURL + "/sms/1/reports?messageId=" + url.QueryEscape(externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create Infobip report request", err)
	}
	p.authorize(req)

	resp, err := p.base.Do(req)
	if err != nil {
		return "", wrapTransportError("infobip", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", types.NewAppError(types.ErrCodeUpstreamProviderReject,
			fmt.Sprintf("infobip report error (%d): %s", resp.StatusCode, readErrorBody(resp)), nil)
	}
	var out infobipReportsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamProviderReject, "infobip: undecodable report", err)
	}
	if len(out.Results) == 0 {
		return "", nil
	}
	return infobipStatusName(out.Results[0].Status), nil
}

// infobipStatusName prefers the status group (DELIVERED, PENDING,
// UNDELIVERABLE, EXPIRED, REJECTED) over the detailed name.
func infobipStatusName(s infobipStatus) string {
	if s.GroupName != "" {
		return strings.ToLower(s.GroupName)
	}
	return strings.ToLower(s.Name)
}

var (
	_ Provider     = (*InfobipProvider)(nil)
	_ StatusPoller = (*InfobipProvider)(nil)
)
