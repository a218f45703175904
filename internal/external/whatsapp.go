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

const (
	whatsAppAPIBase  = "https://graph.facebook.com/v18.0"
	whatsAppMaxChars = 1000
)

var whatsAppCost = types.MoneyFromFloat(0.05)

// WhatsAppConfig holds the configuration for creating a WhatsAppProvider.
type WhatsAppConfig struct {
	AccessToken   types.SecretString
	PhoneNumberID string
	BaseURL       string
	Language      string
}

// WhatsAppProvider sends chat-app messages through the WhatsApp Business
// Cloud API.
type WhatsAppProvider struct {
	base    *BaseClient
	cfg     WhatsAppConfig
	baseURL string
}

// NewWhatsAppProvider creates a WhatsAppProvider.
func NewWhatsAppProvider(httpClient *http.Client, cfg WhatsAppConfig, opts ...BaseClientOption) *WhatsAppProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = whatsAppAPIBase
	}
	if cfg.Language == "" {
		cfg.Language = types.DefaultLocale
	}
	return &WhatsAppProvider{
		base:    NewBaseClient(httpClient, "whatsapp", DefaultRetryPolicy(), userAgent, opts...),
		cfg:     cfg,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (w *WhatsAppProvider) Name() string             { return "whatsapp" }
func (w *WhatsAppProvider) Channel() types.Channel   { return types.ChannelWhatsApp }
func (w *WhatsAppProvider) Quote(string) types.Money { return whatsAppCost }

type whatsAppRequest struct {
	MessagingProduct string            `json:"messaging_product"`
	To               string            `json:"to"`
	Type             string            `json:"type"`
	Text             *whatsAppText     `json:"text,omitempty"`
	Template         *whatsAppTemplate `json:"template,omitempty"`
}

type whatsAppText struct {
	Body string `json:"body"`
}

type whatsAppTemplate struct {
	Name       string              `json:"name"`
	Language   whatsAppLanguage    `json:"language"`
	Components []whatsAppComponent `json:"components"`
}

type whatsAppLanguage struct {
	Code string `json:"code"`
}

type whatsAppComponent struct {
	Type       string              `json:"type"`
	Parameters []whatsAppParameter `json:"parameters"`
}

type whatsAppParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type whatsAppResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// buildRequest uses the approved template when one is named; free text is
// only accepted inside the 24h customer-service window.
func (w *WhatsAppProvider) buildRequest(msg Message) whatsAppRequest {
	to := strings.TrimPrefix(msg.To, "+")
	if msg.TemplateName == "" {
		return whatsAppRequest{
			MessagingProduct: "whatsapp",
			To:               to,
			Type:             "text",
			Text:             &whatsAppText{Body: truncateRunes(msg.Body, whatsAppMaxChars)},
		}
	}
	tmpl := &whatsAppTemplate{
		Name:       msg.TemplateName,
		Language:   whatsAppLanguage{Code: w.cfg.Language},
		Components: []whatsAppComponent{},
	}
	if len(msg.TemplateParams) > 0 {
		params := make([]whatsAppParameter, 0, len(msg.TemplateParams))
		for _, p := range msg.TemplateParams {
			params = append(params, whatsAppParameter{Type: "text", Text: p})
		}
		tmpl.Components = append(tmpl.Components, whatsAppComponent{Type: "body", Parameters: params})
	}
	return whatsAppRequest{MessagingProduct: "whatsapp", To: to, Type: "template", Template: tmpl}
}

// Send posts to /{phone_number_id}/messages. The returned wamid is what
// status webhooks reference.
func (w *WhatsAppProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	body, err := json.Marshal(w.buildRequest(msg))
	if err != nil {
		return SendResult{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal WhatsApp payload", err)
	}
	endpoint := fmt.Sprintf("%s/%s/messages", w.baseURL, url.PathEscape(w.cfg.PhoneNumberID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create WhatsApp request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken.Unmask())

	resp, err := w.base.Do(req)
	if err != nil {
		return SendResult{}, wrapTransportError("whatsapp", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SendResult{}, types.NewAppError(types.ErrCodeUpstreamProviderReject,
			fmt.Sprintf("whatsapp error (%d): %s", resp.StatusCode, readErrorBody(resp)), nil)
	}
	var out whatsAppResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return SendResult{}, types.NewAppError(types.ErrCodeUpstreamProviderReject, "whatsapp: response without message id", err)
	}
	return SendResult{ExternalID: out.Messages[0].ID, Cost: whatsAppCost, Status: types.AttemptSent}, nil
}

var _ Provider = (*WhatsAppProvider)(nil)
