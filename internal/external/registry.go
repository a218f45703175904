package external

import (
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/sony/gobreaker/v2"

	"blastengine/internal/config"
	"blastengine/internal/types"
)

const userAgent = "blastengine/1.0"

// Registry maps each channel to the provider that serves it. It is built
// once at startup and read-only afterwards.
type Registry struct {
	byChannel map[types.Channel]Provider
	byName    map[string]Provider
}

// NewRegistryWith builds a registry from explicit providers. A later
// provider for the same channel replaces an earlier one.
func NewRegistryWith(providers ...Provider) *Registry {
	r := &Registry{
		byChannel: make(map[types.Channel]Provider),
		byName:    make(map[string]Provider),
	}
	for _, p := range providers {
		r.byChannel[p.Channel()] = p
		r.byName[p.Name()] = p
	}
	return r
}

// ForChannel returns the provider registered for ch.
func (r *Registry) ForChannel(ch types.Channel) (Provider, bool) {
	p, ok := r.byChannel[ch]
	return p, ok
}

// ByName returns the provider with the given Name().
func (r *Registry) ByName(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Pollers returns the providers that can report delivery status on demand.
func (r *Registry) Pollers() map[string]StatusPoller {
	out := make(map[string]StatusPoller)
	for name, p := range r.byName {
		if sp, ok := p.(StatusPoller); ok {
			out[name] = sp
		}
	}
	return out
}

// Channels lists the channels that have a provider.
func (r *Registry) Channels() []types.Channel {
	out := make([]types.Channel, 0, len(r.byChannel))
	for ch := range r.byChannel {
		out = append(out, ch)
	}
	return out
}

// NewRegistry builds the provider set from configuration. Local and test
// mode get one StubProvider per channel. Otherwise each vendor with
// credentials is constructed; awsCfg is only needed for SES.
func NewRegistry(cfg *config.Config, awsCfg *aws.Config, logger types.Logger) (*Registry, error) {
	if logger == nil {
		logger = types.NopLogger{}
	}

	if cfg.UseStubProviders() {
		logger.Info("initializing providers in STUB mode",
			"is_test_mode", cfg.IsTestMode,
			"environment", cfg.Environment,
		)
		stubLogger := logger.With("mode", "stub")
		return NewRegistryWith(
			NewStubProvider(types.ChannelWhatsApp, stubLogger),
			NewStubProvider(types.ChannelSMS, stubLogger),
			NewStubProvider(types.ChannelEmail, stubLogger),
		), nil
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	pc := cfg.Providers
	breakerLog := WithBreakerListener(func(vendor string, from, to gobreaker.State) {
		logger.Warn("provider circuit changed state", "provider", vendor, "from", from.String(), "to", to.String())
	})
	var providers []Provider

	if pc.WhatsApp.AccessToken.IsSet() && pc.WhatsApp.PhoneNumberID != "" {
		providers = append(providers, NewWhatsAppProvider(httpClient, WhatsAppConfig{
			AccessToken:   pc.WhatsApp.AccessToken,
			PhoneNumberID: pc.WhatsApp.PhoneNumberID,
			BaseURL:       pc.WhatsApp.BaseURL,
			Language:      pc.WhatsApp.Language,
		}, breakerLog))
	}

	twilio := pc.Twilio.AccountSID != "" && pc.Twilio.AuthToken.IsSet()
	infobip := pc.Infobip.APIKey.IsSet()
	switch {
	case twilio && (pc.SMSProvider == "twilio" || !infobip):
		providers = append(providers, NewTwilioProvider(httpClient, TwilioConfig{
			AccountSID: pc.Twilio.AccountSID,
			AuthToken:  pc.Twilio.AuthToken,
			FromNumber: pc.Twilio.FromNumber,
			BaseURL:    pc.Twilio.BaseURL,
		}, breakerLog))
	case infobip:
		providers = append(providers, NewInfobipProvider(httpClient, InfobipConfig{
			APIKey:  pc.Infobip.APIKey,
			BaseURL: pc.Infobip.BaseURL,
			Sender:  pc.Infobip.Sender,
		}, breakerLog))
	}

	switch pc.EmailProvider {
	case "ses":
		if awsCfg == nil {
			return nil, fmt.Errorf("EMAIL_PROVIDER=ses requires an AWS config")
		}
		providers = append(providers, NewSESProvider(*awsCfg, SESConfig{
			ConfigSetName: cfg.AWS.SESConfigSet,
			FromEmail:     pc.FromEmail,
			FromName:      pc.FromName,
		}))
	default:
		if pc.SendGrid.APIKey.IsSet() {
			providers = append(providers, NewSendGridProvider(httpClient, SendGridConfig{
				APIKey:    pc.SendGrid.APIKey,
				BaseURL:   pc.SendGrid.BaseURL,
				FromEmail: pc.FromEmail,
				FromName:  pc.FromName,
			}, breakerLog))
		}
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("no messaging providers configured for environment %q", cfg.Environment)
	}
	reg := NewRegistryWith(providers...)
	logger.Info("initialized providers", "channels", reg.Channels())
	return reg, nil
}
