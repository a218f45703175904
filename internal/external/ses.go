package external

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"blastengine/internal/types"
)

var sesCost = types.MoneyFromFloat(0.0001)

// SESAPI is the subset of the SES v2 client used by SESProvider.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig holds the configuration for creating an SESProvider.
type SESConfig struct {
	// ConfigSetName routes bounce/complaint/delivery events to SNS.
	ConfigSetName string
	FromEmail     string
	FromName      string
}

// SESProvider sends email through AWS SES v2. The SDK retries internally,
// so it does not go through BaseClient.
type SESProvider struct {
	api SESAPI
	cfg SESConfig
}

// NewSESProvider creates an SESProvider from an AWS config.
func NewSESProvider(awsCfg aws.Config, cfg SESConfig) *SESProvider {
	return &SESProvider{api: sesv2.NewFromConfig(awsCfg), cfg: cfg}
}

// NewSESProviderWithAPI creates an SESProvider over a custom client.
func NewSESProviderWithAPI(api SESAPI, cfg SESConfig) *SESProvider {
	return &SESProvider{api: api, cfg: cfg}
}

func (s *SESProvider) Name() string             { return "ses" }
func (s *SESProvider) Channel() types.Channel   { return types.ChannelEmail }
func (s *SESProvider) Quote(string) types.Money { return sesCost }

func utf8Content(v string) *sestypes.Content {
	return &sestypes.Content{Data: aws.String(v), Charset: aws.String("UTF-8")}
}

// Send transmits a simple (non-templated) message. The SES message id is
// what SNS feedback notifications report as mail.messageId.
func (s *SESProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	from := s.cfg.FromEmail
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.FromEmail)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &sestypes.Destination{ToAddresses: []string{msg.To}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: utf8Content(msg.Subject),
				Body:    &sestypes.Body{},
			},
		},
	}
	if msg.BodyHTML != "" {
		input.Content.Simple.Body.Html = utf8Content(msg.BodyHTML)
	}
	if msg.Body != "" {
		input.Content.Simple.Body.Text = utf8Content(msg.Body)
	}
	if s.cfg.ConfigSetName != "" {
		input.ConfigurationSetName = aws.String(s.cfg.ConfigSetName)
	}
	if msg.AttemptID != "" {
		input.EmailTags = []sestypes.MessageTag{
			{Name: aws.String("attempt_id"), Value: aws.String(msg.AttemptID)},
		}
	}

	out, err := s.api.SendEmail(ctx, input)
	if err != nil {
		return SendResult{}, mapSESError(err)
	}
	if out.MessageId == nil || *out.MessageId == "" {
		return SendResult{}, types.NewAppError(types.ErrCodeUpstreamProviderReject, "ses: response without MessageId", nil)
	}
	return SendResult{ExternalID: *out.MessageId, Cost: sesCost, Status: types.AttemptSent}, nil
}

func mapSESError(err error) error {
	var msgRejected *sestypes.MessageRejected
	if errors.As(err, &msgRejected) {
		return types.NewAppError(types.ErrCodeEmailBlocked, fmt.Sprintf("SES rejected message: %v", err), err)
	}
	var tooManyReqs *sestypes.TooManyRequestsException
	if errors.As(err, &tooManyReqs) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, fmt.Sprintf("SES rate limit exceeded: %v", err), err)
	}
	var sendingPaused *sestypes.SendingPausedException
	if errors.As(err, &sendingPaused) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("SES account sending paused: %v", err), err)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("SES error: %v", err), err)
}

var _ Provider = (*SESProvider)(nil)
