// Package config defines the process configuration for the cascade engine
// binaries (api, blastctl, and the Lambda workers).
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"blastengine/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once at
// startup; components receive only the sub-struct they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"blastengine"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	Server        ServerConfig
	Database      DatabaseConfig
	Engine        EngineConfig
	Providers     ProvidersConfig
	Webhook       WebhookConfig
	AWS           AWSConfig
	Events        EventsConfig
	Observability ObservabilityConfig
	Retention     RetentionConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// UseStubProviders reports whether provider adapters should be replaced by
// the logging stub.
func (c *Config) UseStubProviders() bool {
	return c.IsTestMode || c.Environment == localEnv
}

// ServerConfig holds HTTP server settings for the webhook and admin API.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	AdminAPIKey    SecretString  `envconfig:"ADMIN_API_KEY"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
// An empty URL selects the in-memory store (local mode only).
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// EngineConfig tunes the run-loop and the dispatch worker pool.
type EngineConfig struct {
	TickInterval    time.Duration `envconfig:"ENGINE_TICK_INTERVAL" default:"60s" validate:"gt=0"`
	RunTimeout      time.Duration `envconfig:"ENGINE_RUN_TIMEOUT" default:"300s"`
	Workers         int           `envconfig:"ENGINE_WORKERS" default:"8" validate:"gte=1,lte=256"`
	BatchSize       int           `envconfig:"ENGINE_BATCH_SIZE" default:"500" validate:"gte=1"`
	DispatchTimeout time.Duration `envconfig:"ENGINE_DISPATCH_TIMEOUT" default:"20s" validate:"gt=0"`
	// Mode "inline" evaluates recipients in-process; "queue" publishes them
	// to the SQS work queue for cmd/cascade-worker.
	Mode string `envconfig:"ENGINE_MODE" default:"inline" validate:"oneof=inline queue"`
	// LockMode "local" uses an in-process keyed mutex; "postgres" uses
	// advisory locks so the api and daemon can run as separate processes.
	LockMode string `envconfig:"ENGINE_LOCK_MODE" default:"local" validate:"oneof=local postgres"`
	// EmbeddedLoop runs the run-loop inside cmd/api.
	EmbeddedLoop bool `envconfig:"ENGINE_RUN_LOOP" default:"false"`
}

// ProvidersConfig holds vendor credentials. A vendor with no credentials is
// not registered.
type ProvidersConfig struct {
	WhatsApp WhatsAppConfig
	Twilio   TwilioConfig
	Infobip  InfobipConfig
	SendGrid SendGridConfig
	// SMSProvider selects the text-message vendor when both are configured.
	SMSProvider   string `envconfig:"SMS_PROVIDER" default:"twilio" validate:"oneof=twilio infobip"`
	EmailProvider string `envconfig:"EMAIL_PROVIDER" default:"sendgrid" validate:"oneof=sendgrid ses"`
	FromEmail     string `envconfig:"EMAIL_FROM_ADDRESS" default:"noreply@example.com"`
	FromName      string `envconfig:"EMAIL_FROM_NAME" default:"Coupons"`
}

// WhatsAppConfig is the WhatsApp Business Cloud API configuration.
type WhatsAppConfig struct {
	AccessToken   SecretString `envconfig:"WHATSAPP_ACCESS_TOKEN"`
	PhoneNumberID string       `envconfig:"WHATSAPP_PHONE_NUMBER_ID"`
	BaseURL       string       `envconfig:"WHATSAPP_BASE_URL" default:"https://graph.facebook.com/v18.0"`
	Language      string       `envconfig:"WHATSAPP_TEMPLATE_LANGUAGE" default:"ru"`
}

// TwilioConfig is the Twilio SMS configuration.
type TwilioConfig struct {
	AccountSID string       `envconfig:"TWILIO_ACCOUNT_SID"`
	AuthToken  SecretString `envconfig:"TWILIO_AUTH_TOKEN"`
	FromNumber string       `envconfig:"TWILIO_FROM_NUMBER"`
	BaseURL    string       `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com/2010-04-01"`
}

// InfobipConfig is the Infobip SMS configuration.
type InfobipConfig struct {
	APIKey  SecretString `envconfig:"INFOBIP_API_KEY"`
	BaseURL string       `envconfig:"INFOBIP_BASE_URL" default:"https://api.infobip.com"`
	Sender  string       `envconfig:"INFOBIP_SENDER" default:"Coupons"`
}

// SendGridConfig is the SendGrid email configuration.
type SendGridConfig struct {
	APIKey  SecretString `envconfig:"SENDGRID_API_KEY"`
	BaseURL string       `envconfig:"SENDGRID_BASE_URL" default:"https://api.sendgrid.com"`
}

// WebhookConfig holds inbound callback settings.
type WebhookConfig struct {
	WhatsAppVerifyToken SecretString `envconfig:"WHATSAPP_VERIFY_TOKEN"`
	MaxBodyBytes        int64        `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// WorkQueueURL receives recipient tasks when Engine.Mode is "queue".
	WorkQueueURL string `envconfig:"SQS_RECIPIENT_WORK"`
	// FeedbackQueueURL carries SES bounce/complaint notifications via SNS.
	FeedbackQueueURL string `envconfig:"SQS_SES_FEEDBACK"`
	SESConfigSet     string `envconfig:"SES_CONFIGURATION_SET"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EventsConfig configures the outbound delivery event stream.
type EventsConfig struct {
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"blast.delivery-events"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	// MetricsBackend selects where delivery metrics are recorded.
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"BlastEngine"`
}

// RetentionConfig sets the cleanup windows.
type RetentionConfig struct {
	AttemptDays int `envconfig:"RETENTION_ATTEMPT_DAYS" default:"90" validate:"gte=1"`
	ClickDays   int `envconfig:"RETENTION_CLICK_DAYS" default:"180" validate:"gte=1"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure parsing environment values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
