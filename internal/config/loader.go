package config

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is the diagnostic error returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return "[" + string(e.Type) + "] " + e.Message
	}
	return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

const (
	// localEnv is the APP_ENV value that skips secret resolution and
	// allows the in-memory store.
	localEnv = "local"

	// secretRefSuffix marks pointer variables: TWILIO_AUTH_TOKEN_SSM_PARAM
	// holds the parameter path that resolves TWILIO_AUTH_TOKEN.
	secretRefSuffix = "_SSM_PARAM"

	secretResolveTimeout = 30 * time.Second
)

// Set via -ldflags "-X blastengine/internal/config.version=1.4.0 ...".
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

// LoadConfig reads the environment (and a .env file when present, without
// overriding), resolves *_SSM_PARAM secrets outside local, and validates
// the result. provider may be nil in local.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	})
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	// Quiet hours, frequency windows and retention cutoffs all assume UTC
	// wall clocks unless a timezone is given explicitly.
	time.Local = time.UTC
	_ = godotenv.Load()

	if env, _ := deps.lookupEnv("APP_ENV"); env != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "failed to process environment configuration", Err: err}
	}
	cfg.Build = BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	for _, rule := range crossFieldRules {
		if rule.broken(cfg) {
			return nil, &ConfigError{Type: rule.kind, Message: rule.message}
		}
	}
	return cfg, nil
}

// crossFieldRule is a constraint spanning several settings.
type crossFieldRule struct {
	kind    ConfigErrorType
	message string
	broken  func(*Config) bool
}

var crossFieldRules = []crossFieldRule{
	{
		kind:    ErrMissingEnv,
		message: "DATABASE_URL is required outside local",
		broken:  func(c *Config) bool { return c.Environment != localEnv && !c.Database.URL.IsSet() },
	},
	{
		kind:    ErrMissingEnv,
		message: "SQS_RECIPIENT_WORK is required when ENGINE_MODE=queue",
		broken:  func(c *Config) bool { return c.Engine.Mode == "queue" && c.AWS.WorkQueueURL == "" },
	},
	{
		kind:    ErrValidation,
		message: "ENGINE_LOCK_MODE=postgres requires DATABASE_URL",
		broken:  func(c *Config) bool { return c.Engine.LockMode == "postgres" && !c.Database.URL.IsSet() },
	},
	{
		kind:    ErrValidation,
		message: "RETENTION_CLICK_DAYS must not be shorter than RETENTION_ATTEMPT_DAYS",
		broken:  func(c *Config) bool { return c.Retention.ClickDays < c.Retention.AttemptDays },
	},
}

// secretRef is one *_SSM_PARAM pointer still waiting for its value.
type secretRef struct {
	target string
	path   string
}

// pendingSecrets lists pointers whose target variable is not set yet.
// A directly set variable always wins over its pointer.
func pendingSecrets(deps loaderDeps) []secretRef {
	var refs []secretRef
	for _, kv := range deps.environ() {
		key, path, _ := strings.Cut(kv, "=")
		target, isRef := strings.CutSuffix(key, secretRefSuffix)
		if !isRef || path == "" {
			continue
		}
		if _, set := deps.lookupEnv(target); set {
			continue
		}
		refs = append(refs, secretRef{target: target, path: path})
	}
	slices.SortFunc(refs, func(a, b secretRef) int { return strings.Compare(a.target, b.target) })
	return refs
}

// resolveSSMParams fetches every pending secret in one batch and exports
// the values so envconfig sees them.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	refs := pendingSecrets(deps)
	if len(refs) == 0 {
		return nil
	}

	targets := make([]string, 0, len(refs))
	var paths []string
	for _, r := range refs {
		targets = append(targets, r.target)
		if !slices.Contains(paths, r.path) {
			paths = append(paths, r.path)
		}
	}
	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "a SecretProvider is required outside local to resolve " + strings.Join(targets, ", "),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), secretResolveTimeout)
	defer cancel()
	values, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{Type: ErrSSMResolution, Message: fmt.Sprintf("resolving %d secret parameters", len(paths)), Err: err}
	}

	var missing []string
	for _, r := range refs {
		v, ok := values[r.path]
		if !ok {
			missing = append(missing, r.target)
			continue
		}
		if err := deps.setEnv(r.target, v); err != nil {
			return &ConfigError{Type: ErrSSMResolution, Message: "exporting " + r.target, Err: err}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{Type: ErrSSMResolution, Message: "secret parameters not found for " + strings.Join(missing, ", ")}
	}
	return nil
}
