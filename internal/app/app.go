// Package app builds the engine's object graph from configuration. Every
// binary (api, blastctl and the Lambda workers) starts from Build so the
// storage backend, provider set, metrics sink and event stream are chosen
// in one place.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blastengine/internal/campaigns"
	"blastengine/internal/cascade"
	"blastengine/internal/config"
	"blastengine/internal/db"
	"blastengine/internal/dispatch"
	"blastengine/internal/events"
	"blastengine/internal/export"
	"blastengine/internal/external"
	"blastengine/internal/lock"
	"blastengine/internal/memstore"
	"blastengine/internal/metrics"
	"blastengine/internal/policy"
	"blastengine/internal/queue"
	"blastengine/internal/reconcile"
	"blastengine/internal/render"
	"blastengine/internal/runloop"
	"blastengine/internal/scheduler"
	"blastengine/internal/types"
)

// campaignStore is what the engine needs from campaign persistence.
type campaignStore interface {
	cascade.CampaignReader
	dispatch.CampaignLedger
	campaigns.CampaignStore
	runloop.CampaignStore
}

// recipientStore is what the engine needs from recipient persistence.
type recipientStore interface {
	cascade.RecipientStateStore
	dispatch.RecipientLedger
	campaigns.RecipientStore
	runloop.RecipientStore
	reconcile.RecipientMarkers
	export.RecipientLister
}

// attemptStore is what the engine needs from attempt persistence.
type attemptStore interface {
	cascade.AttemptHistory
	dispatch.AttemptStore
	reconcile.AttemptStore
	campaigns.FailureCounter
	export.AttemptLister
	policy.FrequencyCounter
	scheduler.StaleAttemptLister
	scheduler.CleanupDB
}

// audienceStore resolves and stages campaign audiences.
type audienceStore interface {
	campaigns.AudienceResolver
	StageAudience(ctx context.Context, campaignID string, seeds []types.RecipientSeed) (int64, error)
}

// backend groups the stores of one storage mode.
type backend struct {
	campaigns  campaignStore
	recipients recipientStore
	attempts   attemptStore
	contacts   dispatch.ContactMarker
	prefs      policy.PreferenceSource
	templates  render.TemplateStore
	audience   audienceStore
}

// Compile-time assertions that both storage modes satisfy the engine.
var (
	_ campaignStore  = (*db.CampaignRepository)(nil)
	_ campaignStore  = (*memstore.CampaignStore)(nil)
	_ recipientStore = (*db.RecipientRepository)(nil)
	_ recipientStore = (*memstore.RecipientStore)(nil)
	_ attemptStore   = (*db.AttemptRepository)(nil)
	_ attemptStore   = (*memstore.AttemptStore)(nil)
	_ audienceStore  = (*db.DirectoryRepository)(nil)
	_ audienceStore  = (*memstore.StaticAudience)(nil)
)

// App is the wired engine.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Registry     *external.Registry
	Orchestrator *cascade.Orchestrator
	Campaigns    *campaigns.Service
	Reconciler   *reconcile.Reconciler
	Loop         *runloop.Loop
	Exporter     *export.Exporter
	Cleanup      *scheduler.CleanupService
	Recovery     *scheduler.StatusRecovery
	Audience     audienceStore
	// Locker serializes per-recipient steps and, in the scheduler,
	// overlapping maintenance jobs.
	Locker lock.Locker

	// Metrics is the delivery telemetry sink. Prometheus is also set when
	// the pull backend is selected, so the api can serve /metrics.
	Metrics        metrics.Recorder
	Prometheus     *metrics.Prometheus
	MetricsHandler http.Handler

	// Pool is nil in memory mode; Memory is nil in postgres mode.
	Pool   *pgxpool.Pool
	Memory *memstore.Store

	closers []func() error
}

// Option adjusts Build.
type Option func(*buildOptions)

type buildOptions struct {
	forceInline bool
	clock       types.Clock
}

// WithInlineMode makes the run-loop evaluate recipients in-process even
// when ENGINE_MODE=queue. The cascade worker uses it: it is the consumer
// of the queue, not a producer.
func WithInlineMode() Option { return func(o *buildOptions) { o.forceInline = true } }

// WithClock replaces the wall clock, for tests and backfills.
func WithClock(c types.Clock) Option { return func(o *buildOptions) { o.clock = c } }

// Build wires the engine. The caller owns the returned App and must Close
// it.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	engineLogger := types.NewSlogLogger(logger)

	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	awsCfg, err := loadAWS(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b, err := a.openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Audience = b.audience

	if err := a.initMetrics(cfg, awsCfg, engineLogger); err != nil {
		return nil, err
	}
	publisher := a.initEvents(cfg)

	registry, err := external.NewRegistry(cfg, awsCfg, engineLogger.With("component", "providers"))
	if err != nil {
		return nil, fmt.Errorf("build provider registry: %w", err)
	}
	a.Registry = registry

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Engine.LockMode == "postgres" {
		locker = db.NewAdvisoryLocker(a.Pool, engineLogger.With("component", "advisory_lock"))
	}
	a.Locker = locker

	dispatcher := dispatch.New(dispatch.Config{
		Attempts:   b.attempts,
		Campaigns:  b.campaigns,
		Recipients: b.recipients,
		Contacts:   b.contacts,
		Metrics:    a.Metrics,
		Events:     publisher,
		Clock:      o.clock,
		Logger:     engineLogger.With("component", "dispatch"),
		Timeout:    cfg.Engine.DispatchTimeout,
	})

	a.Orchestrator = cascade.NewOrchestrator(cascade.Deps{
		Campaigns:  b.campaigns,
		Recipients: b.recipients,
		Attempts:   b.attempts,
		Guard:      policy.NewGuard(b.attempts, b.prefs, o.clock, engineLogger.With("component", "policy")),
		Renderer:   render.NewRenderer(b.templates, engineLogger.With("component", "render")),
		Providers:  registry,
		Dispatcher: dispatcher,
		Locker:     locker,
		Metrics:    a.Metrics,
		Events:     publisher,
		Clock:      o.clock,
		Logger:     engineLogger.With("component", "cascade"),
	})

	a.Campaigns = campaigns.NewService(campaigns.Deps{
		Campaigns:  b.campaigns,
		Recipients: b.recipients,
		Failures:   b.attempts,
		Audience:   b.audience,
		Stopper:    a.Orchestrator,
		Events:     publisher,
		Clock:      o.clock,
		Logger:     engineLogger.With("component", "campaigns"),
	})

	a.Reconciler = reconcile.New(b.attempts, b.recipients, a.Orchestrator,
		reconcile.WithMetrics(a.Metrics),
		reconcile.WithEvents(publisher),
		reconcile.WithClock(o.clock),
		reconcile.WithLogger(engineLogger.With("component", "reconcile")),
	)

	var enqueuer runloop.Enqueuer
	if cfg.Engine.Mode == "queue" && !o.forceInline {
		enqueuer = queue.NewSQSPublisher(sqs.NewFromConfig(*awsCfg), cfg.AWS.WorkQueueURL,
			engineLogger.With("component", "queue"))
	}
	a.Loop = runloop.New(runloop.Deps{
		Campaigns:  b.campaigns,
		Recipients: b.recipients,
		Stepper:    a.Orchestrator,
		Starter:    a.Campaigns,
		Enqueuer:   enqueuer,
		Workers:    cfg.Engine.Workers,
		BatchSize:  cfg.Engine.BatchSize,
		Metrics:    a.Metrics,
		Clock:      o.clock,
		Logger:     engineLogger.With("component", "runloop"),
	})

	a.Exporter = export.New(b.recipients, b.attempts)
	a.Cleanup = scheduler.NewCleanupService(b.attempts, scheduler.Retention{
		AttemptDays: cfg.Retention.AttemptDays,
		ClickDays:   cfg.Retention.ClickDays,
	}, logger.With("component", "cleanup"))
	a.Recovery = scheduler.NewStatusRecovery(b.attempts, registry.Pollers(), a.Reconciler,
		logger.With("component", "recovery"))

	logger.Info("engine wired",
		"storage", a.storageMode(),
		"engine_mode", cfg.Engine.Mode,
		"lock_mode", cfg.Engine.LockMode,
		"metrics_backend", cfg.Observability.MetricsBackend,
		"channels", registry.Channels(),
	)
	ok = true
	return a, nil
}

// loadAWS returns nil when nothing in the configuration needs AWS.
func loadAWS(ctx context.Context, cfg *config.Config) (*aws.Config, error) {
	needed := cfg.Engine.Mode == "queue" ||
		cfg.Observability.MetricsBackend == "cloudwatch" ||
		(cfg.Providers.EmailProvider == "ses" && !cfg.UseStubProviders())
	if !needed {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
	}
	return &awsCfg, nil
}

func (a *App) openBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	if !cfg.Database.URL.IsSet() {
		s := memstore.New()
		a.Memory = s
		return backend{
			campaigns:  s.Campaigns,
			recipients: s.Recipients,
			attempts:   s.Attempts,
			contacts:   s.Contacts,
			prefs:      s.Preferences,
			templates:  s.Templates,
			audience:   s.Audience,
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return backend{}, err
	}
	a.Pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	dir := db.NewDirectoryRepository(pool)
	return backend{
		campaigns:  db.NewCampaignRepository(pool),
		recipients: db.NewRecipientRepository(pool),
		attempts:   db.NewAttemptRepository(pool),
		contacts:   dir,
		prefs:      dir,
		templates:  dir,
		audience:   dir,
	}, nil
}

func (a *App) initMetrics(cfg *config.Config, awsCfg *aws.Config, logger types.Logger) error {
	switch cfg.Observability.MetricsBackend {
	case "cloudwatch":
		a.Metrics = metrics.NewCloudWatch(cloudwatch.NewFromConfig(*awsCfg), cfg.Observability.MetricNamespace,
			logger.With("component", "metrics"))
	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		p, err := metrics.NewPrometheus(reg)
		if err != nil {
			return fmt.Errorf("register prometheus collectors: %w", err)
		}
		a.Metrics = p
		a.Prometheus = p
		a.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	default:
		a.Metrics = metrics.Noop{}
	}
	return nil
}

func (a *App) initEvents(cfg *config.Config) events.Publisher {
	if len(cfg.Events.KafkaBrokers) == 0 {
		return events.Noop{}
	}
	kp := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
	a.closers = append(a.closers, kp.Close)
	return kp
}

func (a *App) storageMode() string {
	if a.Pool != nil {
		return "postgres"
	}
	return "memory"
}

// Migrate applies the schema. It is a no-op in memory mode.
func (a *App) Migrate(ctx context.Context) error {
	if a.Pool == nil {
		return nil
	}
	return db.Migrate(ctx, a.Pool)
}

// Ping checks the database. It is a no-op in memory mode.
func (a *App) Ping(ctx context.Context) error {
	if a.Pool == nil {
		return nil
	}
	return a.Pool.Ping(ctx)
}

// Close releases the event writer and the connection pool, in reverse
// order of acquisition.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// NewLogger creates the JSON slog.Logger every binary writes to stdout.
func NewLogger(level string) *slog.Logger {
	return NewLoggerTo(os.Stdout, level)
}

// NewLoggerTo is NewLogger writing to w.
func NewLoggerTo(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// DefaultShutdownGrace bounds graceful shutdown of long-running binaries.
const DefaultShutdownGrace = 10 * time.Second
