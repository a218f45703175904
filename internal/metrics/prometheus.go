package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"blastengine/internal/types"
)

// Prometheus keeps counters and histograms for scraping via /metrics.
type Prometheus struct {
	dispatches *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	webhooks   *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	ticks      prometheus.Histogram
	requests   *prometheus.HistogramVec
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blastengine_dispatches_total",
				Help: "Provider dispatches by channel, provider and result",
			},
			[]string{"channel", "provider", "result"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blastengine_dispatch_duration_seconds",
				Help:    "Provider call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		webhooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blastengine_webhook_events_total",
				Help: "Inbound provider status events by canonical status",
			},
			[]string{"provider", "status"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blastengine_recipient_outcomes_total",
				Help: "Recipients reaching a terminal state",
			},
			[]string{"status"},
		),
		ticks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "blastengine_tick_duration_seconds",
			Help:    "Run-loop tick duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		requests: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blastengine_http_request_duration_seconds",
				Help:    "HTTP requests by method, route and status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
	for _, c := range []prometheus.Collector{p.dispatches, p.latency, p.webhooks, p.outcomes, p.ticks, p.requests} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) RecordDispatch(_ context.Context, channel types.Channel, provider string, result Result, latency time.Duration) {
	p.dispatches.WithLabelValues(string(channel), provider, string(result)).Inc()
	p.latency.WithLabelValues(string(channel)).Observe(latency.Seconds())
}

func (p *Prometheus) RecordWebhook(_ context.Context, provider string, status types.AttemptStatus) {
	p.webhooks.WithLabelValues(provider, statusLabel(status)).Inc()
}

func (p *Prometheus) RecordRecipientOutcome(_ context.Context, status types.RecipientStatus) {
	p.outcomes.WithLabelValues(string(status)).Inc()
}

func (p *Prometheus) RecordTick(_ context.Context, duration time.Duration) {
	p.ticks.Observe(duration.Seconds())
}

// RecordRequest observes one HTTP request handled by the api server.
func (p *Prometheus) RecordRequest(method, route, status string, duration time.Duration) {
	p.requests.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

var _ Recorder = (*Prometheus)(nil)
