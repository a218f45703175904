package app

import (
	"os"

	"blastengine/internal/api/handlers"
	"blastengine/internal/config"
	"blastengine/internal/core"
	"blastengine/internal/webhooks"
)

// LoadConfig resolves _SSM_PARAM pointers (outside local) and loads the
// configuration from the environment.
func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
}

// NewServer builds the HTTP chassis with the webhook receiver under
// /webhooks and the campaign admin API under /v1.
func (a *App) NewServer() (*core.Server, error) {
	srv, err := core.NewServer(a.Config, a.Logger)
	if err != nil {
		return nil, err
	}
	if a.Prometheus != nil {
		srv.Metrics = a.Prometheus
		srv.MetricsHandler = a.MetricsHandler
	}
	if a.Pool != nil {
		srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{Label: "database", Fn: a.Ping})
	}

	wh := webhooks.NewHandler(a.Reconciler, a.Logger.With("component", "webhooks"),
		webhooks.WithVerifyToken(a.Config.Webhook.WhatsAppVerifyToken.Unmask()),
		webhooks.WithMaxBody(a.Config.Webhook.MaxBodyBytes),
	)
	srv.WebhookRoutes = append(srv.WebhookRoutes, wh.RegisterRoutes)

	ch := handlers.NewCampaignHandler(a.Campaigns, a.Exporter, a.Audience, srv.Validator,
		a.Logger.With("component", "admin_api"))
	srv.V1Routes = append(srv.V1Routes, ch.RegisterRoutes)

	srv.MountRoutes()
	return srv, nil
}
