package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kutay-ship-it/capsulenote-sub006/app/controllers"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/middleware"
)

type ApiRouter struct {
	Cron       *controllers.CronController
	Webhooks   *controllers.WebhookController
	Transit    *controllers.TransitController
	Health     *controllers.HealthController
	CronSecret string
	// LimiterStorage backs the rate limiter; nil keeps the counters in memory.
	LimiterStorage fiber.Storage
	RateLimit      int
	// Validator checks cron and transit requests against the OpenAPI
	// document; nil skips the check.
	Validator *middleware.RequestValidator
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")
	api.Get("/health", h.Health.HandleHealth)

	validate := h.Validator.Handler()

	cron := api.Group("/cron", middleware.CronAuth(h.CronSecret), validate)
	cron.Add(fiber.MethodGet, "/reconcile-deliveries", h.Cron.HandleReconcileDeliveries)
	cron.Add(fiber.MethodPost, "/reconcile-deliveries", h.Cron.HandleReconcileDeliveries)
	cron.Add(fiber.MethodGet, "/reconcile-webhooks", h.Cron.HandleReconcileWebhooks)
	cron.Add(fiber.MethodPost, "/reconcile-webhooks", h.Cron.HandleReconcileWebhooks)
	cron.Add(fiber.MethodGet, "/rollover-usage", h.Cron.HandleRolloverUsage)
	cron.Add(fiber.MethodPost, "/rollover-usage", h.Cron.HandleRolloverUsage)
	cron.Add(fiber.MethodGet, "/archive-audit", h.Cron.HandleArchiveAudit)
	cron.Add(fiber.MethodPost, "/archive-audit", h.Cron.HandleArchiveAudit)

	// Provider webhooks are signed and deduplicated, so they are not rate limited.
	api.Post("/webhooks/stripe", h.Webhooks.HandleStripeWebhook)

	api.Get("/transit/arrive-by", middleware.RateLimit(h.LimiterStorage, h.RateLimit), validate, h.Transit.HandleArriveBy)
}

func NewApiRouter(cron *controllers.CronController, webhooks *controllers.WebhookController, transit *controllers.TransitController, cronSecret string) *ApiRouter {
	return &ApiRouter{
		Cron:       cron,
		Webhooks:   webhooks,
		Transit:    transit,
		Health:     controllers.NewHealthController(nil),
		CronSecret: cronSecret,
		RateLimit:  60,
	}
}
