package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/audit"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/delivery"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/usage"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/webhook"
)

type DeliverySweeper interface {
	Reconcile(ctx context.Context) (delivery.Result, error)
}

type WebhookSweeper interface {
	ReconcileStuck(ctx context.Context, threshold time.Duration, batchSize int) (webhook.ReconcileResult, error)
}

type UsageRoller interface {
	Run(ctx context.Context, now time.Time) (usage.Result, error)
}

type AuditArchiver interface {
	ArchiveDay(ctx context.Context, day time.Time) (audit.ArchiveResult, error)
}

// CronController exposes the sweeps to an external scheduler. Requests are
// authenticated by middleware.CronAuth before they reach it.
type CronController struct {
	deliveries DeliverySweeper
	webhooks   WebhookSweeper
	rollover   UsageRoller
	archiver   AuditArchiver
	now        func() time.Time
}

// NewCronController creates the controller. archiver may be nil when audit
// archiving is disabled.
func NewCronController(deliveries DeliverySweeper, webhooks WebhookSweeper, rollover UsageRoller, archiver AuditArchiver) *CronController {
	return &CronController{
		deliveries: deliveries,
		webhooks:   webhooks,
		rollover:   rollover,
		archiver:   archiver,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// HandleReconcileDeliveries re-enqueues deliveries whose job never fired.
func (cc *CronController) HandleReconcileDeliveries(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	started := time.Now()
	result, err := cc.deliveries.Reconcile(ctx)
	if err != nil {
		log.Errorf("[Cron] reconcile-deliveries failed: %v", err)
		return respondError(c, "reconcile_deliveries_failed", err)
	}
	return c.JSON(fiber.Map{
		"ok":         true,
		"result":     result,
		"durationMs": time.Since(started).Milliseconds(),
	})
}

// HandleReconcileWebhooks re-dispatches stuck webhook events.
func (cc *CronController) HandleReconcileWebhooks(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	started := time.Now()
	result, err := cc.webhooks.ReconcileStuck(ctx, webhook.StuckThreshold, webhook.BatchSize)
	if err != nil {
		log.Errorf("[Cron] reconcile-webhooks failed: %v", err)
		return respondError(c, "reconcile_webhooks_failed", err)
	}
	return c.JSON(fiber.Map{
		"ok":         true,
		"result":     result,
		"durationMs": time.Since(started).Milliseconds(),
	})
}

// HandleRolloverUsage opens the next usage period for renewing subscriptions.
func (cc *CronController) HandleRolloverUsage(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := cc.rollover.Run(ctx, cc.now())
	if err != nil {
		log.Errorf("[Cron] rollover-usage failed: %v", err)
		return respondError(c, "rollover_failed", err)
	}
	return c.JSON(fiber.Map{
		"ok":         true,
		"result":     result,
		"durationMs": result.DurationMs,
	})
}

// HandleArchiveAudit exports one day of audit events, yesterday by default
// or the day given as ?day=YYYY-MM-DD.
func (cc *CronController) HandleArchiveAudit(c *fiber.Ctx) error {
	if cc.archiver == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "archive_disabled"})
	}

	day := cc.now().AddDate(0, 0, -1)
	if raw := c.Query("day"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_day", "message": "day must be YYYY-MM-DD"})
		}
		day = parsed
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := cc.archiver.ArchiveDay(ctx, day)
	if err != nil {
		log.Errorf("[Cron] archive-audit for %s failed: %v", day.Format("2006-01-02"), err)
		return respondError(c, "archive_failed", err)
	}
	return c.JSON(fiber.Map{"ok": true, "result": result})
}
