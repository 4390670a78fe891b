package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/jobqueue"
)

const healthTimeout = 2 * time.Second

// QueueInspector reports the background queue's backlog.
type QueueInspector interface {
	Stats(ctx context.Context) (jobqueue.Stats, error)
}

type HealthController struct {
	queue QueueInspector
}

// NewHealthController creates the controller. queue may be nil when the
// process runs without Redis.
func NewHealthController(queue QueueInspector) *HealthController {
	return &HealthController{queue: queue}
}

func (hc *HealthController) HandleHealth(c *fiber.Ctx) error {
	if hc.queue == nil {
		return c.JSON(fiber.Map{"ok": true})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()
	stats, err := hc.queue.Stats(ctx)
	if err != nil {
		log.Warnf("[Health] Queue stats unavailable: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"ok": false, "queue": "unavailable"})
	}
	return c.JSON(fiber.Map{"ok": true, "queue": stats})
}
