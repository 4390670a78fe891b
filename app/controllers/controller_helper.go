package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
)

// requestTimeout bounds the work a trigger request may start.
const requestTimeout = 55 * time.Second

func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}

// respondError writes a classified error. Retryable failures answer 503 so
// an external scheduler tries again later.
func respondError(c *fiber.Ctx, message string, err error) error {
	classified := retry.Classify(err)
	status := fiber.StatusInternalServerError
	if classified.Retryable {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"error":     message,
		"code":      classified.Code,
		"retryable": classified.Retryable,
	})
}

func firstHeaderValue(c *fiber.Ctx, keys ...string) string {
	for _, k := range keys {
		v := strings.TrimSpace(c.Get(k))
		if v != "" {
			return v
		}
	}
	return ""
}
