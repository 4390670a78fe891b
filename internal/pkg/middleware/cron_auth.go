package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// CronAuth admits requests carrying "Authorization: Bearer <secret>". An
// empty secret rejects every request.
func CronAuth(secret string) fiber.Handler {
	if secret == "" {
		log.Warn("[CronAuth] CRON_SECRET is not set, cron endpoints will reject all requests")
	}
	expected := []byte(secret)

	return func(c *fiber.Ctx) error {
		token := extractBearerToken(c)
		if secret == "" || token == "" || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			log.Warnf("[CronAuth] Rejected %s %s from %s", c.Method(), c.Path(), c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		return c.Next()
	}
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
