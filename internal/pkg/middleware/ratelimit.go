package middleware

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"
)

// limiterDatabase keeps limiter counters apart from the job queue keys in DB 0.
const limiterDatabase = 1

// NewRedisStorage builds limiter storage on the same server as client.
func NewRedisStorage(client *goredis.Client) fiber.Storage {
	host := "localhost"
	port := 6379
	password := ""
	if client != nil {
		addr := client.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		password = client.Options().Password
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: limiterDatabase,
		Reset:    false,
	})
}

// RateLimit allows max requests per minute and client IP. A nil storage
// keeps counters in memory.
func RateLimit(storage fiber.Storage, max int) fiber.Handler {
	if max <= 0 {
		max = 60
	}
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: time.Minute,
		Storage:    storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	})
}
