package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/config"
)

var client *redis.Client

// SetupCache initializes the connection to the Redis server that backs the
// job queue and the rate limiter.
func SetupCache(cfg config.Cache) {
	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warnf("[Cache] Could not connect to Redis at %s: %v", client.Options().Addr, err)
	} else {
		log.Infof("[Cache] Connected to Redis at %s", client.Options().Addr)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	return client
}
