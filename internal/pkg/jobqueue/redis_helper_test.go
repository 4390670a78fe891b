package jobqueue

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/env"
)

// Kept away from DB 0 so a developer's local cache is never flushed.
const isolatedJobQueueTestRedisDB = 14

// candidateRedisAddrs lists the endpoints tried in order: the configured
// cache first, then the compose service name, then loopback.
func candidateRedisAddrs() []string {
	port := env.GetEnv("CACHE_PORT", "6379")
	addrs := []string{}
	seen := map[string]bool{}
	for _, host := range []string{env.GetEnv("CACHE_HOST", ""), "cache", "localhost"} {
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		addrs = append(addrs, net.JoinHostPort(host, port))
	}
	return addrs
}

// newIsolatedRedisClient returns a flushed client on db or skips the test
// when no Redis is reachable.
func newIsolatedRedisClient(t *testing.T, db int) *redis.Client {
	t.Helper()

	password := env.GetEnv("CACHE_PASSWORD", "")
	var lastErr error
	for _, addr := range candidateRedisAddrs() {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := client.Ping(ctx).Err()
		if err == nil {
			err = client.FlushDB(ctx).Err()
		}
		cancel()
		if err != nil {
			lastErr = err
			_ = client.Close()
			continue
		}

		t.Cleanup(func() {
			_ = client.FlushDB(context.Background()).Err()
			_ = client.Close()
		})
		return client
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return nil
}
