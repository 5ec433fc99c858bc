// Package testutil holds shared helpers for tests that need external
// backing services. Tests skip rather than fail when a service is absent.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// TestConfig holds test configuration
type TestConfig struct {
	RedisAddr string
}

// DefaultTestConfig returns default test configuration
func DefaultTestConfig() TestConfig {
	redisAddr := os.Getenv("TEST_REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	return TestConfig{RedisAddr: redisAddr}
}

// NewTestLogger creates a test logger
func NewTestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// NewTestRedisClient creates a Redis client for testing, skipping the test
// when Redis is unreachable. DB 15 keeps test keys away from local state.
func NewTestRedisClient(t *testing.T, config TestConfig) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: config.RedisAddr,
		DB:   15,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	client.FlushDB(ctx)

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

// SkipIfNoRedis skips the test when Redis is unreachable.
func SkipIfNoRedis(t *testing.T) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: DefaultTestConfig().RedisAddr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
}
