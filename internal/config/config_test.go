package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/merchantops/relay/internal/queue"
	"github.com/merchantops/relay/internal/ratelimit"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.App.Name != "relay" {
		t.Errorf("app name = %s", cfg.App.Name)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != DriverRedis {
		t.Errorf("store driver = %s", cfg.Store.Driver)
	}
	if cfg.Idempotency.TTL != 24*time.Hour {
		t.Errorf("idempotency ttl = %v", cfg.Idempotency.TTL)
	}
	if !cfg.Idempotency.HashCheck {
		t.Error("hash check should default on")
	}
	if cfg.Redis.Addr() != "localhost:6379" {
		t.Errorf("redis addr = %s", cfg.Redis.Addr())
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RELAY_SERVER_PORT", "9999")
	t.Setenv("RELAY_STORE_DRIVER", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("server port = %d, want env override", cfg.Server.Port)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("store driver = %s", cfg.Store.Driver)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
app:
  name: relay-test
queues:
  webhook.inbound.chatwoot:
    max_attempts: 5
    initial_delay: 500ms
    max_delay: 10s
    multiplier: 2.0
    jitter: true
rate_limits:
  shopify:
    rate: 2.0
    burst_size: 4
    max_retries: 3
    wait_timeout: 5s
webhooks:
  shopify:
    secret: shpss_test
    kind: webhook.inbound.shopify
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.App.Name != "relay-test" {
		t.Errorf("app name = %s", cfg.App.Name)
	}

	kc, ok := cfg.Queues["webhook.inbound.chatwoot"]
	if !ok {
		t.Fatal("queue config missing")
	}
	if kc.MaxAttempts != 5 || kc.Backoff.InitialDelay != 500*time.Millisecond || !kc.Backoff.Jitter {
		t.Errorf("queue config = %+v", kc)
	}

	rl, ok := cfg.RateLimits["shopify"]
	if !ok {
		t.Fatal("rate limit config missing")
	}
	if rl.Rate != 2.0 || rl.BurstSize != 4 {
		t.Errorf("rate limit config = %+v", rl)
	}

	hook, ok := cfg.Webhooks["shopify"]
	if !ok || hook.Secret != "shpss_test" {
		t.Errorf("webhook config = %+v", hook)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	t.Run("sql driver needs dsn", func(t *testing.T) {
		cfg := *base
		cfg.Store = StoreConfig{Driver: DriverPostgres}
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("unknown driver", func(t *testing.T) {
		cfg := *base
		cfg.Store = StoreConfig{Driver: "oracle"}
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("bad queue budget", func(t *testing.T) {
		cfg := *base
		cfg.Queues = map[string]queue.KindConfig{
			"broken": {MaxAttempts: 0},
		}
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("bad rate limit", func(t *testing.T) {
		cfg := *base
		cfg.RateLimits = map[string]ratelimit.Config{
			"broken": {Rate: 0, BurstSize: 1},
		}
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error")
		}
	})
}
