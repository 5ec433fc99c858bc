// Package config loads the application configuration from config.yaml and
// RELAY_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	httpctrl "github.com/merchantops/relay/internal/controller/http"
	"github.com/merchantops/relay/internal/middleware"
	"github.com/merchantops/relay/internal/observability"
	"github.com/merchantops/relay/internal/queue"
	"github.com/merchantops/relay/internal/ratelimit"
	"github.com/merchantops/relay/internal/scheduler"
	"github.com/merchantops/relay/internal/worker"
)

// StoreDriver selects the durable store behind the queues.
type StoreDriver string

const (
	DriverMemory   StoreDriver = "memory"
	DriverRedis    StoreDriver = "redis"
	DriverPostgres StoreDriver = "postgres"
	DriverSQLite   StoreDriver = "sqlite"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig                         `mapstructure:"app"`
	Server      ServerConfig                      `mapstructure:"server"`
	Store       StoreConfig                       `mapstructure:"store"`
	Redis       RedisConfig                       `mapstructure:"redis"`
	Queues      map[string]queue.KindConfig       `mapstructure:"queues"`
	RateLimits  map[string]ratelimit.Config       `mapstructure:"rate_limits"`
	Webhooks    map[string]httpctrl.WebhookSource `mapstructure:"webhooks"`
	Idempotency middleware.IdempotencyConfig      `mapstructure:"idempotency"`
	Worker      worker.PoolConfig                 `mapstructure:"worker"`
	Scheduler   scheduler.Config                  `mapstructure:"scheduler"`
	Metrics     observability.MetricsConfig       `mapstructure:"metrics"`
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// StoreConfig selects and configures the durable job store.
type StoreConfig struct {
	Driver StoreDriver `mapstructure:"driver"`
	// DSN is the database connection string for the SQL drivers.
	DSN string `mapstructure:"dsn"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the host:port address for the redis client.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/relay/")

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "relay")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", true)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	// Store defaults
	v.SetDefault("store.driver", string(DriverRedis))
	v.SetDefault("store.dsn", "")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Idempotency defaults
	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("idempotency.hash_check", true)

	// Worker defaults
	wc := worker.DefaultPoolConfig()
	v.SetDefault("worker.concurrency", wc.Concurrency)
	v.SetDefault("worker.poll_interval", wc.PollInterval)
	v.SetDefault("worker.job_timeout", wc.JobTimeout)
	v.SetDefault("worker.shutdown_timeout", wc.ShutdownTimeout)

	// Scheduler defaults
	sc := scheduler.DefaultConfig()
	v.SetDefault("scheduler.purge_schedule", sc.PurgeSchedule)
	v.SetDefault("scheduler.job_retention", sc.JobRetention)
	v.SetDefault("scheduler.idempotency_retention", sc.IdempotencyRetention)
	v.SetDefault("scheduler.leader_lock_ttl", sc.LeaderLockTTL)

	// Metrics defaults
	mc := observability.DefaultMetricsConfig()
	v.SetDefault("metrics.enabled", mc.Enabled)
	v.SetDefault("metrics.service_name", mc.ServiceName)
	v.SetDefault("metrics.prometheus_path", mc.PrometheusPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverRedis:
	case DriverPostgres, DriverSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	for kind, kc := range c.Queues {
		if kc.MaxAttempts < 1 {
			return fmt.Errorf("queue %s: max_attempts must be at least 1", kind)
		}
		if kc.Backoff.Multiplier < 1 {
			return fmt.Errorf("queue %s: multiplier must be at least 1", kind)
		}
	}
	for name, rl := range c.RateLimits {
		if rl.Rate <= 0 {
			return fmt.Errorf("rate limit %s: rate must be positive", name)
		}
		if rl.BurstSize < 1 {
			return fmt.Errorf("rate limit %s: burst_size must be at least 1", name)
		}
	}
	return nil
}
