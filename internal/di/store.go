package di

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/merchantops/relay/internal/config"
	"github.com/merchantops/relay/internal/idempotency"
	"github.com/merchantops/relay/internal/queue"
	"github.com/merchantops/relay/internal/queue/gormstore"
)

// StoreModule provides the durable stores behind jobs and idempotency
// records.
var StoreModule = fx.Module("store",
	fx.Provide(
		provideRedisClient,
		provideJobStore,
		provideIdempotencyStore,
	),
)

func provideRedisClient(lc fx.Lifecycle, cfg *config.RedisConfig, logger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping failed: %w", err)
			}
			logger.Info("connected to redis", zap.String("addr", cfg.Addr()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func provideJobStore(cfg *config.StoreConfig, client *redis.Client, logger *zap.Logger) (queue.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory job store, jobs do not survive restarts")
		return queue.NewMemoryStore(), nil
	case config.DriverRedis:
		return queue.NewRedisStore(client), nil
	case config.DriverPostgres, config.DriverSQLite:
		var dialector gorm.Dialector
		if cfg.Driver == config.DriverPostgres {
			dialector = postgres.Open(cfg.DSN)
		} else {
			dialector = sqlite.Open(cfg.DSN)
		}
		db, err := gorm.Open(dialector, &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to open job store database: %w", err)
		}
		return gormstore.New(db)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

func provideIdempotencyStore(cfg *config.StoreConfig, client *redis.Client) idempotency.Store {
	if cfg.Driver == config.DriverMemory {
		return idempotency.NewMemoryStore()
	}
	// Idempotency records always live in redis; its native TTL matches the
	// bounded-retention requirement exactly.
	return idempotency.NewRedisStore(client)
}
