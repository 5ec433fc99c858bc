package di

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/config"
	"github.com/merchantops/relay/internal/delivery"
	"github.com/merchantops/relay/internal/idempotency"
	"github.com/merchantops/relay/internal/queue"
	"github.com/merchantops/relay/internal/ratelimit"
	"github.com/merchantops/relay/internal/scheduler"
	"github.com/merchantops/relay/internal/worker"
)

// QueueModule provides the queue engine, rate limiters, worker pool and
// scheduler.
var QueueModule = fx.Module("queue",
	fx.Provide(
		provideQueue,
		provideRateLimitRegistry,
		provideWorkerPool,
		provideHandlerRegistry,
		provideDeliverer,
		provideScheduler,
	),
	fx.Invoke(registerDeliveryHandlers),
	fx.Invoke(startWorkerPool),
	fx.Invoke(startScheduler),
)

func provideQueue(store queue.Store, cfg *config.Config, logger *zap.Logger) *queue.Queue {
	return queue.New(store, cfg.Queues, logger)
}

func provideRateLimitRegistry(cfg *config.Config, logger *zap.Logger) *ratelimit.Registry {
	return ratelimit.NewRegistry(cfg.RateLimits, logger)
}

func provideWorkerPool(q *queue.Queue, cfg *config.Config, logger *zap.Logger) *worker.Pool {
	return worker.NewPool(q, logger, cfg.Worker)
}

func provideHandlerRegistry(pool *worker.Pool, logger *zap.Logger) *worker.Registry {
	return worker.NewHandlerRegistry(pool, logger)
}

func provideDeliverer(limiters *ratelimit.Registry, logger *zap.Logger) *delivery.Deliverer {
	return delivery.NewDeliverer(nil, limiters, logger)
}

func provideScheduler(client *redis.Client, q *queue.Queue, idem idempotency.Store, cfg *config.Config, logger *zap.Logger) *scheduler.Scheduler {
	return scheduler.New(client, q, idem, logger, cfg.Scheduler)
}

// registerDeliveryHandlers binds the HTTP deliverer to the outbound kinds.
// Inbound and background kinds get their handlers from the embedding
// application; the server binary only ships delivery.
func registerDeliveryHandlers(d *delivery.Deliverer, registry *worker.Registry, cfg *config.Config) {
	kinds := []string{"webhook.outbound", "social.publish"}
	for kind := range cfg.Queues {
		if strings.HasPrefix(kind, "webhook.outbound.") || strings.HasPrefix(kind, "social.publish.") {
			kinds = append(kinds, kind)
		}
	}
	d.RegisterHandlers(registry, kinds...)
}

func startWorkerPool(lc fx.Lifecycle, pool *worker.Pool) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return pool.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return pool.Stop(ctx)
		},
	})
}

func startScheduler(lc fx.Lifecycle, s *scheduler.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop(ctx)
		},
	})
}
