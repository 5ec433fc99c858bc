package di

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/config"
	"github.com/merchantops/relay/internal/observability"
	"github.com/merchantops/relay/internal/queue"
	"github.com/merchantops/relay/internal/ratelimit"
	"github.com/merchantops/relay/internal/worker"
)

// MetricsModule provides the observability surface
var MetricsModule = fx.Module("metrics",
	fx.Provide(provideMetricsProvider),
	fx.Invoke(registerQueueGauges),
)

func provideMetricsProvider(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*observability.MetricsProvider, error) {
	mp, err := observability.NewMetricsProvider(&cfg.Metrics, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mp.Shutdown(ctx)
		},
	})
	return mp, nil
}

func registerQueueGauges(mp *observability.MetricsProvider, q *queue.Queue, pool *worker.Pool, limiters *ratelimit.Registry) error {
	pool.SetRecorder(mp)
	return mp.ObserveQueues(&observability.StatsAdapter{
		Queue:    q,
		Pool:     pool,
		Limiters: limiters,
	})
}
