package observability

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/merchantops/relay/internal/queue"
	"github.com/merchantops/relay/internal/ratelimit"
	"github.com/merchantops/relay/internal/worker"
)

// MetricsMiddleware records request count and duration per route.
func MetricsMiddleware(mp *MetricsProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		mp.RecordHTTPRequest(c.Request.Context(), c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// StatsAdapter bridges the queue engine, worker pool and limiter registry
// into one gauge source.
type StatsAdapter struct {
	Queue    *queue.Queue
	Pool     *worker.Pool
	Limiters *ratelimit.Registry
}

func (a *StatsAdapter) PendingByKind(ctx context.Context) (map[string]int64, error) {
	stats, err := a.Queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return stats.PendingByKind, nil
}

func (a *StatsAdapter) InFlight() int64 {
	if a.Pool == nil {
		return 0
	}
	return a.Pool.InFlight()
}

func (a *StatsAdapter) DeadLettered(ctx context.Context) (int64, error) {
	stats, err := a.Queue.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.DeadLettered, nil
}

func (a *StatsAdapter) TokenLevels() map[string]float64 {
	if a.Limiters == nil {
		return nil
	}
	return a.Limiters.TokenLevels()
}
