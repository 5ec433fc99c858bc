package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/merchantops/relay/pkg/errors"
)

// Execute acquires a token, runs fn, and retries failures classified as
// transient (429, 5xx, timeouts) up to the configured total attempt budget,
// sleeping per the backoff policy between attempts. Other failures
// propagate immediately. The retry schedule is an explicit loop over the
// attempt count, never recursion.
func Execute[T any](ctx context.Context, l *Limiter, logger *zap.Logger, fn func(context.Context) (T, error)) (T, error) {
	var result T
	var lastErr error

	attempts := l.config.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := l.config.Backoff.Delay(attempt - 1)
			logger.Debug("retrying rate-limited call",
				zap.String("api", l.config.Name),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, ctx.Err()
			case <-timer.C:
			}
		}

		if err := l.Acquire(ctx); err != nil {
			return result, err
		}

		result, lastErr = fn(ctx)
		if lastErr == nil {
			return result, nil
		}
		if !apperrors.IsRetryable(lastErr) {
			return result, lastErr
		}
	}

	logger.Warn("rate-limited call exhausted retries",
		zap.String("api", l.config.Name),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return result, lastErr
}

// ExecuteErr is Execute for callers without a result value.
func ExecuteErr(ctx context.Context, l *Limiter, logger *zap.Logger, fn func(context.Context) error) error {
	_, err := Execute(ctx, l, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
