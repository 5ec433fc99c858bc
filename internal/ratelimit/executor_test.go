package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/merchantops/relay/pkg/errors"
)

func TestExecute_SuccessFirstTry(t *testing.T) {
	l := NewLimiter(testConfig(100, 10))
	calls := 0

	result, err := Execute(context.Background(), l, zap.NewNop(), func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "ok" || calls != 1 {
		t.Errorf("result = %q, calls = %d", result, calls)
	}
}

func TestExecute_RetriesRateLimitThenSucceeds(t *testing.T) {
	l := NewLimiter(testConfig(100, 10))
	calls := 0

	start := time.Now()
	result, err := Execute(context.Background(), l, zap.NewNop(), func(ctx context.Context) (int, error) {
		calls++
		if calls <= 2 {
			return 0, apperrors.FromStatusCode(http.StatusTooManyRequests, "slow down")
		}
		return 200, nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != 200 {
		t.Errorf("result = %d, want 200", result)
	}
	if calls != 3 {
		t.Errorf("call count = %d, want exactly 3", calls)
	}
	// Slept twice per the backoff policy (1ms + 2ms).
	if elapsed := time.Since(start); elapsed < 3*time.Millisecond {
		t.Errorf("elapsed = %v, expected two backoff sleeps", elapsed)
	}
}

func TestExecute_ExhaustsRetries(t *testing.T) {
	l := NewLimiter(testConfig(100, 10))
	calls := 0

	upstream := apperrors.FromStatusCode(http.StatusServiceUnavailable, "down")
	_, err := Execute(context.Background(), l, zap.NewNop(), func(ctx context.Context) (any, error) {
		calls++
		return nil, upstream
	})
	if err != upstream {
		t.Errorf("Execute() error = %v, want the original upstream error", err)
	}
	if calls != 3 {
		t.Errorf("call count = %d, want 3 (maxRetries)", calls)
	}
}

func TestExecute_PermanentErrorPropagatesImmediately(t *testing.T) {
	l := NewLimiter(testConfig(100, 10))
	calls := 0

	bad := apperrors.FromStatusCode(http.StatusNotFound, "no such resource")
	_, err := Execute(context.Background(), l, zap.NewNop(), func(ctx context.Context) (any, error) {
		calls++
		return nil, bad
	})
	if err != bad {
		t.Errorf("Execute() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("call count = %d, non-retryable errors must not be retried", calls)
	}
}

func TestExecute_ContextCancelledDuringBackoff(t *testing.T) {
	cfg := testConfig(100, 10)
	cfg.Backoff.InitialDelay = time.Second
	cfg.Backoff.MaxDelay = time.Minute
	l := NewLimiter(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Execute(ctx, l, zap.NewNop(), func(ctx context.Context) (any, error) {
		return nil, apperrors.FromStatusCode(http.StatusInternalServerError, "boom")
	})
	if err != context.DeadlineExceeded {
		t.Errorf("Execute() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestExecuteErr(t *testing.T) {
	l := NewLimiter(testConfig(100, 10))
	calls := 0

	err := ExecuteErr(context.Background(), l, zap.NewNop(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("ExecuteErr() error = %v, calls = %d", err, calls)
	}
}

func TestRegistry_SameBucketPerName(t *testing.T) {
	r := NewRegistry(nil, zap.NewNop())

	a := r.Get("shopify")
	b := r.Get("shopify")
	if a != b {
		t.Error("same API name must yield the same bucket")
	}
	if c := r.Get("chatwoot"); c == a {
		t.Error("different API names must get distinct buckets")
	}
}

func TestRegistry_UsesConfiguredLimits(t *testing.T) {
	configs := map[string]Config{
		"publer": {Rate: 1, BurstSize: 2, MaxRetries: 5, WaitTimeout: time.Second},
	}
	r := NewRegistry(configs, zap.NewNop())

	l := r.Get("publer")
	if l.config.BurstSize != 2 || l.config.MaxRetries != 5 {
		t.Errorf("configured limits not applied: %+v", l.config)
	}
	if l.Name() != "publer" {
		t.Errorf("Name() = %s", l.Name())
	}
}

func TestRegistry_TokenLevels(t *testing.T) {
	r := NewRegistry(nil, zap.NewNop())
	r.Get("shopify").Allow()

	levels := r.TokenLevels()
	if _, ok := levels["shopify"]; !ok {
		t.Error("TokenLevels() should include shopify")
	}
}
