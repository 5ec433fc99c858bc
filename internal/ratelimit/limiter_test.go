package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/merchantops/relay/internal/backoff"
)

func testConfig(rate float64, burst int) Config {
	return Config{
		Name:        "test-api",
		Rate:        rate,
		BurstSize:   burst,
		MaxRetries:  3,
		WaitTimeout: 5 * time.Second,
		Backoff:     backoff.Policy{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2.0},
	}
}

func TestLimiter_Allow_Burst(t *testing.T) {
	l := NewLimiter(testConfig(1, 5))

	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("call %d should be within the burst", i+1)
		}
	}
	if l.Allow() {
		t.Error("call beyond the burst should be denied")
	}
}

func TestLimiter_LazyRefill(t *testing.T) {
	l := NewLimiter(testConfig(100, 1))

	if !l.Allow() {
		t.Fatal("first call should pass")
	}
	if l.Allow() {
		t.Fatal("bucket should be empty")
	}

	// 100 tokens/s refills one token within ~10ms.
	time.Sleep(25 * time.Millisecond)
	if !l.Allow() {
		t.Error("bucket should have refilled")
	}
}

func TestLimiter_TokensNeverExceedBurst(t *testing.T) {
	l := NewLimiter(testConfig(1000, 3))
	time.Sleep(20 * time.Millisecond)
	if got := l.Tokens(); got > 3 {
		t.Errorf("Tokens() = %v, want <= burst size 3", got)
	}
}

func TestLimiter_Acquire_Waits(t *testing.T) {
	l := NewLimiter(testConfig(50, 1))
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	start := time.Now()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if waited := time.Since(start); waited < 10*time.Millisecond {
		t.Errorf("second Acquire should have waited ~20ms, waited %v", waited)
	}
}

func TestLimiter_Acquire_ContextCancelled(t *testing.T) {
	l := NewLimiter(testConfig(0.1, 1))
	l.Allow() // drain

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := l.Acquire(ctx); err != context.DeadlineExceeded {
		t.Errorf("Acquire() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestLimiter_Acquire_WaitTimeout(t *testing.T) {
	cfg := testConfig(0.01, 1) // next token ~100s away
	cfg.WaitTimeout = 50 * time.Millisecond
	l := NewLimiter(cfg)
	l.Allow()

	if err := l.Acquire(context.Background()); err != ErrWaitTimeout {
		t.Errorf("Acquire() error = %v, want ErrWaitTimeout", err)
	}
}

func TestLimiter_SustainedRateBound(t *testing.T) {
	// Scaled-down version of the wall-clock bound: 20 calls at 100/s with a
	// burst of 10 must take at least (20-10)/100 = 100ms.
	cfg := testConfig(100, 10)
	l := NewLimiter(cfg)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 20; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire() call %d error = %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("20 calls completed in %v, want >= 100ms", elapsed)
	}
}

func TestLimiter_Acquire_ConcurrentRateBound(t *testing.T) {
	// Parallel waiters must not share one token's worth of refill: 10
	// concurrent calls at 100/s with an empty bucket need 10 tokens,
	// so the batch takes at least 100ms.
	l := NewLimiter(testConfig(100, 1))
	l.Allow() // drain
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Acquire(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 95*time.Millisecond {
		t.Errorf("10 concurrent Acquires completed in %v, want >= ~100ms", elapsed)
	}
	if got := l.Tokens(); got < 0 {
		t.Errorf("Tokens() = %v, accounting went negative", got)
	}
}

func TestLimiter_ObserveRemaining(t *testing.T) {
	l := NewLimiter(testConfig(1, 10))

	l.ObserveRemaining(2)
	if got := l.Tokens(); got > 2.1 {
		t.Errorf("Tokens() = %v, server feedback should lower the estimate", got)
	}

	// Feedback can never raise the estimate above local accounting.
	l.ObserveRemaining(100)
	if got := l.Tokens(); got > 2.2 {
		t.Errorf("Tokens() = %v, feedback must not add tokens", got)
	}
}
