// Package ratelimit gates outbound calls to named external APIs with a
// token bucket per API, and absorbs 429/5xx responses with classified,
// bounded retries.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/merchantops/relay/internal/backoff"
)

var ErrWaitTimeout = errors.New("rate limit wait timeout exceeded")

// Config holds the per-API limiter configuration.
type Config struct {
	Name        string         `mapstructure:"name"`
	Rate        float64        `mapstructure:"rate"` // requests per second
	BurstSize   int            `mapstructure:"burst_size"`
	MaxRetries  int            `mapstructure:"max_retries"`  // total attempts in Execute
	WaitTimeout time.Duration  `mapstructure:"wait_timeout"` // max suspension in Acquire
	Backoff     backoff.Policy `mapstructure:",squash"`
}

// DefaultConfig returns the limiter configuration used for APIs with no
// explicit entry.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		Rate:        2,
		BurstSize:   4,
		MaxRetries:  3,
		WaitTimeout: 30 * time.Second,
		Backoff: backoff.Policy{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// Limiter is a token bucket for one named API. Refill is lazy: every
// acquire attempt credits elapsed*rate tokens capped at the burst size.
type Limiter struct {
	config     Config
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex

	waiters atomic.Int64
}

// NewLimiter creates a full bucket.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		config:     config,
		tokens:     float64(config.BurstSize),
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available, without waiting.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(time.Now())
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// Acquire suspends the caller until a whole token is available. It returns
// ErrWaitTimeout once the configured wait timeout elapses without one, and
// ctx.Err() on cancellation. Concurrent waiters re-check on wake, so only
// one of them consumes each refilled token.
func (l *Limiter) Acquire(ctx context.Context) error {
	var deadline time.Time
	if l.config.WaitTimeout > 0 {
		deadline = time.Now().Add(l.config.WaitTimeout)
	}

	l.waiters.Add(1)
	defer l.waiters.Add(-1)

	for {
		l.mu.Lock()
		l.refill(time.Now())
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - l.tokens) / l.config.Rate * float64(time.Second))
		l.mu.Unlock()

		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrWaitTimeout
			}
			if wait > remaining {
				wait = remaining
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ObserveRemaining folds a server-reported remaining-request count into the
// local accounting. It can only lower the estimate; local refill alone
// decides increases.
func (l *Limiter) ObserveRemaining(remaining float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(time.Now())
	if remaining < l.tokens {
		l.tokens = remaining
		if l.tokens < 0 {
			l.tokens = 0
		}
	}
}

// Tokens reports the current token level for diagnostics.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(time.Now())
	return l.tokens
}

// Waiters reports how many callers are currently suspended in Acquire.
func (l *Limiter) Waiters() int64 {
	return l.waiters.Load()
}

// Name returns the API name this limiter gates.
func (l *Limiter) Name() string {
	return l.config.Name
}

// refill must be called with mu held.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill)
	l.lastRefill = now

	l.tokens += elapsed.Seconds() * l.config.Rate
	if max := float64(l.config.BurstSize); l.tokens > max {
		l.tokens = max
	}
}
