// Package backoff provides the delay schedule shared by every retrying
// component: queue reschedules, rate-limited call retries and the outbound
// delivery worker all compute their waits here.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy maps an attempt number to a delay. Delay is pure and deterministic
// unless Jitter is enabled, in which case the computed delay is scaled by a
// uniform factor in [0.5, 1.0]. Jitter is an all-or-nothing toggle so retry
// timing stays testable.
type Policy struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       bool          `mapstructure:"jitter"`
}

// Default returns the policy used when a queue kind has no explicit
// configuration.
func Default() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Delay returns the wait before retry number attempt, counting from zero:
// Delay(0) == InitialDelay. Negative attempts are treated as zero.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}

	if p.Jitter {
		d *= 0.5 + rand.Float64()*0.5
	}

	return time.Duration(d)
}
