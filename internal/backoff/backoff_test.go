package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Delay_Geometric(t *testing.T) {
	p := Policy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 16*time.Second, p.Delay(4))
	// capped at MaxDelay
	assert.Equal(t, 30*time.Second, p.Delay(5))
	assert.Equal(t, 30*time.Second, p.Delay(10))
}

func TestPolicy_Delay_NegativeAttempt(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}
	assert.Equal(t, 100*time.Millisecond, p.Delay(-3))
}

func TestPolicy_Delay_Deterministic(t *testing.T) {
	p := Policy{InitialDelay: 250 * time.Millisecond, MaxDelay: time.Minute, Multiplier: 3.0}
	first := p.Delay(4)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, p.Delay(4))
	}
}

func TestPolicy_Delay_JitterRange(t *testing.T) {
	p := Policy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	// Base delay for attempt 2 is 4s; jittered values must land in [2s, 4s].
	for i := 0; i < 100; i++ {
		got := p.Delay(2)
		assert.GreaterOrEqual(t, got, 2*time.Second)
		assert.LessOrEqual(t, got, 4*time.Second)
	}
}

func TestDefault(t *testing.T) {
	p := Default()
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.True(t, p.Jitter)
}
