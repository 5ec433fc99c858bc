package ratelimit

import (
	"sync"

	"go.uber.org/zap"
)

// Registry owns one limiter per API name. It is constructed at the process
// root and passed to whatever needs throttling; nothing reaches it through
// a package-level global.
type Registry struct {
	limiters map[string]*Limiter
	configs  map[string]Config
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewRegistry creates a registry seeded with per-API configurations.
// APIs not present in configs get DefaultConfig on first use.
func NewRegistry(configs map[string]Config, logger *zap.Logger) *Registry {
	if configs == nil {
		configs = make(map[string]Config)
	}
	return &Registry{
		limiters: make(map[string]*Limiter),
		configs:  configs,
		logger:   logger,
	}
}

// Get returns the limiter for an API name, creating it lazily. The same
// name always yields the same bucket.
func (r *Registry) Get(name string) *Limiter {
	r.mu.RLock()
	if l, ok := r.limiters[name]; ok {
		r.mu.RUnlock()
		return l
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[name]; ok {
		return l
	}

	config, ok := r.configs[name]
	if !ok {
		config = DefaultConfig(name)
	}
	config.Name = name

	l := NewLimiter(config)
	r.limiters[name] = l
	r.logger.Info("created rate limiter",
		zap.String("api", name),
		zap.Float64("rate", config.Rate),
		zap.Int("burst", config.BurstSize),
	)
	return l
}

// TokenLevels reports the current token level per API for the metrics
// surface.
func (r *Registry) TokenLevels() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]float64, len(r.limiters))
	for name, l := range r.limiters {
		out[name] = l.Tokens()
	}
	return out
}

// Waiters reports the number of suspended callers per API.
func (r *Registry) Waiters() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int64, len(r.limiters))
	for name, l := range r.limiters {
		out[name] = l.Waiters()
	}
	return out
}
