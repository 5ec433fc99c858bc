package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/queue"
	apperrors "github.com/merchantops/relay/pkg/errors"
)

// HandlerFunc is a typed handler function
type HandlerFunc[T any] func(ctx context.Context, job *queue.Job, payload T) error

// Registry manages typed handler registration on top of a Pool.
type Registry struct {
	pool   *Pool
	logger *zap.Logger
	mu     sync.RWMutex
	types  map[string]string // kind -> Go payload type name
}

// NewHandlerRegistry creates a new handler registry
func NewHandlerRegistry(pool *Pool, logger *zap.Logger) *Registry {
	return &Registry{
		pool:   pool,
		logger: logger,
		types:  make(map[string]string),
	}
}

// Register registers a typed handler for a job kind. The payload is decoded
// before the handler runs; a malformed payload is a permanent failure since
// no retry can fix it.
func Register[T any](r *Registry, kind string, handler HandlerFunc[T]) {
	r.mu.Lock()
	var zero T
	r.types[kind] = fmt.Sprintf("%T", zero)
	r.mu.Unlock()

	r.pool.RegisterHandler(kind, func(ctx context.Context, job *queue.Job) error {
		var payload T
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return apperrors.Permanent(err, "payload does not decode as "+r.types[kind])
		}
		return handler(ctx, job, payload)
	})
}

// ListHandlers returns the registered kinds and their payload types
func (r *Registry) ListHandlers() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]string, len(r.types))
	for k, v := range r.types {
		result[k] = v
	}
	return result
}
