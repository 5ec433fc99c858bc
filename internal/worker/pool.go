// Package worker runs the consuming side of the queues: polling loops that
// claim jobs, invoke the registered handler for the kind, and route the
// outcome back through the state machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/queue"
	apperrors "github.com/merchantops/relay/pkg/errors"
)

// JobHandler processes one job payload. A nil return acknowledges the job;
// an error routes through the retry/dead-letter decision.
type JobHandler func(ctx context.Context, job *queue.Job) error

// PoolConfig configures the worker pool
type PoolConfig struct {
	// Concurrency is the number of polling workers per kind.
	Concurrency int `mapstructure:"concurrency"`
	// PollInterval is how often an idle worker checks for eligible jobs.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// JobTimeout bounds a single handler invocation.
	JobTimeout time.Duration `mapstructure:"job_timeout"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:     2,
		PollInterval:    100 * time.Millisecond,
		JobTimeout:      30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// JobRecorder receives per-job outcome metrics.
type JobRecorder interface {
	RecordJob(ctx context.Context, kind, outcome string, duration time.Duration)
}

// Pool manages the polling workers. Each registered kind gets its own set
// of workers since claims are scoped to a kind.
type Pool struct {
	config   PoolConfig
	queue    *queue.Queue
	logger   *zap.Logger
	recorder JobRecorder

	mu       sync.RWMutex
	handlers map[string]JobHandler

	running atomic.Bool
	halted  atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}

	inFlight  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a new worker pool
func NewPool(q *queue.Queue, logger *zap.Logger, config PoolConfig) *Pool {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Pool{
		config:   config,
		queue:    q,
		logger:   logger,
		handlers: make(map[string]JobHandler),
		stopCh:   make(chan struct{}),
	}
}

// SetRecorder attaches a metrics recorder. Must be called before Start.
func (p *Pool) SetRecorder(r JobRecorder) {
	p.recorder = r
}

// RegisterHandler registers a handler for a job kind. Must be called before
// Start; kinds registered later are not polled.
func (p *Pool) RegisterHandler(kind string, handler JobHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = handler
	p.logger.Info("registered job handler", zap.String("kind", kind))
}

// Start launches the polling workers
func (p *Pool) Start(ctx context.Context) error {
	if p.running.Load() {
		return fmt.Errorf("worker pool already running")
	}
	p.running.Store(true)

	p.mu.RLock()
	kinds := make([]string, 0, len(p.handlers))
	for kind := range p.handlers {
		kinds = append(kinds, kind)
	}
	p.mu.RUnlock()

	p.logger.Info("starting worker pool",
		zap.Int("concurrency", p.config.Concurrency),
		zap.Duration("poll_interval", p.config.PollInterval),
		zap.Strings("kinds", kinds),
	)

	for _, kind := range kinds {
		for i := 0; i < p.config.Concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, kind, i)
		}
	}
	return nil
}

// Stop gracefully stops the worker pool
func (p *Pool) Stop(ctx context.Context) error {
	if !p.running.Load() {
		return nil
	}
	p.logger.Info("stopping worker pool")
	p.running.Store(false)
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown cancelled")
	}
	return nil
}

// Halted reports whether a worker loop stopped because the dead-letter sink
// became unwritable.
func (p *Pool) Halted() bool {
	return p.halted.Load()
}

// InFlight returns the number of jobs currently being processed.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// Processed returns the number of successfully completed jobs.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Failed returns the number of handler failures observed.
func (p *Pool) Failed() int64 { return p.failed.Load() }

func (p *Pool) worker(ctx context.Context, kind string, id int) {
	defer p.wg.Done()

	logger := p.logger.With(zap.String("kind", kind), zap.Int("worker_id", id))
	logger.Debug("worker started")

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.processNext(ctx, kind, logger); err != nil {
				// Losing dead-letter visibility is worse than retrying:
				// stop this loop and surface the alert.
				logger.Error("dead-letter sink unwritable, halting worker", zap.Error(err))
				p.halted.Store(true)
				return
			}
		}
	}
}

// processNext claims and runs one job. The returned error is non-nil only
// for dead-letter sink failures; everything else is absorbed into job state.
func (p *Pool) processNext(ctx context.Context, kind string, logger *zap.Logger) error {
	job, err := p.queue.ClaimNext(ctx, kind)
	if errors.Is(err, queue.ErrQueueEmpty) {
		return nil
	}
	if err != nil {
		if p.running.Load() {
			logger.Error("claim failed", zap.Error(err))
		}
		return nil
	}

	logger = logger.With(
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
	)

	p.mu.RLock()
	handler, ok := p.handlers[job.Kind]
	p.mu.RUnlock()
	if !ok {
		// Permanent: nothing will ever process this kind.
		return p.fail(ctx, job, &apperrors.AppError{
			Code:    apperrors.CodeValidationError,
			Message: queue.ErrUnknownKind.Error() + ": " + job.Kind,
			Status:  400,
			Class:   apperrors.ClassPermanent,
		}, logger)
	}

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	execCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	start := time.Now()
	handlerErr := handler(execCtx, job)
	duration := time.Since(start)

	if handlerErr != nil {
		logger.Warn("job failed",
			zap.Duration("duration", duration),
			zap.Error(handlerErr),
		)
		if p.recorder != nil {
			p.recorder.RecordJob(ctx, job.Kind, "failed", duration)
		}
		return p.fail(ctx, job, handlerErr, logger)
	}

	if err := p.queue.Complete(ctx, job); err != nil {
		logger.Error("completion update failed", zap.Error(err))
		return nil
	}
	if p.recorder != nil {
		p.recorder.RecordJob(ctx, job.Kind, "completed", duration)
	}
	p.processed.Add(1)
	logger.Debug("job completed", zap.Duration("duration", duration))
	return nil
}

func (p *Pool) fail(ctx context.Context, job *queue.Job, jobErr error, logger *zap.Logger) error {
	p.failed.Add(1)
	if err := p.queue.Fail(ctx, job, jobErr); err != nil {
		if errors.Is(err, queue.ErrDeadLetterSink) {
			return err
		}
		logger.Error("failure update failed", zap.Error(err))
	}
	return nil
}
