package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/backoff"
	apperrors "github.com/merchantops/relay/pkg/errors"
)

// KindConfig is the per-kind retry budget and delay schedule.
type KindConfig struct {
	MaxAttempts int            `mapstructure:"max_attempts"`
	Backoff     backoff.Policy `mapstructure:",squash"`
}

// DefaultKindConfig returns the budget used for kinds with no explicit entry.
func DefaultKindConfig() KindConfig {
	return KindConfig{
		MaxAttempts: 3,
		Backoff:     backoff.Default(),
	}
}

// Queue is the retry engine. It owns the state machine
// pending -> processing -> completed | pending | dead_lettered and delegates
// durability (and claim atomicity) to its Store.
type Queue struct {
	store  Store
	kinds  map[string]KindConfig
	logger *zap.Logger
}

// New creates a queue engine over store. kinds may be nil; unknown kinds get
// DefaultKindConfig.
func New(store Store, kinds map[string]KindConfig, logger *zap.Logger) *Queue {
	if kinds == nil {
		kinds = make(map[string]KindConfig)
	}
	return &Queue{store: store, kinds: kinds, logger: logger}
}

func (q *Queue) kindConfig(kind string) KindConfig {
	if cfg, ok := q.kinds[kind]; ok {
		return cfg
	}
	return DefaultKindConfig()
}

// Enqueue creates a pending job. When a non-terminal job with the same id
// already exists the call is a no-op returning the existing job unchanged;
// inbound webhook dedup rides on this.
func (q *Queue) Enqueue(ctx context.Context, id, kind string, payload []byte, opts ...JobOption) (*Job, error) {
	job, _, err := q.EnqueueDedup(ctx, id, kind, payload, opts...)
	return job, err
}

// EnqueueDedup is Enqueue plus a flag reporting whether a new job record was
// created (false means the call was deduplicated against an existing one).
func (q *Queue) EnqueueDedup(ctx context.Context, id, kind string, payload []byte, opts ...JobOption) (*Job, bool, error) {
	cfg := q.kindConfig(kind)
	opts = append([]JobOption{WithMaxAttempts(cfg.MaxAttempts)}, opts...)
	job := NewJob(id, kind, payload, opts...)

	stored, inserted, err := q.store.Insert(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		q.logger.Debug("enqueue deduplicated",
			zap.String("job_id", stored.ID),
			zap.String("kind", kind),
			zap.String("status", string(stored.Status)),
		)
		return stored, false, nil
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", stored.ID),
		zap.String("kind", kind),
		zap.Int("max_attempts", stored.MaxAttempts),
	)
	return stored, true, nil
}

// ClaimNext hands the next eligible job of the kind to a worker, or
// ErrQueueEmpty.
func (q *Queue) ClaimNext(ctx context.Context, kind string) (*Job, error) {
	return q.store.ClaimNext(ctx, kind, time.Now().UTC())
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// Complete finalizes a successfully processed job.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	job.Status = StatusCompleted
	job.CompletedAt = &now
	job.UpdatedAt = now
	return q.store.Update(ctx, job)
}

// Fail records a processing failure. Transient failures with remaining
// budget go back to pending with a backoff delay; everything else is
// dead-lettered. A dead-letter sink write failure is returned wrapped in
// ErrDeadLetterSink so the worker loop can halt: losing dead-letter
// visibility is worse than retrying.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error) error {
	now := time.Now().UTC()
	job.LastError = jobErr.Error()
	job.UpdatedAt = now

	if apperrors.IsRetryable(jobErr) && job.Attempts < job.MaxAttempts {
		cfg := q.kindConfig(job.Kind)
		delay := cfg.Backoff.Delay(job.Attempts - 1)
		job.Status = StatusPending
		job.NextAttemptAt = now.Add(delay)

		q.logger.Info("job rescheduled",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind),
			zap.Int("attempt", job.Attempts),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Duration("delay", delay),
			zap.String("error", job.LastError),
		)
		return q.store.Update(ctx, job)
	}

	q.logger.Warn("job dead-lettered",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Int("attempts", job.Attempts),
		zap.String("classification", string(apperrors.Classify(jobErr))),
		zap.String("error", job.LastError),
	)
	if err := q.store.MoveToDeadLetter(ctx, job, job.LastError, now); err != nil {
		return apperrors.Wrap(fmt.Errorf("%w: %v", ErrDeadLetterSink, err), &apperrors.AppError{
			Code:    apperrors.CodeInternalError,
			Message: ErrDeadLetterSink.Error(),
			Status:  500,
			Class:   apperrors.ClassPermanent,
		})
	}
	return nil
}

// Cancel marks a pending job terminally failed with reason "cancelled".
// A processing job cannot be cancelled mid-flight; cancellation only
// prevents a future retry.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case job.Status.Terminal():
		return ErrJobTerminal
	case job.Status == StatusProcessing:
		return ErrJobProcessing
	}

	now := time.Now().UTC()
	job.Status = StatusFailed
	job.LastError = "cancelled"
	job.CompletedAt = &now
	job.UpdatedAt = now

	q.logger.Info("job cancelled", zap.String("job_id", id), zap.String("kind", job.Kind))
	return q.store.Update(ctx, job)
}

// DeadLetters lists parked jobs for operator triage.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	return q.store.DeadLetters(ctx, limit)
}

// RequeueDeadLetter re-enqueues a copy of a dead-lettered job with the
// attempt counter reset. The dead-letter record itself stays put; the sink
// is append-only.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusDeadLettered {
		return nil, ErrJobNotFound
	}

	// A uuid fragment keeps rapid repeated requeues of the same dead letter
	// from deduplicating against each other.
	copyID := job.ID + ":retry-" + uuid.New().String()[:8]
	return q.Enqueue(ctx, copyID, job.Kind, job.Payload,
		WithPriority(job.Priority),
		WithMaxAttempts(job.MaxAttempts),
	)
}

// Purge drops terminal jobs older than the retention window.
func (q *Queue) Purge(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	n, err := q.store.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("purged terminal jobs", zap.Int("count", n), zap.Duration("retention", retention))
	}
	return n, nil
}

// Stats surfaces queue depth and counters for diagnostics.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.store.Stats(ctx)
}
