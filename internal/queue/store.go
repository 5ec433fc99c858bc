package queue

import (
	"context"
	"time"
)

// Store is the durable state behind a queue. ClaimNext is the single
// operation requiring mutual exclusion: it must perform an atomic
// read-modify-write so two workers can never claim the same job.
type Store interface {
	// Insert persists job unless a non-terminal job with the same ID already
	// exists, in which case it returns that job and inserted=false (replay
	// protection). A terminal job under the same ID is replaced.
	Insert(ctx context.Context, job *Job) (stored *Job, inserted bool, err error)

	// Get returns a job by ID or ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// ClaimNext atomically selects the pending job of the given kind with
	// next_attempt_at <= now, ordered by next_attempt_at ascending with
	// priority (descending) then created_at breaking ties, transitions it to
	// processing and increments attempts. Returns ErrQueueEmpty when nothing
	// is eligible.
	ClaimNext(ctx context.Context, kind string, now time.Time) (*Job, error)

	// Update persists a mutated job and, when the new status is pending,
	// makes it claimable again at job.NextAttemptAt.
	Update(ctx context.Context, job *Job) error

	// MoveToDeadLetter marks the job dead_lettered and appends the full
	// snapshot to the dead-letter sink. The sink is append-only.
	MoveToDeadLetter(ctx context.Context, job *Job, finalError string, at time.Time) error

	// DeadLetters lists the most recent dead-lettered jobs for triage.
	DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	// Purge removes terminal jobs older than the retention cutoff and
	// returns how many were removed. Pending and processing jobs are never
	// touched.
	Purge(ctx context.Context, olderThan time.Time) (int, error)

	// Stats returns queue depth per kind plus aggregate counters.
	Stats(ctx context.Context) (Stats, error)
}

// Stats is the diagnostic snapshot exposed on the metrics surface.
type Stats struct {
	PendingByKind map[string]int64 `json:"pending_by_kind"`
	Processing    int64            `json:"processing"`
	Completed     int64            `json:"completed"`
	DeadLettered  int64            `json:"dead_lettered"`
	Cancelled     int64            `json:"cancelled"`
}
