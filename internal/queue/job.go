// Package queue implements the retryable job engine shared by the inbound
// webhook, outbound delivery, background and social-post queues. One Job
// shape, one state machine, one backoff schedule; the durable store behind
// it is pluggable.
package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrQueueEmpty     = errors.New("queue is empty")
	ErrJobTerminal    = errors.New("job is in a terminal state")
	ErrJobProcessing  = errors.New("job is currently processing")
	ErrUnknownKind    = errors.New("no configuration for job kind")
	ErrDeadLetterSink = errors.New("dead letter sink write failed")
)

// Status represents the current state of a job
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed" // terminal; reached only by cancellation
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether a job in this status is immutable.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDeadLettered
}

// MaxPriority bounds the numeric priority so the redis store can fold it
// into the ready-set score without disturbing time ordering.
const MaxPriority = 999

// Job is the one record shape reused by every queue variant. The payload is
// opaque: the queue never interprets it.
type Job struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Priority      int             `json:"priority"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// NewJob builds a pending job. id is the caller's business key for replay
// protection; when empty a random one is generated.
func NewJob(id, kind string, payload []byte, opts ...JobOption) *Job {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	j := &Job{
		ID:            id,
		Kind:          kind,
		Payload:       payload,
		Status:        StatusPending,
		Attempts:      0,
		MaxAttempts:   3,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.Priority < 0 {
		j.Priority = 0
	}
	if j.Priority > MaxPriority {
		j.Priority = MaxPriority
	}
	return j
}

// JobOption is a functional option for configuring a job
type JobOption func(*Job)

// WithMaxAttempts overrides the kind's configured attempt budget.
func WithMaxAttempts(n int) JobOption {
	return func(j *Job) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

// WithPriority sets the numeric priority; higher claims first among jobs
// eligible at the same instant. Used by the social-post queue.
func WithPriority(p int) JobOption {
	return func(j *Job) {
		j.Priority = p
	}
}

// WithDelay defers the first attempt.
func WithDelay(d time.Duration) JobOption {
	return func(j *Job) {
		j.NextAttemptAt = time.Now().UTC().Add(d)
	}
}

// WithNextAttemptAt schedules the first attempt for a specific time.
func WithNextAttemptAt(t time.Time) JobOption {
	return func(j *Job) {
		j.NextAttemptAt = t.UTC()
	}
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate persisted state behind the engine's back.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// DeadLetter is the append-only record of an exhausted job.
type DeadLetter struct {
	Job            Job       `json:"job"`
	FinalError     string    `json:"final_error"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}
