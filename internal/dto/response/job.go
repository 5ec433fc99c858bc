package response

import (
	"encoding/json"
	"time"

	"github.com/merchantops/relay/internal/queue"
)

// JobResponse represents a job in responses
type JobResponse struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        string          `json:"status"`
	Priority      int             `json:"priority"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// FromJob converts a queue job to its response form
func FromJob(j *queue.Job) JobResponse {
	return JobResponse{
		ID:            j.ID,
		Kind:          j.Kind,
		Payload:       j.Payload,
		Status:        string(j.Status),
		Priority:      j.Priority,
		Attempts:      j.Attempts,
		MaxAttempts:   j.MaxAttempts,
		NextAttemptAt: j.NextAttemptAt,
		LastError:     j.LastError,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		CompletedAt:   j.CompletedAt,
	}
}

// EnqueueResponse reports the outcome of an enqueue call
type EnqueueResponse struct {
	Job      JobResponse `json:"job"`
	Accepted bool        `json:"accepted"`
}

// DeadLetterResponse represents a dead-lettered job for operator tooling
type DeadLetterResponse struct {
	Job            JobResponse `json:"job"`
	FinalError     string      `json:"final_error"`
	DeadLetteredAt time.Time   `json:"dead_lettered_at"`
}

// FromDeadLetter converts a dead letter entry to its response form
func FromDeadLetter(d *queue.DeadLetter) DeadLetterResponse {
	return DeadLetterResponse{
		Job:            FromJob(&d.Job),
		FinalError:     d.FinalError,
		DeadLetteredAt: d.DeadLetteredAt,
	}
}

// QueueStatsResponse represents queue statistics
type QueueStatsResponse struct {
	PendingByKind map[string]int64   `json:"pending_by_kind"`
	Processing    int64              `json:"processing"`
	Completed     int64              `json:"completed"`
	DeadLettered  int64              `json:"dead_lettered"`
	Cancelled     int64              `json:"cancelled"`
	TokenLevels   map[string]float64 `json:"token_levels,omitempty"`
}

// FromStats converts store statistics to their response form
func FromStats(s *queue.Stats, tokens map[string]float64) QueueStatsResponse {
	return QueueStatsResponse{
		PendingByKind: s.PendingByKind,
		Processing:    s.Processing,
		Completed:     s.Completed,
		DeadLettered:  s.DeadLettered,
		Cancelled:     s.Cancelled,
		TokenLevels:   tokens,
	}
}
