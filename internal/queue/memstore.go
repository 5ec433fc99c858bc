package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the mutex-guarded Store used by tests and single-process
// deployments. Claim atomicity comes from holding the lock across the whole
// read-modify-write.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	deadLetters []*DeadLetter

	completed int64
	cancelled int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Insert(ctx context.Context, job *Job) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.ID]; ok && !existing.Status.Terminal() {
		return existing.Clone(), false, nil
	}
	s.jobs[job.ID] = job.Clone()
	return job.Clone(), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context, kind string, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Job
	for _, j := range s.jobs {
		if j.Kind != kind || j.Status != StatusPending || j.NextAttemptAt.After(now) {
			continue
		}
		if best == nil || claimBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, ErrQueueEmpty
	}

	best.Status = StatusProcessing
	best.Attempts++
	best.UpdatedAt = now
	return best.Clone(), nil
}

// claimBefore orders eligible jobs: earliest next_attempt_at first, then
// higher priority, then older created_at.
func claimBefore(a, b *Job) bool {
	if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
		return a.NextAttemptAt.Before(b.NextAttemptAt)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *MemoryStore) Update(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = job.Clone()
	switch job.Status {
	case StatusCompleted:
		s.completed++
	case StatusFailed:
		s.cancelled++
	}
	return nil
}

func (s *MemoryStore) MoveToDeadLetter(ctx context.Context, job *Job, finalError string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.Status = StatusDeadLettered
	job.UpdatedAt = at
	s.jobs[job.ID] = job.Clone()
	s.deadLetters = append(s.deadLetters, &DeadLetter{
		Job:            *job.Clone(),
		FinalError:     finalError,
		DeadLetteredAt: at,
	})
	return nil
}

func (s *MemoryStore) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Most recent first.
	out := make([]*DeadLetter, 0, limit)
	for i := len(s.deadLetters) - 1; i >= 0 && len(out) < limit; i-- {
		dl := *s.deadLetters[i]
		out = append(out, &dl)
	}
	return out, nil
}

func (s *MemoryStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(olderThan) {
			delete(s.jobs, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		PendingByKind: make(map[string]int64),
		Completed:     s.completed,
		Cancelled:     s.cancelled,
		DeadLettered:  int64(len(s.deadLetters)),
	}
	for _, j := range s.jobs {
		switch j.Status {
		case StatusPending:
			stats.PendingByKind[j.Kind]++
		case StatusProcessing:
			stats.Processing++
		}
	}
	return stats, nil
}
