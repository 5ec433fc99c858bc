// Package gormstore provides the SQL implementation of the queue.Store
// interface: PostgreSQL in production, SQLite for lightweight deployments
// and tests. Claim atomicity comes from a locked row selection inside a
// transaction.
package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/merchantops/relay/internal/queue"
)

// JobRecord is the persisted job row.
type JobRecord struct {
	ID            string    `gorm:"primaryKey;size:255"`
	Kind          string    `gorm:"size:100;not null;index:idx_jobs_claim,priority:1"`
	Payload       []byte    `gorm:"type:bytes"`
	Status        string    `gorm:"size:20;not null;index:idx_jobs_claim,priority:2"`
	Priority      int       `gorm:"not null;default:0"`
	Attempts      int       `gorm:"not null;default:0"`
	MaxAttempts   int       `gorm:"not null"`
	NextAttemptAt time.Time `gorm:"not null;index:idx_jobs_claim,priority:3"`
	LastError     string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null;index"`
	CompletedAt   *time.Time
}

// TableName overrides the gorm default.
func (JobRecord) TableName() string { return "jobs" }

// DeadLetterRecord is an append-only row in the dead-letter sink.
type DeadLetterRecord struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	JobID          string    `gorm:"size:255;not null;index"`
	Kind           string    `gorm:"size:100;not null"`
	Payload        []byte    `gorm:"type:bytes"`
	Attempts       int       `gorm:"not null"`
	MaxAttempts    int       `gorm:"not null"`
	FinalError     string    `gorm:"type:text;not null"`
	DeadLetteredAt time.Time `gorm:"not null;index"`
}

// TableName overrides the gorm default.
func (DeadLetterRecord) TableName() string { return "dead_letters" }

// Store implements queue.Store over a gorm database handle.
type Store struct {
	db *gorm.DB
}

// New migrates the schema and returns a SQL-backed store.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&JobRecord{}, &DeadLetterRecord{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Insert(ctx context.Context, job *queue.Job) (*queue.Job, bool, error) {
	var stored *queue.Job
	inserted := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing JobRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", job.ID).First(&existing).Error
		switch {
		case err == nil:
			if !queue.Status(existing.Status).Terminal() {
				stored = toJob(&existing)
				return nil
			}
			// Terminal row under the same id: the key is being reused, replace it.
			if err := tx.Delete(&JobRecord{}, "id = ?", job.ID).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		if err := tx.Create(toRecord(job)).Error; err != nil {
			return err
		}
		stored = job.Clone()
		inserted = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, inserted, nil
}

func (s *Store) Get(ctx context.Context, id string) (*queue.Job, error) {
	var rec JobRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, queue.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return toJob(&rec), nil
}

func (s *Store) ClaimNext(ctx context.Context, kind string, now time.Time) (*queue.Job, error) {
	var claimed *queue.Job

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec JobRecord
		q := tx.Where("kind = ? AND status = ? AND next_attempt_at <= ?",
			kind, string(queue.StatusPending), now).
			Order("next_attempt_at asc, priority desc, created_at asc")
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return queue.ErrQueueEmpty
			}
			return err
		}

		// Guard against a concurrent claim between select and update.
		res := tx.Model(&JobRecord{}).
			Where("id = ? AND status = ?", rec.ID, string(queue.StatusPending)).
			Updates(map[string]any{
				"status":     string(queue.StatusProcessing),
				"attempts":   rec.Attempts + 1,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return queue.ErrQueueEmpty
		}

		rec.Status = string(queue.StatusProcessing)
		rec.Attempts++
		rec.UpdatedAt = now
		claimed = toJob(&rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) Update(ctx context.Context, job *queue.Job) error {
	res := s.db.WithContext(ctx).Model(&JobRecord{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"status":          string(job.Status),
			"attempts":        job.Attempts,
			"next_attempt_at": job.NextAttemptAt,
			"last_error":      job.LastError,
			"updated_at":      job.UpdatedAt,
			"completed_at":    job.CompletedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return queue.ErrJobNotFound
	}
	return nil
}

func (s *Store) MoveToDeadLetter(ctx context.Context, job *queue.Job, finalError string, at time.Time) error {
	job.Status = queue.StatusDeadLettered
	job.UpdatedAt = at

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&JobRecord{}).Where("id = ?", job.ID).Updates(map[string]any{
			"status":     string(queue.StatusDeadLettered),
			"last_error": finalError,
			"updated_at": at,
		})
		if res.Error != nil {
			return res.Error
		}
		return tx.Create(&DeadLetterRecord{
			JobID:          job.ID,
			Kind:           job.Kind,
			Payload:        job.Payload,
			Attempts:       job.Attempts,
			MaxAttempts:    job.MaxAttempts,
			FinalError:     finalError,
			DeadLetteredAt: at,
		}).Error
	})
}

func (s *Store) DeadLetters(ctx context.Context, limit int) ([]*queue.DeadLetter, error) {
	var recs []DeadLetterRecord
	err := s.db.WithContext(ctx).
		Order("dead_lettered_at desc").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, err
	}

	out := make([]*queue.DeadLetter, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		out = append(out, &queue.DeadLetter{
			Job: queue.Job{
				ID:          rec.JobID,
				Kind:        rec.Kind,
				Payload:     rec.Payload,
				Status:      queue.StatusDeadLettered,
				Attempts:    rec.Attempts,
				MaxAttempts: rec.MaxAttempts,
				LastError:   rec.FinalError,
				UpdatedAt:   rec.DeadLetteredAt,
			},
			FinalError:     rec.FinalError,
			DeadLetteredAt: rec.DeadLetteredAt,
		})
	}
	return out, nil
}

func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	terminal := []string{
		string(queue.StatusCompleted),
		string(queue.StatusFailed),
		string(queue.StatusDeadLettered),
	}
	res := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", terminal, olderThan).
		Delete(&JobRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *Store) Stats(ctx context.Context) (queue.Stats, error) {
	stats := queue.Stats{PendingByKind: make(map[string]int64)}

	type kindcount struct {
		Kind  string
		Count int64
	}
	var pending []kindcount
	err := s.db.WithContext(ctx).Model(&JobRecord{}).
		Select("kind, count(*) as count").
		Where("status = ?", string(queue.StatusPending)).
		Group("kind").Scan(&pending).Error
	if err != nil {
		return stats, err
	}
	for _, kc := range pending {
		stats.PendingByKind[kc.Kind] = kc.Count
	}

	count := func(status queue.Status) (int64, error) {
		var n int64
		err := s.db.WithContext(ctx).Model(&JobRecord{}).
			Where("status = ?", string(status)).Count(&n).Error
		return n, err
	}
	if stats.Processing, err = count(queue.StatusProcessing); err != nil {
		return stats, err
	}
	if stats.Completed, err = count(queue.StatusCompleted); err != nil {
		return stats, err
	}
	if stats.Cancelled, err = count(queue.StatusFailed); err != nil {
		return stats, err
	}

	var dead int64
	if err := s.db.WithContext(ctx).Model(&DeadLetterRecord{}).Count(&dead).Error; err != nil {
		return stats, err
	}
	stats.DeadLettered = dead
	return stats, nil
}

func toRecord(j *queue.Job) *JobRecord {
	return &JobRecord{
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

func toJob(r *JobRecord) *queue.Job {
	return &queue.Job{
		ID:            r.ID,
		Kind:          r.Kind,
		Payload:       r.Payload,
		Status:        queue.Status(r.Status),
		Priority:      r.Priority,
		Attempts:      r.Attempts,
		MaxAttempts:   r.MaxAttempts,
		NextAttemptAt: r.NextAttemptAt,
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		CompletedAt:   r.CompletedAt,
	}
}
