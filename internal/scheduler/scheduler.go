// Package scheduler runs the periodic maintenance work: purging terminal
// jobs past their retention window and expired idempotency records. With a
// redis client attached it elects a single leader so only one instance
// purges; without one the process is its own leader.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/idempotency"
	"github.com/merchantops/relay/internal/queue"
)

const leaderKey = "relay:scheduler:leader"

// Config holds scheduler configuration
type Config struct {
	// PurgeSchedule is the cron expression driving maintenance runs.
	PurgeSchedule string `mapstructure:"purge_schedule"`
	// JobRetention is how long terminal jobs stay queryable.
	JobRetention time.Duration `mapstructure:"job_retention"`
	// IdempotencyRetention bounds idempotency record age for stores
	// without native expiry.
	IdempotencyRetention time.Duration `mapstructure:"idempotency_retention"`
	// LeaderLockTTL is the leadership lease duration.
	LeaderLockTTL time.Duration `mapstructure:"leader_lock_ttl"`
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{
		PurgeSchedule:        "*/5 * * * *",
		JobRetention:         7 * 24 * time.Hour,
		IdempotencyRetention: 24 * time.Hour,
		LeaderLockTTL:        30 * time.Second,
	}
}

// Task is a named periodic function gated on leadership.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler manages cron-driven maintenance with optional leader election.
type Scheduler struct {
	redis  *redis.Client
	queue  *queue.Queue
	idem   idempotency.Store
	logger *zap.Logger
	config Config
	cron   *cron.Cron

	mu    sync.RWMutex
	tasks map[string]Task

	instanceID string
	isLeader   bool
	leaderMu   sync.RWMutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. redisClient may be nil for single-instance
// deployments.
func New(redisClient *redis.Client, q *queue.Queue, idem idempotency.Store, logger *zap.Logger, config Config) *Scheduler {
	return &Scheduler{
		redis:      redisClient,
		queue:      q,
		idem:       idem,
		logger:     logger,
		config:     config,
		cron:       cron.New(),
		tasks:      make(map[string]Task),
		instanceID: uuid.New().String(),
		stopCh:     make(chan struct{}),
	}
}

// RegisterTask registers an extra periodic task beside the built-in purge.
func (s *Scheduler) RegisterTask(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("task %s already registered", task.Name)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(task.Schedule); err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", task.Name, err)
	}

	s.tasks[task.Name] = task
	s.logger.Info("registered scheduled task",
		zap.String("name", task.Name),
		zap.String("schedule", task.Schedule),
	)
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.logger.Info("starting scheduler", zap.String("instance_id", s.instanceID))

	if s.redis != nil {
		s.wg.Add(1)
		go s.leaderElectionLoop(ctx)
	} else {
		s.setLeader(true)
	}

	if _, err := s.cron.AddFunc(s.config.PurgeSchedule, func() {
		s.runMaintenance(context.Background())
	}); err != nil {
		return fmt.Errorf("invalid purge schedule: %w", err)
	}

	s.mu.RLock()
	for _, task := range s.tasks {
		t := task
		if _, err := s.cron.AddFunc(t.Schedule, func() {
			s.runTask(context.Background(), t)
		}); err != nil {
			s.logger.Error("failed to add task", zap.String("name", t.Name), zap.Error(err))
		}
	}
	s.mu.RUnlock()

	s.cron.Start()
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.running {
		return nil
	}
	s.logger.Info("stopping scheduler")
	s.running = false
	close(s.stopCh)

	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	s.releaseLeadership(ctx)
	s.wg.Wait()
	return nil
}

// IsLeader returns whether this instance currently holds leadership.
func (s *Scheduler) IsLeader() bool {
	s.leaderMu.RLock()
	defer s.leaderMu.RUnlock()
	return s.isLeader
}

func (s *Scheduler) setLeader(leader bool) {
	s.leaderMu.Lock()
	s.isLeader = leader
	s.leaderMu.Unlock()
}

// runMaintenance purges terminal jobs and stale idempotency records.
func (s *Scheduler) runMaintenance(ctx context.Context) {
	if !s.IsLeader() {
		return
	}

	purged, err := s.queue.Purge(ctx, s.config.JobRetention)
	if err != nil {
		s.logger.Error("job purge failed", zap.Error(err))
	}

	removed := 0
	if s.idem != nil {
		removed, err = s.idem.Purge(ctx, time.Now().UTC().Add(-s.config.IdempotencyRetention))
		if err != nil {
			s.logger.Error("idempotency purge failed", zap.Error(err))
		}
	}

	s.logger.Debug("maintenance run finished",
		zap.Int("jobs_purged", purged),
		zap.Int("idempotency_purged", removed),
	)
}

func (s *Scheduler) runTask(ctx context.Context, task Task) {
	if !s.IsLeader() {
		return
	}
	if err := task.Run(ctx); err != nil {
		s.logger.Error("scheduled task failed",
			zap.String("name", task.Name),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) leaderElectionLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tryAcquireLeadership(ctx)

	ticker := time.NewTicker(s.config.LeaderLockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tryAcquireLeadership(ctx)
		}
	}
}

func (s *Scheduler) tryAcquireLeadership(ctx context.Context) {
	set, err := s.redis.SetNX(ctx, leaderKey, s.instanceID, s.config.LeaderLockTTL).Result()
	if err != nil {
		s.logger.Error("leadership probe failed", zap.Error(err))
		s.setLeader(false)
		return
	}
	if set {
		if !s.IsLeader() {
			s.logger.Info("acquired scheduler leadership", zap.String("instance_id", s.instanceID))
		}
		s.setLeader(true)
		return
	}

	currentLeader, err := s.redis.Get(ctx, leaderKey).Result()
	if err != nil {
		s.setLeader(false)
		return
	}
	if currentLeader == s.instanceID {
		// Renew our lease.
		s.redis.Expire(ctx, leaderKey, s.config.LeaderLockTTL)
		s.setLeader(true)
		return
	}
	if s.IsLeader() {
		s.logger.Info("lost scheduler leadership",
			zap.String("instance_id", s.instanceID),
			zap.String("new_leader", currentLeader),
		)
	}
	s.setLeader(false)
}

func (s *Scheduler) releaseLeadership(ctx context.Context) {
	if s.redis == nil || !s.IsLeader() {
		return
	}
	// Only delete the key while we still own it.
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	if _, err := s.redis.Eval(ctx, script, []string{leaderKey}, s.instanceID).Result(); err != nil {
		s.logger.Warn("leadership release failed", zap.Error(err))
	}
	s.setLeader(false)
}
