package scheduler

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/merchantops/relay/internal/idempotency"
	"github.com/merchantops/relay/internal/queue"
	"github.com/merchantops/relay/internal/testutil"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JobRetention = 0
	cfg.IdempotencyRetention = 0
	cfg.LeaderLockTTL = 200 * time.Millisecond
	return cfg
}

func TestScheduler_LeaderWithoutRedis(t *testing.T) {
	store := queue.NewMemoryStore()
	q := queue.New(store, nil, zap.NewNop())
	s := New(nil, q, idempotency.NewMemoryStore(), zap.NewNop(), testConfig())

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(ctx)

	if !s.IsLeader() {
		t.Error("a redis-less scheduler must consider itself leader")
	}
}

func TestScheduler_MaintenancePurgesTerminalJobs(t *testing.T) {
	store := queue.NewMemoryStore()
	q := queue.New(store, nil, zap.NewNop())
	idem := idempotency.NewMemoryStore()
	s := New(nil, q, idem, zap.NewNop(), testConfig())
	s.setLeader(true)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "done-job", "background", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	job, err := q.ClaimNext(ctx, "background")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "live-job", "background", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	rec := &idempotency.Record{Key: "stale", CreatedAt: time.Now().Add(-time.Hour)}
	if err := idem.SaveNX(ctx, rec, 0); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond) // let UpdatedAt fall behind the cutoff
	s.runMaintenance(ctx)

	if _, err := q.Get(ctx, "done-job"); err != queue.ErrJobNotFound {
		t.Errorf("terminal job should be purged, got %v", err)
	}
	if _, err := q.Get(ctx, "live-job"); err != nil {
		t.Errorf("pending job must survive maintenance: %v", err)
	}
	if _, err := idem.Get(ctx, "stale"); err != idempotency.ErrNotFound {
		t.Error("stale idempotency record should be purged")
	}
}

func TestScheduler_NonLeaderSkipsMaintenance(t *testing.T) {
	store := queue.NewMemoryStore()
	q := queue.New(store, nil, zap.NewNop())
	s := New(nil, q, nil, zap.NewNop(), testConfig())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "done-job", "background", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	job, err := q.ClaimNext(ctx, "background")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Fatal(err)
	}

	// Never started, never elected.
	s.runMaintenance(ctx)

	if _, err := q.Get(ctx, "done-job"); err != nil {
		t.Errorf("non-leader must not purge: %v", err)
	}
}

func TestScheduler_RegisterTask(t *testing.T) {
	s := New(nil, queue.New(queue.NewMemoryStore(), nil, zap.NewNop()), nil, zap.NewNop(), testConfig())

	task := Task{Name: "report", Schedule: "* * * * *", Run: func(ctx context.Context) error { return nil }}
	if err := s.RegisterTask(task); err != nil {
		t.Fatalf("RegisterTask() error = %v", err)
	}
	if err := s.RegisterTask(task); err == nil {
		t.Error("duplicate task registration must fail")
	}
	if err := s.RegisterTask(Task{Name: "bad", Schedule: "not-cron"}); err == nil {
		t.Error("invalid cron expression must fail")
	}
}

func TestScheduler_LeaderElection(t *testing.T) {
	client := testutil.NewTestRedisClient(t, testutil.DefaultTestConfig())
	store := queue.NewMemoryStore()
	q := queue.New(store, nil, zap.NewNop())
	ctx := context.Background()

	first := New(client, q, nil, zap.NewNop(), testConfig())
	second := New(client, q, nil, zap.NewNop(), testConfig())

	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer first.Stop(ctx)
	time.Sleep(50 * time.Millisecond)

	if err := second.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer second.Stop(ctx)
	time.Sleep(50 * time.Millisecond)

	if !first.IsLeader() {
		t.Error("first instance should hold leadership")
	}
	if second.IsLeader() {
		t.Error("second instance must defer to the current leader")
	}
}
