package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefixJob   = "relay:jobs:job:"
	keyPrefixReady = "relay:jobs:ready:"
	keyDLQ         = "relay:jobs:dlq"
	keyTerminal    = "relay:jobs:terminal"
	keyProcessing  = "relay:jobs:processing"
	keyKinds       = "relay:jobs:kinds"
	keyStats       = "relay:jobs:stats"
)

// readyScore folds priority into the ready-set score so that ZRANGEBYSCORE
// yields next_attempt_at ascending with priority breaking ties. Priority is
// capped at MaxPriority, which keeps it below the millisecond granularity of
// the time component.
func readyScore(nextAttemptAt time.Time, priority int) float64 {
	return float64(nextAttemptAt.UnixMilli())*float64(MaxPriority+1) - float64(priority)
}

// insertScript performs the replay-protected insert: an existing
// non-terminal job under the same id wins, a terminal one is replaced.
var insertScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local job = cjson.decode(cur)
  local s = job['status']
  if s ~= 'completed' and s ~= 'failed' and s ~= 'dead_lettered' then
    return cur
  end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('SADD', KEYS[3], ARGV[4])
return false
`)

// claimScript pops the lowest-scored eligible member and flips the job
// record to processing in the same script, so a worker crash can never
// leave a pending record with no ready-set entry.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
local raw = redis.call('GET', ARGV[2] .. id)
if not raw then
  redis.call('ZREM', KEYS[1], id)
  return false
end
local job = cjson.decode(raw)
job['status'] = 'processing'
job['attempts'] = (job['attempts'] or 0) + 1
job['updated_at'] = ARGV[3]
local updated = cjson.encode(job)
redis.call('ZREM', KEYS[1], id)
redis.call('SET', ARGV[2] .. id, updated)
redis.call('SADD', KEYS[2], id)
return updated
`)

// RedisStore is the shared-durable-store implementation used in production.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a redis-backed job store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Insert(ctx context.Context, job *Job) (*Job, bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, false, fmt.Errorf("failed to serialize job: %w", err)
	}

	res, err := insertScript.Run(ctx, s.client,
		[]string{keyPrefixJob + job.ID, keyPrefixReady + job.Kind, keyKinds},
		string(data), readyScore(job.NextAttemptAt, job.Priority), job.ID, job.Kind,
	).Result()
	if err != nil && err != redis.Nil {
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}

	if existing, ok := res.(string); ok && existing != "" {
		var dup Job
		if err := json.Unmarshal([]byte(existing), &dup); err != nil {
			return nil, false, fmt.Errorf("failed to deserialize existing job: %w", err)
		}
		return &dup, false, nil
	}

	s.client.HIncrBy(ctx, keyStats, "enqueued_total", 1)
	return job.Clone(), true, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.client.Get(ctx, keyPrefixJob+id).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to deserialize job: %w", err)
	}
	return &job, nil
}

func (s *RedisStore) ClaimNext(ctx context.Context, kind string, now time.Time) (*Job, error) {
	maxScore := float64(now.UnixMilli()) * float64(MaxPriority+1)
	res, err := claimScript.Run(ctx, s.client,
		[]string{keyPrefixReady + kind, keyProcessing},
		maxScore, keyPrefixJob, now.Format(time.RFC3339Nano),
	).Result()
	if err == redis.Nil {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	raw, ok := res.(string)
	if !ok || raw == "" {
		return nil, ErrQueueEmpty
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to deserialize claimed job: %w", err)
	}
	return &job, nil
}

func (s *RedisStore) Update(ctx context.Context, job *Job) error {
	if err := s.writeJob(ctx, job); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, keyPrefixReady+job.Kind, job.ID)
	pipe.SRem(ctx, keyProcessing, job.ID)
	switch job.Status {
	case StatusPending:
		pipe.ZAdd(ctx, keyPrefixReady+job.Kind, redis.Z{
			Score:  readyScore(job.NextAttemptAt, job.Priority),
			Member: job.ID,
		})
		pipe.HIncrBy(ctx, keyStats, "retries_total", 1)
	case StatusCompleted:
		pipe.ZAdd(ctx, keyTerminal, redis.Z{Score: float64(job.UpdatedAt.Unix()), Member: job.ID})
		pipe.HIncrBy(ctx, keyStats, "completed_total", 1)
	case StatusFailed:
		pipe.ZAdd(ctx, keyTerminal, redis.Z{Score: float64(job.UpdatedAt.Unix()), Member: job.ID})
		pipe.HIncrBy(ctx, keyStats, "cancelled_total", 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update job indexes: %w", err)
	}
	return nil
}

func (s *RedisStore) MoveToDeadLetter(ctx context.Context, job *Job, finalError string, at time.Time) error {
	job.Status = StatusDeadLettered
	job.UpdatedAt = at
	if err := s.writeJob(ctx, job); err != nil {
		return err
	}

	snapshot, err := json.Marshal(&DeadLetter{Job: *job, FinalError: finalError, DeadLetteredAt: at})
	if err != nil {
		return fmt.Errorf("failed to serialize dead letter: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.LPush(ctx, keyDLQ, snapshot)
	pipe.ZAdd(ctx, keyTerminal, redis.Z{Score: float64(at.Unix()), Member: job.ID})
	pipe.ZRem(ctx, keyPrefixReady+job.Kind, job.ID)
	pipe.SRem(ctx, keyProcessing, job.ID)
	pipe.HIncrBy(ctx, keyStats, "dead_total", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append dead letter: %w", err)
	}
	return nil
}

func (s *RedisStore) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	raw, err := s.client.LRange(ctx, keyDLQ, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	out := make([]*DeadLetter, 0, len(raw))
	for _, item := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			continue
		}
		out = append(out, &dl)
	}
	return out, nil
}

func (s *RedisStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := fmt.Sprintf("%d", olderThan.Unix())
	ids, err := s.client.ZRangeByScore(ctx, keyTerminal, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list purgeable jobs: %w", err)
	}

	purged := 0
	for _, id := range ids {
		pipe := s.client.Pipeline()
		pipe.Del(ctx, keyPrefixJob+id)
		pipe.ZRem(ctx, keyTerminal, id)
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}
		purged++
	}
	return purged, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	counters, err := s.client.HGetAll(ctx, keyStats).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get stats: %w", err)
	}

	stats := Stats{PendingByKind: make(map[string]int64)}
	parse := func(k string) int64 {
		var v int64
		fmt.Sscanf(counters[k], "%d", &v)
		return v
	}
	stats.Completed = parse("completed_total")
	stats.DeadLettered = parse("dead_total")
	stats.Cancelled = parse("cancelled_total")

	kinds, err := s.client.SMembers(ctx, keyKinds).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to list kinds: %w", err)
	}
	for _, kind := range kinds {
		depth, err := s.client.ZCard(ctx, keyPrefixReady+kind).Result()
		if err != nil {
			continue
		}
		stats.PendingByKind[kind] = depth
	}

	processing, _ := s.client.SCard(ctx, keyProcessing).Result()
	stats.Processing = processing
	return stats, nil
}

func (s *RedisStore) writeJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefixJob+job.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}
