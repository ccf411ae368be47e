package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"hydrotrack/models"
)

const (
	completedSetKey = "hydrotrack:jobs:completed"
	failedSetKey    = "hydrotrack:jobs:failed"
	jobKeyPrefix    = "hydrotrack:job:"
)

// RedisRetention keeps finished jobs in Redis so they survive restarts.
// Each job body is a TTL'd key; sorted sets scored by finish time index them.
type RedisRetention struct {
	client *redis.Client
	policy RetentionPolicy
	now    func() time.Time
}

// NewRedisRetention creates a Redis backed retention store
func NewRedisRetention(client *redis.Client, policy RetentionPolicy) *RedisRetention {
	return &RedisRetention{client: client, policy: policy.withDefaults(), now: time.Now}
}

// SaveCompleted records a completed job
func (r *RedisRetention) SaveCompleted(ctx context.Context, job *models.Job) error {
	return r.save(ctx, completedSetKey, job, r.policy.CompletedAge, r.policy.KeepCompleted)
}

// SaveFailed records a failed job
func (r *RedisRetention) SaveFailed(ctx context.Context, job *models.Job) error {
	return r.save(ctx, failedSetKey, job, r.policy.FailedAge, 0)
}

func (r *RedisRetention) save(ctx context.Context, set string, job *models.Job, ttl time.Duration, keep int) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	finished := r.now()
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, jobKeyPrefix+job.ID, body, ttl)
	pipe.ZAdd(ctx, set, redis.Z{Score: float64(finished.UnixMilli()), Member: job.ID})
	pipe.ZRemRangeByScore(ctx, set, "-inf", cutoff(r.now(), ttl))
	if keep > 0 {
		pipe.ZRemRangeByRank(ctx, set, 0, int64(-keep-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retain job %s: %w", job.ID, err)
	}
	return nil
}

// Failed returns up to limit failed jobs, newest first
func (r *RedisRetention) Failed(ctx context.Context, limit int) ([]models.Job, error) {
	if err := r.client.ZRemRangeByScore(ctx, failedSetKey, "-inf", cutoff(r.now(), r.policy.FailedAge)).Err(); err != nil {
		return nil, fmt.Errorf("prune failed jobs: %w", err)
	}

	ids, err := r.client.ZRevRange(ctx, failedSetKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	if len(ids) == 0 {
		return []models.Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKeyPrefix + id
	}
	bodies, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load failed jobs: %w", err)
	}

	jobs := make([]models.Job, 0, len(bodies))
	for _, b := range bodies {
		s, ok := b.(string)
		if !ok {
			continue
		}
		var job models.Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Counts returns the number of retained completed and failed jobs
func (r *RedisRetention) Counts(ctx context.Context) (int64, int64, error) {
	now := r.now()
	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, completedSetKey, "-inf", cutoff(now, r.policy.CompletedAge))
	pipe.ZRemRangeByScore(ctx, failedSetKey, "-inf", cutoff(now, r.policy.FailedAge))
	completed := pipe.ZCard(ctx, completedSetKey)
	failed := pipe.ZCard(ctx, failedSetKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("count retained jobs: %w", err)
	}
	return completed.Val(), failed.Val(), nil
}

func cutoff(now time.Time, age time.Duration) string {
	return "(" + strconv.FormatInt(now.Add(-age).UnixMilli(), 10)
}
