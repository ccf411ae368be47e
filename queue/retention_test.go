package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"hydrotrack/models"
)

func finishedJob(id string, at time.Time) *models.Job {
	return &models.Job{ID: id, Key: "RCON/distance_cm", State: models.JobFailed, FinishedAt: &at}
}

func TestMemoryRetentionPrunes(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryRetention(RetentionPolicy{KeepCompleted: 2, CompletedAge: time.Hour, FailedAge: 24 * time.Hour})
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_ = m.SaveCompleted(ctx, finishedJob("old", now.Add(-2*time.Hour)))
	for _, id := range []string{"a", "b", "c"} {
		_ = m.SaveCompleted(ctx, finishedJob(id, now.Add(-time.Minute)))
	}
	_ = m.SaveFailed(ctx, finishedJob("stale", now.Add(-25*time.Hour)))
	_ = m.SaveFailed(ctx, finishedJob("f1", now.Add(-time.Hour)))
	_ = m.SaveFailed(ctx, finishedJob("f2", now))

	completed, failed, err := m.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if completed != 2 || failed != 2 {
		t.Fatalf("completed=%d failed=%d, want 2 and 2", completed, failed)
	}

	jobs, _ := m.Failed(ctx, 10)
	if len(jobs) != 2 || jobs[0].ID != "f2" || jobs[1].ID != "f1" {
		t.Fatalf("failed jobs should be newest first, got %+v", jobs)
	}
}

func TestRedisRetention(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRedisRetention(client, RetentionPolicy{KeepCompleted: 2, CompletedAge: time.Hour, FailedAge: 24 * time.Hour})
	r.now = func() time.Time { return now }
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		if err := r.SaveCompleted(ctx, finishedJob(id, now.Add(time.Duration(i-3)*time.Minute))); err != nil {
			t.Fatalf("save completed: %v", err)
		}
	}
	if err := r.SaveFailed(ctx, finishedJob("f1", now.Add(-time.Hour))); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := r.SaveFailed(ctx, finishedJob("f2", now.Add(-time.Minute))); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	completed, failed, err := r.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if completed != 2 || failed != 2 {
		t.Fatalf("completed=%d failed=%d, want 2 and 2", completed, failed)
	}

	jobs, err := r.Failed(ctx, 10)
	if err != nil {
		t.Fatalf("failed: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "f2" || jobs[0].Key != "RCON/distance_cm" {
		t.Fatalf("unexpected failed jobs %+v", jobs)
	}

	if ttl := mr.TTL(jobKeyPrefix + "f1"); ttl != 24*time.Hour {
		t.Fatalf("failed job ttl = %s, want 24h", ttl)
	}

	now = now.Add(24 * time.Hour)
	if _, failed, _ := r.Counts(ctx); failed != 0 {
		t.Fatalf("failed jobs older than 24h should be pruned, got %d", failed)
	}
}

func TestQueueWithRedisRetention(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := New(testConfig(), func(ctx context.Context, job *models.Job) error { return nil }, NewRedisRetention(client, RetentionPolicy{}), nil)
	q.Start(context.Background())
	defer q.Stop()

	if _, err := q.Enqueue(levelRequest("RCON", 1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return q.Stats(context.Background()).Completed == 1 })
}
