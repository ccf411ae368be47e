package queue

import (
	"context"
	"sync"
	"time"

	"hydrotrack/config"
	"hydrotrack/models"
)

// RetentionStore keeps finished jobs for inspection
type RetentionStore interface {
	SaveCompleted(ctx context.Context, job *models.Job) error
	SaveFailed(ctx context.Context, job *models.Job) error
	Failed(ctx context.Context, limit int) ([]models.Job, error)
	Counts(ctx context.Context) (completed, failed int64, err error)
}

// RetentionPolicy bounds how long finished jobs are kept
type RetentionPolicy struct {
	KeepCompleted int
	CompletedAge  time.Duration
	FailedAge     time.Duration
}

// RetentionPolicyFrom converts the application queue settings
func RetentionPolicyFrom(c config.QueueConfig) RetentionPolicy {
	return RetentionPolicy{
		KeepCompleted: c.KeepCompleted,
		CompletedAge:  c.CompletedAge,
		FailedAge:     c.FailedAge,
	}.withDefaults()
}

func (p RetentionPolicy) withDefaults() RetentionPolicy {
	if p.KeepCompleted <= 0 {
		p.KeepCompleted = 1000
	}
	if p.CompletedAge <= 0 {
		p.CompletedAge = time.Hour
	}
	if p.FailedAge <= 0 {
		p.FailedAge = 24 * time.Hour
	}
	return p
}

// MemoryRetention keeps finished jobs in process memory
type MemoryRetention struct {
	mu        sync.Mutex
	policy    RetentionPolicy
	completed []models.Job
	failed    []models.Job
	now       func() time.Time
}

// NewMemoryRetention creates an in-memory retention store
func NewMemoryRetention(policy RetentionPolicy) *MemoryRetention {
	return &MemoryRetention{policy: policy.withDefaults(), now: time.Now}
}

// SaveCompleted records a completed job
func (m *MemoryRetention) SaveCompleted(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, *job)
	m.prune()
	return nil
}

// SaveFailed records a failed job
func (m *MemoryRetention) SaveFailed(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, *job)
	m.prune()
	return nil
}

// Failed returns up to limit failed jobs, newest first
func (m *MemoryRetention) Failed(ctx context.Context, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()

	out := make([]models.Job, 0, min(limit, len(m.failed)))
	for i := len(m.failed) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.failed[i])
	}
	return out, nil
}

// Counts returns the number of retained completed and failed jobs
func (m *MemoryRetention) Counts(ctx context.Context) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	return int64(len(m.completed)), int64(len(m.failed)), nil
}

// prune drops expired jobs and caps the completed list. Caller holds m.mu.
func (m *MemoryRetention) prune() {
	now := m.now()
	m.completed = dropOlder(m.completed, now.Add(-m.policy.CompletedAge))
	if extra := len(m.completed) - m.policy.KeepCompleted; extra > 0 {
		m.completed = append(m.completed[:0:0], m.completed[extra:]...)
	}
	m.failed = dropOlder(m.failed, now.Add(-m.policy.FailedAge))
}

// dropOlder removes jobs finished before cutoff; jobs are in finish order
func dropOlder(jobs []models.Job, cutoff time.Time) []models.Job {
	i := 0
	for i < len(jobs) && jobs[i].FinishedAt != nil && jobs[i].FinishedAt.Before(cutoff) {
		i++
	}
	if i == 0 {
		return jobs
	}
	return append(jobs[:0:0], jobs[i:]...)
}
