package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"hydrotrack/config"
	"hydrotrack/metrics"
	"hydrotrack/models"
)

// ErrQueueUnavailable is returned by Enqueue when the queue is stopped or
// the target partition is full. Callers are expected to degrade, not wait.
var ErrQueueUnavailable = errors.New("queue unavailable")

// Handler processes one job. A returned error triggers a retry.
type Handler func(ctx context.Context, job *models.Job) error

// Config holds queue parameters
type Config struct {
	Concurrency    int
	RatePerSecond  int
	Attempts       int
	BackoffBase    time.Duration
	PartitionDepth int
}

// ConfigFrom converts the application queue settings
func ConfigFrom(c config.QueueConfig) Config {
	return Config{
		Concurrency:    c.Concurrency,
		RatePerSecond:  c.RatePerSecond,
		Attempts:       c.Attempts,
		BackoffBase:    c.BackoffBase,
		PartitionDepth: c.PartitionDepth,
	}
}

type partition struct {
	high chan *models.Job
	low  chan *models.Job
}

// Queue is a partitioned worker pool. Jobs with the same key always land on
// the same partition and run in submission order; different keys run in
// parallel across partitions.
type Queue struct {
	cfg        Config
	handler    Handler
	retention  RetentionStore
	limiter    *rate.Limiter
	partitions []*partition
	logger     *slog.Logger
	now        func() time.Time

	waiting atomic.Int64
	active  atomic.Int64

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new queue. retention may be nil, in which case finished
// jobs are kept in memory.
func New(cfg Config, handler Handler, retention RetentionStore, logger *slog.Logger) *Queue {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.PartitionDepth < 1 {
		cfg.PartitionDepth = 1024
	}
	if retention == nil {
		retention = NewMemoryRetention(RetentionPolicy{})
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	q := &Queue{
		cfg:       cfg,
		handler:   handler,
		retention: retention,
		limiter:   rate.NewLimiter(limit, max(cfg.RatePerSecond, 1)),
		logger:    logger.With("component", "queue"),
		now:       time.Now,
	}
	for i := 0; i < cfg.Concurrency; i++ {
		q.partitions = append(q.partitions, &partition{
			high: make(chan *models.Job, cfg.PartitionDepth),
			low:  make(chan *models.Job, cfg.PartitionDepth),
		})
	}
	return q
}

// Start launches one worker per partition
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true

	for _, p := range q.partitions {
		q.wg.Add(1)
		go q.work(ctx, p)
	}
	q.logger.Info("queue started", "workers", len(q.partitions), "rate_per_second", q.cfg.RatePerSecond)
}

// Stop halts the workers and waits for in-flight jobs. Jobs still waiting are
// recorded as failed so they remain inspectable.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.cancel()
	q.mu.Unlock()

	q.wg.Wait()

	abandoned := 0
	for _, p := range q.partitions {
		abandoned += q.drain(p.high) + q.drain(p.low)
	}
	q.logger.Info("queue stopped", "abandoned", abandoned)
}

func (q *Queue) drain(lane chan *models.Job) int {
	n := 0
	for {
		select {
		case job := <-lane:
			q.waiting.Add(-1)
			q.finish(job, errors.New("queue stopped before the job ran"))
			n++
		default:
			return n
		}
	}
}

// Enqueue submits a compression request without blocking. Level readings
// get the high priority lane.
func (q *Queue) Enqueue(req models.CompressionRequest) (*models.Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.running {
		return nil, fmt.Errorf("%w: not running", ErrQueueUnavailable)
	}

	job := &models.Job{
		ID:         uuid.NewString(),
		Key:        req.Key(),
		Priority:   models.PriorityLow,
		Payload:    req,
		State:      models.JobWaiting,
		EnqueuedAt: q.now(),
	}
	if models.IsLevelVariable(req.Sensor.Variable) {
		job.Priority = models.PriorityHigh
	}

	p := q.partitions[q.partitionFor(job.Key)]
	lane := p.low
	if job.Priority == models.PriorityHigh {
		lane = p.high
	}

	// counted before the send so a worker never observes the job uncounted
	q.waiting.Add(1)
	select {
	case lane <- job:
		return job, nil
	default:
		q.waiting.Add(-1)
		return nil, fmt.Errorf("%w: partition for %s is full", ErrQueueUnavailable, job.Key)
	}
}

func (q *Queue) partitionFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(q.partitions)))
}

func (q *Queue) work(ctx context.Context, p *partition) {
	defer q.wg.Done()
	for {
		var job *models.Job
		select {
		case <-ctx.Done():
			return
		case job = <-p.high:
		default:
			select {
			case <-ctx.Done():
				return
			case job = <-p.high:
			case job = <-p.low:
			}
		}
		q.run(ctx, job)
	}
}

// run executes a job with retries. Retries happen in place so later jobs of
// the same key cannot overtake it.
func (q *Queue) run(ctx context.Context, job *models.Job) {
	if err := q.limiter.Wait(ctx); err != nil {
		q.waiting.Add(-1)
		q.finish(job, err)
		return
	}

	q.waiting.Add(-1)
	q.active.Add(1)
	defer q.active.Add(-1)
	job.State = models.JobActive

	var err error
	for attempt := 1; attempt <= q.cfg.Attempts; attempt++ {
		job.Attempts = attempt
		if err = q.handler(ctx, job); err == nil {
			break
		}
		job.LastError = err.Error()
		if attempt == q.cfg.Attempts {
			break
		}

		delay := q.backoff(attempt)
		metrics.JobRetries.Inc()
		q.logger.Warn("job failed, retrying",
			"job_id", job.ID,
			"key", job.Key,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if !sleep(ctx, delay) {
			err = ctx.Err()
			break
		}
	}
	q.finish(job, err)
}

// backoff returns the delay after the given failed attempt: base, 2*base, 4*base...
func (q *Queue) backoff(attempt int) time.Duration {
	return q.cfg.BackoffBase * time.Duration(1<<(attempt-1))
}

func (q *Queue) finish(job *models.Job, err error) {
	finished := q.now()
	job.FinishedAt = &finished

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err == nil {
		job.State = models.JobCompleted
		job.LastError = ""
		metrics.JobsProcessed.WithLabelValues(models.JobCompleted).Inc()
		if rerr := q.retention.SaveCompleted(ctx, job); rerr != nil {
			q.logger.Warn("retain completed job failed", "job_id", job.ID, "error", rerr)
		}
		return
	}

	job.State = models.JobFailed
	job.LastError = err.Error()
	metrics.JobsProcessed.WithLabelValues(models.JobFailed).Inc()
	q.logger.Error("job failed", "job_id", job.ID, "key", job.Key, "attempts", job.Attempts, "error", err)
	if rerr := q.retention.SaveFailed(ctx, job); rerr != nil {
		q.logger.Warn("retain failed job failed", "job_id", job.ID, "error", rerr)
	}
}

// Stats reports waiting and active counts from the pool and retained
// completed and failed counts from the retention store.
func (q *Queue) Stats(ctx context.Context) models.QueueStats {
	stats := models.QueueStats{
		Waiting: q.waiting.Load(),
		Active:  q.active.Load(),
	}

	completed, failed, err := q.retention.Counts(ctx)
	if err != nil {
		q.logger.Warn("read retention counts failed", "error", err)
	}
	stats.Completed = completed
	stats.Failed = failed
	stats.Total = stats.Waiting + stats.Active + stats.Completed + stats.Failed
	return stats
}

// FailedJobs returns the most recently failed jobs, newest first
func (q *Queue) FailedJobs(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.retention.Failed(ctx, limit)
}

// Running reports whether the workers are started
func (q *Queue) Running() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.running
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
