package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"hydrotrack/metrics"
)

const (
	defaultDuplicateTTL     = 2 * time.Second
	defaultDuplicateTimeout = 200 * time.Millisecond
)

// DuplicateFilter suppresses repeat deliveries of the same (sensor, second, value)
// reading within a short TTL. It fails open: any Redis error lets the reading through.
type DuplicateFilter struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewDuplicateFilter creates a filter backed by Redis. A nil client disables it.
func NewDuplicateFilter(client *redis.Client, logger *slog.Logger) *DuplicateFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuplicateFilter{
		client:  client,
		ttl:     defaultDuplicateTTL,
		timeout: defaultDuplicateTimeout,
		logger:  logger.With("component", "duplicate_filter"),
	}
}

// IsDuplicate atomically checks and marks the reading. Only the first caller
// for a given key within the TTL gets false.
func (f *DuplicateFilter) IsDuplicate(ctx context.Context, sensorID string, ts time.Time, value float64) bool {
	if f == nil || f.client == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	key := duplicateKey(sensorID, ts, value)
	set, err := f.client.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		f.logger.Warn("duplicate check failed, accepting reading", "sensor_id", sensorID, "error", err)
		return false
	}
	if !set {
		metrics.DuplicatesTotal.Inc()
		return true
	}
	return false
}

// Forget removes the marker of a reading that was not stored, so a retry by
// the source is accepted.
func (f *DuplicateFilter) Forget(ctx context.Context, sensorID string, ts time.Time, value float64) {
	if f == nil || f.client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	if err := f.client.Del(ctx, duplicateKey(sensorID, ts, value)).Err(); err != nil {
		f.logger.Warn("failed to clear duplicate marker", "sensor_id", sensorID, "error", err)
	}
}

func duplicateKey(sensorID string, ts time.Time, value float64) string {
	return fmt.Sprintf("dup:%s:%d:%.2f", sensorID, ts.Unix(), round(value, 2))
}
