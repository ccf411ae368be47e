package services

import (
	"context"
	"time"

	"hydrotrack/models"
)

// RawStore persists raw readings verbatim and serves the stability window
type RawStore interface {
	InsertRawReading(ctx context.Context, reading *models.RawReading) error
	RecentRawValues(ctx context.Context, elementID, variable string, limit int) ([]float64, error)
}

// ProcessedStore holds the compressed interval series.
// LastProcessedReading returns (nil, nil) when the series is empty.
type ProcessedStore interface {
	LastProcessedReading(ctx context.Context, elementID, variable string) (*models.ProcessedReading, error)
	InsertProcessedReading(ctx context.Context, reading *models.ProcessedReading) error
	ExtendProcessedReading(ctx context.Context, id int64, end time.Time) error
	ProcessedReadingsBetween(ctx context.Context, elementID, variable string, from, to time.Time) ([]models.ProcessedReading, error)
}

// EventStore persists detected events
type EventStore interface {
	InsertEvent(ctx context.Context, event *models.Event) error
}

// Publisher hands domain events to the fan-out stage. Publish must not block.
type Publisher interface {
	Publish(msg models.BusMessage)
}

// CacheInvalidator drops cached "latest readings" views
type CacheInvalidator interface {
	InvalidateReadings(ctx context.Context) error
}

// DuplicateChecker reports repeat deliveries of the same reading
type DuplicateChecker interface {
	IsDuplicate(ctx context.Context, sensorID string, ts time.Time, value float64) bool
	Forget(ctx context.Context, sensorID string, ts time.Time, value float64)
}

// SensorDirectory resolves sensors and reservoirs
type SensorDirectory interface {
	IdentifySensor(mac, variable string) (models.Sensor, error)
	Sensor(id string) (models.Sensor, error)
	Element(id string) *models.Element
}

// JobQueue accepts compression work for asynchronous execution
type JobQueue interface {
	Enqueue(req models.CompressionRequest) (*models.Job, error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(models.BusMessage) {}

func publish(p Publisher, kind string, data interface{}, at time.Time) {
	if p == nil {
		return
	}
	p.Publish(models.BusMessage{Kind: kind, Data: data, Timestamp: at})
}
