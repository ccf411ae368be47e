package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hydrotrack/metrics"
	"hydrotrack/models"
	"hydrotrack/registry"
)

// Compressor is implemented by CompressionEngine
type Compressor interface {
	Process(ctx context.Context, req models.CompressionRequest) (*CompressionResult, error)
}

// JobProcessor is the queue worker body: compress, then drop cached views
type JobProcessor struct {
	engine Compressor
	cache  CacheInvalidator
	logger *slog.Logger
}

// NewJobProcessor creates a new job processor. cache may be nil.
func NewJobProcessor(engine Compressor, cache CacheInvalidator, logger *slog.Logger) *JobProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobProcessor{engine: engine, cache: cache, logger: logger.With("component", "job_processor")}
}

// Handle runs one queued job
func (p *JobProcessor) Handle(ctx context.Context, job *models.Job) error {
	return p.Process(ctx, job.Payload)
}

// Process compresses one reading and invalidates the latest-readings cache.
// Cache failures are logged, never returned.
func (p *JobProcessor) Process(ctx context.Context, req models.CompressionRequest) error {
	if _, err := p.engine.Process(ctx, req); err != nil {
		return err
	}
	if p.cache != nil {
		if err := p.cache.InvalidateReadings(ctx); err != nil {
			p.logger.Warn("cache invalidation failed", "error", err)
		}
	}
	return nil
}

// IngestService accepts readings: identify, dedup, persist raw, record the
// heartbeat, then hand compression to the queue or run it inline.
type IngestService struct {
	directory     SensorDirectory
	dedup         DuplicateChecker
	raw           RawStore
	queue         JobQueue
	processor     *JobProcessor
	status        *StatusTracker
	inlineTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewIngestService creates a new ingest service. dedup, queue and status may be nil.
func NewIngestService(directory SensorDirectory, dedup DuplicateChecker, raw RawStore, queue JobQueue, processor *JobProcessor, status *StatusTracker, inlineTimeout time.Duration, logger *slog.Logger) *IngestService {
	if logger == nil {
		logger = slog.Default()
	}
	if inlineTimeout <= 0 {
		inlineTimeout = 5 * time.Second
	}
	return &IngestService{
		directory:     directory,
		dedup:         dedup,
		raw:           raw,
		queue:         queue,
		processor:     processor,
		status:        status,
		inlineTimeout: inlineTimeout,
		logger:        logger.With("component", "ingest"),
		now:           time.Now,
	}
}

// Now returns the service clock
func (s *IngestService) Now() time.Time {
	return s.now()
}

// Ingest runs one reading through the pipeline. The only error paths are an
// unknown sensor and a failed raw insert; everything after the raw insert
// degrades instead of failing.
func (s *IngestService) Ingest(ctx context.Context, r Reading) (*models.IngestResult, error) {
	sensor, err := s.resolve(r)
	if err != nil {
		metrics.ReadingsIngested.WithLabelValues(sourceLabel(r.Source), "unknown_sensor").Inc()
		return nil, err
	}

	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}
	result := &models.IngestResult{SensorID: sensor.ID, Variable: sensor.Variable, Value: r.Value}

	if s.dedup != nil && s.dedup.IsDuplicate(ctx, sensor.ID, r.Timestamp, r.Value) {
		s.logger.Warn("duplicate reading ignored", "sensor_id", sensor.ID, "value", r.Value)
		metrics.ReadingsIngested.WithLabelValues(sourceLabel(r.Source), "duplicate").Inc()
		result.Duplicate = true
		return result, nil
	}

	raw := &models.RawReading{
		SensorID:  sensor.ID,
		ElementID: sensor.ElementID,
		Variable:  sensor.Variable,
		Value:     r.Value,
		Unit:      r.Unit,
		Meta:      r.Meta,
		Source:    r.Source,
		Author:    r.Author,
		Mode:      r.Mode,
		Note:      r.Note,
		Timestamp: r.Timestamp,
	}
	if raw.Unit == "" {
		raw.Unit = UnitFor(sensor.Variable)
	}
	if raw.Source == "" {
		raw.Source = models.SourceSensor
	}
	if raw.Mode == "" {
		raw.Mode = models.ModeAutomatic
	}
	if raw.Author == "" {
		raw.Author = sensor.NodeMAC
	}
	if err := s.raw.InsertRawReading(ctx, raw); err != nil {
		if s.dedup != nil {
			s.dedup.Forget(ctx, sensor.ID, r.Timestamp, r.Value)
		}
		metrics.ReadingsIngested.WithLabelValues(sourceLabel(raw.Source), "error").Inc()
		return nil, fmt.Errorf("store raw reading for %s: %w", sensor.ID, err)
	}
	result.RawID = raw.ID
	metrics.ReadingsIngested.WithLabelValues(sourceLabel(raw.Source), "accepted").Inc()

	if s.status != nil && raw.Source == models.SourceSensor {
		diag := r.Diagnostics
		diag.ElementID = sensor.ElementID
		if diag.MAC == "" {
			diag.MAC = sensor.NodeMAC
		}
		value := r.Value
		diag.Value = &value
		s.status.RecordSensorHeartbeat(sensor.ID, diag)
	}

	// operator readings are kept for audit only
	if raw.Mode == models.ModeManual {
		return result, nil
	}

	req := models.CompressionRequest{
		Sensor:    sensor,
		Element:   s.directory.Element(sensor.ElementID),
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}

	if s.queue != nil {
		job, err := s.queue.Enqueue(req)
		if err == nil {
			result.JobID = job.ID
			return result, nil
		}
		s.logger.Warn("queue unavailable, compressing inline", "sensor_id", sensor.ID, "error", err)
	}

	result.Inline = true
	s.processInline(ctx, req)
	return result, nil
}

// TelemetryResult reports the outcome of one decoded telemetry frame
type TelemetryResult struct {
	Format   string                 `json:"format"`
	MAC      string                 `json:"mac"`
	Accepted []*models.IngestResult `json:"accepted"`
	Skipped  []string               `json:"skipped,omitempty"`
}

// IngestTelemetry ingests every reading of a frame. An unknown sensor fails an
// individual frame; in an aggregated frame the label is skipped and the rest
// are kept.
func (s *IngestService) IngestTelemetry(ctx context.Context, t *Telemetry) (*TelemetryResult, error) {
	out := &TelemetryResult{Format: t.Format, MAC: t.MAC, Accepted: []*models.IngestResult{}}
	for _, r := range t.Readings {
		res, err := s.Ingest(ctx, r)
		if err != nil {
			if t.Format == FormatAggregated && errors.Is(err, registry.ErrUnknownSensor) {
				s.logger.Debug("skipping unregistered label", "mac", t.MAC, "label", r.Variable)
				out.Skipped = append(out.Skipped, r.Variable)
				continue
			}
			return out, err
		}
		out.Accepted = append(out.Accepted, res)
	}
	return out, nil
}

func (s *IngestService) processInline(ctx context.Context, req models.CompressionRequest) {
	if s.processor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.inlineTimeout)
	defer cancel()

	if err := s.processor.Process(ctx, req); err != nil {
		metrics.InlineFallbacks.WithLabelValues("error").Inc()
		s.logger.Error("inline compression failed", "key", req.Key(), "error", err)
		return
	}
	metrics.InlineFallbacks.WithLabelValues("ok").Inc()
}

func (s *IngestService) resolve(r Reading) (models.Sensor, error) {
	if r.SensorID != "" {
		return s.directory.Sensor(r.SensorID)
	}
	return s.directory.IdentifySensor(r.MAC, r.Variable)
}

func sourceLabel(source string) string {
	if source == "" {
		return models.SourceSensor
	}
	return source
}
