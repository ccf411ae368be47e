package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"hydrotrack/metrics"
	"hydrotrack/models"
)

// Compression outcomes
const (
	ActionInserted = "inserted"
	ActionExtended = "extended"
	ActionDeferred = "deferred"
	ActionStale    = "stale"
)

const (
	criterionFirstReading    = "first_reading"
	criterionDeferralTimeout = "deferral_timeout"
)

// CompressionConfig holds the deadband and stability window parameters
type CompressionConfig struct {
	Deadband        float64
	WindowSize      int
	StabilityStdDev float64
	MaxDeferral     time.Duration
}

// CompressionResult reports the decision taken for one reading
type CompressionResult struct {
	Action  string                   `json:"action"`
	Reading *models.ProcessedReading `json:"reading"`
	Delta   float64                  `json:"delta"`
	StdDev  float64                  `json:"stddev"`
	Events  []models.Event           `json:"events,omitempty"`
}

// Detector is implemented by EventDetector
type Detector interface {
	Detect(ctx context.Context, in DetectionInput) ([]models.Event, error)
}

// CompressionEngine turns the raw stream of one (element, variable) series
// into stable intervals: small changes extend the current interval, large
// stable changes start a new one.
type CompressionEngine struct {
	raw       RawStore
	processed ProcessedStore
	detector  Detector
	bus       Publisher
	cfg       CompressionConfig
	logger    *slog.Logger
	locks     *keyedMutex

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewCompressionEngine creates a new compression engine. detector may be nil.
func NewCompressionEngine(raw RawStore, processed ProcessedStore, detector Detector, bus Publisher, cfg CompressionConfig, logger *slog.Logger) *CompressionEngine {
	if bus == nil {
		bus = nopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CompressionEngine{
		raw:       raw,
		processed: processed,
		detector:  detector,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With("component", "compression"),
		locks:     newKeyedMutex(),
		pending:   make(map[string]time.Time),
	}
}

// Process applies the compression rules to one reading. Calls for the same
// (element, variable) are serialized; calls for different series run in parallel.
func (e *CompressionEngine) Process(ctx context.Context, req models.CompressionRequest) (*CompressionResult, error) {
	start := time.Now()
	defer func() { metrics.CompressionLatency.Observe(time.Since(start).Seconds()) }()

	key := req.Key()
	unlock := e.locks.Lock(key)
	defer unlock()

	result, err := e.process(ctx, key, req)
	if err != nil {
		return nil, err
	}
	metrics.CompressionDecisions.WithLabelValues(result.Action).Inc()
	return result, nil
}

func (e *CompressionEngine) process(ctx context.Context, key string, req models.CompressionRequest) (*CompressionResult, error) {
	sensor := req.Sensor
	adjusted := req.Value + sensor.CalibrationOffset
	boolean := models.IsBooleanVariable(sensor.Variable)

	last, err := e.processed.LastProcessedReading(ctx, sensor.ElementID, sensor.Variable)
	if err != nil {
		return nil, fmt.Errorf("load last processed reading: %w", err)
	}

	if last == nil {
		reading := e.newReading(req, adjusted, criterionFirstReading, 0, nil)
		if err := e.processed.InsertProcessedReading(ctx, reading); err != nil {
			return nil, fmt.Errorf("insert first reading: %w", err)
		}
		e.clearPending(key)
		publish(e.bus, models.DomainProcessedReading, reading, req.Timestamp)
		return &CompressionResult{Action: ActionInserted, Reading: reading}, nil
	}

	if req.Timestamp.Before(last.EndTime) {
		e.logger.Debug("reading older than current interval, skipping",
			"key", key,
			"timestamp", req.Timestamp,
			"end_time", last.EndTime,
		)
		return &CompressionResult{Action: ActionStale, Reading: last}, nil
	}

	delta := math.Abs(adjusted - last.Value)
	deadband := e.cfg.Deadband
	if boolean {
		deadband = 0
	}

	if delta <= deadband {
		if err := e.extend(ctx, last, req.Timestamp); err != nil {
			return nil, err
		}
		e.clearPending(key)
		return &CompressionResult{Action: ActionExtended, Reading: last, Delta: delta}, nil
	}

	var (
		stddev   float64
		samples  int
		timedOut bool
	)
	if !boolean {
		values, err := e.raw.RecentRawValues(ctx, sensor.ElementID, sensor.Variable, e.cfg.WindowSize)
		if err != nil {
			return nil, fmt.Errorf("load stability window: %w", err)
		}
		stddev = StdDev(values)
		samples = len(values)

		if stddev > e.cfg.StabilityStdDev && samples < e.cfg.WindowSize {
			if !e.deferralExpired(key, req.Timestamp) {
				if err := e.extend(ctx, last, req.Timestamp); err != nil {
					return nil, err
				}
				return &CompressionResult{Action: ActionDeferred, Reading: last, Delta: delta, StdDev: stddev}, nil
			}
			timedOut = true
		}
	}

	criterion := fmt.Sprintf("delta=%.2f stddev=%.2f", delta, stddev)
	if timedOut {
		criterion = criterionDeferralTimeout + " " + criterion
	}
	meta := map[string]interface{}{
		"stddev":      round(stddev, 4),
		"window_size": samples,
	}

	reading := e.newReading(req, adjusted, criterion, delta, meta)
	if err := e.processed.InsertProcessedReading(ctx, reading); err != nil {
		return nil, fmt.Errorf("insert processed reading: %w", err)
	}
	e.clearPending(key)
	publish(e.bus, models.DomainProcessedReading, reading, req.Timestamp)

	result := &CompressionResult{Action: ActionInserted, Reading: reading, Delta: delta, StdDev: stddev}

	if e.detector != nil && last.VolumeM3 != nil && reading.VolumeM3 != nil {
		events, err := e.detector.Detect(ctx, DetectionInput{
			Element:          req.Element,
			Variable:         sensor.Variable,
			PreviousVolumeM3: *last.VolumeM3,
			VolumeM3:         *reading.VolumeM3,
			Percent:          *reading.Percent,
			Timestamp:        req.Timestamp,
		})
		if err != nil {
			e.logger.Error("event detection failed", "key", key, "error", err)
		}
		result.Events = events
	}

	return result, nil
}

func (e *CompressionEngine) newReading(req models.CompressionRequest, value float64, criterion string, variation float64, meta map[string]interface{}) *models.ProcessedReading {
	reading := &models.ProcessedReading{
		ElementID: req.Sensor.ElementID,
		Variable:  req.Sensor.Variable,
		Value:     value,
		Unit:      UnitFor(req.Sensor.Variable),
		Criterion: criterion,
		Variation: round(variation, 4),
		StartTime: req.Timestamp,
		EndTime:   req.Timestamp,
		Source:    models.SourceSystem,
		Author:    "compression_engine",
		Meta:      meta,
	}

	if models.IsLevelVariable(req.Sensor.Variable) && req.Element != nil && req.Element.Geometry != nil {
		v := CalculateVolume(value, *req.Element.Geometry, e.logger)
		reading.VolumeM3 = &v.VolumeM3
		reading.Percent = &v.Percent
	}
	return reading
}

func (e *CompressionEngine) extend(ctx context.Context, last *models.ProcessedReading, ts time.Time) error {
	if err := e.processed.ExtendProcessedReading(ctx, last.ID, ts); err != nil {
		return fmt.Errorf("extend processed reading %d: %w", last.ID, err)
	}
	last.EndTime = ts
	return nil
}

// deferralExpired records the start of a deferral run and reports whether it
// has lasted MaxDeferral or longer.
func (e *CompressionEngine) deferralExpired(key string, ts time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	since, ok := e.pending[key]
	if !ok {
		e.pending[key] = ts
		return false
	}
	return e.cfg.MaxDeferral > 0 && ts.Sub(since) >= e.cfg.MaxDeferral
}

func (e *CompressionEngine) clearPending(key string) {
	e.mu.Lock()
	delete(e.pending, key)
	e.mu.Unlock()
}

// UnitFor returns the measurement unit of a variable
func UnitFor(variable string) string {
	if models.IsBooleanVariable(variable) {
		return "boolean"
	}
	return "cm"
}

// keyedMutex hands out one mutex per key and drops it when unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex for key and returns its unlock function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
