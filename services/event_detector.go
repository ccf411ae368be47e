package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hydrotrack/metrics"
	"hydrotrack/models"
)

// DetectorThresholds holds the default event thresholds. Elements may
// override the leak and critical level values.
type DetectorThresholds struct {
	SupplyLiters    float64
	LeakWindow      time.Duration
	LeakRateLPH     float64
	CriticalPercent float64
	CriticalWindow  time.Duration
}

// DefaultDetectorThresholds returns the detector defaults
func DefaultDetectorThresholds() DetectorThresholds {
	return DetectorThresholds{
		SupplyLiters:    50,
		LeakWindow:      time.Hour,
		LeakRateLPH:     -15,
		CriticalPercent: 70,
		CriticalWindow:  10 * time.Minute,
	}
}

// DetectionInput describes a newly committed level reading
type DetectionInput struct {
	Element          *models.Element
	Variable         string
	PreviousVolumeM3 float64
	VolumeM3         float64
	Percent          float64
	Timestamp        time.Time
}

// EventDetector infers supply, leak and critical level events from the
// processed level series of a reservoir.
type EventDetector struct {
	readings   ProcessedStore
	events     EventStore
	bus        Publisher
	thresholds DetectorThresholds
	logger     *slog.Logger
}

// NewEventDetector creates a new event detector
func NewEventDetector(readings ProcessedStore, events EventStore, bus Publisher, thresholds DetectorThresholds, logger *slog.Logger) *EventDetector {
	if bus == nil {
		bus = nopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventDetector{
		readings:   readings,
		events:     events,
		bus:        bus,
		thresholds: thresholds,
		logger:     logger.With("component", "event_detector"),
	}
}

// Detect runs every detector for the reading. Detectors are independent: a
// failing one does not prevent the others from running. Emitted events are
// persisted and published; the joined error reports the failures.
func (d *EventDetector) Detect(ctx context.Context, in DetectionInput) ([]models.Event, error) {
	if in.Element == nil {
		return nil, nil
	}

	var (
		found []models.Event
		errs  []error
	)

	if ev := d.detectSupply(in); ev != nil {
		found = append(found, *ev)
	}

	leak, err := d.detectLeak(ctx, in)
	if err != nil {
		errs = append(errs, fmt.Errorf("leak detection: %w", err))
	} else if leak != nil {
		found = append(found, *leak)
	}

	critical, err := d.detectCriticalLevel(ctx, in)
	if err != nil {
		errs = append(errs, fmt.Errorf("critical level detection: %w", err))
	} else if critical != nil {
		found = append(found, *critical)
	}

	emitted := make([]models.Event, 0, len(found))
	for i := range found {
		ev := found[i]
		if err := d.events.InsertEvent(ctx, &ev); err != nil {
			errs = append(errs, fmt.Errorf("save %s event: %w", ev.Type, err))
			continue
		}
		metrics.EventsDetected.WithLabelValues(ev.Type).Inc()
		d.logger.Info("event detected",
			"type", ev.Type,
			"element_id", ev.ElementID,
			"confidence", ev.Confidence,
		)
		publish(d.bus, models.DomainEvent, ev, ev.EndTime)
		emitted = append(emitted, ev)
	}

	return emitted, errors.Join(errs...)
}

// detectSupply flags a volume increase of at least SupplyLiters
func (d *EventDetector) detectSupply(in DetectionInput) *models.Event {
	increase := (in.VolumeM3 - in.PreviousVolumeM3) * 1000
	if increase < d.thresholds.SupplyLiters {
		return nil
	}
	return &models.Event{
		Type:      models.EventSupply,
		ElementID: in.Element.ID,
		Detail: map[string]interface{}{
			"volume_added_l": round(increase, 2),
			"volume_m3":      in.VolumeM3,
			"percent":        in.Percent,
		},
		ProbableCause: "pump activity",
		Confidence:    0.9,
		DetectedBy:    "supply_detector",
		StartTime:     in.Timestamp,
		EndTime:       in.Timestamp,
	}
}

// detectLeak flags a sustained volume loss over the trailing leak window
func (d *EventDetector) detectLeak(ctx context.Context, in DetectionInput) (*models.Event, error) {
	window := d.thresholds.LeakWindow
	if in.Element.LeakWindow > 0 {
		window = in.Element.LeakWindow
	}
	threshold := d.thresholds.LeakRateLPH
	if in.Element.LeakRateLPH != nil {
		threshold = *in.Element.LeakRateLPH
	}

	readings, err := d.readings.ProcessedReadingsBetween(ctx, in.Element.ID, in.Variable, in.Timestamp.Add(-window), in.Timestamp)
	if err != nil {
		return nil, err
	}

	withVolume := make([]models.ProcessedReading, 0, len(readings))
	for _, r := range readings {
		if r.VolumeM3 != nil {
			withVolume = append(withVolume, r)
		}
	}
	if len(withVolume) < 2 {
		return nil, nil
	}

	first, last := withVolume[0], withVolume[len(withVolume)-1]
	hours := last.EndTime.Sub(first.EndTime).Hours()
	if hours <= 0 {
		return nil, nil
	}

	deltaL := (*last.VolumeM3 - *first.VolumeM3) * 1000
	rate := deltaL / hours
	if rate >= threshold {
		return nil, nil
	}

	return &models.Event{
		Type:      models.EventLeak,
		ElementID: in.Element.ID,
		Detail: map[string]interface{}{
			"rate_lph":       round(rate, 2),
			"volume_lost_l":  round(-deltaL, 2),
			"duration_hours": round(hours, 2),
		},
		ProbableCause: "sustained volume loss",
		Confidence:    0.75,
		DetectedBy:    "leak_detector",
		StartTime:     first.EndTime,
		EndTime:       last.EndTime,
	}, nil
}

// detectCriticalLevel flags a fire reserve that stayed below its threshold
// for the whole trailing critical window
func (d *EventDetector) detectCriticalLevel(ctx context.Context, in DetectionInput) (*models.Event, error) {
	if !in.Element.IsFireReserve() {
		return nil, nil
	}

	threshold := d.thresholds.CriticalPercent
	if in.Element.CriticalPercent != nil {
		threshold = *in.Element.CriticalPercent
	}
	if in.Percent >= threshold {
		return nil, nil
	}

	window := d.thresholds.CriticalWindow
	if in.Element.CriticalWindow > 0 {
		window = in.Element.CriticalWindow
	}

	from := in.Timestamp.Add(-window)
	readings, err := d.readings.ProcessedReadingsBetween(ctx, in.Element.ID, in.Variable, from, in.Timestamp)
	if err != nil {
		return nil, err
	}

	start := in.Timestamp
	for _, r := range readings {
		if r.Percent == nil {
			continue
		}
		if *r.Percent >= threshold {
			return nil, nil
		}
		if r.EndTime.Before(start) {
			start = r.EndTime
		}
	}

	return &models.Event{
		Type:      models.EventCriticalLevel,
		ElementID: in.Element.ID,
		Detail: map[string]interface{}{
			"percent":        in.Percent,
			"threshold":      threshold,
			"window_minutes": window.Minutes(),
		},
		ProbableCause: "fire reserve below minimum",
		Confidence:    0.95,
		DetectedBy:    "critical_level_detector",
		StartTime:     start,
		EndTime:       in.Timestamp,
	}, nil
}
