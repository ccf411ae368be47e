package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"hydrotrack/models"
)

const maxCalibrationNote = 500

// ErrInvalidCalibration is returned for calibration input that cannot be applied
var ErrInvalidCalibration = errors.New("invalid calibration")

// CalibrationStore keeps the calibration audit trail
type CalibrationStore interface {
	InsertCalibration(ctx context.Context, c *models.Calibration) error
}

// OffsetDirectory resolves sensors and updates their calibration offset
type OffsetDirectory interface {
	Sensor(id string) (models.Sensor, error)
	SetCalibrationOffset(id string, offset float64) (models.Sensor, error)
}

// Calibrator applies field calibrations: the offset becomes
// reference_value - sensor_value and is used by every later reading.
type Calibrator struct {
	directory OffsetDirectory
	store     CalibrationStore
	logger    *slog.Logger
}

// NewCalibrator creates a new calibrator
func NewCalibrator(directory OffsetDirectory, store CalibrationStore, logger *slog.Logger) *Calibrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calibrator{directory: directory, store: store, logger: logger.With("component", "calibrator")}
}

// Calibrate validates c, records it and then updates the sensor offset. The
// record is written first so an offset never changes without an audit entry.
func (k *Calibrator) Calibrate(ctx context.Context, c *models.Calibration) error {
	if err := validateCalibration(c); err != nil {
		return err
	}

	sensor, err := k.directory.Sensor(c.SensorID)
	if err != nil {
		return err
	}
	c.ElementID = sensor.ElementID
	c.Adjustment = c.ReferenceValue - c.SensorValue

	if err := k.store.InsertCalibration(ctx, c); err != nil {
		return fmt.Errorf("record calibration: %w", err)
	}
	if _, err := k.directory.SetCalibrationOffset(c.SensorID, c.Adjustment); err != nil {
		return fmt.Errorf("apply calibration offset: %w", err)
	}

	k.logger.Info("sensor calibrated",
		"sensor_id", c.SensorID,
		"previous_offset", sensor.CalibrationOffset,
		"offset", c.Adjustment,
		"author", c.Author)
	return nil
}

func validateCalibration(c *models.Calibration) error {
	switch {
	case c.SensorID == "":
		return fmt.Errorf("%w: sensor_id is required", ErrInvalidCalibration)
	case c.Author == "":
		return fmt.Errorf("%w: author is required", ErrInvalidCalibration)
	case math.IsNaN(c.ReferenceValue) || math.IsInf(c.ReferenceValue, 0),
		math.IsNaN(c.SensorValue) || math.IsInf(c.SensorValue, 0):
		return fmt.Errorf("%w: values must be finite", ErrInvalidCalibration)
	case len(c.Note) > maxCalibrationNote:
		return fmt.Errorf("%w: note exceeds %d characters", ErrInvalidCalibration, maxCalibrationNote)
	}
	if c.Type == "" {
		c.Type = models.CalibrationManual
	}
	if c.Type != models.CalibrationManual && c.Type != models.CalibrationAutomatic {
		return fmt.Errorf("%w: type must be %s or %s", ErrInvalidCalibration, models.CalibrationManual, models.CalibrationAutomatic)
	}
	return nil
}
