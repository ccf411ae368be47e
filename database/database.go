package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"hydrotrack/metrics"
	"hydrotrack/models"
)

// ErrNotFound is returned when an update targets a missing row
var ErrNotFound = errors.New("not found")

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(ctx context.Context, databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &DB{db}, nil
}

// InsertRawReading stores a raw reading and fills its id and created_at
func (db *DB) InsertRawReading(ctx context.Context, r *models.RawReading) error {
	meta, err := encodeJSON(r.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal raw reading meta: %w", err)
	}

	query := `
		INSERT INTO raw_readings (sensor_id, element_id, variable, value, unit, meta, source, author, mode, note, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`

	err = db.QueryRowContext(ctx, query, r.SensorID, r.ElementID, r.Variable, r.Value, r.Unit,
		meta, r.Source, r.Author, r.Mode, r.Note, r.Timestamp).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("insert_raw").Inc()
		return fmt.Errorf("failed to insert raw reading: %w", err)
	}
	return nil
}

// RecentRawValues returns the latest raw values of a series, newest first
func (db *DB) RecentRawValues(ctx context.Context, elementID, variable string, limit int) ([]float64, error) {
	query := `
		SELECT value
		FROM raw_readings
		WHERE element_id = $1 AND variable = $2
		ORDER BY timestamp DESC, id DESC
		LIMIT $3
	`

	rows, err := db.QueryContext(ctx, query, elementID, variable, limit)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("recent_raw").Inc()
		return nil, fmt.Errorf("failed to query raw values: %w", err)
	}
	defer rows.Close()

	values := make([]float64, 0, limit)
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan raw value: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

const processedColumns = `id, element_id, variable, value, unit, volume_m3, percent, criterion, variation,
	start_time, end_time, source, author, meta`

// LastProcessedReading returns the most recent processed reading of a
// series, or nil when the series is empty
func (db *DB) LastProcessedReading(ctx context.Context, elementID, variable string) (*models.ProcessedReading, error) {
	query := `
		SELECT ` + processedColumns + `
		FROM processed_readings
		WHERE element_id = $1 AND variable = $2
		ORDER BY end_time DESC, id DESC
		LIMIT 1
	`

	p, err := scanProcessed(db.QueryRowContext(ctx, query, elementID, variable))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.StorageErrors.WithLabelValues("last_processed").Inc()
		return nil, fmt.Errorf("failed to query last processed reading: %w", err)
	}
	return p, nil
}

// InsertProcessedReading stores a processed reading and fills its id
func (db *DB) InsertProcessedReading(ctx context.Context, p *models.ProcessedReading) error {
	meta, err := encodeJSON(p.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal processed reading meta: %w", err)
	}

	query := `
		INSERT INTO processed_readings (element_id, variable, value, unit, volume_m3, percent, criterion, variation,
			start_time, end_time, source, author, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`

	err = db.QueryRowContext(ctx, query, p.ElementID, p.Variable, p.Value, p.Unit, p.VolumeM3, p.Percent,
		p.Criterion, p.Variation, p.StartTime, p.EndTime, p.Source, p.Author, meta).Scan(&p.ID)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("insert_processed").Inc()
		return fmt.Errorf("failed to insert processed reading: %w", err)
	}
	return nil
}

// ExtendProcessedReading moves the end of an interval forward. The end time
// never moves backwards.
func (db *DB) ExtendProcessedReading(ctx context.Context, id int64, end time.Time) error {
	query := `
		UPDATE processed_readings
		SET end_time = GREATEST(end_time, $2)
		WHERE id = $1
	`

	res, err := db.ExecContext(ctx, query, id, end)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("extend_processed").Inc()
		return fmt.Errorf("failed to extend processed reading: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to extend processed reading: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("processed reading %d: %w", id, ErrNotFound)
	}
	return nil
}

// ProcessedReadingsBetween returns the readings of a series whose interval
// ends within [from, to], oldest first
func (db *DB) ProcessedReadingsBetween(ctx context.Context, elementID, variable string, from, to time.Time) ([]models.ProcessedReading, error) {
	query := `
		SELECT ` + processedColumns + `
		FROM processed_readings
		WHERE element_id = $1 AND variable = $2 AND end_time >= $3 AND end_time <= $4
		ORDER BY end_time ASC, id ASC
	`
	return db.queryProcessed(ctx, "processed_between", query, elementID, variable, from, to)
}

// LatestProcessedReadings returns the current reading of every series,
// optionally restricted to one element
func (db *DB) LatestProcessedReadings(ctx context.Context, elementID string) ([]models.ProcessedReading, error) {
	query := `
		SELECT DISTINCT ON (element_id, variable) ` + processedColumns + `
		FROM processed_readings
		WHERE ($1 = '' OR element_id = $1)
		ORDER BY element_id, variable, end_time DESC, id DESC
	`
	return db.queryProcessed(ctx, "latest_processed", query, elementID)
}

// ListProcessedReadings returns the newest processed readings of a series
func (db *DB) ListProcessedReadings(ctx context.Context, elementID, variable string, limit int) ([]models.ProcessedReading, error) {
	query := `
		SELECT ` + processedColumns + `
		FROM processed_readings
		WHERE element_id = $1 AND ($2 = '' OR variable = $2)
		ORDER BY end_time DESC, id DESC
		LIMIT $3
	`
	return db.queryProcessed(ctx, "list_processed", query, elementID, variable, limit)
}

func (db *DB) queryProcessed(ctx context.Context, op, query string, args ...interface{}) ([]models.ProcessedReading, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		metrics.StorageErrors.WithLabelValues(op).Inc()
		return nil, fmt.Errorf("failed to query processed readings: %w", err)
	}
	defer rows.Close()

	readings := []models.ProcessedReading{}
	for rows.Next() {
		p, err := scanProcessed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan processed reading: %w", err)
		}
		readings = append(readings, *p)
	}
	return readings, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProcessed(row scanner) (*models.ProcessedReading, error) {
	var (
		p    models.ProcessedReading
		meta []byte
	)
	err := row.Scan(&p.ID, &p.ElementID, &p.Variable, &p.Value, &p.Unit, &p.VolumeM3, &p.Percent,
		&p.Criterion, &p.Variation, &p.StartTime, &p.EndTime, &p.Source, &p.Author, &meta)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(meta, &p.Meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal processed reading meta: %w", err)
	}
	return &p, nil
}

// InsertEvent inserts a detected event and fills its id and created_at
func (db *DB) InsertEvent(ctx context.Context, e *models.Event) error {
	detail, err := encodeJSON(e.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal event detail: %w", err)
	}

	query := `
		INSERT INTO events (type, element_id, detail, probable_cause, confidence, detected_by, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err = db.QueryRowContext(ctx, query, e.Type, e.ElementID, detail, e.ProbableCause, e.Confidence,
		e.DetectedBy, e.StartTime, e.EndTime).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("insert_event").Inc()
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// InsertCalibration records a sensor calibration and fills its id and created_at
func (db *DB) InsertCalibration(ctx context.Context, c *models.Calibration) error {
	query := `
		INSERT INTO calibrations (sensor_id, element_id, author, reference_value, sensor_value, adjustment, type, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err := db.QueryRowContext(ctx, query, c.SensorID, c.ElementID, c.Author, c.ReferenceValue,
		c.SensorValue, c.Adjustment, c.Type, c.Note).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("insert_calibration").Inc()
		return fmt.Errorf("failed to insert calibration: %w", err)
	}
	return nil
}

// ListEvents retrieves recent events with pagination
func (db *DB) ListEvents(ctx context.Context, elementID, eventType string, limit, offset int) ([]models.Event, error) {
	query := `
		SELECT id, type, element_id, detail, probable_cause, confidence, detected_by, start_time, end_time, created_at
		FROM events
		WHERE ($3 = '' OR element_id = $3) AND ($4 = '' OR type = $4)
		ORDER BY end_time DESC, id DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := db.QueryContext(ctx, query, limit, offset, elementID, eventType)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("list_events").Inc()
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var (
			e      models.Event
			detail []byte
		)
		err := rows.Scan(&e.ID, &e.Type, &e.ElementID, &detail, &e.ProbableCause, &e.Confidence,
			&e.DetectedBy, &e.StartTime, &e.EndTime, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := decodeJSON(detail, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event detail: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// encodeJSON marshals v for a JSONB column; empty maps become NULL
func encodeJSON(v map[string]interface{}) (interface{}, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeJSON(raw []byte, dest *map[string]interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}
