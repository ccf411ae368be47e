package database

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"hydrotrack/models"
)

// openTestDB requires a running Postgres instance and skips otherwise
func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=hydrotrack password=hydrotrack dbname=hydrotrack_test sslmode=disable"
	}
	db, err := New(context.Background(), dsn)
	if err != nil {
		t.Skipf("Skipping test: cannot connect to database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background(), nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestProcessedReadingLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	element := "TEST_" + time.Now().Format("20060102150405.000000")
	start := time.Now().UTC().Truncate(time.Second)

	last, err := db.LastProcessedReading(ctx, element, models.VariableDistance)
	if err != nil || last != nil {
		t.Fatalf("empty series: %+v %v", last, err)
	}

	volume, percent := 43.921, 50.0
	p := &models.ProcessedReading{
		ElementID: element,
		Variable:  models.VariableDistance,
		Value:     235,
		Unit:      "cm",
		VolumeM3:  &volume,
		Percent:   &percent,
		Criterion: "first_reading",
		StartTime: start,
		EndTime:   start,
		Source:    models.SourceSystem,
		Author:    "compression_engine",
	}
	if err := db.InsertProcessedReading(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.ExtendProcessedReading(ctx, p.ID, start.Add(time.Minute)); err != nil {
		t.Fatalf("extend: %v", err)
	}
	// never moves backwards
	if err := db.ExtendProcessedReading(ctx, p.ID, start.Add(30*time.Second)); err != nil {
		t.Fatalf("extend backwards: %v", err)
	}

	last, err = db.LastProcessedReading(ctx, element, models.VariableDistance)
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if !last.EndTime.Equal(start.Add(time.Minute)) || last.VolumeM3 == nil || *last.VolumeM3 != volume {
		t.Fatalf("unexpected reading %+v", last)
	}

	between, err := db.ProcessedReadingsBetween(ctx, element, models.VariableDistance, start, start.Add(time.Hour))
	if err != nil || len(between) != 1 {
		t.Fatalf("between: %d %v", len(between), err)
	}

	if err := db.ExtendProcessedReading(ctx, -1, start); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRawReadingsAndEvents(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	element := "TEST_" + time.Now().Format("20060102150405.000000")
	now := time.Now().UTC()

	for i, v := range []float64{300, 301, 302} {
		r := &models.RawReading{
			SensorID:  "SEN_TEST",
			ElementID: element,
			Variable:  models.VariableDistance,
			Value:     v,
			Unit:      "cm",
			Meta:      map[string]interface{}{"rssi_dbm": -60},
			Source:    models.SourceSensor,
			Mode:      models.ModeAutomatic,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}
		if err := db.InsertRawReading(ctx, r); err != nil {
			t.Fatalf("insert raw: %v", err)
		}
		if r.ID == 0 {
			t.Fatal("raw reading id not set")
		}
	}

	values, err := db.RecentRawValues(ctx, element, models.VariableDistance, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(values) != 2 || values[0] != 302 || values[1] != 301 {
		t.Fatalf("recent values %v", values)
	}

	ev := &models.Event{
		Type:       models.EventSupply,
		ElementID:  element,
		Detail:     map[string]interface{}{"volume_added_l": 120.5},
		Confidence: 0.9,
		DetectedBy: "supply_detector",
		StartTime:  now,
		EndTime:    now,
	}
	if err := db.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	events, err := db.ListEvents(ctx, element, "", 10, 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("list events: %d %v", len(events), err)
	}
	if events[0].Detail["volume_added_l"] != 120.5 {
		t.Fatalf("detail %+v", events[0].Detail)
	}
}

func TestInsertCalibration(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	c := &models.Calibration{
		SensorID:       "TEST_SEN",
		ElementID:      "TEST_" + time.Now().Format("20060102150405.000000"),
		Author:         "ops",
		ReferenceValue: 250,
		SensorValue:    247.5,
		Adjustment:     2.5,
		Type:           models.CalibrationManual,
	}
	if err := db.InsertCalibration(ctx, c); err != nil {
		t.Fatalf("insert calibration: %v", err)
	}
	if c.ID == 0 || c.CreatedAt.IsZero() {
		t.Fatalf("id and created_at should be filled: %+v", c)
	}
}
