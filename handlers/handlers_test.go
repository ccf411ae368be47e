package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"hydrotrack/cache"
	"hydrotrack/models"
	"hydrotrack/registry"
	"hydrotrack/services"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeIngester struct {
	readings []services.Reading
	frames   []*services.Telemetry
	err      error
}

func (f *fakeIngester) Now() time.Time { return testNow }

func (f *fakeIngester) Ingest(ctx context.Context, r services.Reading) (*models.IngestResult, error) {
	f.readings = append(f.readings, r)
	if f.err != nil {
		return nil, f.err
	}
	return &models.IngestResult{SensorID: r.SensorID, Value: r.Value, RawID: 1}, nil
}

func (f *fakeIngester) IngestTelemetry(ctx context.Context, t *services.Telemetry) (*services.TelemetryResult, error) {
	f.frames = append(f.frames, t)
	if f.err != nil {
		return nil, f.err
	}
	return &services.TelemetryResult{Format: t.Format, MAC: t.MAC}, nil
}

type fakeStore struct {
	latest      []models.ProcessedReading
	latestCalls int
	events      []models.Event
	eventLimit  int
	pingErr     error
}

func (s *fakeStore) PingContext(ctx context.Context) error { return s.pingErr }

func (s *fakeStore) LatestProcessedReadings(ctx context.Context, elementID string) ([]models.ProcessedReading, error) {
	s.latestCalls++
	return s.latest, nil
}

func (s *fakeStore) ListProcessedReadings(ctx context.Context, elementID, variable string, limit int) ([]models.ProcessedReading, error) {
	return s.latest, nil
}

func (s *fakeStore) ListEvents(ctx context.Context, elementID, eventType string, limit, offset int) ([]models.Event, error) {
	s.eventLimit = limit
	return s.events, nil
}

type fakeQueue struct{ running bool }

func (q *fakeQueue) Stats(ctx context.Context) models.QueueStats {
	return models.QueueStats{Waiting: 2, Completed: 10, Total: 12}
}

func (q *fakeQueue) FailedJobs(ctx context.Context, limit int) ([]models.Job, error) {
	return []models.Job{{ID: "job-1", State: models.JobFailed, LastError: "boom"}}, nil
}

func (q *fakeQueue) Running() bool { return q.running }

type fakeCalibrator struct {
	calls []models.Calibration
	err   error
}

func (k *fakeCalibrator) Calibrate(ctx context.Context, c *models.Calibration) error {
	k.calls = append(k.calls, *c)
	if k.err != nil {
		return k.err
	}
	c.ID = 7
	c.Adjustment = c.ReferenceValue - c.SensorValue
	return nil
}

type fakeHub struct{}

func (fakeHub) GetClientCount() int { return 3 }

func (fakeHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

type fixture struct {
	router  *gin.Engine
	ingest  *fakeIngester
	store   *fakeStore
	queue   *fakeQueue
	calib   *fakeCalibrator
	tracker *services.StatusTracker
}

func newFixture(t *testing.T, readingsCache *cache.Cache) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		ingest: &fakeIngester{},
		store:  &fakeStore{},
		queue:  &fakeQueue{running: true},
		calib:  &fakeCalibrator{},
		tracker: services.NewStatusTracker(models.StatusConfig{
			SensorTimeoutSec:     120,
			GatewayTimeoutSec:    60,
			WarningThresholdSec:  60,
			CheckIntervalSec:     30,
			HeartbeatHistorySize: 10,
		}, nil, logger),
	}
	h := New(f.ingest, f.store, f.queue, f.calib, f.tracker, readingsCache, fakeHub{}, logger)

	r := gin.New()
	r.GET("/health", h.GetSystemHealth)
	api := r.Group("/api")
	api.POST("/telemetry", h.PostTelemetry)
	api.POST("/readings/manual", h.PostManualReading)
	api.POST("/calibration", h.PostCalibration)
	api.GET("/readings/latest", h.GetLatestReadings)
	api.GET("/readings/processed", h.GetProcessedReadings)
	api.GET("/events", h.GetEvents)
	api.GET("/queue/stats", h.GetQueueStats)
	api.GET("/queue/failed", h.GetFailedJobs)
	api.POST("/gateways/:id/heartbeat", h.PostGatewayHeartbeat)
	api.GET("/status", h.GetStatusSummary)
	api.DELETE("/status", h.ClearAllStatus)
	api.GET("/status/sensors/:id", h.GetSensorStatus)
	api.DELETE("/status/sensors/:id", h.ClearSensorStatus)
	api.GET("/status/gateways/:id", h.GetGatewayStatus)
	api.GET("/status/config", h.GetStatusConfig)
	api.PUT("/status/config", h.UpdateStatusConfig)
	f.router = r
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestPostTelemetry(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"individual", `{"mac":"20:6E:F1:6B:77:58","type":"distance_cm","value":24480}`, nil, http.StatusAccepted},
		{"aggregated", `{"node_mac":"20:6E:F1:6B:77:58","datetime":"2025-03-01T11:59:30Z","data":[{"label":"distance_cm","value":244.8}]}`, nil, http.StatusAccepted},
		{"malformed", `{"mac":`, nil, http.StatusBadRequest},
		{"bad mac", `{"mac":"nope","type":"distance_cm","value":1}`, nil, http.StatusBadRequest},
		{"unknown sensor", `{"mac":"AA:BB:CC:DD:EE:FF","type":"distance_cm","value":1}`, fmt.Errorf("%w: mac=AA:BB:CC:DD:EE:FF", registry.ErrUnknownSensor), http.StatusNotFound},
		{"store down", `{"mac":"20:6E:F1:6B:77:58","type":"distance_cm","value":1}`, errors.New("connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.ingest.err = tt.err
			w := f.do(http.MethodPost, "/api/telemetry", tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestPostManualReading(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/api/readings/manual", `{"sensor_id":"SEN_CON_01","value":251.5,"author":"ops","note":"tape"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	r := f.ingest.readings[0]
	if r.Mode != models.ModeManual || r.Source != models.SourceUser || r.Author != "ops" || r.Value != 251.5 {
		t.Fatalf("unexpected reading %+v", r)
	}

	if w := f.do(http.MethodPost, "/api/readings/manual", `{"sensor_id":"SEN_CON_01"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing value should be rejected, got %d", w.Code)
	}
}

func TestGatewayHeartbeat(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/api/gateways/GW_NORTH/heartbeat", `{"mac":"AA:00:00:00:00:01","sensors_relayed":4}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(http.MethodGet, "/api/status/gateways/GW_NORTH", "")
	body := decode(t, w)
	if body["status"] != models.StatusOnline {
		t.Fatalf("expected gateway online, got %v", body["status"])
	}

	if w := f.do(http.MethodPost, "/api/gateways/GW_SOUTH/heartbeat", ""); w.Code != http.StatusOK {
		t.Fatalf("empty heartbeat body should be accepted, got %d", w.Code)
	}
}

func TestLatestReadingsUsesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	f := newFixture(t, cache.New(client, time.Minute, nil))
	f.store.latest = []models.ProcessedReading{{ElementID: "RCON", Variable: models.VariableDistance, Value: 320}}

	first := decode(t, f.do(http.MethodGet, "/api/readings/latest?element_id=RCON", ""))
	second := decode(t, f.do(http.MethodGet, "/api/readings/latest?element_id=RCON", ""))
	if first["cached"] != false || second["cached"] != true {
		t.Fatalf("expected miss then hit, got %v then %v", first["cached"], second["cached"])
	}
	if f.store.latestCalls != 1 {
		t.Fatalf("store should be queried once, got %d", f.store.latestCalls)
	}
	if second["count"] != float64(1) {
		t.Fatalf("unexpected cached payload %v", second)
	}
}

func TestLatestReadingsWithoutCache(t *testing.T) {
	f := newFixture(t, nil)

	body := decode(t, f.do(http.MethodGet, "/api/readings/latest", ""))
	if body["count"] != float64(0) || body["cached"] != false {
		t.Fatalf("unexpected response %v", body)
	}
}

func TestProcessedReadingsRequiresSeries(t *testing.T) {
	f := newFixture(t, nil)
	if w := f.do(http.MethodGet, "/api/readings/processed?element_id=RCON", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/api/readings/processed?element_id=RCON&variable=distance_cm", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestGetEventsClampsLimit(t *testing.T) {
	f := newFixture(t, nil)
	f.do(http.MethodGet, "/api/events?limit=5000", "")
	if f.store.eventLimit != 50 {
		t.Fatalf("out of range limit should fall back to 50, got %d", f.store.eventLimit)
	}
	f.do(http.MethodGet, "/api/events?limit=10&type=LEAK", "")
	if f.store.eventLimit != 10 {
		t.Fatalf("expected limit 10, got %d", f.store.eventLimit)
	}
}

func TestQueueEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	stats := decode(t, f.do(http.MethodGet, "/api/queue/stats", ""))
	if stats["running"] != true {
		t.Fatalf("unexpected stats %v", stats)
	}
	failed := decode(t, f.do(http.MethodGet, "/api/queue/failed", ""))
	if failed["count"] != float64(1) {
		t.Fatalf("unexpected failed jobs %v", failed)
	}
}

func TestUpdateStatusConfig(t *testing.T) {
	f := newFixture(t, nil)

	if w := f.do(http.MethodPut, "/api/status/config", `{"sensor_timeout_sec":5}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range timeout, got %d", w.Code)
	}

	w := f.do(http.MethodPut, "/api/status/config", `{"sensor_timeout_sec":300}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if cfg := f.tracker.Config(); cfg.SensorTimeoutSec != 300 || cfg.GatewayTimeoutSec != 60 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestClearStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.RecordSensorHeartbeat("SEN_CON_01", models.HeartbeatData{})

	if w := f.do(http.MethodDelete, "/api/status/sensors/NOPE", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for untracked sensor, got %d", w.Code)
	}
	if w := f.do(http.MethodDelete, "/api/status/sensors/SEN_CON_01", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decode(t, f.do(http.MethodGet, "/api/status/sensors/SEN_CON_01", ""))
	if body["status"] != models.StatusUnknown {
		t.Fatalf("cleared sensor should be unknown, got %v", body["status"])
	}

	f.tracker.RecordGatewayHeartbeat("GW_NORTH", models.HeartbeatData{})
	f.do(http.MethodDelete, "/api/status", "")
	if len(f.tracker.AllGateways()) != 0 {
		t.Fatal("expected every record cleared")
	}
}

func TestSystemHealth(t *testing.T) {
	f := newFixture(t, nil)
	if w := f.do(http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	f.queue.running = false
	if body := decode(t, f.do(http.MethodGet, "/health", "")); body["status"] != "degraded" {
		t.Fatalf("stopped queue should degrade health, got %v", body["status"])
	}

	f.store.pingErr = errors.New("connection refused")
	if w := f.do(http.MethodGet, "/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the database is down, got %d", w.Code)
	}
}

func TestPostCalibration(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"applied", `{"sensor_id":"SEN_CON_01","reference_value":250,"sensor_value":247.5,"author":"ops"}`, nil, http.StatusOK},
		{"missing value", `{"sensor_id":"SEN_CON_01","reference_value":250,"author":"ops"}`, nil, http.StatusBadRequest},
		{"rejected", `{"sensor_id":"SEN_CON_01","reference_value":250,"sensor_value":1,"author":"ops","type":"guess"}`, fmt.Errorf("%w: bad type", services.ErrInvalidCalibration), http.StatusBadRequest},
		{"unknown sensor", `{"sensor_id":"NOPE","reference_value":1,"sensor_value":1,"author":"ops"}`, fmt.Errorf("%w: id=NOPE", registry.ErrUnknownSensor), http.StatusNotFound},
		{"store down", `{"sensor_id":"SEN_CON_01","reference_value":1,"sensor_value":1,"author":"ops"}`, errors.New("connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.calib.err = tt.err
			w := f.do(http.MethodPost, "/api/calibration", tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.status != http.StatusOK {
				return
			}
			body := decode(t, w)
			if body["adjustment"] != 2.5 || body["calibration_id"] != float64(7) {
				t.Fatalf("unexpected response %v", body)
			}
		})
	}
}
