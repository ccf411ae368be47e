package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"hydrotrack/config"
	"hydrotrack/metrics"
	"hydrotrack/models"
)

const (
	minStatusSeconds = 10
	maxStatusSeconds = 86400
	maxHistorySize   = 1000
)

// System health levels reported by Summary
const (
	SystemHealthy  = "healthy"
	SystemDegraded = "degraded"
	SystemCritical = "critical"
)

// HeartbeatWindow keeps the most recent heartbeats of one entity
type HeartbeatWindow struct {
	beats    []models.Heartbeat
	maxSize  int
	position int
	full     bool
}

// NewHeartbeatWindow creates a new heartbeat window
func NewHeartbeatWindow(maxSize int) *HeartbeatWindow {
	if maxSize < 1 {
		maxSize = 1
	}
	return &HeartbeatWindow{
		beats:   make([]models.Heartbeat, maxSize),
		maxSize: maxSize,
	}
}

// Add adds a heartbeat to the window
func (w *HeartbeatWindow) Add(hb models.Heartbeat) {
	w.beats[w.position] = hb
	w.position = (w.position + 1) % w.maxSize
	if !w.full && w.position == 0 {
		w.full = true
	}
}

// Beats returns the heartbeats oldest first
func (w *HeartbeatWindow) Beats() []models.Heartbeat {
	if !w.full {
		return append([]models.Heartbeat(nil), w.beats[:w.position]...)
	}

	result := make([]models.Heartbeat, w.maxSize)
	for i := 0; i < w.maxSize; i++ {
		result[i] = w.beats[(w.position+i)%w.maxSize]
	}
	return result
}

// Resize returns a window of the new size holding the most recent heartbeats
func (w *HeartbeatWindow) Resize(maxSize int) *HeartbeatWindow {
	next := NewHeartbeatWindow(maxSize)
	beats := w.Beats()
	if len(beats) > next.maxSize {
		beats = beats[len(beats)-next.maxSize:]
	}
	for _, hb := range beats {
		next.Add(hb)
	}
	return next
}

type trackedEntity struct {
	status   models.EntityStatus
	lastSeen time.Time
	history  *HeartbeatWindow
}

// StatusTracker maintains the connectivity state of sensors and gateways
type StatusTracker struct {
	mu       sync.RWMutex
	cfg      models.StatusConfig
	sensors  map[string]*trackedEntity
	gateways map[string]*trackedEntity

	bus    Publisher
	logger *slog.Logger
	now    func() time.Time
	reload chan time.Duration
}

// StatusConfigFrom converts the application status settings
func StatusConfigFrom(c config.StatusConfig) models.StatusConfig {
	return models.StatusConfig{
		SensorTimeoutSec:     int(c.SensorTimeout / time.Second),
		GatewayTimeoutSec:    int(c.GatewayTimeout / time.Second),
		WarningThresholdSec:  int(c.WarningThreshold / time.Second),
		CheckIntervalSec:     int(c.SweepInterval / time.Second),
		HeartbeatHistorySize: c.HistorySize,
	}
}

// NewStatusTracker creates a new status tracker
func NewStatusTracker(cfg models.StatusConfig, bus Publisher, logger *slog.Logger) *StatusTracker {
	if bus == nil {
		bus = nopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatHistorySize < 1 {
		cfg.HeartbeatHistorySize = 10
	}
	return &StatusTracker{
		cfg:      cfg,
		sensors:  make(map[string]*trackedEntity),
		gateways: make(map[string]*trackedEntity),
		bus:      bus,
		logger:   logger.With("component", "status_tracker"),
		now:      time.Now,
		reload:   make(chan time.Duration, 1),
	}
}

// RecordSensorHeartbeat marks the sensor online. It reports whether the
// sensor recovered from warning or offline.
func (t *StatusTracker) RecordSensorHeartbeat(sensorID string, data models.HeartbeatData) (models.EntityStatus, bool) {
	return t.record(models.EntitySensor, sensorID, data)
}

// RecordGatewayHeartbeat marks the gateway online. It reports whether the
// gateway recovered from warning or offline.
func (t *StatusTracker) RecordGatewayHeartbeat(gatewayID string, data models.HeartbeatData) (models.EntityStatus, bool) {
	return t.record(models.EntityGateway, gatewayID, data)
}

func (t *StatusTracker) record(kind, id string, data models.HeartbeatData) (models.EntityStatus, bool) {
	now := t.now()

	t.mu.Lock()
	entity := t.entity(kind, id)
	previous := entity.status.Status
	recovered := previous == models.StatusWarning || previous == models.StatusOffline

	entity.lastSeen = now
	seen := now
	elapsed := int64(0)
	entity.status.Status = models.StatusOnline
	entity.status.LastSeen = &seen
	entity.status.ElapsedSec = &elapsed
	entity.status.ConsecutiveFailures = 0
	entity.status.Message = ""
	mergeHeartbeatData(&entity.status, data)
	entity.history.Add(models.Heartbeat{Timestamp: now, RSSI: data.RSSI, Battery: data.Battery})

	snapshot := entity.snapshot()
	t.mu.Unlock()

	if previous != models.StatusOnline {
		t.announce(models.StatusChange{
			ID:             id,
			Kind:           kind,
			PreviousStatus: previous,
			Status:         models.StatusOnline,
			Recovered:      recovered,
			At:             now,
		})
	}
	if recovered {
		t.logger.Info("entity recovered", "kind", kind, "id", id, "previous_status", previous)
	}
	return snapshot, recovered
}

func mergeHeartbeatData(status *models.EntityStatus, data models.HeartbeatData) {
	if data.MAC != "" {
		status.MAC = data.MAC
		status.Data.MAC = data.MAC
	}
	if data.ElementID != "" {
		status.ElementID = data.ElementID
		status.Data.ElementID = data.ElementID
	}
	if data.RSSI != nil {
		status.Data.RSSI = data.RSSI
	}
	if data.Battery != nil {
		status.Data.Battery = data.Battery
	}
	if data.Uptime != nil {
		status.Data.Uptime = data.Uptime
	}
	if data.Value != nil {
		status.Data.Value = data.Value
	}
	if data.IPAddress != "" {
		status.Data.IPAddress = data.IPAddress
	}
	if data.Relayed > 0 {
		status.Data.Relayed = data.Relayed
	}
}

// entity returns the tracked record, creating it as unknown. Caller holds t.mu.
func (t *StatusTracker) entity(kind, id string) *trackedEntity {
	store := t.sensors
	if kind == models.EntityGateway {
		store = t.gateways
	}
	entity, ok := store[id]
	if !ok {
		entity = &trackedEntity{
			status:  models.EntityStatus{ID: id, Kind: kind, Status: models.StatusUnknown},
			history: NewHeartbeatWindow(t.cfg.HeartbeatHistorySize),
		}
		store[id] = entity
	}
	return entity
}

func (e *trackedEntity) snapshot() models.EntityStatus {
	s := e.status
	s.History = e.history.Beats()
	return s
}

// Sweep re-evaluates every seen entity against the timeouts
func (t *StatusTracker) Sweep() {
	now := t.now()

	t.mu.Lock()
	cfg := t.cfg
	var changes []models.StatusChange
	changes = append(changes, t.sweep(t.sensors, time.Duration(cfg.SensorTimeoutSec)*time.Second, now)...)
	changes = append(changes, t.sweep(t.gateways, time.Duration(cfg.GatewayTimeoutSec)*time.Second, now)...)
	t.mu.Unlock()

	for _, c := range changes {
		t.announce(c)
	}
}

func (t *StatusTracker) sweep(store map[string]*trackedEntity, timeout time.Duration, now time.Time) []models.StatusChange {
	warning := time.Duration(t.cfg.WarningThresholdSec) * time.Second
	var changes []models.StatusChange

	for id, entity := range store {
		if entity.status.LastSeen == nil {
			continue
		}
		elapsed := now.Sub(entity.lastSeen)
		sec := int64(elapsed / time.Second)
		entity.status.ElapsedSec = &sec

		previous := entity.status.Status
		next := models.StatusOnline
		switch {
		case elapsed > timeout:
			next = models.StatusOffline
			entity.status.ConsecutiveFailures++
			entity.status.Message = fmt.Sprintf("no heartbeat for %ds", sec)
		case elapsed > warning:
			next = models.StatusWarning
			entity.status.Message = fmt.Sprintf("last heartbeat %ds ago", sec)
		}
		entity.status.Status = next

		if next != previous {
			changes = append(changes, models.StatusChange{
				ID:             id,
				Kind:           entity.status.Kind,
				PreviousStatus: previous,
				Status:         next,
				ElapsedSec:     sec,
				At:             now,
			})
		}
	}
	return changes
}

func (t *StatusTracker) announce(change models.StatusChange) {
	metrics.StatusTransitions.WithLabelValues(change.Kind, change.Status).Inc()
	if change.Status == models.StatusOffline {
		t.logger.Warn("entity offline", "kind", change.Kind, "id", change.ID, "elapsed_sec", change.ElapsedSec)
	}
	publish(t.bus, models.DomainStatusChange, change, change.At)
}

// Run sweeps periodically until ctx is cancelled. Interval changes made
// through UpdateConfig take effect on the next tick.
func (t *StatusTracker) Run(ctx context.Context) {
	interval := t.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logger.Info("status tracker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("status tracker stopped")
			return
		case d := <-t.reload:
			ticker.Reset(d)
			t.logger.Info("status sweep interval updated", "interval", d)
		case <-ticker.C:
			t.Sweep()
		}
	}
}

func (t *StatusTracker) interval() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Duration(t.cfg.CheckIntervalSec) * time.Second
}

// SensorStatus returns the status of a sensor; never-seen sensors are unknown
func (t *StatusTracker) SensorStatus(id string) models.EntityStatus {
	return t.lookup(models.EntitySensor, id)
}

// GatewayStatus returns the status of a gateway; never-seen gateways are unknown
func (t *StatusTracker) GatewayStatus(id string) models.EntityStatus {
	return t.lookup(models.EntityGateway, id)
}

func (t *StatusTracker) lookup(kind, id string) models.EntityStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	store := t.sensors
	if kind == models.EntityGateway {
		store = t.gateways
	}
	if entity, ok := store[id]; ok {
		return entity.snapshot()
	}
	return models.EntityStatus{ID: id, Kind: kind, Status: models.StatusUnknown, Message: "never seen"}
}

// AllSensors returns every tracked sensor ordered by id
func (t *StatusTracker) AllSensors() []models.EntityStatus {
	return t.all(models.EntitySensor)
}

// AllGateways returns every tracked gateway ordered by id
func (t *StatusTracker) AllGateways() []models.EntityStatus {
	return t.all(models.EntityGateway)
}

func (t *StatusTracker) all(kind string) []models.EntityStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	store := t.sensors
	if kind == models.EntityGateway {
		store = t.gateways
	}
	out := make([]models.EntityStatus, 0, len(store))
	for _, entity := range store {
		out = append(out, entity.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summary aggregates entity counts. The system is critical when nothing is
// online although entities are tracked, degraded when anything is offline.
func (t *StatusTracker) Summary() models.StatusSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sensors := countStatuses(t.sensors)
	gateways := countStatuses(t.gateways)

	system := SystemHealthy
	total := sensors.Total + gateways.Total
	online := sensors.Online + gateways.Online
	switch {
	case total > 0 && online == 0:
		system = SystemCritical
	case sensors.Offline > 0 || gateways.Offline > 0:
		system = SystemDegraded
	}

	return models.StatusSummary{
		SystemStatus: system,
		Timestamp:    t.now(),
		Config:       t.cfg,
		Sensors:      sensors,
		Gateways:     gateways,
	}
}

func countStatuses(store map[string]*trackedEntity) models.StatusCounts {
	var c models.StatusCounts
	for _, entity := range store {
		c.Total++
		switch entity.status.Status {
		case models.StatusOnline:
			c.Online++
		case models.StatusWarning:
			c.Warning++
		case models.StatusOffline:
			c.Offline++
		default:
			c.Unknown++
		}
	}
	return c
}

// Config returns the current thresholds
func (t *StatusTracker) Config() models.StatusConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

// UpdateConfig applies the non-zero fields of update. Timeouts and the
// sweep interval must lie within 10..86400 seconds.
func (t *StatusTracker) UpdateConfig(update models.StatusConfig) (models.StatusConfig, error) {
	check := func(name string, v int) error {
		if v != 0 && (v < minStatusSeconds || v > maxStatusSeconds) {
			return fmt.Errorf("%w: %s must be between %d and %d seconds", config.ErrInvalidConfig, name, minStatusSeconds, maxStatusSeconds)
		}
		return nil
	}
	for name, v := range map[string]int{
		"sensor_timeout_sec":    update.SensorTimeoutSec,
		"gateway_timeout_sec":   update.GatewayTimeoutSec,
		"warning_threshold_sec": update.WarningThresholdSec,
		"check_interval_sec":    update.CheckIntervalSec,
	} {
		if err := check(name, v); err != nil {
			return models.StatusConfig{}, err
		}
	}
	if update.HeartbeatHistorySize < 0 || update.HeartbeatHistorySize > maxHistorySize {
		return models.StatusConfig{}, fmt.Errorf("%w: heartbeat_history_size must be between 1 and %d", config.ErrInvalidConfig, maxHistorySize)
	}

	t.mu.Lock()
	next := t.cfg
	if update.SensorTimeoutSec != 0 {
		next.SensorTimeoutSec = update.SensorTimeoutSec
	}
	if update.GatewayTimeoutSec != 0 {
		next.GatewayTimeoutSec = update.GatewayTimeoutSec
	}
	if update.WarningThresholdSec != 0 {
		next.WarningThresholdSec = update.WarningThresholdSec
	}
	if update.CheckIntervalSec != 0 {
		next.CheckIntervalSec = update.CheckIntervalSec
	}
	if next.WarningThresholdSec >= next.SensorTimeoutSec {
		t.mu.Unlock()
		return models.StatusConfig{}, fmt.Errorf("%w: warning_threshold_sec must be below sensor_timeout_sec", config.ErrInvalidConfig)
	}
	intervalChanged := next.CheckIntervalSec != t.cfg.CheckIntervalSec
	if update.HeartbeatHistorySize != 0 && update.HeartbeatHistorySize != t.cfg.HeartbeatHistorySize {
		next.HeartbeatHistorySize = update.HeartbeatHistorySize
		for _, store := range []map[string]*trackedEntity{t.sensors, t.gateways} {
			for _, entity := range store {
				entity.history = entity.history.Resize(update.HeartbeatHistorySize)
			}
		}
	}
	t.cfg = next
	cfg := t.cfg
	t.mu.Unlock()

	if intervalChanged {
		// keep only the newest interval; Run may have exited already
		select {
		case <-t.reload:
		default:
		}
		select {
		case t.reload <- time.Duration(cfg.CheckIntervalSec) * time.Second:
		default:
		}
	}

	t.logger.Info("status config updated", "config", cfg)
	return cfg, nil
}

// RegisterSensors adds known sensors as unknown so they appear before their
// first heartbeat. Already tracked sensors are left untouched.
func (t *StatusTracker) RegisterSensors(sensors []models.Sensor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range sensors {
		entity := t.entity(models.EntitySensor, s.ID)
		if entity.status.MAC == "" {
			entity.status.MAC = s.NodeMAC
		}
		if entity.status.ElementID == "" {
			entity.status.ElementID = s.ElementID
		}
	}
}

// RegisterGateways adds known gateways as unknown
func (t *StatusTracker) RegisterGateways(gateways map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, mac := range gateways {
		entity := t.entity(models.EntityGateway, id)
		if entity.status.MAC == "" {
			entity.status.MAC = mac
		}
	}
}

// ClearSensor forgets a sensor. It reports whether the sensor was tracked.
func (t *StatusTracker) ClearSensor(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sensors[id]
	delete(t.sensors, id)
	return ok
}

// ClearAll forgets every sensor and gateway
func (t *StatusTracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sensors = make(map[string]*trackedEntity)
	t.gateways = make(map[string]*trackedEntity)
	t.logger.Info("status tracker reset")
}
