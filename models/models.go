package models

import (
	"math"
	"time"
)

// Reading sources
const (
	SourceSensor = "sensor"
	SourceUser   = "user"
	SourceSystem = "system"
)

// Reading modes
const (
	ModeAutomatic = "automatic"
	ModeManual    = "manual"
)

// Known variables reported by the field nodes
const (
	VariableDistance = "distance_cm"
	VariableLevel    = "level_cm"
	VariableValveIn  = "valve_in"
	VariableValveOut = "valve_out"
	VariableSoundIn  = "sound_in"
)

// IsLevelVariable reports whether the variable measures water level and
// therefore carries volume semantics.
func IsLevelVariable(variable string) bool {
	return variable == VariableDistance || variable == VariableLevel
}

// IsBooleanVariable reports whether the variable is a discrete on/off state.
func IsBooleanVariable(variable string) bool {
	switch variable {
	case VariableValveIn, VariableValveOut, VariableSoundIn:
		return true
	}
	return false
}

// RawReading is one physical measurement exactly as it was accepted
type RawReading struct {
	ID        int64                  `json:"id" db:"id"`
	SensorID  string                 `json:"sensor_id" db:"sensor_id"`
	ElementID string                 `json:"element_id" db:"element_id"`
	Variable  string                 `json:"variable" db:"variable"`
	Value     float64                `json:"value" db:"value"`
	Unit      string                 `json:"unit" db:"unit"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"`
	Source    string                 `json:"source" db:"source"`
	Author    string                 `json:"author" db:"author"`
	Mode      string                 `json:"mode" db:"mode"`
	Note      string                 `json:"note,omitempty" db:"note"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// ProcessedReading is a compressed point representing a stable interval
type ProcessedReading struct {
	ID        int64                  `json:"id" db:"id"`
	ElementID string                 `json:"element_id" db:"element_id"`
	Variable  string                 `json:"variable" db:"variable"`
	Value     float64                `json:"value" db:"value"`
	Unit      string                 `json:"unit" db:"unit"`
	VolumeM3  *float64               `json:"volume_m3" db:"volume_m3"`
	Percent   *float64               `json:"percent" db:"percent"`
	Criterion string                 `json:"criterion" db:"criterion"`
	Variation float64                `json:"variation" db:"variation"`
	StartTime time.Time              `json:"start_time" db:"start_time"`
	EndTime   time.Time              `json:"end_time" db:"end_time"`
	Source    string                 `json:"source" db:"source"`
	Author    string                 `json:"author" db:"author"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"`
}

// Reservoir shapes
const (
	ShapeCylindrical = "cylindrical"
	ShapeRectangular = "rectangular"
)

// Geometry describes a reservoir. All lengths are centimeters.
type Geometry struct {
	Shape      string  `json:"shape" yaml:"shape"`
	MaxLevelCM float64 `json:"max_level_cm" yaml:"max_level_cm"`
	OffsetCM   float64 `json:"offset_cm" yaml:"offset_cm"`
	DiameterCM float64 `json:"diameter_cm,omitempty" yaml:"diameter_cm"`
	LengthCM   float64 `json:"length_cm,omitempty" yaml:"length_cm"`
	WidthCM    float64 `json:"width_cm,omitempty" yaml:"width_cm"`
}

// BaseAreaM2 returns the horizontal cross-section area in square meters
func (g Geometry) BaseAreaM2() float64 {
	switch g.Shape {
	case ShapeCylindrical:
		r := g.DiameterCM / 2 / 100
		return math.Pi * r * r
	case ShapeRectangular:
		return (g.LengthCM / 100) * (g.WidthCM / 100)
	}
	return 0
}

// UsableHeightCM is the water column height between the offset and the max level
func (g Geometry) UsableHeightCM() float64 {
	return g.MaxLevelCM - g.OffsetCM
}

// MaxVolumeM3 returns the volume of the reservoir when full
func (g Geometry) MaxVolumeM3() float64 {
	h := g.UsableHeightCM()
	if h <= 0 {
		return 0
	}
	return g.BaseAreaM2() * h / 100
}

// Element kinds
const (
	ElementStorage     = "storage"
	ElementFireReserve = "fire_reserve"
)

// Element is a monitored reservoir with optional detector overrides
type Element struct {
	ID       string    `json:"element_id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	Kind     string    `json:"kind" yaml:"kind"`
	Geometry *Geometry `json:"geometry,omitempty" yaml:"geometry"`

	LeakWindow      time.Duration `json:"leak_window,omitempty" yaml:"leak_window"`
	LeakRateLPH     *float64      `json:"leak_rate_lph,omitempty" yaml:"leak_rate_lph"`
	CriticalPercent *float64      `json:"critical_percent,omitempty" yaml:"critical_percent"`
	CriticalWindow  time.Duration `json:"critical_window,omitempty" yaml:"critical_window"`
}

// IsFireReserve reports whether the element holds emergency firefighting water
func (e *Element) IsFireReserve() bool {
	return e != nil && e.Kind == ElementFireReserve
}

// Sensor maps a node MAC and variable to a reservoir element
type Sensor struct {
	ID                string  `json:"sensor_id" yaml:"id"`
	ElementID         string  `json:"element_id" yaml:"element_id"`
	NodeMAC           string  `json:"node_mac" yaml:"node_mac"`
	Variable          string  `json:"variable" yaml:"variable"`
	CalibrationOffset float64 `json:"calibration_offset" yaml:"calibration_offset"`
	Active            bool    `json:"active" yaml:"active"`
}

// Calibration kinds
const (
	CalibrationManual    = "manual"
	CalibrationAutomatic = "automatic"
)

// Calibration records a field check of a sensor against a reference value.
// Adjustment becomes the sensor's calibration offset.
type Calibration struct {
	ID             int64     `json:"id" db:"id"`
	SensorID       string    `json:"sensor_id" db:"sensor_id"`
	ElementID      string    `json:"element_id" db:"element_id"`
	Author         string    `json:"author" db:"author"`
	ReferenceValue float64   `json:"reference_value" db:"reference_value"`
	SensorValue    float64   `json:"sensor_value" db:"sensor_value"`
	Adjustment     float64   `json:"adjustment" db:"adjustment"`
	Type           string    `json:"type" db:"type"`
	Note           string    `json:"note,omitempty" db:"note"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Event types
const (
	EventSupply        = "SUPPLY"
	EventLeak          = "LEAK"
	EventCriticalLevel = "CRITICAL_LEVEL"
)

// Event represents a detected operational occurrence
type Event struct {
	ID            int64                  `json:"id" db:"id"`
	Type          string                 `json:"type" db:"type"`
	ElementID     string                 `json:"element_id" db:"element_id"`
	Detail        map[string]interface{} `json:"detail" db:"detail"`
	ProbableCause string                 `json:"probable_cause" db:"probable_cause"`
	Confidence    float64                `json:"confidence" db:"confidence"`
	DetectedBy    string                 `json:"detected_by" db:"detected_by"`
	StartTime     time.Time              `json:"start_time" db:"start_time"`
	EndTime       time.Time              `json:"end_time" db:"end_time"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
}

// Connectivity states
const (
	StatusUnknown = "unknown"
	StatusOnline  = "online"
	StatusWarning = "warning"
	StatusOffline = "offline"
)

// Tracked entity kinds
const (
	EntitySensor  = "sensor"
	EntityGateway = "gateway"
)

// Heartbeat is one diagnostic sample kept in a bounded history
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
	RSSI      *float64  `json:"rssi,omitempty"`
	Battery   *float64  `json:"battery,omitempty"`
}

// HeartbeatData carries the optional diagnostics of a heartbeat
type HeartbeatData struct {
	MAC       string   `json:"mac,omitempty"`
	ElementID string   `json:"element_id,omitempty"`
	RSSI      *float64 `json:"rssi,omitempty"`
	Battery   *float64 `json:"battery,omitempty"`
	Uptime    *float64 `json:"uptime,omitempty"`
	Value     *float64 `json:"value,omitempty"`
	IPAddress string   `json:"ip_address,omitempty"`
	Relayed   int      `json:"sensors_relayed,omitempty"`
}

// EntityStatus is the in-memory connectivity record of a sensor or gateway
type EntityStatus struct {
	ID                  string        `json:"id"`
	Kind                string        `json:"kind"`
	MAC                 string        `json:"mac,omitempty"`
	ElementID           string        `json:"element_id,omitempty"`
	Status              string        `json:"status"`
	LastSeen            *time.Time    `json:"last_seen,omitempty"`
	ElapsedSec          *int64        `json:"elapsed_sec,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Data                HeartbeatData `json:"data"`
	History             []Heartbeat   `json:"history,omitempty"`
	Message             string        `json:"message,omitempty"`
}

// StatusCounts aggregates entities per state
type StatusCounts struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Warning int `json:"warning"`
	Offline int `json:"offline"`
	Unknown int `json:"unknown"`
}

// StatusSummary is the aggregate view returned to operators
type StatusSummary struct {
	SystemStatus string       `json:"system_status"`
	Timestamp    time.Time    `json:"timestamp"`
	Config       StatusConfig `json:"config"`
	Sensors      StatusCounts `json:"sensors"`
	Gateways     StatusCounts `json:"gateways"`
}

// StatusConfig holds status tracker thresholds, in seconds
type StatusConfig struct {
	SensorTimeoutSec     int `json:"sensor_timeout_sec"`
	GatewayTimeoutSec    int `json:"gateway_timeout_sec"`
	WarningThresholdSec  int `json:"warning_threshold_sec"`
	CheckIntervalSec     int `json:"check_interval_sec"`
	HeartbeatHistorySize int `json:"heartbeat_history_size"`
}

// Job states
const (
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job priorities; lower runs first
const (
	PriorityHigh = 1
	PriorityLow  = 2
)

// CompressionRequest is the payload handed to the compression engine
type CompressionRequest struct {
	Sensor    Sensor    `json:"sensor"`
	Element   *Element  `json:"element,omitempty"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Key identifies the (element, variable) series of the request
func (r CompressionRequest) Key() string {
	return r.Sensor.ElementID + "/" + r.Sensor.Variable
}

// Job is a unit of asynchronous compression work
type Job struct {
	ID         string             `json:"id"`
	Key        string             `json:"key"`
	Priority   int                `json:"priority"`
	Payload    CompressionRequest `json:"payload"`
	Attempts   int                `json:"attempts"`
	State      string             `json:"state"`
	LastError  string             `json:"last_error,omitempty"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// QueueStats reports job counts per state
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// Domain event kinds published on the bus
const (
	DomainProcessedReading = "processed_reading"
	DomainEvent            = "event"
	DomainStatusChange     = "status_change"
)

// StatusChange describes a connectivity transition
type StatusChange struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	PreviousStatus string    `json:"previous_status"`
	Status         string    `json:"status"`
	ElapsedSec     int64     `json:"elapsed_sec"`
	Recovered      bool      `json:"recovered"`
	At             time.Time `json:"at"`
}

// BusMessage is a typed domain event consumed by the fan-out stage
type BusMessage struct {
	Kind      string      `json:"kind"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// WebSocketMessage represents a message sent to WebSocket clients
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// IngestResult reports what happened to one submitted reading
type IngestResult struct {
	SensorID  string  `json:"sensor_id"`
	Variable  string  `json:"variable"`
	Value     float64 `json:"value"`
	RawID     int64   `json:"raw_id,omitempty"`
	Duplicate bool    `json:"duplicate"`
	JobID     string  `json:"job_id,omitempty"`
	Inline    bool    `json:"processed_inline,omitempty"`
}
