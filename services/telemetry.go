package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"hydrotrack/models"
)

// ErrInvalidTelemetry is returned for payloads that fail validation
var ErrInvalidTelemetry = errors.New("invalid telemetry")

// Telemetry payload formats
const (
	FormatIndividual = "individual"
	FormatAggregated = "aggregated"
)

// maxClockSkew bounds how far an aggregated frame timestamp may be from server time
const maxClockSkew = time.Hour

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// IndividualTelemetry is the per-variable frame sent by node firmware.
// Distance values arrive in hundredths of a centimeter.
type IndividualTelemetry struct {
	MAC     string   `json:"mac"`
	Type    string   `json:"type"`
	Value   *float64 `json:"value"`
	Battery *float64 `json:"battery,omitempty"`
	RSSI    *float64 `json:"rssi,omitempty"`
	Uptime  *float64 `json:"uptime,omitempty"`
}

// AggregatedTelemetry carries several labelled values of one node
type AggregatedTelemetry struct {
	NodeMAC  string                 `json:"node_mac"`
	Datetime string                 `json:"datetime"`
	Data     []TelemetryItem        `json:"data"`
	Meta     map[string]interface{} `json:"meta,omitempty"`
}

// TelemetryItem is one labelled value of an aggregated frame
type TelemetryItem struct {
	Label string   `json:"label"`
	Value *float64 `json:"value"`
	Unit  string   `json:"unit,omitempty"`
}

// Telemetry is a decoded payload normalized into readings
type Telemetry struct {
	Format   string
	MAC      string
	Readings []Reading
}

// Reading is one value submitted to the ingest path. Either SensorID or
// MAC plus Variable identify the sensor.
type Reading struct {
	SensorID    string
	MAC         string
	Variable    string
	Value       float64
	Unit        string
	Meta        map[string]interface{}
	Source      string
	Author      string
	Mode        string
	Note        string
	Timestamp   time.Time
	Diagnostics models.HeartbeatData
}

// ParseTelemetry detects the payload format and validates it. Individual
// frames are stamped with now since the firmware carries no clock.
func ParseTelemetry(body []byte, now time.Time) (*Telemetry, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTelemetry, err)
	}

	_, hasMAC := fields["mac"]
	_, hasType := fields["type"]
	if hasMAC && hasType {
		var frame IndividualTelemetry
		if err := json.Unmarshal(body, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTelemetry, err)
		}
		return parseIndividual(frame, now)
	}

	var frame AggregatedTelemetry
	if err := json.Unmarshal(body, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTelemetry, err)
	}
	return parseAggregated(frame, now)
}

func parseIndividual(f IndividualTelemetry, now time.Time) (*Telemetry, error) {
	if !macPattern.MatchString(f.MAC) {
		return nil, fmt.Errorf("%w: mac %q is not AA:BB:CC:DD:EE:FF", ErrInvalidTelemetry, f.MAC)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidTelemetry)
	}
	if f.Value == nil || !finite(*f.Value) {
		return nil, fmt.Errorf("%w: value must be a finite number", ErrInvalidTelemetry)
	}

	value := *f.Value
	if f.Type == models.VariableDistance {
		value = value / 100
	} else if models.IsBooleanVariable(f.Type) && value != 0 && value != 1 {
		return nil, fmt.Errorf("%w: %s must be 0 or 1", ErrInvalidTelemetry, f.Type)
	}

	mac := strings.ToUpper(f.MAC)
	meta := map[string]interface{}{
		"node_mac":  mac,
		"raw_value": *f.Value,
	}
	if f.Battery != nil {
		meta["battery_mv"] = *f.Battery
	}
	if f.RSSI != nil {
		meta["rssi_dbm"] = *f.RSSI
	}
	if f.Uptime != nil {
		meta["uptime_sec"] = *f.Uptime
	}

	return &Telemetry{
		Format: FormatIndividual,
		MAC:    mac,
		Readings: []Reading{{
			MAC:       mac,
			Variable:  f.Type,
			Value:     value,
			Unit:      UnitFor(f.Type),
			Meta:      meta,
			Source:    models.SourceSensor,
			Author:    mac,
			Mode:      models.ModeAutomatic,
			Timestamp: now,
			Diagnostics: models.HeartbeatData{
				MAC:     mac,
				RSSI:    f.RSSI,
				Battery: f.Battery,
				Uptime:  f.Uptime,
			},
		}},
	}, nil
}

func parseAggregated(f AggregatedTelemetry, now time.Time) (*Telemetry, error) {
	if !macPattern.MatchString(f.NodeMAC) {
		return nil, fmt.Errorf("%w: node_mac %q is not AA:BB:CC:DD:EE:FF", ErrInvalidTelemetry, f.NodeMAC)
	}
	ts, err := time.Parse(time.RFC3339, f.Datetime)
	if err != nil {
		return nil, fmt.Errorf("%w: datetime must be ISO8601: %v", ErrInvalidTelemetry, err)
	}
	if skew := now.Sub(ts); skew > maxClockSkew || skew < -maxClockSkew {
		return nil, fmt.Errorf("%w: datetime is more than %s away from server time", ErrInvalidTelemetry, maxClockSkew)
	}
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("%w: data must contain at least one reading", ErrInvalidTelemetry)
	}

	mac := strings.ToUpper(f.NodeMAC)
	diag := models.HeartbeatData{
		MAC:     mac,
		RSSI:    metaFloat(f.Meta, "rssi"),
		Battery: metaFloat(f.Meta, "battery"),
		Uptime:  metaFloat(f.Meta, "uptime"),
	}

	t := &Telemetry{Format: FormatAggregated, MAC: mac}
	for i, item := range f.Data {
		if item.Label == "" {
			return nil, fmt.Errorf("%w: data[%d].label is required", ErrInvalidTelemetry, i)
		}
		if item.Value == nil || !finite(*item.Value) {
			return nil, fmt.Errorf("%w: data[%d].value must be a finite number", ErrInvalidTelemetry, i)
		}
		unit := item.Unit
		if unit == "" {
			unit = UnitFor(item.Label)
		}
		meta := map[string]interface{}{"node_mac": mac}
		for k, v := range f.Meta {
			meta[k] = v
		}
		t.Readings = append(t.Readings, Reading{
			MAC:         mac,
			Variable:    item.Label,
			Value:       *item.Value,
			Unit:        unit,
			Meta:        meta,
			Source:      models.SourceSensor,
			Author:      mac,
			Mode:        models.ModeAutomatic,
			Timestamp:   ts,
			Diagnostics: diag,
		})
	}
	return t, nil
}

func metaFloat(meta map[string]interface{}, key string) *float64 {
	if v, ok := meta[key].(float64); ok {
		return &v
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
