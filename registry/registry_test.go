package registry

import (
	"errors"
	"testing"
	"time"

	"hydrotrack/models"
)

const sample = `
elements:
  - id: tank-a
    name: Main tank
    geometry:
      shape: Cylindrical
      max_level_cm: 450
      offset_cm: 20
      diameter_cm: 510
  - id: fire-1
    name: Fire reserve
    kind: fire_reserve
    critical_window: 15m
    geometry:
      shape: rectangular
      max_level_cm: 300
      length_cm: 400
      width_cm: 300
sensors:
  - id: s-level
    element_id: tank-a
    node_mac: aa:bb:cc:dd:ee:01
    variable: distance_cm
    calibration_offset: -1.5
  - id: s-valve
    element_id: tank-a
    node_mac: AA:BB:CC:DD:EE:01
    variable: valve_in
    active: false
gateways:
  - id: gw-1
    mac: "11:22:33:44:55:66"
`

func TestParseRegistry(t *testing.T) {
	r, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	s, err := r.IdentifySensor("AA:BB:CC:DD:EE:01", models.VariableDistance)
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if s.ID != "s-level" || s.CalibrationOffset != -1.5 || !s.Active {
		t.Fatalf("unexpected sensor %+v", s)
	}

	if _, err := r.IdentifySensor("AA:BB:CC:DD:EE:01", models.VariableValveIn); !errors.Is(err, ErrUnknownSensor) {
		t.Fatalf("expected inactive sensor to be unknown, got %v", err)
	}

	tank := r.Element("tank-a")
	if tank == nil || tank.Geometry.Shape != models.ShapeCylindrical {
		t.Fatalf("expected normalized cylindrical shape, got %+v", tank)
	}
	if tank.Kind != models.ElementStorage {
		t.Fatalf("expected default kind storage, got %s", tank.Kind)
	}

	fire := r.Element("fire-1")
	if !fire.IsFireReserve() {
		t.Fatal("expected fire reserve element")
	}
	if fire.CriticalWindow != 15*time.Minute {
		t.Fatalf("expected 15m critical window, got %s", fire.CriticalWindow)
	}

	if gws := r.Gateways(); len(gws) != 1 || gws[0].ID != "gw-1" {
		t.Fatalf("unexpected gateways %+v", gws)
	}
}

func TestAddSensorRequiresElement(t *testing.T) {
	r := New()
	err := r.AddSensor(models.Sensor{ID: "x", ElementID: "missing", NodeMAC: "aa", Variable: "distance_cm", Active: true})
	if err == nil {
		t.Fatal("expected error for unknown element")
	}
}

func TestSetCalibrationOffset(t *testing.T) {
	r, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	updated, err := r.SetCalibrationOffset("s-level", 3.25)
	if err != nil {
		t.Fatalf("set offset: %v", err)
	}
	if updated.CalibrationOffset != 3.25 {
		t.Fatalf("returned sensor offset %v", updated.CalibrationOffset)
	}

	byID, _ := r.Sensor("s-level")
	byMAC, _ := r.IdentifySensor("aa:bb:cc:dd:ee:01", models.VariableDistance)
	if byID.CalibrationOffset != 3.25 || byMAC.CalibrationOffset != 3.25 {
		t.Fatalf("offset not visible to lookups: id=%v mac=%v", byID.CalibrationOffset, byMAC.CalibrationOffset)
	}

	if _, err := r.SetCalibrationOffset("s-valve", 1); !errors.Is(err, ErrUnknownSensor) {
		t.Fatalf("inactive sensor: expected ErrUnknownSensor, got %v", err)
	}
	if _, err := r.SetCalibrationOffset("nope", 1); !errors.Is(err, ErrUnknownSensor) {
		t.Fatalf("missing sensor: expected ErrUnknownSensor, got %v", err)
	}
}
