package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"hydrotrack/models"
)

// ErrUnknownSensor is returned when no active sensor matches a lookup
var ErrUnknownSensor = errors.New("registry: unknown sensor")

// Gateway is a relay node that forwards sensor frames
type Gateway struct {
	ID  string `yaml:"id" json:"gateway_id"`
	MAC string `yaml:"mac" json:"mac"`
}

type file struct {
	Elements []models.Element `yaml:"elements"`
	Sensors  []sensorEntry    `yaml:"sensors"`
	Gateways []Gateway        `yaml:"gateways"`
}

// sensorEntry lets the file omit `active`, which defaults to true.
type sensorEntry struct {
	ID                string  `yaml:"id"`
	ElementID         string  `yaml:"element_id"`
	NodeMAC           string  `yaml:"node_mac"`
	Variable          string  `yaml:"variable"`
	CalibrationOffset float64 `yaml:"calibration_offset"`
	Active            *bool   `yaml:"active"`
}

// Registry is the static directory of reservoirs, sensors and gateways
type Registry struct {
	mu       sync.RWMutex
	elements map[string]*models.Element
	sensors  map[string]models.Sensor
	byMAC    map[string]models.Sensor
	gateways []Gateway
}

// Load reads a registry YAML file
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(raw)
}

// Parse builds a registry from YAML bytes
func Parse(raw []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}

	r := New()
	for i := range f.Elements {
		if err := r.AddElement(f.Elements[i]); err != nil {
			return nil, err
		}
	}
	for _, entry := range f.Sensors {
		s := models.Sensor{
			ID:                entry.ID,
			ElementID:         entry.ElementID,
			NodeMAC:           entry.NodeMAC,
			Variable:          entry.Variable,
			CalibrationOffset: entry.CalibrationOffset,
			Active:            entry.Active == nil || *entry.Active,
		}
		if err := r.AddSensor(s); err != nil {
			return nil, err
		}
	}
	r.gateways = append(r.gateways, f.Gateways...)
	return r, nil
}

// New returns an empty registry
func New() *Registry {
	return &Registry{
		elements: make(map[string]*models.Element),
		sensors:  make(map[string]models.Sensor),
		byMAC:    make(map[string]models.Sensor),
	}
}

// AddElement registers a reservoir
func (r *Registry) AddElement(e models.Element) error {
	if e.ID == "" {
		return errors.New("registry: element id is required")
	}
	if e.Kind == "" {
		e.Kind = models.ElementStorage
	}
	if g := e.Geometry; g != nil {
		g.Shape = strings.ToLower(g.Shape)
		if g.MaxLevelCM <= 0 {
			return fmt.Errorf("registry: element %s: max_level_cm must be positive", e.ID)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elements[e.ID] = &e
	return nil
}

// AddSensor registers a sensor; the referenced element must exist
func (r *Registry) AddSensor(s models.Sensor) error {
	if s.ID == "" || s.NodeMAC == "" || s.Variable == "" {
		return fmt.Errorf("registry: sensor %q needs id, node_mac and variable", s.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.elements[s.ElementID]; !ok {
		return fmt.Errorf("registry: sensor %s references unknown element %q", s.ID, s.ElementID)
	}
	s.NodeMAC = normalizeMAC(s.NodeMAC)
	r.sensors[s.ID] = s
	if s.Active {
		r.byMAC[macKey(s.NodeMAC, s.Variable)] = s
	}
	return nil
}

// IdentifySensor finds the active sensor for a node MAC and variable
func (r *Registry) IdentifySensor(mac, variable string) (models.Sensor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byMAC[macKey(normalizeMAC(mac), variable)]
	if !ok {
		return models.Sensor{}, fmt.Errorf("%w: mac=%s variable=%s", ErrUnknownSensor, mac, variable)
	}
	return s, nil
}

// Sensor looks up an active sensor by id
func (r *Registry) Sensor(id string) (models.Sensor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sensors[id]
	if !ok || !s.Active {
		return models.Sensor{}, fmt.Errorf("%w: id=%s", ErrUnknownSensor, id)
	}
	return s, nil
}

// SetCalibrationOffset replaces the offset of an active sensor and returns
// the updated sensor
func (r *Registry) SetCalibrationOffset(id string, offset float64) (models.Sensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sensors[id]
	if !ok || !s.Active {
		return models.Sensor{}, fmt.Errorf("%w: id=%s", ErrUnknownSensor, id)
	}
	s.CalibrationOffset = offset
	r.sensors[id] = s
	r.byMAC[macKey(s.NodeMAC, s.Variable)] = s
	return s, nil
}

// Element returns the reservoir with the given id, or nil
func (r *Registry) Element(id string) *models.Element {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.elements[id]
}

// Sensors lists every registered sensor
func (r *Registry) Sensors() []models.Sensor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Sensor, 0, len(r.sensors))
	for _, s := range r.sensors {
		out = append(out, s)
	}
	return out
}

// Gateways lists the configured gateways
func (r *Registry) Gateways() []Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Gateway(nil), r.gateways...)
}

func normalizeMAC(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}

func macKey(mac, variable string) string {
	return mac + "|" + variable
}
