package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"hydrotrack/models"
	"hydrotrack/services"
)

// Frame formats the simulator can emit
const (
	formatIndividual = "individual"
	formatAggregated = "aggregated"
	formatMixed      = "mixed"
)

// node is one simulated reservoir sensor node
type node struct {
	mac     string
	level   float64
	valveIn bool
	leaking bool
	uptime  float64
	battery float64
	rssi    float64
}

// Simulator publishes node frames to the gateway topic the way a gateway relays them
type Simulator struct {
	producer  sarama.SyncProducer
	topic     string
	gatewayID string
	format    string
	nodes     []*node
	rng       *rand.Rand
	logger    *slog.Logger
	now       func() time.Time
	ticks     int
}

// NewSimulator creates a simulator over an existing producer
func NewSimulator(producer sarama.SyncProducer, topic, gatewayID, format string, nodes []*node, logger *slog.Logger) *Simulator {
	return &Simulator{
		producer:  producer,
		topic:     topic,
		gatewayID: gatewayID,
		format:    format,
		nodes:     nodes,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:    logger,
		now:       time.Now,
	}
}

// parseNodes reads "MAC=level_cm" pairs separated by commas
func parseNodes(list string) ([]*node, error) {
	var nodes []*node
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mac, level, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("node %q: expected MAC=level_cm", part)
		}
		l, err := strconv.ParseFloat(level, 64)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", part, err)
		}
		nodes = append(nodes, &node{mac: strings.ToUpper(mac), level: l, battery: 3300, rssi: -60})
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no nodes configured")
	}
	return nodes, nil
}

// step advances one node: sensor noise, pump cycles and the occasional leak
func (s *Simulator) step(n *node, interval time.Duration) {
	switch {
	case n.valveIn && n.level > 400:
		n.valveIn = false
	case !n.valveIn && n.level < 150:
		n.valveIn = true
	case !n.leaking && s.rng.Float64() < 0.01:
		n.leaking = true
	case n.leaking && s.rng.Float64() < 0.05:
		n.leaking = false
	}

	drift := -0.3
	if n.valveIn {
		drift = 4.0
	}
	if n.leaking {
		drift -= 1.5
	}
	n.level = clamp(n.level+drift+(s.rng.Float64()-0.5)*1.2, 0, 450)
	n.uptime += interval.Seconds()
	n.battery = clamp(n.battery-s.rng.Float64()*0.5, 2800, 3300)
	n.rssi = clamp(n.rssi+(s.rng.Float64()-0.5)*4, -95, -40)
}

// frames renders the current node state in the configured format
func (s *Simulator) frames(n *node) ([][]byte, error) {
	format := s.format
	if format == formatMixed {
		format = formatIndividual
		if s.ticks%2 == 1 {
			format = formatAggregated
		}
	}

	if format == formatAggregated {
		frame := services.AggregatedTelemetry{
			NodeMAC:  n.mac,
			Datetime: s.now().UTC().Format(time.RFC3339),
			Data: []services.TelemetryItem{
				{Label: models.VariableDistance, Value: ptr(round2(n.level)), Unit: "cm"},
				{Label: models.VariableValveIn, Value: ptr(boolValue(n.valveIn)), Unit: "boolean"},
				{Label: models.VariableValveOut, Value: ptr(0), Unit: "boolean"},
			},
			Meta: map[string]interface{}{
				"rssi":    math.Round(n.rssi),
				"battery": math.Round(n.battery),
				"uptime":  math.Round(n.uptime),
			},
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal frame: %w", err)
		}
		return [][]byte{payload}, nil
	}

	rssi, battery, uptime := math.Round(n.rssi), math.Round(n.battery), math.Round(n.uptime)
	var out [][]byte
	for _, reading := range []struct {
		variable string
		value    float64
	}{
		// firmware reports distance in hundredths of a centimeter
		{models.VariableDistance, math.Round(n.level * 100)},
		{models.VariableValveIn, boolValue(n.valveIn)},
	} {
		payload, err := json.Marshal(services.IndividualTelemetry{
			MAC:     n.mac,
			Type:    reading.variable,
			Value:   ptr(reading.value),
			Battery: &battery,
			RSSI:    &rssi,
			Uptime:  &uptime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal frame: %w", err)
		}
		out = append(out, payload)
	}
	return out, nil
}

// Tick advances every node and publishes its frames
func (s *Simulator) Tick(interval time.Duration) error {
	defer func() { s.ticks++ }()
	for _, n := range s.nodes {
		s.step(n, interval)
		frames, err := s.frames(n)
		if err != nil {
			return err
		}
		for _, payload := range frames {
			if err := s.publish(n.mac, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// publish sends one frame keyed by node so a node's frames stay on one partition
func (s *Simulator) publish(key string, payload []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("gateway_id"), Value: []byte(s.gatewayID)},
		},
	}
	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	s.logger.Debug("frame delivered", "topic", s.topic, "partition", partition, "offset", offset, "mac", key)
	return nil
}

// Run ticks until ctx is cancelled
func (s *Simulator) Run(ctx context.Context, interval time.Duration) {
	s.logger.Info("starting telemetry simulator", "nodes", len(s.nodes), "interval", interval, "format", s.format)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(interval); err != nil {
				s.logger.Warn("error publishing frames", "error", err)
			}
		}
	}
}

// clamp constrains a value between min and max
func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func ptr(v float64) *float64 { return &v }
