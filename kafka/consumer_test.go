package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"hydrotrack/models"
	"hydrotrack/registry"
	"hydrotrack/services"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeIngester struct {
	frames []*services.Telemetry
	err    error
}

func (f *fakeIngester) Now() time.Time { return testNow }

func (f *fakeIngester) IngestTelemetry(ctx context.Context, t *services.Telemetry) (*services.TelemetryResult, error) {
	f.frames = append(f.frames, t)
	if f.err != nil {
		return nil, f.err
	}
	return &services.TelemetryResult{Format: t.Format, MAC: t.MAC}, nil
}

type fakeGateways struct{ seen map[string]int }

func (g *fakeGateways) RecordGatewayHeartbeat(id string, data models.HeartbeatData) (models.EntityStatus, bool) {
	g.seen[id] += data.Relayed
	return models.EntityStatus{ID: id, Status: models.StatusOnline}, false
}

func newTestConsumer(ing Ingester, gw GatewayRecorder) *Consumer {
	return newConsumer(nil, []string{"gateway.telemetry"}, ing, gw, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func message(value string, headers ...*sarama.RecordHeader) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: "gateway.telemetry", Partition: 0, Offset: 7, Value: []byte(value), Headers: headers}
}

func TestProcessMessageIngestsIndividualFrame(t *testing.T) {
	ing := &fakeIngester{}
	gw := &fakeGateways{seen: map[string]int{}}
	c := newTestConsumer(ing, gw)

	msg := message(`{"mac":"20:6e:f1:6b:77:58","type":"distance_cm","value":24480,"rssi":-61}`,
		&sarama.RecordHeader{Key: []byte(GatewayHeader), Value: []byte("GW_NORTH")})
	if status := c.processMessage(context.Background(), msg); status != "ok" {
		t.Fatalf("expected ok, got %s", status)
	}
	if len(ing.frames) != 1 {
		t.Fatalf("expected one frame ingested, got %d", len(ing.frames))
	}
	r := ing.frames[0].Readings[0]
	if r.Value != 244.8 || !r.Timestamp.Equal(testNow) {
		t.Fatalf("unexpected reading %+v", r)
	}
	if gw.seen["GW_NORTH"] != 1 {
		t.Fatalf("gateway heartbeat not recorded: %v", gw.seen)
	}
}

func TestProcessMessageRejectsInvalidPayload(t *testing.T) {
	ing := &fakeIngester{}
	c := newTestConsumer(ing, nil)

	if status := c.processMessage(context.Background(), message(`{not json`)); status != "invalid" {
		t.Fatalf("expected invalid, got %s", status)
	}
	if len(ing.frames) != 0 {
		t.Fatal("invalid payload must not reach the ingest path")
	}
	select {
	case err := <-c.ErrorChannel():
		if !errors.Is(err, services.ErrInvalidTelemetry) {
			t.Fatalf("expected ErrInvalidTelemetry, got %v", err)
		}
	default:
		t.Fatal("expected an error on the error channel")
	}
}

func TestProcessMessageUnknownSensorIsNotAnError(t *testing.T) {
	ing := &fakeIngester{err: fmt.Errorf("%w: mac=AA:BB:CC:DD:EE:FF", registry.ErrUnknownSensor)}
	c := newTestConsumer(ing, nil)

	msg := message(`{"mac":"AA:BB:CC:DD:EE:FF","type":"distance_cm","value":100}`)
	if status := c.processMessage(context.Background(), msg); status != "unknown_sensor" {
		t.Fatalf("expected unknown_sensor, got %s", status)
	}
	select {
	case err := <-c.ErrorChannel():
		t.Fatalf("unexpected error reported: %v", err)
	default:
	}
}

func TestProcessMessageReportsIngestFailure(t *testing.T) {
	ing := &fakeIngester{err: errors.New("database unavailable")}
	c := newTestConsumer(ing, nil)

	msg := message(`{"mac":"20:6E:F1:6B:77:58","type":"valve_in","value":1}`)
	if status := c.processMessage(context.Background(), msg); status != "error" {
		t.Fatalf("expected error, got %s", status)
	}
	if len(c.ErrorChannel()) != 1 {
		t.Fatal("ingest failure should be reported")
	}
}
