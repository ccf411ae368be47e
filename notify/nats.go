package notify

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"hydrotrack/models"
)

// NATSPublisher forwards domain events to NATS subjects of the form
// <prefix>.<kind>, e.g. hydrotrack.events.processed_reading
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher connects to the NATS server at url
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("hydrotrack"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject a message kind is published on
func (p *NATSPublisher) Subject(kind string) string {
	if p.prefix == "" {
		return kind
	}
	return p.prefix + "." + kind
}

// Deliver publishes msg as JSON
func (p *NATSPublisher) Deliver(msg models.BusMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Kind, err)
	}
	if err := p.nc.Publish(p.Subject(msg.Kind), payload); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Kind, err)
	}
	return nil
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() {
	if p.nc != nil && !p.nc.IsClosed() {
		_ = p.nc.Drain()
	}
}
