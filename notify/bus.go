package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"hydrotrack/models"
)

// Sink receives every domain event published on the bus
type Sink interface {
	Deliver(msg models.BusMessage) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(msg models.BusMessage) error

// Deliver calls f(msg)
func (f SinkFunc) Deliver(msg models.BusMessage) error { return f(msg) }

type namedSink struct {
	name string
	sink Sink
}

// Bus decouples producers of domain events from their consumers. Publish
// never blocks; Run delivers to every sink in subscription order.
type Bus struct {
	ch      chan models.BusMessage
	mu      sync.RWMutex
	sinks   []namedSink
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewBus creates a bus with the given buffer size
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer < 1 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		ch:     make(chan models.BusMessage, buffer),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe adds a sink
func (b *Bus) Subscribe(name string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, namedSink{name: name, sink: sink})
}

// Publish enqueues msg, dropping it when the buffer is full
func (b *Bus) Publish(msg models.BusMessage) {
	select {
	case b.ch <- msg:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("bus full, dropping message", "kind", msg.Kind, "dropped_total", n)
	}
}

// Dropped returns how many messages were discarded because the buffer was full
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Run delivers messages until ctx is cancelled
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.ch:
			b.deliver(msg)
		}
	}
}

func (b *Bus) deliver(msg models.BusMessage) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.sink.Deliver(msg); err != nil {
			b.logger.Warn("sink delivery failed", "sink", s.name, "kind", msg.Kind, "error", err)
		}
	}
}
