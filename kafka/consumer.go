package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"hydrotrack/config"
	"hydrotrack/metrics"
	"hydrotrack/models"
	"hydrotrack/registry"
	"hydrotrack/services"
)

// GatewayHeader names the Kafka header carrying the relaying gateway id
const GatewayHeader = "gateway_id"

// Ingester is the part of the ingest service the consumer drives
type Ingester interface {
	Now() time.Time
	IngestTelemetry(ctx context.Context, t *services.Telemetry) (*services.TelemetryResult, error)
}

// GatewayRecorder records gateway liveness for relayed frames
type GatewayRecorder interface {
	RecordGatewayHeartbeat(gatewayID string, data models.HeartbeatData) (models.EntityStatus, bool)
}

// Consumer feeds gateway telemetry from a Kafka consumer group into the ingest path
type Consumer struct {
	group        sarama.ConsumerGroup
	topics       []string
	ingester     Ingester
	gateways     GatewayRecorder
	errorChannel chan error
	logger       *slog.Logger
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewConsumer creates a new Kafka consumer. gateways may be nil.
func NewConsumer(cfg config.KafkaConfig, ingester Ingester, gateways GatewayRecorder, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("kafka: no topics configured")
	}

	sc := sarama.NewConfig()
	sc.ClientID = "hydrotrack-pipeline"
	sc.Version = sarama.V2_1_0_0
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Offsets.AutoCommit.Interval = time.Second
	sc.Consumer.Group.Session.Timeout = 30 * time.Second
	sc.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	sc.Consumer.MaxProcessingTime = 5 * time.Second
	sc.Consumer.Fetch.Min = 1
	sc.Consumer.MaxWaitTime = 500 * time.Millisecond
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	switch cfg.AutoOffset {
	case "earliest", "oldest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return newConsumer(group, cfg.Topics, ingester, gateways, logger), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, ingester Ingester, gateways GatewayRecorder, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		group:        group,
		topics:       topics,
		ingester:     ingester,
		gateways:     gateways,
		errorChannel: make(chan error, 10),
		logger:       logger.With("component", "kafka"),
	}
}

// ErrorChannel returns the channel for receiving errors
func (c *Consumer) ErrorChannel() <-chan error {
	return c.errorChannel
}

// Start begins consuming messages until ctx is cancelled or Stop is called
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("starting kafka consumer", "topics", c.topics)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			// Consume returns on every rebalance and must be called again
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.reportError(fmt.Errorf("consumer error: %w", err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-c.group.Errors():
				if !ok {
					return
				}
				c.reportError(fmt.Errorf("consumer group error: %w", err))
			}
		}
	}()
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	c.logger.Info("kafka session started", "member_id", session.MemberID(), "generation", session.GenerationID())
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (c *Consumer) Cleanup(session sarama.ConsumerGroupSession) error {
	c.logger.Info("kafka session ended", "member_id", session.MemberID())
	return nil
}

// ConsumeClaim processes the messages of one partition in order
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			c.processMessage(session.Context(), msg)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// processMessage decodes one gateway frame and ingests its readings. Every
// message is marked afterwards; a frame that cannot be ingested is reported,
// not redelivered.
func (c *Consumer) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) string {
	c.logger.Debug("received message", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)

	now := c.ingester.Now()
	telemetry, err := services.ParseTelemetry(msg.Value, now)
	if err != nil {
		c.reportError(fmt.Errorf("invalid telemetry at %s/%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, err))
		return c.count("invalid")
	}

	if gatewayID := header(msg, GatewayHeader); gatewayID != "" && c.gateways != nil {
		c.gateways.RecordGatewayHeartbeat(gatewayID, models.HeartbeatData{Relayed: len(telemetry.Readings)})
	}

	result, err := c.ingester.IngestTelemetry(ctx, telemetry)
	switch {
	case errors.Is(err, registry.ErrUnknownSensor):
		c.logger.Warn("telemetry from unregistered sensor", "mac", telemetry.MAC, "error", err)
		return c.count("unknown_sensor")
	case err != nil:
		c.reportError(fmt.Errorf("ingest telemetry from %s: %w", telemetry.MAC, err))
		return c.count("error")
	}

	c.logger.Debug("telemetry ingested", "mac", telemetry.MAC, "format", telemetry.Format,
		"accepted", len(result.Accepted), "skipped", len(result.Skipped))
	return c.count("ok")
}

func (c *Consumer) count(status string) string {
	metrics.KafkaMessages.WithLabelValues(status).Inc()
	return status
}

func (c *Consumer) reportError(err error) {
	select {
	case c.errorChannel <- err:
	default:
		c.logger.Warn("error channel full, dropping error", "error", err)
	}
}

func header(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping kafka consumer")
	if c.cancel != nil {
		c.cancel()
	}
	err := c.group.Close()
	c.wg.Wait()
	return err
}
