package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"

	"hydrotrack/logger"
)

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envErr := godotenv.Load()
	log := logger.New("hydrotrack-simulator", logger.ParseLevel(getEnvOrDefault("LOG_LEVEL", "info")))
	if envErr != nil {
		log.Info("no .env file found, using environment variables")
	}

	// Configuration
	brokers := strings.Split(getEnvOrDefault("KAFKA_BROKERS", "localhost:9092"), ",")
	topic := getEnvOrDefault("KAFKA_TOPIC", "gateway.telemetry")
	gatewayID := getEnvOrDefault("GATEWAY_ID", "GW_USB_01")
	format := getEnvOrDefault("SIM_FORMAT", formatMixed)
	nodeSpec := getEnvOrDefault("SIM_NODES", "20:6E:F1:6B:77:58=320,DC:06:75:67:6A:CC=380,24:0A:C4:9C:4B:10=180")

	intervalMs, err := strconv.Atoi(getEnvOrDefault("SIM_INTERVAL_MS", "5000"))
	if err != nil || intervalMs <= 0 {
		log.Error("invalid SIM_INTERVAL_MS", "value", os.Getenv("SIM_INTERVAL_MS"))
		os.Exit(1)
	}
	nodes, err := parseNodes(nodeSpec)
	if err != nil {
		log.Error("invalid SIM_NODES", "error", err)
		os.Exit(1)
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = "hydrotrack-simulator-" + gatewayID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 100 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		log.Error("failed to create producer", "error", err)
		os.Exit(1)
	}
	defer func() {
		log.Info("closing telemetry simulator")
		if err := producer.Close(); err != nil {
			log.Warn("producer close failed", "error", err)
		}
	}()

	log.Info("configuration", "brokers", brokers, "topic", topic, "gateway", gatewayID, "interval_ms", intervalMs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	NewSimulator(producer, topic, gatewayID, format, nodes, log).Run(ctx, time.Duration(intervalMs)*time.Millisecond)
}
