package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidConfig is returned when a configuration value is out of range
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	NATS     NATSConfig
	Pipeline PipelineConfig
	Queue    QueueConfig
	Status   StatusConfig
	Registry RegistryConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string
	AllowOrigins []string
	LogLevel     string
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	Migrate  bool
}

// RedisConfig holds the Redis connection used for dedup markers, cache and job retention.
// An empty Addr disables all three.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig holds Kafka connection configuration for the gateway transport.
// An empty Brokers value disables the consumer.
type KafkaConfig struct {
	Brokers    []string
	GroupID    string
	Topics     []string
	AutoOffset string
}

// NATSConfig configures the optional domain event publisher
type NATSConfig struct {
	URL     string
	Subject string
}

// PipelineConfig holds compression engine parameters
type PipelineConfig struct {
	Deadband        float64
	WindowSize      int
	StabilityStdDev float64
	MaxDeferral     time.Duration
	InlineTimeout   time.Duration
}

// QueueConfig holds async work queue parameters
type QueueConfig struct {
	Concurrency    int
	RatePerSecond  int
	Attempts       int
	BackoffBase    time.Duration
	PartitionDepth int
	KeepCompleted  int
	CompletedAge   time.Duration
	FailedAge      time.Duration
}

// StatusConfig holds status tracker thresholds
type StatusConfig struct {
	SensorTimeout    time.Duration
	GatewayTimeout   time.Duration
	WarningThreshold time.Duration
	SweepInterval    time.Duration
	HistorySize      int
}

// RegistryConfig points at the sensor and reservoir registry file
type RegistryConfig struct {
	Path string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	dbPort, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvOrDefault("SERVER_PORT", "8080"),
			AllowOrigins: []string{
				getEnvOrDefault("FRONTEND_URL", "http://localhost:3000"),
				"http://localhost:3000",
			},
			LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     dbPort,
			Name:     getEnvOrDefault("DB_NAME", "hydrotrack"),
			User:     getEnvOrDefault("DB_USER", "hydrotrack"),
			Password: getEnvOrDefault("DB_PASSWORD", "hydrotrack"),
			SSLMode:  getEnvOrDefault("DB_SSLMODE", "disable"),
			Migrate:  getEnvBool("DB_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:    splitList(getEnvOrDefault("KAFKA_BROKERS", "")),
			GroupID:    getEnvOrDefault("KAFKA_GROUP_ID", "hydrotrack-pipeline"),
			Topics:     splitList(getEnvOrDefault("KAFKA_TOPIC", "gateway.telemetry")),
			AutoOffset: getEnvOrDefault("KAFKA_AUTO_OFFSET", "latest"),
		},
		NATS: NATSConfig{
			URL:     getEnvOrDefault("NATS_URL", ""),
			Subject: getEnvOrDefault("NATS_SUBJECT", "hydrotrack.events"),
		},
		Pipeline: PipelineConfig{
			Deadband:        getEnvFloat("DEADBAND_CM", 2.0),
			WindowSize:      getEnvInt("WINDOW_SIZE", 11),
			StabilityStdDev: getEnvFloat("STABILITY_STDDEV", 0.5),
			MaxDeferral:     getEnvSeconds("MAX_DEFERRAL_SECONDS", 600),
			InlineTimeout:   getEnvSeconds("INLINE_TIMEOUT_SECONDS", 5),
		},
		Queue: QueueConfig{
			Concurrency:    getEnvInt("QUEUE_CONCURRENCY", 5),
			RatePerSecond:  getEnvInt("QUEUE_RATE_PER_SECOND", 100),
			Attempts:       getEnvInt("QUEUE_ATTEMPTS", 3),
			BackoffBase:    time.Duration(getEnvInt("QUEUE_BACKOFF_MS", 2000)) * time.Millisecond,
			PartitionDepth: getEnvInt("QUEUE_PARTITION_DEPTH", 1024),
			KeepCompleted:  getEnvInt("QUEUE_KEEP_COMPLETED", 1000),
			CompletedAge:   getEnvSeconds("QUEUE_COMPLETED_AGE_SECONDS", 3600),
			FailedAge:      getEnvSeconds("QUEUE_FAILED_AGE_SECONDS", 86400),
		},
		Status: StatusConfig{
			SensorTimeout:    getEnvSeconds("SENSOR_TIMEOUT_SECONDS", 120),
			GatewayTimeout:   getEnvSeconds("GATEWAY_TIMEOUT_SECONDS", 60),
			WarningThreshold: getEnvSeconds("WARNING_THRESHOLD_SECONDS", 60),
			SweepInterval:    getEnvSeconds("STATUS_CHECK_INTERVAL_SECONDS", 30),
			HistorySize:      getEnvInt("HEARTBEAT_HISTORY_SIZE", 10),
		},
		Registry: RegistryConfig{
			Path: getEnvOrDefault("REGISTRY_PATH", "configs/registry.yaml"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise break the pipeline at runtime
func (c *Config) Validate() error {
	switch {
	case c.Pipeline.Deadband < 0:
		return fmt.Errorf("%w: DEADBAND_CM must not be negative", ErrInvalidConfig)
	case c.Pipeline.WindowSize < 1:
		return fmt.Errorf("%w: WINDOW_SIZE must be at least 1", ErrInvalidConfig)
	case c.Pipeline.StabilityStdDev < 0:
		return fmt.Errorf("%w: STABILITY_STDDEV must not be negative", ErrInvalidConfig)
	case c.Queue.Concurrency < 1:
		return fmt.Errorf("%w: QUEUE_CONCURRENCY must be at least 1", ErrInvalidConfig)
	case c.Queue.Attempts < 1:
		return fmt.Errorf("%w: QUEUE_ATTEMPTS must be at least 1", ErrInvalidConfig)
	case c.Status.SensorTimeout <= 0 || c.Status.GatewayTimeout <= 0 || c.Status.WarningThreshold <= 0:
		return fmt.Errorf("%w: status timeouts must be positive", ErrInvalidConfig)
	case c.Status.SweepInterval <= 0:
		return fmt.Errorf("%w: STATUS_CHECK_INTERVAL_SECONDS must be positive", ErrInvalidConfig)
	}
	return nil
}

// GetDatabaseURL returns formatted database connection URL
func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.Name, c.Database.SSLMode)
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
