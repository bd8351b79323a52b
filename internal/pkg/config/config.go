package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Queue backends.
const (
	QueueBackendRedis = "redis"
	QueueBackendNATS  = "nats"
)

// Config holds all application configuration. It is built once at startup
// and handed to each component constructor.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"redis"`
	QueueName    string `env:"QUEUE_NAME" envDefault:"adsb_data"`
	RedisAddr    string `env:"REDIS_ADDR" envDefault:"redis://localhost:6379/0"`
	NATSURL      string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`

	MongoURI        string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDB         string `env:"MONGO_DB" envDefault:"adsb"`
	MongoCollection string `env:"MONGO_COLLECTION" envDefault:"messages"`

	// StorePartition selects the aggregate document; required by the consumer.
	StorePartition string `env:"STORE_PARTITION"`

	CaptureAddr        string        `env:"CAPTURE_ADDR" envDefault:"127.0.0.1:30003"`
	CaptureReadTimeout time.Duration `env:"CAPTURE_READ_TIMEOUT" envDefault:"1s"`
	PublishInterval    time.Duration `env:"PUBLISH_INTERVAL" envDefault:"0s"`

	AuditLogDir string `env:"AUDIT_LOG_DIR" envDefault:"/app/logs"`

	WALPath        string `env:"WAL_PATH" envDefault:"/var/lib/sbs-relay/wal"`
	WALSegmentSize int64  `env:"WAL_SEGMENT_SIZE_BYTES" envDefault:"104857600"`   // 100MB
	WALMaxDiskSize int64  `env:"WAL_MAX_DISK_SIZE_BYTES" envDefault:"1073741824"` // 1GB

	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"5s"`

	ConsumerGroup       string        `env:"CONSUMER_GROUP" envDefault:"adsb-processors"`
	ConsumerName        string        `env:"CONSUMER_NAME"`
	ConsumerBatchSize   int           `env:"CONSUMER_BATCH_SIZE" envDefault:"100"`
	ConsumerConcurrency int           `env:"CONSUMER_CONCURRENCY" envDefault:"1"`
	MaxDeliveries       int64         `env:"MAX_DELIVERIES" envDefault:"10"`
	ClaimMinIdle        time.Duration `env:"CLAIM_MIN_IDLE" envDefault:"1m"`
	DLQStream           string        `env:"DLQ_STREAM" envDefault:"adsb_data_dlq"`
	SinkTimeout         time.Duration `env:"SINK_TIMEOUT" envDefault:"5s"`
	SinkBestEffort      bool          `env:"SINK_BEST_EFFORT" envDefault:"false"`

	AdminAddr string `env:"ADMIN_ADDR" envDefault:":9091"`

	// AdminAPIKey protects the /admin routes when set.
	AdminAPIKey string `env:"ADMIN_API_KEY"`
}

// Load reads configuration from environment variables. Outside Docker the
// given .env files (or ./.env) are loaded first for local development.
func Load(envFiles ...string) (*Config, error) {
	if _, inDocker := os.LookupEnv("RUNNING_IN_DOCKER"); !inDocker {
		_ = godotenv.Load(envFiles...)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case QueueBackendRedis, QueueBackendNATS:
	default:
		return fmt.Errorf("unknown queue backend %q (must be redis or nats)", c.QueueBackend)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.LogFormat)
	}

	if c.ConsumerBatchSize <= 0 {
		return fmt.Errorf("CONSUMER_BATCH_SIZE must be greater than 0")
	}
	if c.ConsumerConcurrency <= 0 {
		return fmt.Errorf("CONSUMER_CONCURRENCY must be greater than 0")
	}
	if c.MaxDeliveries <= 0 {
		return fmt.Errorf("MAX_DELIVERIES must be greater than 0")
	}
	if c.SinkTimeout <= 0 {
		return fmt.Errorf("SINK_TIMEOUT must be greater than 0")
	}
	if c.PublishInterval < 0 {
		return fmt.Errorf("PUBLISH_INTERVAL must not be negative")
	}
	if c.WALSegmentSize <= 0 || c.WALMaxDiskSize < c.WALSegmentSize {
		return fmt.Errorf("WAL sizes must be positive and the disk cap at least one segment")
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("HEALTH_CHECK_INTERVAL must be greater than 0")
	}

	return nil
}

// ValidateConsumer checks the settings only the consumer needs.
func (c *Config) ValidateConsumer() error {
	if strings.TrimSpace(c.StorePartition) == "" {
		return fmt.Errorf("STORE_PARTITION must not be empty")
	}
	return nil
}
