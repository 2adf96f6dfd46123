// Package config loads deal desk configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Outbox delivery channels.
const (
	ChannelLog     = "log"
	ChannelWebhook = "webhook"
	ChannelNATS    = "nats"
	ChannelKafka   = "kafka"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is the full service configuration.
type Config struct {
	Service         ServiceConfig  `envPrefix:"SERVICE_"`
	Store           StoreConfig    `envPrefix:"STORE_"`
	Database        DatabaseConfig `envPrefix:"DB_"`
	Redis           RedisConfig    `envPrefix:"REDIS_"`
	Policy          PolicyConfig   `envPrefix:"POLICY_"`
	Payment         PaymentConfig  `envPrefix:"PAYMENT_"`
	Outbox          OutboxConfig   `envPrefix:"OUTBOX_"`
	NATS            NATSConfig     `envPrefix:"NATS_"`
	Kafka           KafkaConfig    `envPrefix:"KAFKA_"`
	Webhook         WebhookConfig  `envPrefix:"WEBHOOK_"`
	LogLevel        string         `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration  `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

type ServiceConfig struct {
	Name        string `env:"NAME" envDefault:"be-deal-desk"`
	Version     string `env:"VERSION" envDefault:"dev"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

type StoreConfig struct {
	Driver string `env:"DRIVER" envDefault:"postgres"`
}

type DatabaseConfig struct {
	Host        string        `env:"HOST" envDefault:"localhost"`
	Port        int           `env:"PORT" envDefault:"5432"`
	User        string        `env:"USER" envDefault:"postgres"`
	Password    string        `env:"PASSWORD"`
	Database    string        `env:"NAME" envDefault:"deal_desk"`
	SSLMode     string        `env:"SSL_MODE" envDefault:"disable"`
	MaxConns    int32         `env:"MAX_CONNS" envDefault:"20"`
	MinConns    int32         `env:"MIN_CONNS" envDefault:"2"`
	MaxConnTime time.Duration `env:"MAX_CONN_TIME" envDefault:"1h"`
	MaxIdleTime time.Duration `env:"MAX_IDLE_TIME" envDefault:"30m"`
	HealthCheck time.Duration `env:"HEALTH_CHECK" envDefault:"1m"`
}

type RedisConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"true"`
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// PolicyConfig selects where the pricing policy is read from. An empty Path
// reads the active policy row from the database.
type PolicyConfig struct {
	Path string `env:"PATH" envDefault:"policies/pricing_policy_v1.json"`
}

type PaymentConfig struct {
	LockTTL          time.Duration `env:"LOCK_TTL" envDefault:"1h"`
	JoinTimeout      time.Duration `env:"JOIN_TIMEOUT" envDefault:"5s"`
	JoinPollInterval time.Duration `env:"JOIN_POLL_INTERVAL" envDefault:"50ms"`
}

type OutboxConfig struct {
	Channel     string        `env:"CHANNEL" envDefault:"log"`
	Schedule    string        `env:"SCHEDULE" envDefault:"@every 10s"`
	BatchSize   int           `env:"BATCH_SIZE" envDefault:"100"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	BackoffStep time.Duration `env:"BACKOFF_STEP" envDefault:"30s"`
}

type NATSConfig struct {
	URL           string `env:"URL" envDefault:"nats://localhost:4222"`
	SubjectPrefix string `env:"SUBJECT_PREFIX" envDefault:"dealdesk.events"`
}

type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envDefault:"localhost:9092"`
	Topic   string   `env:"TOPIC" envDefault:"dealdesk.events"`
}

type WebhookConfig struct {
	URL     string        `env:"URL"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

// Load parses DEALDESK_* environment variables and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "DEALDESK_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the worker cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Outbox.Channel {
	case ChannelLog, ChannelNATS:
	case ChannelWebhook:
		if c.Webhook.URL == "" {
			return fmt.Errorf("webhook channel requires DEALDESK_WEBHOOK_URL")
		}
	case ChannelKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return fmt.Errorf("kafka channel requires brokers and topic")
		}
	default:
		return fmt.Errorf("unknown outbox channel %q", c.Outbox.Channel)
	}

	if c.Store.Driver == StoreMemory && c.Policy.Path == "" {
		return fmt.Errorf("memory store requires DEALDESK_POLICY_PATH")
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox batch size must be positive")
	}
	if c.Payment.LockTTL <= 0 {
		return fmt.Errorf("payment lock ttl must be positive")
	}
	return nil
}
