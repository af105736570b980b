package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

type Config struct {
	ServiceName  string `env:"SERVICE_NAME" env-default:"payment-orchestrator"`
	HTTPAddr     string `env:"HTTP_ADDR" env-default:":8080"`
	LogLevel     string `env:"LOG_LEVEL" env-default:"info"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Store    StoreConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Bancard  BancardConfig
	Payments PaymentsConfig

	JWTSecret string `env:"JWT_SECRET" env-required:"true"`
	VaultURL  string `env:"VAULT_URL"`
}

type StoreConfig struct {
	Driver      string `env:"STORE_DRIVER" env-default:"postgres"`
	PostgresDSN string `env:"POSTGRES_DSN" env-default:"host=localhost user=postgres password=postgres dbname=payments sslmode=disable"`
	BoltPath    string `env:"BOLT_PATH" env-default:"payments.db"`
}

type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" env-default:"0"`
	CacheTTL time.Duration `env:"PAYMENT_CACHE_TTL" env-default:"30s"`
}

type KafkaConfig struct {
	Brokers            []string `env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	EventsTopic        string   `env:"KAFKA_EVENTS_TOPIC" env-default:"payment-transactions"`
	ConfirmationsTopic string   `env:"KAFKA_CONFIRMATIONS_TOPIC" env-default:"gateway-confirmations"`
	ConsumerGroup      string   `env:"KAFKA_CONSUMER_GROUP" env-default:"payment-orchestrator"`
}

type BancardConfig struct {
	BaseURL         string        `env:"BANCARD_BASE_URL" env-default:"https://vpos.infonet.com.py:8888"`
	PublicKey       string        `env:"BANCARD_PUBLIC_KEY"`
	PrivateKey      string        `env:"BANCARD_PRIVATE_KEY"`
	CreateTimeout   time.Duration `env:"GATEWAY_CREATE_TIMEOUT" env-default:"5s"`
	StatusTimeout   time.Duration `env:"GATEWAY_STATUS_TIMEOUT" env-default:"2s"`
	RollbackTimeout time.Duration `env:"GATEWAY_ROLLBACK_TIMEOUT" env-default:"5s"`
	CreateRetries   int           `env:"GATEWAY_CREATE_RETRIES" env-default:"1"`
}

type PaymentsConfig struct {
	ReturnURL       string            `env:"PAYMENT_RETURN_URL"`
	GraceWindow     time.Duration     `env:"RESYNC_GRACE_WINDOW" env-default:"15m"`
	SweepInterval   time.Duration     `env:"SWEEP_INTERVAL" env-default:"1m"`
	SweepBatchSize  int               `env:"SWEEP_BATCH_SIZE" env-default:"100"`
	ChallengeStyles map[string]string `env:"CHALLENGE_STYLES"`
	// Must exceed GATEWAY_ROLLBACK_TIMEOUT.
	RollbackStaleAfter time.Duration `env:"ROLLBACK_STALE_AFTER" env-default:"2m"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using environment", "error", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	slog.Info("config loaded",
		"store_driver", cfg.Store.Driver,
		"redis_addr", cfg.Redis.Addr,
		"kafka_brokers", cfg.Kafka.Brokers,
		"bancard_base_url", cfg.Bancard.BaseURL,
		"grace_window", cfg.Payments.GraceWindow)
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.Store.Driver {
	case DriverPostgres, DriverBolt:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Payments.GraceWindow <= 0 {
		return fmt.Errorf("RESYNC_GRACE_WINDOW must be positive")
	}
	if c.Bancard.CreateRetries < 0 || c.Bancard.CreateRetries > 1 {
		return fmt.Errorf("GATEWAY_CREATE_RETRIES must be 0 or 1")
	}
	if c.Payments.RollbackStaleAfter <= c.Bancard.RollbackTimeout {
		return fmt.Errorf("ROLLBACK_STALE_AFTER must exceed GATEWAY_ROLLBACK_TIMEOUT")
	}
	return nil
}
