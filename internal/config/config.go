// Package config loads the chargehive service configuration from YAML with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chargehive/internal/models"
)

// HTTPConfig holds API server settings.
type HTTPConfig struct {
	Port      string `yaml:"port" env:"CHARGEHIVE_HTTP_PORT"`
	JWTSecret string `yaml:"jwtSecret" env:"CHARGEHIVE_JWT_SECRET"`
}

// DatabaseConfig holds postgres settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"CHARGEHIVE_POSTGRES_DSN"`
}

// RedisConfig holds open-session cache settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"CHARGEHIVE_REDIS_ADDR"`
	Password string `yaml:"password" env:"CHARGEHIVE_REDIS_PASSWORD"`
	TTL      int    `yaml:"ttlSeconds" env:"CHARGEHIVE_REDIS_TTL"`
}

// GatewayConfig holds ledger gateway connection settings.
type GatewayConfig struct {
	BaseURL            string `yaml:"baseUrl" env:"LEDGER_BASE_URL"`
	StreamURL          string `yaml:"streamUrl" env:"LEDGER_STREAM_URL"`
	SubmitTimeoutSecs  int    `yaml:"submitTimeoutSeconds" env:"LEDGER_SUBMIT_TIMEOUT"`
	ReceiptTimeoutSecs int    `yaml:"receiptTimeoutSeconds" env:"LEDGER_RECEIPT_TIMEOUT"`
	PollIntervalMillis int    `yaml:"pollIntervalMillis" env:"LEDGER_POLL_INTERVAL_MS"`
}

// ProgramConfig identifies the reward program contracts and operator identity.
type ProgramConfig struct {
	Contract        string `yaml:"contract" env:"PROGRAM_CONTRACT"`
	AdapterContract string `yaml:"adapterContract" env:"PROGRAM_ADAPTER_CONTRACT"`
	TokenManager    string `yaml:"tokenManager" env:"PROGRAM_TOKEN_MANAGER"`
	RewardTokenID   string `yaml:"rewardTokenId" env:"PROGRAM_REWARD_TOKEN_ID"`
	OperatorAccount string `yaml:"operatorAccount" env:"PROGRAM_OPERATOR_ACCOUNT"`
	CanAssociate    bool   `yaml:"canAssociate" env:"PROGRAM_CAN_ASSOCIATE"`
	CanAuthorize    bool   `yaml:"canAuthorize" env:"PROGRAM_CAN_AUTHORIZE"`

	ParamVersion int64 `yaml:"paramVersion" env:"PROGRAM_PARAM_VERSION"`
	RatePerUnit  int64 `yaml:"ratePerUnit" env:"PROGRAM_RATE_PER_UNIT"`
	MinQuantity  int64 `yaml:"minQuantity" env:"PROGRAM_MIN_QUANTITY"`
	PricePerUnit int64 `yaml:"pricePerUnit" env:"PROGRAM_PRICE_PER_UNIT"`
}

// ExecutorConfig bounds retry behaviour for ledger submissions.
type ExecutorConfig struct {
	MaxAttempts        int `yaml:"maxAttempts" env:"EXECUTOR_MAX_ATTEMPTS"`
	MaxQueryAttempts   int `yaml:"maxQueryAttempts" env:"EXECUTOR_MAX_QUERY_ATTEMPTS"`
	BackoffBaseMillis  int `yaml:"backoffBaseMillis" env:"EXECUTOR_BACKOFF_BASE_MS"`
	BackoffMaxMillis   int `yaml:"backoffMaxMillis" env:"EXECUTOR_BACKOFF_MAX_MS"`
	AttemptTimeoutSecs int `yaml:"attemptTimeoutSeconds" env:"EXECUTOR_ATTEMPT_TIMEOUT"`
}

// ReconcilerConfig controls the background sweep.
type ReconcilerConfig struct {
	Schedule  string `yaml:"schedule" env:"RECONCILER_SCHEDULE"`
	BatchSize int    `yaml:"batchSize" env:"RECONCILER_BATCH_SIZE"`
}

// HeartbeatConfig controls topic publishing for this device.
type HeartbeatConfig struct {
	DeviceID       string `yaml:"deviceId" env:"HEARTBEAT_DEVICE_ID"`
	HeartbeatTopic string `yaml:"heartbeatTopic" env:"HEARTBEAT_TOPIC_ID"`
	SessionsTopic  string `yaml:"sessionsTopic" env:"SESSIONS_TOPIC_ID"`
	Schedule       string `yaml:"schedule" env:"HEARTBEAT_SCHEDULE"`
}

// Config defines chargehive service configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Program    ProgramConfig    `yaml:"program"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
}

// Load reads configuration via the shared helper and validates required fields.
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port: "8080",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  86400,
		},
		Gateway: GatewayConfig{
			SubmitTimeoutSecs:  15,
			ReceiptTimeoutSecs: 60,
			PollIntervalMillis: 2000,
		},
		Program: ProgramConfig{
			CanAssociate: true,
			CanAuthorize: true,
			ParamVersion: 1,
		},
		Executor: ExecutorConfig{
			MaxAttempts:        4,
			MaxQueryAttempts:   5,
			BackoffBaseMillis:  500,
			BackoffMaxMillis:   15000,
			AttemptTimeoutSecs: 30,
		},
		Reconciler: ReconcilerConfig{
			Schedule:  "@every 30s",
			BatchSize: 100,
		},
		Heartbeat: HeartbeatConfig{
			DeviceID: "chargehive-device-1",
			Schedule: "@every 1m",
		},
	}

	if err := loadInto(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, errors.New("config: database dsn required")
	}
	if strings.TrimSpace(cfg.Gateway.BaseURL) == "" {
		return nil, errors.New("config: gateway base url required")
	}
	if strings.TrimSpace(cfg.Program.Contract) == "" {
		return nil, errors.New("config: program contract required")
	}
	if strings.TrimSpace(cfg.HTTP.JWTSecret) == "" {
		return nil, errors.New("config: jwt secret required")
	}
	if cfg.Program.RatePerUnit < 0 || cfg.Program.MinQuantity < 0 || cfg.Program.PricePerUnit < 0 {
		return nil, errors.New("config: program params must be non-negative")
	}
	return cfg, nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// ProgramParams snapshots the configured economics for new sessions.
func (c *Config) ProgramParams() models.ProgramParams {
	return models.ProgramParams{
		Version:      c.Program.ParamVersion,
		RatePerUnit:  c.Program.RatePerUnit,
		MinQuantity:  c.Program.MinQuantity,
		PricePerUnit: c.Program.PricePerUnit,
	}
}

// SubmitTimeout returns the gateway submit timeout as a duration.
func (c *Config) SubmitTimeout() time.Duration {
	return secondsOr(c.Gateway.SubmitTimeoutSecs, 15*time.Second)
}

// ReceiptTimeout returns the receipt polling deadline as a duration.
func (c *Config) ReceiptTimeout() time.Duration {
	return secondsOr(c.Gateway.ReceiptTimeoutSecs, 60*time.Second)
}

// PollInterval returns the receipt polling interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return millisOr(c.Gateway.PollIntervalMillis, 2*time.Second)
}

// CacheTTL returns the open-session cache ttl as a duration.
func (c *Config) CacheTTL() time.Duration {
	return secondsOr(c.Redis.TTL, 24*time.Hour)
}

// BackoffBase returns the executor base backoff as a duration.
func (c *Config) BackoffBase() time.Duration {
	return millisOr(c.Executor.BackoffBaseMillis, 500*time.Millisecond)
}

// BackoffMax returns the executor backoff ceiling as a duration.
func (c *Config) BackoffMax() time.Duration {
	return millisOr(c.Executor.BackoffMaxMillis, 15*time.Second)
}

// AttemptTimeout returns per-attempt submission timeout as a duration.
func (c *Config) AttemptTimeout() time.Duration {
	return secondsOr(c.Executor.AttemptTimeoutSecs, 30*time.Second)
}

func secondsOr(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}

func millisOr(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Millisecond
}
