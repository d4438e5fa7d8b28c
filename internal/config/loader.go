package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultTicksTopic     = "stock-prices"
	DefaultTriggersTopic  = "alert-triggers"
	DefaultEvaluatorGroup = "alert-processor-group"
	DefaultFanoutGroup    = "notification-group"
	DefaultPricesGroup    = "websocket-server-group"
	DefaultCookieName     = "auth-token"
)

// LoadConfig loads configuration from a single file. A .env file next to it is loaded
// into the environment first when present; existing variables are not overridden.
func LoadConfig(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("loading .env: %w", err)
		}
	}

	cfg := &Config{}
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("loading %s: %w", filepath.Base(path), err)
	}

	applyDefaults(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadYAML loads a YAML file into a struct
func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func applyDefaults(cfg *Config) {
	if cfg.Feed.URL == "" {
		cfg.Feed.URL = "wss://ws.finnhub.io"
	}
	if cfg.Feed.APIKeyEnv == "" {
		cfg.Feed.APIKeyEnv = "FINNHUB_API_KEY"
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 10 * time.Second
	}
	if cfg.Feed.HandshakeTimeout == 0 {
		cfg.Feed.HandshakeTimeout = 15 * time.Second
	}

	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.TicksTopic == "" {
		cfg.Kafka.TicksTopic = DefaultTicksTopic
	}
	if cfg.Kafka.TriggersTopic == "" {
		cfg.Kafka.TriggersTopic = DefaultTriggersTopic
	}
	if cfg.Kafka.Groups.Evaluator == "" {
		cfg.Kafka.Groups.Evaluator = DefaultEvaluatorGroup
	}
	if cfg.Kafka.Groups.Fanout == "" {
		cfg.Kafka.Groups.Fanout = DefaultFanoutGroup
	}
	if cfg.Kafka.Groups.Prices == "" {
		cfg.Kafka.Groups.Prices = DefaultPricesGroup
	}
	if cfg.Kafka.BatchTimeout == 0 {
		cfg.Kafka.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.Kafka.RequiredAcks == 0 {
		cfg.Kafka.RequiredAcks = 1
	}
	if cfg.Kafka.MaxAttempts == 0 {
		cfg.Kafka.MaxAttempts = 3
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "postgres"
	}
	if cfg.Store.DSNEnv == "" && cfg.Store.DSN == "" {
		cfg.Store.DSNEnv = "STOCKPULSE_DB_DSN"
	}
	if cfg.Store.MaxIdleConns == 0 {
		cfg.Store.MaxIdleConns = 10
	}
	if cfg.Store.MaxOpenConns == 0 {
		cfg.Store.MaxOpenConns = 25
	}
	if cfg.Store.ConnMaxLifetime == 0 {
		cfg.Store.ConnMaxLifetime = 30 * time.Minute
	}

	if cfg.Guard.Addr == "" {
		cfg.Guard.Addr = "localhost:6379"
	}
	if cfg.Guard.TTL == 0 {
		cfg.Guard.TTL = 10 * time.Minute
	}

	if cfg.Email.Port == 0 {
		cfg.Email.Port = 587
	}
	if cfg.Email.Breaker.MaxFailures == 0 {
		cfg.Email.Breaker.MaxFailures = 5
	}
	if cfg.Email.Breaker.Timeout == 0 {
		cfg.Email.Breaker.Timeout = 30 * time.Second
	}

	if cfg.Push.JWTSecretEnv == "" {
		cfg.Push.JWTSecretEnv = "STOCKPULSE_JWT_SECRET"
	}
	if cfg.Push.CookieName == "" {
		cfg.Push.CookieName = DefaultCookieName
	}

	if cfg.API.Port == "" {
		cfg.API.Port = "8088"
	}
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	if cfg.Kafka.TicksTopic == cfg.Kafka.TriggersTopic {
		return fmt.Errorf("kafka: ticks_topic and triggers_topic must differ")
	}

	if cfg.Feed.ReconnectDelay < 0 {
		return fmt.Errorf("feed: reconnect_delay must not be negative")
	}

	if cfg.Store.Driver != "memory" && cfg.Store.DSN == "" && cfg.Store.DSNEnv == "" {
		return fmt.Errorf("store: dsn or dsn_env is required for driver %s", cfg.Store.Driver)
	}

	if cfg.Email.Enabled {
		if cfg.Email.Host == "" {
			return fmt.Errorf("email: host is required when enabled")
		}
		if cfg.Email.From == "" {
			return fmt.Errorf("email: from is required when enabled")
		}
	}

	if cfg.Guard.Enabled && cfg.Guard.TTL <= 0 {
		return fmt.Errorf("guard: ttl must be > 0")
	}

	// Note: env vars referenced by *_env fields are not checked here since
	// they may be provided at runtime

	return nil
}

// ResolveSecret returns the value of the environment variable named by envName
func ResolveSecret(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}

// StoreDSN resolves the data source name, preferring the env indirection
func (c *Config) StoreDSN() string {
	if v := ResolveSecret(c.Store.DSNEnv); v != "" {
		return v
	}
	return c.Store.DSN
}
