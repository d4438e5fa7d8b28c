package config

import "time"

// Config represents the complete StockPulse pipeline configuration
type Config struct {
	Feed    FeedConfig    `yaml:"feed"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Store   StoreConfig   `yaml:"store"`
	Guard   GuardConfig   `yaml:"guard,omitempty"`
	Email   EmailConfig   `yaml:"email"`
	Push    PushConfig    `yaml:"push"`
	API     APIConfig     `yaml:"api"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// FeedConfig defines the upstream market-data websocket
type FeedConfig struct {
	URL              string        `yaml:"url" validate:"required,url"`
	APIKeyEnv        string        `yaml:"api_key_env"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`
	Symbols          []string      `yaml:"symbols,omitempty"`
}

// KafkaConfig defines the message log
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers" validate:"required,min=1,dive,required"`
	TicksTopic    string        `yaml:"ticks_topic"`
	TriggersTopic string        `yaml:"triggers_topic"`
	Groups        KafkaGroups   `yaml:"groups"`
	BatchTimeout  time.Duration `yaml:"batch_timeout,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty" validate:"min=-1,max=1"`
	MaxAttempts   int           `yaml:"max_attempts,omitempty"`
}

// KafkaGroups names the consumer group of each consuming stage
type KafkaGroups struct {
	Evaluator string `yaml:"evaluator"`
	Fanout    string `yaml:"fanout"`
	Prices    string `yaml:"prices"`
}

// StoreConfig defines the alert store
type StoreConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=postgres sqlite memory"`
	DSNEnv          string        `yaml:"dsn_env,omitempty"`
	DSN             string        `yaml:"dsn,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
	AutoMigrate     bool          `yaml:"auto_migrate,omitempty"`
}

// GuardConfig defines the optional redis in-flight trigger guard
type GuardConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr,omitempty"`
	PasswordEnv string        `yaml:"password_env,omitempty"`
	DB          int           `yaml:"db,omitempty"`
	TTL         time.Duration `yaml:"ttl,omitempty"`
}

// EmailConfig defines SMTP delivery of alert emails
type EmailConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Host        string        `yaml:"host,omitempty"`
	Port        int           `yaml:"port,omitempty"`
	Username    string        `yaml:"username,omitempty"`
	PasswordEnv string        `yaml:"password_env,omitempty"`
	From        string        `yaml:"from,omitempty"`
	Breaker     BreakerConfig `yaml:"breaker,omitempty"`
}

// BreakerConfig tunes the email circuit breaker
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

// PushConfig defines authentication for live client sessions
type PushConfig struct {
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	CookieName   string `yaml:"cookie_name"`
}

// APIConfig defines the HTTP server
type APIConfig struct {
	Port string `yaml:"port"`
}

// MetricsConfig toggles the prometheus endpoint
type MetricsConfig struct {
	Disabled bool `yaml:"disabled"`
}
