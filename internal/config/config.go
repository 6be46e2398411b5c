package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default service names opened on every session
const (
	DefaultMarketDataService    = "//blp/mktdata"
	DefaultReferenceDataService = "//blp/refdata"
)

// Config represents gateway configuration
type Config struct {
	// Provider session configuration
	Session SessionConfig `yaml:"session"`

	// Subscription universe
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`

	// One-shot request limits
	Requests RequestsConfig `yaml:"requests"`

	// Health and metrics server
	Server ServerConfig `yaml:"server"`

	// Redis configuration
	Redis RedisConfig `yaml:"redis"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// Log level, applied on reload. LOG_LEVEL takes precedence at startup.
	LogLevel string `yaml:"log_level"`
}

// SessionConfig represents the provider session
type SessionConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Services that must all open before the gateway is ready
	Services []string `yaml:"services"`

	// Maximum time to wait for readiness at startup
	StartupTimeout time.Duration `yaml:"startup_timeout"`

	// Attempts for the synchronous connect call
	ConnectRetries int           `yaml:"connect_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`

	// Write timeout for a single outbound frame
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SubscriptionsConfig lists the fields and securities subscribed at startup
type SubscriptionsConfig struct {
	Fields     []string `yaml:"fields"`
	Securities []string `yaml:"securities"`

	// Load additional fields and securities from Redis
	LoadFromRedis bool `yaml:"load_from_redis"`
}

// RequestsConfig limits one-shot requests
type RequestsConfig struct {
	// Maximum requests awaiting a final response
	MaxOutstanding int `yaml:"max_outstanding"`

	// Maximum outstanding requests per service
	MaxPerService int `yaml:"max_per_service"`

	// Requests per second per service
	RatePerService int `yaml:"rate_per_service"`

	// Consecutive send failures before a service's breaker opens
	BreakerMaxFailures int           `yaml:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`

	// Batch size and flush interval of the request log
	LogBatchSize     int           `yaml:"log_batch_size"`
	LogFlushInterval time.Duration `yaml:"log_flush_interval"`
}

// ServerConfig represents the health/metrics HTTP server
type ServerConfig struct {
	// Health check and metrics port, 0 disables the server
	HealthCheckPort int `yaml:"health_check_port"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	// Empty address disables Redis
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key prefix for Redis keys and channels
	KeyPrefix string `yaml:"key_prefix"`

	// Publish every security update to a pub/sub channel
	PublishUpdates bool `yaml:"publish_updates"`

	// Connection pool configuration
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	// OTel collector gRPC endpoint, empty disables tracing
	Endpoint string `yaml:"endpoint"`
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	SetDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	SetDefaults(cfg)
	return cfg
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *Config) error {
	return validateConfig(cfg)
}

func validateConfig(cfg *Config) error {
	if cfg.Session.Host == "" {
		return fmt.Errorf("session.host is required")
	}
	if cfg.Session.Port <= 0 || cfg.Session.Port > 65535 {
		return fmt.Errorf("session.port must be between 1 and 65535")
	}
	if len(cfg.Session.Services) == 0 {
		return fmt.Errorf("session.services must not be empty")
	}
	seen := make(map[string]bool, len(cfg.Session.Services))
	for _, svc := range cfg.Session.Services {
		if svc == "" {
			return fmt.Errorf("session.services must not contain empty names")
		}
		if seen[svc] {
			return fmt.Errorf("session.services contains %q twice", svc)
		}
		seen[svc] = true
	}
	if cfg.Session.StartupTimeout <= 0 {
		return fmt.Errorf("session.startup_timeout must be greater than 0")
	}
	if cfg.Session.ConnectRetries <= 0 {
		return fmt.Errorf("session.connect_retries must be greater than 0")
	}

	if cfg.Requests.MaxOutstanding <= 0 {
		return fmt.Errorf("requests.max_outstanding must be greater than 0")
	}
	if cfg.Requests.MaxPerService <= 0 || cfg.Requests.MaxPerService > cfg.Requests.MaxOutstanding {
		return fmt.Errorf("requests.max_per_service must be between 1 and requests.max_outstanding")
	}
	if cfg.Requests.RatePerService <= 0 {
		return fmt.Errorf("requests.rate_per_service must be greater than 0")
	}
	if cfg.Requests.BreakerMaxFailures <= 0 {
		return fmt.Errorf("requests.breaker_max_failures must be greater than 0")
	}

	if cfg.Server.HealthCheckPort < 0 || cfg.Server.HealthCheckPort > 65535 {
		return fmt.Errorf("server.health_check_port must be between 0 and 65535")
	}

	if (cfg.Redis.PublishUpdates || cfg.Subscriptions.LoadFromRedis) && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when publishing updates or loading subscriptions from Redis")
	}

	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}

	return nil
}

// SetDefaults sets default values for configuration
func SetDefaults(cfg *Config) {
	if cfg.Session.Host == "" {
		cfg.Session.Host = "localhost"
	}
	if cfg.Session.Port == 0 {
		cfg.Session.Port = 8194
	}
	if len(cfg.Session.Services) == 0 {
		cfg.Session.Services = []string{DefaultMarketDataService, DefaultReferenceDataService}
	}
	if cfg.Session.StartupTimeout == 0 {
		cfg.Session.StartupTimeout = 30 * time.Second
	}
	if cfg.Session.ConnectRetries == 0 {
		cfg.Session.ConnectRetries = 3
	}
	if cfg.Session.RetryDelay == 0 {
		cfg.Session.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Session.WriteTimeout == 0 {
		cfg.Session.WriteTimeout = 5 * time.Second
	}

	if cfg.Requests.MaxOutstanding == 0 {
		cfg.Requests.MaxOutstanding = 1000
	}
	if cfg.Requests.MaxPerService == 0 {
		cfg.Requests.MaxPerService = cfg.Requests.MaxOutstanding
	}
	if cfg.Requests.RatePerService == 0 {
		cfg.Requests.RatePerService = 100
	}
	if cfg.Requests.BreakerMaxFailures == 0 {
		cfg.Requests.BreakerMaxFailures = 5
	}
	if cfg.Requests.BreakerTimeout == 0 {
		cfg.Requests.BreakerTimeout = 30 * time.Second
	}
	if cfg.Requests.LogBatchSize == 0 {
		cfg.Requests.LogBatchSize = 100
	}
	if cfg.Requests.LogFlushInterval == 0 {
		cfg.Requests.LogFlushInterval = 5 * time.Second
	}

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "mktdata-gateway:"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Redis.MinIdleConns == 0 {
		cfg.Redis.MinIdleConns = 2
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
}
