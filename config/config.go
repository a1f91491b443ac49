// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Cache    CacheConfig    `yaml:"cache"`
	Database DatabaseConfig `yaml:"database"`
	Origin   OriginConfig   `yaml:"origin"`
	Usage    UsageConfig    `yaml:"usage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// CacheConfig configures the image object store.
type CacheConfig struct {
	Path string `yaml:"path"` // LevelDB directory
}

// DatabaseConfig configures the usage/billing database.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // SQLite path
}

// OriginConfig configures origin fetching.
type OriginConfig struct {
	// AllowedOrigins is the comma-separated origin allow-list.
	// "*" allows all, "*.suffix" matches by hostname suffix.
	AllowedOrigins string `yaml:"allowed_origins"`

	Timeout time.Duration `yaml:"timeout"`

	// MaxBytes bounds the size of a fetched image body.
	MaxBytes int64 `yaml:"max_bytes"`

	// UserAgent, when set, replaces the caller's User-Agent on every fetch.
	UserAgent string `yaml:"user_agent,omitempty"`

	// ForwardClientIP sends the caller's IP as X-Forwarded-For.
	ForwardClientIP bool `yaml:"forward_client_ip"`

	// AllowPrivate disables SSRF target checks. Local development only.
	AllowPrivate bool `yaml:"allow_private"`
}

// UsageConfig configures per-site usage aggregation.
type UsageConfig struct {
	// BillingEnabled turns on the periodic flush to the billing sink.
	BillingEnabled bool `yaml:"billing_enabled"`

	FlushInterval time.Duration `yaml:"flush_interval"`

	// IdleEviction retires in-memory actors after this much inactivity.
	IdleEviction time.Duration `yaml:"idle_eviction"`

	// QueueSize bounds each actor's event queue.
	QueueSize int `yaml:"queue_size"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// Useful for Docker deployments where no config file is present.
//
// Environment variables:
//
//	IMGRELAY_SERVER_HOST      - Server host (default: 0.0.0.0)
//	IMGRELAY_SERVER_PORT      - Server port (default: 8080)
//	IMGRELAY_CACHE_PATH       - LevelDB directory (default: imgrelay-cache)
//	IMGRELAY_DATABASE_DSN     - SQLite path (default: imgrelay.db)
//	IMGRELAY_ALLOWED_ORIGINS  - Origin allow-list (default: *)
//	IMGRELAY_ORIGIN_TIMEOUT   - Origin fetch timeout (default: 30s)
//	IMGRELAY_MAX_BYTES        - Max fetched body size (default: 10485760)
//	IMGRELAY_USER_AGENT       - Fixed outbound User-Agent
//	IMGRELAY_BILLING_ENABLED  - Enable billing flush (default: false)
//	IMGRELAY_LOG_LEVEL        - debug, info, warn, error (default: info)
//	IMGRELAY_LOG_FORMAT       - json or console (default: json)
//	IMGRELAY_METRICS_ENABLED  - Enable /metrics (default: true)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment
// variables when the file does not exist.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies IMGRELAY_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IMGRELAY_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("IMGRELAY_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("IMGRELAY_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("IMGRELAY_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("IMGRELAY_ALLOWED_ORIGINS"); v != "" {
		cfg.Origin.AllowedOrigins = v
	}
	if v := os.Getenv("IMGRELAY_ORIGIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Origin.Timeout = d
		}
	}
	if v := os.Getenv("IMGRELAY_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Origin.MaxBytes = n
		}
	}
	if v := os.Getenv("IMGRELAY_USER_AGENT"); v != "" {
		cfg.Origin.UserAgent = v
	}
	if v := os.Getenv("IMGRELAY_FORWARD_CLIENT_IP"); v != "" {
		cfg.Origin.ForwardClientIP = v == "true" || v == "1"
	}
	if v := os.Getenv("IMGRELAY_ALLOW_PRIVATE"); v != "" {
		cfg.Origin.AllowPrivate = v == "true" || v == "1"
	}
	if v := os.Getenv("IMGRELAY_BILLING_ENABLED"); v != "" {
		cfg.Usage.BillingEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("IMGRELAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("IMGRELAY_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("IMGRELAY_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "imgrelay-cache"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "imgrelay.db"
	}
	if cfg.Origin.AllowedOrigins == "" {
		cfg.Origin.AllowedOrigins = "*"
	}
	if cfg.Origin.Timeout == 0 {
		cfg.Origin.Timeout = 30 * time.Second
	}
	if cfg.Origin.MaxBytes == 0 {
		cfg.Origin.MaxBytes = 10 << 20
	}
	if cfg.Usage.FlushInterval == 0 {
		cfg.Usage.FlushInterval = 60 * time.Second
	}
	if cfg.Usage.IdleEviction == 0 {
		cfg.Usage.IdleEviction = 10 * time.Minute
	}
	if cfg.Usage.QueueSize == 0 {
		cfg.Usage.QueueSize = 256
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", cfg.Server.Port)
	}
	if cfg.Origin.MaxBytes < 0 {
		return fmt.Errorf("origin max_bytes must be positive")
	}
	if cfg.Usage.FlushInterval < time.Second {
		return fmt.Errorf("usage flush_interval %s too small", cfg.Usage.FlushInterval)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", cfg.Logging.Format)
	}
	return nil
}
