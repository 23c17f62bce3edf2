// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level backend configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Warehouse    WarehouseConfig    `yaml:"warehouse"`
	Agents       AgentsConfig       `yaml:"agents"`
	SessionCache SessionCacheConfig `yaml:"session_cache"`
	History      HistoryConfig      `yaml:"history"`
	RateLimits   RateLimitConfig    `yaml:"rate_limits"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Debug           bool          `yaml:"debug"` // enables /debug endpoints and debug logging
}

// DatabaseConfig selects and configures the conversation history store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// WarehouseConfig configures the read-only analytics database that
// agent-generated SQL runs against.
type WarehouseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"; empty disables SQL tooling
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"` // default table for /historyfab/list_table_data
}

// AgentsConfig holds the hosted agent platform settings.
type AgentsConfig struct {
	Endpoint   string          `yaml:"endpoint"`
	APIVersion string          `yaml:"api_version"`
	TimeoutMs  int             `yaml:"timeout_ms"`
	Auth       AgentAuthConfig `yaml:"auth"`
	IDs        AgentIDs        `yaml:"ids"`
}

// AgentAuthConfig configures platform authentication. Token takes precedence
// when set (dev/test); otherwise the client-credentials flow is used.
type AgentAuthConfig struct {
	Token        string `yaml:"token"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
}

// AgentIDs names the hosted agents. Empty IDs disable the matching feature.
type AgentIDs struct {
	Orchestrator string `yaml:"orchestrator"`
	SQL          string `yaml:"sql"`
	Chart        string `yaml:"chart"`
	Search       string `yaml:"search"`
	Fabric       string `yaml:"fabric"`
}

// SessionCacheConfig holds the thread session cache tunables. Both are fixed
// at cache creation; they are not runtime-mutable.
type SessionCacheConfig struct {
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
}

// HistoryConfig controls the conversation history feature.
type HistoryConfig struct {
	Enabled         bool `yaml:"enabled"`
	FeedbackEnabled bool `yaml:"feedback_enabled"`
}

// RateLimitConfig holds per-user rate limiting settings.
type RateLimitConfig struct {
	DefaultRPM    int64 `yaml:"default_rpm"`    // requests per minute per user (0 = unlimited)
	DailyMessages int64 `yaml:"daily_messages"` // messages per user per day (0 = unlimited)
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "palantir.db",
		},
		Agents: AgentsConfig{
			APIVersion: "2025-05-01",
			TimeoutMs:  120_000,
		},
		SessionCache: SessionCacheConfig{
			MaxSize: 1000,
			TTL:     time.Hour,
		},
		History: HistoryConfig{
			Enabled: true,
		},
		RateLimits: RateLimitConfig{
			DefaultRPM: 60,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Warehouse.Driver != "" && c.Warehouse.Driver != "sqlite" && c.Warehouse.Driver != "postgres" {
		return fmt.Errorf("unknown warehouse driver %q", c.Warehouse.Driver)
	}
	if c.SessionCache.MaxSize <= 0 {
		return fmt.Errorf("session_cache.max_size must be positive, got %d", c.SessionCache.MaxSize)
	}
	if c.SessionCache.TTL <= 0 {
		return fmt.Errorf("session_cache.ttl must be positive, got %s", c.SessionCache.TTL)
	}
	return nil
}
