// Package config loads eventcored's configuration from environment
// variables (optionally seeded from a .env file), following the same
// load-then-validate shape the teacher uses for its websocket server.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every knob eventcored needs at startup. Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Transport
	Addr     string `env:"EVENTCORE_ADDR" envDefault:":3002"`
	WSPath   string `env:"EVENTCORE_WS_PATH" envDefault:"/ws"`
	MaxConnections int `env:"EVENTCORE_MAX_CONNECTIONS" envDefault:"500"`

	// Event store backend
	StoreBackend string `env:"EVENTCORE_STORE_BACKEND" envDefault:"memory"` // memory | nats
	NATSUrl      string `env:"EVENTCORE_NATS_URL" envDefault:"nats://localhost:4222"`
	NATSStream   string `env:"EVENTCORE_NATS_STREAM" envDefault:"eventcore"`

	// Dispatcher
	MaxCommitRetries int `env:"EVENTCORE_MAX_COMMIT_RETRIES" envDefault:"0"`

	// Mirror (optional Kafka/Redpanda fan-out of committed events)
	MirrorEnabled bool   `env:"EVENTCORE_MIRROR_ENABLED" envDefault:"false"`
	KafkaBrokers  string `env:"EVENTCORE_KAFKA_BROKERS" envDefault:"localhost:19092"`
	KafkaTopic    string `env:"EVENTCORE_KAFKA_TOPIC" envDefault:"eventcore.committed"`

	// Rate limiting (connection admission)
	IPBurst     int     `env:"EVENTCORE_IP_BURST" envDefault:"10"`
	IPRate      float64 `env:"EVENTCORE_IP_RATE" envDefault:"1.0"`
	GlobalBurst int     `env:"EVENTCORE_GLOBAL_BURST" envDefault:"300"`
	GlobalRate  float64 `env:"EVENTCORE_GLOBAL_RATE" envDefault:"50.0"`

	// CPU admission guard (container-aware, percent of allocated CPU)
	CPURejectThreshold float64 `env:"EVENTCORE_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"EVENTCORE_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Auth
	JWTSecret        string        `env:"EVENTCORE_JWT_SECRET" envDefault:""`
	JWTRequired      bool          `env:"EVENTCORE_JWT_REQUIRED" envDefault:"false"`
	JWTTokenDuration time.Duration `env:"EVENTCORE_JWT_TOKEN_DURATION" envDefault:"24h"`

	// Telemetry
	MetricsAddr     string        `env:"EVENTCORE_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"EVENTCORE_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"EVENTCORE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"EVENTCORE_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"EVENTCORE_ENVIRONMENT" envDefault:"development"`
}

// Load reads a .env file if present (missing is not an error - production
// deploys set real environment variables directly), then parses the
// environment into a Config and validates it. Priority: env vars > .env
// file > struct defaults.
func Load(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg("config: no .env file found, using environment variables only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field and range constraints the struct tags alone
// cannot express.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("EVENTCORE_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("EVENTCORE_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.StoreBackend != "memory" && c.StoreBackend != "nats" {
		return fmt.Errorf("EVENTCORE_STORE_BACKEND must be one of: memory, nats (got %q)", c.StoreBackend)
	}
	if c.MaxCommitRetries < 0 {
		return fmt.Errorf("EVENTCORE_MAX_COMMIT_RETRIES must be >= 0, got %d", c.MaxCommitRetries)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("EVENTCORE_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("EVENTCORE_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("EVENTCORE_CPU_PAUSE_THRESHOLD (%.1f) must be >= EVENTCORE_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	if c.JWTRequired && c.JWTSecret == "" {
		return fmt.Errorf("EVENTCORE_JWT_SECRET is required when EVENTCORE_JWT_REQUIRED=true")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("EVENTCORE_LOG_LEVEL must be one of: debug, info, warn, error (got %q)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("EVENTCORE_LOG_FORMAT must be one of: json, console (got %q)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as one structured log line, the
// teacher's pattern for startup auditability.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("store_backend", c.StoreBackend).
		Int("max_connections", c.MaxConnections).
		Int("max_commit_retries", c.MaxCommitRetries).
		Bool("mirror_enabled", c.MirrorEnabled).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Bool("jwt_required", c.JWTRequired).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("config: loaded")
}
