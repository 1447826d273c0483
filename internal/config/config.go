// Package config loads foldsync server configuration from environment
// variables, with an optional local .env file for development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every knob a foldsync server process needs at startup.
//
// Tags:
//
//	env: environment variable name
//	envDefault: value used when the variable is unset
type Config struct {
	// Transport
	Addr string `env:"FOLDSYNC_ADDR" envDefault:":4302"`

	// Resource limits (mirrors the container's cgroup allocation)
	CPULimit    float64 `env:"FOLDSYNC_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit int64   `env:"FOLDSYNC_MEMORY_LIMIT" envDefault:"536870912"` // 512MB

	// Capacity
	MaxSessions int `env:"FOLDSYNC_MAX_SESSIONS" envDefault:"2000"`

	// Rate limiting
	MaxConnectRate int `env:"FOLDSYNC_MAX_CONNECT_RATE" envDefault:"50"`
	MaxGoroutines  int `env:"FOLDSYNC_MAX_GOROUTINES" envDefault:"4000"`

	// Admission safety thresholds, relative to CPULimit/MemoryLimit, not
	// host resources — see internal/platform.
	CPURejectThreshold float64 `env:"FOLDSYNC_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"FOLDSYNC_CPU_PAUSE_THRESHOLD" envDefault:"85.0"`

	// Write-coalescing syncer flush periods.
	CloudFlushPeriod time.Duration `env:"FOLDSYNC_CLOUD_FLUSH_PERIOD" envDefault:"1m"`
	FileFlushPeriod  time.Duration `env:"FOLDSYNC_FILE_FLUSH_PERIOD" envDefault:"10s"`

	// Pending-until-authed queue (session §4.6)
	AuthQueueCap  int           `env:"FOLDSYNC_AUTH_QUEUE_CAP" envDefault:"256"`
	AuthQueueWait time.Duration `env:"FOLDSYNC_AUTH_QUEUE_WAIT" envDefault:"10s"`

	// Monitoring
	MetricsInterval time.Duration `env:"FOLDSYNC_METRICS_INTERVAL" envDefault:"15s"`

	// Kafka write-ahead log for the datastore (internal/datastore/walog).
	KafkaBrokers string `env:"FOLDSYNC_KAFKA_BROKERS" envDefault:"localhost:19092"`
	KafkaTopic   string `env:"FOLDSYNC_KAFKA_WAL_TOPIC" envDefault:"foldsync.wal"`
	KafkaEnabled bool   `env:"FOLDSYNC_KAFKA_ENABLED" envDefault:"false"`

	// Operations alerting over NATS (internal/alerting).
	NATSURL     string `env:"FOLDSYNC_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSSubject string `env:"FOLDSYNC_NATS_ALERT_SUBJECT" envDefault:"foldsync.alerts"`
	NATSEnabled bool   `env:"FOLDSYNC_NATS_ENABLED" envDefault:"false"`

	// Logging
	LogLevel  string `env:"FOLDSYNC_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"FOLDSYNC_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"FOLDSYNC_ENV" envDefault:"development"`
}

// Load reads configuration from a local .env file (if present) and then
// from the environment, validating the result. A missing .env file is
// not an error — production deployments set real env vars directly.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration overrides from .env")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that would make the admission guard
// or logging setup nonsensical.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("FOLDSYNC_ADDR is required")
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("FOLDSYNC_MAX_SESSIONS must be > 0, got %d", c.MaxSessions)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("FOLDSYNC_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("FOLDSYNC_CPU_PAUSE_THRESHOLD (%.1f) must be >= FOLDSYNC_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("FOLDSYNC_LOG_LEVEL must be one of debug,info,warn,error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("FOLDSYNC_LOG_FORMAT must be one of json,pretty (got %q)", c.LogFormat)
	}
	return nil
}

// LogFields logs the loaded configuration once at startup.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Float64("cpu_limit", c.CPULimit).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Int("max_sessions", c.MaxSessions).
		Int("max_goroutines", c.MaxGoroutines).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("cloud_flush_period", c.CloudFlushPeriod).
		Dur("file_flush_period", c.FileFlushPeriod).
		Bool("kafka_enabled", c.KafkaEnabled).
		Bool("nats_enabled", c.NATSEnabled).
		Msg("configuration loaded")
}
