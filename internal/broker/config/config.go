// Package config loads the broker's runtime configuration from
// defaults, an optional YAML file, and KOKINO_-prefixed environment
// variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the broker's runtime configuration.
type Config struct {
	Addr     string `koanf:"addr"`      // listen address (e.g. ":4800")
	DataDir  string `koanf:"data_dir"`  // directory for databases
	LogLevel string `koanf:"log_level"` // debug|info|warn|error

	Execution ExecutionConfig `koanf:"execution"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Retention RetentionConfig `koanf:"retention"`
}

// ExecutionConfig bounds a single headless execution turn.
type ExecutionConfig struct {
	TimeoutMs    int64 `koanf:"timeout_ms"`     // default per-turn timeout
	MaxMemoryMB  int64 `koanf:"max_memory_mb"`  // RSS ceiling for CLI children
	MaxCPUPct    int   `koanf:"max_cpu_pct"`    // CPU warning threshold
	LockWaitMs   int64 `koanf:"lock_wait_ms"`   // default lock-acquire wait
	StaleAfterMs int64 `koanf:"stale_after_ms"` // stale-session reap threshold
}

// BreakerConfig tunes the per-agent circuit breaker.
type BreakerConfig struct {
	FailureThreshold int   `koanf:"failure_threshold"`
	ResetTimeMs      int64 `koanf:"reset_time_ms"`
}

// MonitorConfig tunes the resource monitoring loops.
type MonitorConfig struct {
	SampleIntervalMs int64 `koanf:"sample_interval_ms"`
	AlertIntervalMs  int64 `koanf:"alert_interval_ms"`
}

// RetentionConfig controls cleanup sweeps.
type RetentionConfig struct {
	TelemetryDays int `koanf:"telemetry_days"`
	TicketMaxAgeH int `koanf:"ticket_max_age_h"`
}

// defaults returns the built-in configuration values.
func defaults() map[string]any {
	return map[string]any{
		"addr":      ":4800",
		"data_dir":  defaultDataDir(),
		"log_level": "info",

		"execution.timeout_ms":     int64(5 * time.Minute / time.Millisecond),
		"execution.max_memory_mb":  int64(2048),
		"execution.max_cpu_pct":    90,
		"execution.lock_wait_ms":   int64(5 * time.Minute / time.Millisecond),
		"execution.stale_after_ms": int64(24 * time.Hour / time.Millisecond),

		"breaker.failure_threshold": 5,
		"breaker.reset_time_ms":     int64(60_000),

		"monitor.sample_interval_ms": int64(30_000),
		"monitor.alert_interval_ms":  int64(60_000),

		"retention.telemetry_days":   30,
		"retention.ticket_max_age_h": 24,
	}
}

// Load builds the configuration. path may be empty (no config file).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// KOKINO_EXECUTION__TIMEOUT_MS=... maps to execution.timeout_ms.
	if err := k.Load(env.Provider("KOKINO_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "KOKINO_"))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration values and ensures required
// directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Execution.TimeoutMs <= 0 {
		return fmt.Errorf("execution.timeout_ms must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "kokino")
	}
	return filepath.Join(home, ".config", "kokino")
}

// DBPath returns the path to the operational SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "broker.db")
}

// TelemetryDBPath returns the path to the telemetry SQLite database file.
func (c *Config) TelemetryDBPath() string {
	return filepath.Join(c.DataDir, "telemetry.db")
}

// ExecutionTimeout returns the default per-turn execution timeout.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Execution.TimeoutMs) * time.Millisecond
}
