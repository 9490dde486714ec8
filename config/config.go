// Package config holds the connector settings and reads them from HCL files
// and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/iotlink/contracts"
	"github.com/hashicorp/hcl"
)

const (
	DefaultMessagesPerBatch = 1
	DefaultRetries          = 5
	DefaultTimeoutMs        = 60000
	DefaultRetryDelayMs     = 1000

	envPrefix = "IOTLINK_"
)

// Config is the connector configuration
type Config struct {
	ConnectionString string `hcl:"connection_string"`
	DeviceID         string `hcl:"device_id"`
	MessagesPerBatch int    `hcl:"messages_per_batch"`
	Retries          int    `hcl:"retries"`
	TimeoutMs        int    `hcl:"timeout_ms"`
	RetryDelayMs     int    `hcl:"retry_delay_ms"`
	LogLevel         string `hcl:"log_level"`
	MetricsAddr      string `hcl:"metrics_addr"`
}

// Default returns a configuration with every default applied
func Default() Config {
	return Config{
		MessagesPerBatch: DefaultMessagesPerBatch,
		Retries:          DefaultRetries,
		TimeoutMs:        DefaultTimeoutMs,
		RetryDelayMs:     DefaultRetryDelayMs,
		LogLevel:         "info",
	}
}

// Load reads an HCL file over the defaults
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config read %s: %w", path, err)
	}
	if err := hcl.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config unmarshal %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv overlays IOTLINK_* environment variables, e.g. IOTLINK_DEVICE_ID
func FromEnv(cfg Config) (Config, error) {
	return fromLookup(cfg, os.LookupEnv)
}

func fromLookup(cfg Config, lookup func(string) (string, bool)) (Config, error) {
	strs := map[string]*string{
		"CONNECTION_STRING": &cfg.ConnectionString,
		"DEVICE_ID":         &cfg.DeviceID,
		"LOG_LEVEL":         &cfg.LogLevel,
		"METRICS_ADDR":      &cfg.MetricsAddr,
	}
	for key, dst := range strs {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MESSAGES_PER_BATCH": &cfg.MessagesPerBatch,
		"RETRIES":            &cfg.Retries,
		"TIMEOUT_MS":         &cfg.TimeoutMs,
		"RETRY_DELAY_MS":     &cfg.RetryDelayMs,
	}
	var errs []error
	for key, dst := range ints {
		v, ok := lookup(envPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, &contracts.ConfigError{Field: envPrefix + key, Err: err})
			continue
		}
		*dst = n
	}
	return cfg, errors.Join(errs...)
}

// Validate checks the configuration and parses its connection string.
// Every error is a *contracts.ConfigError.
func (c Config) Validate() (ConnectionInfo, error) {
	if strings.TrimSpace(c.ConnectionString) == "" {
		return ConnectionInfo{}, &contracts.ConfigError{Field: "connection_string", Err: contracts.ErrMissingConnectionString}
	}

	info, err := ParseConnectionString(c.ConnectionString)
	if err != nil {
		return ConnectionInfo{}, &contracts.ConfigError{Field: "connection_string", Err: err}
	}
	if c.DeviceID != "" {
		info.DeviceID = c.DeviceID
	}
	if info.DeviceID == "" {
		return ConnectionInfo{}, &contracts.ConfigError{Field: "device_id", Err: contracts.ErrMissingDeviceID}
	}

	switch {
	case c.MessagesPerBatch < 1:
		return ConnectionInfo{}, invalid("messages_per_batch", "must be at least 1, got %d", c.MessagesPerBatch)
	case c.Retries < 1:
		return ConnectionInfo{}, invalid("retries", "must be at least 1, got %d", c.Retries)
	case c.TimeoutMs < 0:
		return ConnectionInfo{}, invalid("timeout_ms", "must not be negative, got %d", c.TimeoutMs)
	case c.RetryDelayMs < 0:
		return ConnectionInfo{}, invalid("retry_delay_ms", "must not be negative, got %d", c.RetryDelayMs)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return ConnectionInfo{}, &contracts.ConfigError{Field: "log_level", Err: err}
	}

	return info, nil
}

func invalid(field, format string, args ...any) error {
	return &contracts.ConfigError{
		Field: field,
		Err:   fmt.Errorf("%w: %s", contracts.ErrInvalidConfiguration, fmt.Sprintf(format, args...)),
	}
}

// Timeout is the receive timeout
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RetryDelay is the pause between send attempts
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// ParseLevel maps a level name to slog. An empty name means info.
func ParseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: log level %q", contracts.ErrInvalidConfiguration, s)
	}
	return level, nil
}
