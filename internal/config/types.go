package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// The file may be YAML or JSON; unknown fields are rejected.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Gateway   GatewayConfig   `json:"gateway"`
	Media     MediaConfig     `json:"media,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	API       APIConfig       `json:"api,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"` // trace|debug|info|warn|error (default: info)
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig locates the sqlite database holding campaigns, group
// mappings and scheduled messages.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// GatewayConfig describes how to reach the messaging-gateway service.
//
// Dispatch goes to "{base_url}/send/{instance_id}". Instances may override
// the base URL per gateway instance id (multi-host setups).
type GatewayConfig struct {
	BaseURL    string            `json:"base_url"`
	Instances  map[string]string `json:"instances,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`      // default: "10s"
	RatePerSec int               `json:"rate_per_sec,omitempty"` // default: 10
}

// MediaConfig locates media files referenced by scheduled messages.
type MediaConfig struct {
	Dir string `json:"dir,omitempty"`
}

// SchedulerConfig controls the campaign scheduler loop.
//
// Enabled is a pointer so an omitted field defaults to true while an
// explicit false still disables the loop.
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Interval string `json:"interval,omitempty"` // poll interval, default: "60s"

	// DefaultTimezone applies to campaigns created without an explicit
	// timezone. IANA name, default: "UTC".
	DefaultTimezone string `json:"default_timezone,omitempty"`
}

// APIConfig controls the operator HTTP API.
type APIConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8889"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SchedulerEnabled resolves the enabled tri-state.
func (c *Config) SchedulerEnabled() bool {
	if c.Scheduler.Enabled == nil {
		return true
	}
	return *c.Scheduler.Enabled
}

// ParseDurationField parses one of the duration strings above. Empty means
// zero; negative values are rejected. name prefixes the error so callers can
// point at the offending config field.
func ParseDurationField(name, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", name, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration %q must not be negative", name, value)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is empty or zero.
func ParseDurationOrDefault(name, value string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(name, value)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
