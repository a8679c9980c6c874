// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the Pulseboard daemon configuration.
//
// Configuration is a single YAML file passed via --config. There is
// no automatic discovery and no environment-variable fallback chain:
// one file, deterministic and auditable, with defaults applied for
// anything omitted.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the TCP address the HTTP/WebSocket server binds
	// (e.g., ":8080", "127.0.0.1:9000").
	Listen string `yaml:"listen"`

	// PingInterval is the hub liveness probe period, as a Go
	// duration string ("30s"). A connection missing three
	// consecutive probes is dropped.
	PingInterval string `yaml:"ping_interval"`

	// PlanDirectory holds the *.jsonc pipeline plan files loaded at
	// startup.
	PlanDirectory string `yaml:"plan_directory"`

	// RecordDirectory holds persisted run records. Empty disables
	// persistence.
	RecordDirectory string `yaml:"record_directory"`

	// DebugBroadcast makes the hub's diagnostic broadcast-to-all
	// reachable. Leave off in production; broadcast traffic reaches
	// every connected client regardless of workspace.
	DebugBroadcast bool `yaml:"debug_broadcast"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when a field is omitted.
func Default() Config {
	return Config{
		Listen:        ":8080",
		PingInterval:  "30s",
		PlanDirectory: "plans",
		LogLevel:      "info",
	}
}

// Load reads and validates a configuration file. Omitted fields take
// their defaults; unknown fields are an error (they are almost always
// typos).
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration bytes, applies defaults, and validates.
func Parse(data []byte) (Config, error) {
	configuration := Default()

	if err := yaml.Unmarshal(data, &configuration); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	if err := configuration.Validate(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

// Validate checks field values. Returns the first problem found.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if _, err := c.ParsedPingInterval(); err != nil {
		return err
	}
	if _, err := c.ParsedLogLevel(); err != nil {
		return err
	}
	if c.PlanDirectory == "" {
		return fmt.Errorf("config: plan_directory is required")
	}
	return nil
}

// ParsedPingInterval returns the liveness probe period as a Duration.
func (c Config) ParsedPingInterval() (time.Duration, error) {
	interval, err := time.ParseDuration(c.PingInterval)
	if err != nil {
		return 0, fmt.Errorf("config: invalid ping_interval %q: %w", c.PingInterval, err)
	}
	if interval <= 0 {
		return 0, fmt.Errorf("config: ping_interval must be positive, got %q", c.PingInterval)
	}
	return interval, nil
}

// ParsedLogLevel maps the configured level name to a slog.Level.
func (c Config) ParsedLogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unknown log_level %q (want debug, info, warn, or error)", c.LogLevel)
	}
}
