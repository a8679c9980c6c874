// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	t.Parallel()

	configuration, err := Parse([]byte("record_directory: /var/lib/pulseboard/records\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if configuration.Listen != ":8080" {
		t.Errorf("listen default: got %q", configuration.Listen)
	}
	interval, err := configuration.ParsedPingInterval()
	if err != nil {
		t.Fatalf("ParsedPingInterval: %v", err)
	}
	if interval != 30*time.Second {
		t.Errorf("ping interval default: got %v", interval)
	}
	if configuration.RecordDirectory != "/var/lib/pulseboard/records" {
		t.Errorf("record directory: got %q", configuration.RecordDirectory)
	}
	if configuration.DebugBroadcast {
		t.Error("debug broadcast defaults on")
	}
}

func TestParseFullConfiguration(t *testing.T) {
	t.Parallel()

	configuration, err := Parse([]byte(`
listen: "127.0.0.1:9000"
ping_interval: "10s"
plan_directory: "/etc/pulseboard/plans"
record_directory: "/var/lib/pulseboard/records"
debug_broadcast: true
log_level: "debug"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if configuration.Listen != "127.0.0.1:9000" {
		t.Errorf("listen: got %q", configuration.Listen)
	}
	level, err := configuration.ParsedLogLevel()
	if err != nil {
		t.Fatalf("ParsedLogLevel: %v", err)
	}
	if level != slog.LevelDebug {
		t.Errorf("log level: got %v", level)
	}
	if !configuration.DebugBroadcast {
		t.Error("debug broadcast not set")
	}
}

func TestParseRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		yaml string
	}{
		{"bad ping interval", "ping_interval: \"soon\"\n"},
		{"negative ping interval", "ping_interval: \"-5s\"\n"},
		{"bad log level", "log_level: \"verbose\"\n"},
		{"empty listen", "listen: \"\"\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse([]byte(c.yaml)); err == nil {
				t.Errorf("Parse accepted %s", c.name)
			}
		})
	}
}
