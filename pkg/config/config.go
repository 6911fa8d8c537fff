// Package config provides configuration management for the oniontrace driver.
package config

import (
	"fmt"
)

// Mode selects whether the driver records or replays circuit activity.
type Mode string

const (
	// ModeRecord subscribes to a router's circuit events and appends them to a trace file.
	ModeRecord Mode = "record"
	// ModePlay reads a trace file and drives the router to reproduce its circuits.
	ModePlay Mode = "play"
)

// Config is the read-only view the Driver borrows for its entire lifetime.
// Nothing in this package or in pkg/driver mutates a Config after Validate
// succeeds; there is deliberately no hot-reload (see DESIGN.md).
type Config struct {
	// Mode selects Record or Play.
	Mode Mode

	// TraceFileName is written in Record mode and read in Play mode.
	TraceFileName string

	// TorControlPort is the local TCP port of the router's control listener.
	TorControlPort uint16

	// RunTimeSeconds is the bounded lifetime of the run; 0 means "until
	// external stop".
	RunTimeSeconds uint32

	// HeartbeatIntervalSeconds controls how often the driver logs a status
	// line. The original implementation hard-coded this to 1; spec.md §9
	// flags that as worth making configurable.
	HeartbeatIntervalSeconds uint32

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// MetricsPort is the optional HTTP status/metrics listener port; 0 with
	// EnableMetrics false disables the server entirely.
	MetricsPort int
	// EnableMetrics turns on the optional HTTP status server.
	EnableMetrics bool
}

// DefaultConfig returns a Config with sensible defaults. Mode defaults to
// record; TraceFileName has no safe default and must be supplied by the
// caller.
func DefaultConfig() *Config {
	return &Config{
		Mode:                     ModeRecord,
		TraceFileName:            "",
		TorControlPort:           9051,
		RunTimeSeconds:           0,
		HeartbeatIntervalSeconds: 1,
		LogLevel:                 "info",
		MetricsPort:              0,
		EnableMetrics:            false,
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeRecord, ModePlay:
	default:
		return fmt.Errorf("invalid Mode: %q (must be %q or %q)", c.Mode, ModeRecord, ModePlay)
	}

	if c.TraceFileName == "" {
		return fmt.Errorf("TraceFileName is required")
	}

	if c.TorControlPort == 0 {
		return fmt.Errorf("TorControlPort must be non-zero")
	}

	if c.HeartbeatIntervalSeconds == 0 {
		return fmt.Errorf("HeartbeatIntervalSeconds must be at least 1")
	}

	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid MetricsPort: %d", c.MetricsPort)
	}
	if c.EnableMetrics && c.MetricsPort == 0 {
		return fmt.Errorf("EnableMetrics requires a non-zero MetricsPort")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid LogLevel: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
