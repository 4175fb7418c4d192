// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the operator configuration file. Components never
// read the ambient process environment themselves; everything they need
// is threaded from here, and the environment is consulted exactly once,
// at the process boundary, for the config path override.
package config

import (
	"time"
)

// Config is the operator configuration, persisted at
// ~/.stackpilot/stackpilot.yaml.
type Config struct {
	// StateRoot holds the spec, secrets, artifacts, lock, and history.
	StateRoot string `yaml:"state_root" validate:"required"`

	Runtime   RuntimeConfig   `yaml:"runtime"`
	Probe     ProbeConfig     `yaml:"probe"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`

	// ExtraServices extends the compose allow-list with
	// operator-managed service names outside the rendered stack.
	ExtraServices []string `yaml:"extra_services,omitempty"`
}

// RuntimeConfig locates the container runtime's compose command.
type RuntimeConfig struct {
	// Bin and Subcommand form the compose invocation, e.g. docker +
	// [compose] or podman-compose + []. Empty Bin means autodetect.
	Bin        string   `yaml:"bin,omitempty"`
	Subcommand []string `yaml:"subcommand,omitempty"`
}

// ProbeConfig overrides the readiness prober defaults.
type ProbeConfig struct {
	MaxAttempts int `yaml:"max_attempts,omitempty" validate:"omitempty,min=1,max=120"`
	IntervalMS  int `yaml:"interval_ms,omitempty" validate:"omitempty,min=100"`
	TimeoutMS   int `yaml:"timeout_ms,omitempty" validate:"omitempty,min=100"`
	// URLs overrides the per-service health endpoints.
	URLs map[string]string `yaml:"urls,omitempty" validate:"omitempty,dive,url"`
}

// Interval returns the polling interval as a duration, zero when unset.
func (p ProbeConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMS) * time.Millisecond
}

// Timeout returns the per-probe timeout as a duration, zero when unset.
func (p ProbeConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// TelemetryConfig controls the local metrics endpoint. Disabled by
// default; nothing is ever pushed anywhere.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty" validate:"omitempty,hostname_port"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}
