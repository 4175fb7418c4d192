// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stackpilot.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.StateRoot, "default config has empty state root")
	require.Equal(t, "info", cfg.Logging.Level)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config not persisted")
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stackpilot.yaml")
	in := &Config{
		StateRoot: t.TempDir(),
		Runtime:   RuntimeConfig{Bin: "podman-compose"},
		Probe: ProbeConfig{
			MaxAttempts: 20,
			IntervalMS:  500,
			URLs:        map[string]string{"gateway": "http://127.0.0.1:9999/healthz"},
		},
		Telemetry:     TelemetryConfig{Enabled: true, Listen: "127.0.0.1:9464"},
		Logging:       LoggingConfig{Level: "debug", JSON: true},
		ExtraServices: []string{"backup"},
	}
	require.NoError(t, Save(path, in))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "podman-compose", cfg.Runtime.Bin)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, []string{"backup"}, cfg.ExtraServices)
	require.Equal(t, 500*time.Millisecond, cfg.Probe.Interval())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad level", "state_root: /tmp/s\nlogging:\n  level: loud\n"},
		{"bad listen", "state_root: /tmp/s\ntelemetry:\n  enabled: true\n  listen: not-a-hostport\n"},
		{"bad probe url", "state_root: /tmp/s\nprobe:\n  urls:\n    gateway: not-a-url\n"},
		{"bad attempts", "state_root: /tmp/s\nprobe:\n  max_attempts: 500\n"},
		{"not yaml", "{{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "stackpilot.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o640))

			_, err := Load(path)
			require.Error(t, err, "invalid config accepted")
		})
	}
}

func TestResolveRuntimePinned(t *testing.T) {
	cfg := &Config{Runtime: RuntimeConfig{Bin: "docker", Subcommand: []string{"compose"}}}
	bin, sub, err := ResolveRuntime(cfg)
	require.NoError(t, err)
	require.Equal(t, "docker", bin)
	require.Equal(t, []string{"compose"}, sub)
}
