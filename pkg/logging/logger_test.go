// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"  info  ", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestNewWithLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger, err := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "testsvc",
		Quiet:   true,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	logger.Info("hello", "key", "value")
	logger.Debug("fine detail")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	name := "testsvc_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2: %q", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("file entry is not JSON: %v", err)
	}
	if entry["msg"] != "hello" || entry["service"] != "testsvc" || entry["key"] != "value" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewLevelFiltersFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger, err := New(Config{Level: LevelWarn, LogDir: dir, Service: "lvl", Quiet: true})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	logger.Close()

	name := "lvl_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "dropped") {
		t.Errorf("info entry survived warn-level filter: %q", data)
	}
	if !strings.Contains(string(data), "kept") {
		t.Errorf("warn entry missing: %q", data)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	logger, err := New(Config{LogDir: t.TempDir(), Quiet: true})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

func TestQuietWithoutFileDiscards(t *testing.T) {
	logger, err := New(Config{Quiet: true})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer logger.Close()
	if logger.file != nil {
		t.Error("no LogDir configured but a file was opened")
	}
	// Output goes nowhere; the calls just must not panic.
	logger.Info("nowhere")
	logger.Error("still nowhere")
}
