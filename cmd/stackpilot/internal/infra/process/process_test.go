// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	skipWithoutShell(t)
	m := NewManager()

	t.Run("success", func(t *testing.T) {
		res, err := m.Run(context.Background(), t.TempDir(), nil, "sh", "-c", "echo out; echo err >&2")
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
		if strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
			t.Errorf("stdout=%q stderr=%q", res.Stdout, res.Stderr)
		}
		if res.ExitCode != 0 {
			t.Errorf("ExitCode = %d", res.ExitCode)
		}
	})

	t.Run("non-zero exit keeps result", func(t *testing.T) {
		res, err := m.Run(context.Background(), t.TempDir(), nil, "sh", "-c", "echo boom >&2; exit 3")
		if err == nil {
			t.Fatal("Run() error = nil, want exit error")
		}
		if res.ExitCode != 3 {
			t.Errorf("ExitCode = %d, want 3", res.ExitCode)
		}
		if !strings.Contains(res.Stderr, "boom") {
			t.Errorf("Stderr = %q", res.Stderr)
		}
	})

	t.Run("spawn failure", func(t *testing.T) {
		res, err := m.Run(context.Background(), t.TempDir(), nil, "definitely-not-a-binary-xyz")
		if err == nil {
			t.Fatal("Run() error = nil, want spawn failure")
		}
		if res.ExitCode != -1 {
			t.Errorf("ExitCode = %d, want -1", res.ExitCode)
		}
	})
}

func TestRunContextTimeout(t *testing.T) {
	skipWithoutShell(t)
	m := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.Run(ctx, t.TempDir(), nil, "sh", "-c", "sleep 5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want DeadlineExceeded", err)
	}
}

func TestRunStreaming(t *testing.T) {
	skipWithoutShell(t)
	m := NewManager()
	var buf bytes.Buffer
	err := m.RunStreaming(context.Background(), t.TempDir(), &buf, nil, "sh", "-c", "echo live")
	if err != nil {
		t.Fatalf("RunStreaming() error: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "live" {
		t.Errorf("output = %q", buf.String())
	}
}

func TestMockManagerRecordsCalls(t *testing.T) {
	m := &MockManager{
		RunFunc: func(context.Context, string, []string, string, ...string) (*Result, error) {
			return &Result{Stdout: "ok"}, nil
		},
	}
	res, err := m.Run(context.Background(), "/work", nil, "docker", "compose", "ps")
	if err != nil || res.Stdout != "ok" {
		t.Fatalf("Run() = %+v, %v", res, err)
	}
	if m.CallCount() != 1 {
		t.Fatalf("CallCount() = %d", m.CallCount())
	}
	call := m.Calls[0]
	if call.Name != "docker" || call.Args[0] != "compose" || call.Streaming {
		t.Errorf("call = %+v", call)
	}
}
