// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package process spawns external commands. It exists so everything above
// it can be tested against a mock spawner instead of a real binary.
package process

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"time"
)

// Result captures a finished non-streaming invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Manager runs external commands.
//
// Run buffers output and returns after the process exits; the context
// bounds its lifetime. RunStreaming copies combined output to w live and
// is unbounded unless the caller's context says otherwise.
type Manager interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) (*Result, error)
	RunStreaming(ctx context.Context, dir string, w io.Writer, env []string, name string, args ...string) error
}

// DefaultManager runs commands with os/exec.
type DefaultManager struct{}

var _ Manager = (*DefaultManager)(nil)

// NewManager returns the real spawner.
func NewManager() *DefaultManager { return &DefaultManager{} }

// Run executes the command and buffers stdout and stderr.
//
// # Outputs
//   - *Result: populated on every process that actually started, exit
//     code included, even when err is non-nil
//   - error: context errors pass through unchanged so callers can detect
//     timeouts; a non-zero exit returns an *exec.ExitError alongside the
//     populated result
func (m *DefaultManager) Run(ctx context.Context, dir string, env []string, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, err
		}
		// Spawn failure: the binary was missing or not executable.
		res.ExitCode = -1
		return res, err
	}
	return res, nil
}

// RunStreaming executes the command with combined output copied to w as
// it is produced.
func (m *DefaultManager) RunStreaming(ctx context.Context, dir string, w io.Writer, env []string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = w
	cmd.Stderr = w
	err := cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
