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
	"context"
	"io"
	"sync"
)

// Call records one invocation received by MockManager.
type Call struct {
	Name      string
	Args      []string
	Dir       string
	Streaming bool
}

// MockManager is a test double. Set the Func fields to script behavior;
// every invocation is recorded in Calls.
type MockManager struct {
	RunFunc          func(ctx context.Context, dir string, env []string, name string, args ...string) (*Result, error)
	RunStreamingFunc func(ctx context.Context, dir string, w io.Writer, env []string, name string, args ...string) error

	mu    sync.Mutex
	Calls []Call
}

var _ Manager = (*MockManager)(nil)

func (m *MockManager) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, c)
}

// CallCount returns the number of recorded invocations.
func (m *MockManager) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

func (m *MockManager) Run(ctx context.Context, dir string, env []string, name string, args ...string) (*Result, error) {
	m.record(Call{Name: name, Args: args, Dir: dir})
	if m.RunFunc != nil {
		return m.RunFunc(ctx, dir, env, name, args...)
	}
	return &Result{}, nil
}

func (m *MockManager) RunStreaming(ctx context.Context, dir string, w io.Writer, env []string, name string, args ...string) error {
	m.record(Call{Name: name, Args: args, Dir: dir, Streaming: true})
	if m.RunStreamingFunc != nil {
		return m.RunStreamingFunc(ctx, dir, w, env, name, args...)
	}
	return nil
}
