// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"
)

// Tail bounds for Logs.
const (
	MinTail = 1
	MaxTail = 5000
)

// ServiceStatus is one row of ps output.
type ServiceStatus struct {
	Name   string
	State  string
	Health string
}

// Running reports whether the process is up and, when a healthcheck is
// declared, healthy.
func (s ServiceStatus) Running() bool {
	if s.State != "running" {
		return false
	}
	return s.Health == "" || s.Health == "healthy"
}

// Executor is the domain layer over the transport: typed actions, a
// service allow-list, and ps parsing.
//
// Every action that targets a named service fails closed with
// service_not_allowed when the name is outside the allow-list, so a stale
// or tampered spec can never drive arbitrary container names.
type Executor struct {
	transport *Transport
	logger    *slog.Logger

	// extra holds operator-configured additional service names.
	extra []string
	// allow is recomputed once per apply cycle by RefreshAllowList, not
	// per action; a live tool call per action would be redundant.
	allow map[string]bool
}

// NewExecutor wires a domain executor. extraServices extends the fixed
// core allow-list with operator-configured names.
func NewExecutor(transport *Transport, extraServices []string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{transport: transport, logger: logger, extra: slices.Clone(extraServices)}
	e.resetAllowList(nil)
	return e
}

// Transport exposes the underlying transport, mainly for config
// validation during apply staging.
func (e *Executor) Transport() *Transport { return e.transport }

// ValidateConfig proxies the transport's document validation so callers
// holding only the domain layer can validate staged files.
func (e *Executor) ValidateConfig(ctx context.Context, composeFile string) error {
	return e.transport.ValidateConfig(ctx, composeFile)
}

func (e *Executor) resetAllowList(discovered []string) {
	allow := map[string]bool{}
	for _, name := range stackspec.CoreServices {
		allow[name] = true
	}
	for _, name := range e.extra {
		allow[name] = true
	}
	for _, name := range discovered {
		allow[name] = true
	}
	e.allow = allow
}

// RefreshAllowList rebuilds the allow-list as core names, operator extras,
// and whatever the compose tool reports as its configured services.
// Called once per apply cycle.
func (e *Executor) RefreshAllowList(ctx context.Context) error {
	discovered, err := e.transport.ConfiguredServices(ctx)
	if err != nil {
		return fmt.Errorf("refresh allow-list: %w", err)
	}
	e.resetAllowList(discovered)
	return nil
}

func (e *Executor) ensureAllowed(service string) error {
	if !e.allow[service] {
		return fmt.Errorf("%w: %s", ErrServiceNotAllowed, service)
	}
	return nil
}

// Up starts (or recreates) one service in detached mode, streaming tool
// output so image pulls stay visible. Unbounded by design.
func (e *Executor) Up(ctx context.Context, service string, out io.Writer) error {
	if err := e.ensureAllowed(service); err != nil {
		return err
	}
	_, err := e.transport.Run(ctx, RunOptions{Streaming: true, Output: out}, "up", "-d", service)
	return err
}

// Stop stops one service.
func (e *Executor) Stop(ctx context.Context, service string) error {
	if err := e.ensureAllowed(service); err != nil {
		return err
	}
	_, err := e.transport.Run(ctx, RunOptions{}, "stop", service)
	return err
}

// Restart restarts one service.
func (e *Executor) Restart(ctx context.Context, service string) error {
	if err := e.ensureAllowed(service); err != nil {
		return err
	}
	_, err := e.transport.Run(ctx, RunOptions{}, "restart", service)
	return err
}

// Pull pulls one service's image, streaming progress. Unbounded.
func (e *Executor) Pull(ctx context.Context, service string, out io.Writer) error {
	if err := e.ensureAllowed(service); err != nil {
		return err
	}
	_, err := e.transport.Run(ctx, RunOptions{Streaming: true, Output: out}, "pull", service)
	return err
}

// Exec runs a command inside a service's container and returns its
// stdout.
func (e *Executor) Exec(ctx context.Context, service string, cmd ...string) (string, error) {
	if err := e.ensureAllowed(service); err != nil {
		return "", err
	}
	args := append([]string{"exec", "-T", service}, cmd...)
	res, err := e.transport.Run(ctx, RunOptions{}, args...)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Logs fetches the last tail lines of a service's logs. Follow streams
// live output to out and is unbounded.
func (e *Executor) Logs(ctx context.Context, service string, tail int, follow bool, out io.Writer) (string, error) {
	if err := e.ensureAllowed(service); err != nil {
		return "", err
	}
	if tail < MinTail || tail > MaxTail {
		return "", fmt.Errorf("%w: %d outside [%d, %d]", ErrInvalidTail, tail, MinTail, MaxTail)
	}
	if follow {
		_, err := e.transport.Run(ctx, RunOptions{Streaming: true, Output: out},
			"logs", "--follow", "--tail", strconv.Itoa(tail), service)
		return "", err
	}
	res, err := e.transport.Run(ctx, RunOptions{}, "logs", "--no-color", "--tail", strconv.Itoa(tail), service)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// ReloadProxy hot-reloads the reverse proxy configuration in place, no
// process restart.
func (e *Executor) ReloadProxy(ctx context.Context) error {
	_, err := e.Exec(ctx, stackspec.ServiceProxy,
		"caddy", "reload", "--config", "/etc/caddy/proxy.json")
	return err
}

// Ps returns the status of every service the tool knows about.
//
// # Limitations
//   - Output format differs across tool versions: some emit a JSON
//     array, others one JSON object per line. Both are handled; anything
//     else is compose_ps_parse_failed, never an empty success.
func (e *Executor) Ps(ctx context.Context) ([]ServiceStatus, error) {
	res, err := e.transport.Run(ctx, RunOptions{}, "ps", "--all", "--format", "json")
	if err != nil {
		return nil, err
	}
	statuses, err := parsePs(res.Stdout)
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

// psRow tolerates the field-name drift between tool versions.
type psRow struct {
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Health  string `json:"Health"`
}

func (r psRow) toStatus() ServiceStatus {
	name := r.Service
	if name == "" {
		name = r.Name
	}
	return ServiceStatus{Name: name, State: strings.ToLower(r.State), Health: strings.ToLower(r.Health)}
}

func parsePs(out string) ([]ServiceStatus, error) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var rows []psRow
		if err := json.Unmarshal([]byte(trimmed), &rows); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPsParseFailed, err)
		}
		return rowsToStatuses(rows), nil
	}

	// NDJSON: one object per line.
	var rows []psRow
	for i, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var row psRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrPsParseFailed, i+1, err)
		}
		rows = append(rows, row)
	}
	return rowsToStatuses(rows), nil
}

func rowsToStatuses(rows []psRow) []ServiceStatus {
	out := make([]ServiceStatus, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toStatus())
	}
	return out
}
