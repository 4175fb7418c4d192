// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health confirms post-apply convergence: process-level status
// first, application-level HTTP probes second, diagnostics on failure.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/infra/compose"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"
)

// Defaults. Attempts are strictly sequential with a fixed interval, no
// backoff growth.
const (
	DefaultMaxAttempts  = 12
	DefaultInterval     = 1000 * time.Millisecond
	DefaultProbeTimeout = 3 * time.Second
	diagnosticTailLines = 50
)

// Sentinel errors.
var (
	// ErrSetupNotReady indicates attempts were exhausted before every
	// target converged.
	ErrSetupNotReady = errors.New("setup_not_ready")

	// ErrPsFailed indicates the process-status query itself failed.
	ErrPsFailed = errors.New("compose_ps_failed")
)

// Not-ready reasons.
const (
	ReasonMissing         = "missing"
	ReasonNotRunning      = "not_running"
	ReasonUnhealthy       = "unhealthy"
	ReasonHTTPProbeFailed = "http_probe_failed"
)

// defaultProbeURLs maps the well-known HTTP-probed services to their
// health endpoints. Operator config may override any entry.
var defaultProbeURLs = map[string]string{
	stackspec.ServiceAdmin:       "http://127.0.0.1:8085/healthz",
	stackspec.ServiceGateway:     "http://127.0.0.1:8088/healthz",
	stackspec.ServiceAssistant:   "http://127.0.0.1:8090/healthz",
	stackspec.ServiceVectorstore: "http://127.0.0.1:8080/v1/.well-known/ready",
}

// Runner is the slice of the compose domain layer the prober needs.
type Runner interface {
	Ps(ctx context.Context) ([]compose.ServiceStatus, error)
	Logs(ctx context.Context, service string, tail int, follow bool, out io.Writer) (string, error)
}

var _ Runner = (*compose.Executor)(nil)

// ServiceReport is the outcome for one target service.
type ServiceReport struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Report is the final diagnostic payload of one probing run.
type Report struct {
	ID             string            `json:"id"`
	Ready          bool              `json:"ready"`
	Attempts       int               `json:"attempts"`
	Services       []ServiceReport   `json:"services"`
	FailedServices []string          `json:"failed_services,omitempty"`
	Logs           map[string]string `json:"logs,omitempty"`
	Elapsed        time.Duration     `json:"elapsed"`
}

// Config tunes a Prober.
type Config struct {
	MaxAttempts  int
	Interval     time.Duration
	ProbeTimeout time.Duration
	// ProbeURLs overrides or extends the default health endpoints.
	ProbeURLs map[string]string
}

// Prober polls process status and HTTP health endpoints until every
// target converges or attempts run out.
type Prober struct {
	runner       Runner
	client       *http.Client
	logger       *slog.Logger
	maxAttempts  int
	interval     time.Duration
	probeTimeout time.Duration
	probeURLs    map[string]string
}

// NewProber builds a prober over the compose domain layer. A nil client
// gets a default with the probe timeout applied per request context.
func NewProber(runner Runner, cfg Config, client *http.Client, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	p := &Prober{
		runner:       runner,
		client:       client,
		logger:       logger,
		maxAttempts:  DefaultMaxAttempts,
		interval:     DefaultInterval,
		probeTimeout: DefaultProbeTimeout,
		probeURLs:    map[string]string{},
	}
	if cfg.MaxAttempts > 0 {
		p.maxAttempts = cfg.MaxAttempts
	}
	if cfg.Interval > 0 {
		p.interval = cfg.Interval
	}
	if cfg.ProbeTimeout > 0 {
		p.probeTimeout = cfg.ProbeTimeout
	}
	for name, url := range defaultProbeURLs {
		p.probeURLs[name] = url
	}
	for name, url := range cfg.ProbeURLs {
		p.probeURLs[name] = url
	}
	return p
}

// Probe polls until every target is ready or attempts are exhausted.
//
// # Description
//
// Each attempt first gates on process status: a target absent from ps is
// "missing", present but not running is "not_running", running with a
// pending or failing healthcheck is "unhealthy". Only when every target
// passes that gate do the HTTP probes run, concurrently, one per target
// with a configured endpoint. A non-2xx status, an {ok:false} body, or a
// transport error is "http_probe_failed" with the probed URL and the raw
// error recorded.
//
// On exhaustion the report carries recent log output for every
// still-failing service, fetched best-effort; a fetch failure is recorded
// inline as log_fetch_failed:<detail> rather than aborting diagnostics.
//
// # Outputs
//   - *Report: always non-nil, also on error
//   - error: ErrSetupNotReady on exhaustion, context errors if canceled
func (p *Prober) Probe(ctx context.Context, targets []string) (*Report, error) {
	start := time.Now()
	report := &Report{ID: uuid.NewString()}
	targets = slices.Clone(targets)
	slices.Sort(targets)

	var services []ServiceReport
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		report.Attempts = attempt
		if attempt > 1 {
			select {
			case <-ctx.Done():
				report.Elapsed = time.Since(start)
				return report, ctx.Err()
			case <-time.After(p.interval):
			}
		}

		services = p.attempt(ctx, targets)
		allReady := true
		for _, s := range services {
			if !s.Ready {
				allReady = false
				break
			}
		}
		if allReady {
			report.Ready = true
			report.Services = services
			report.Elapsed = time.Since(start)
			p.logger.Info("stack ready", "attempts", attempt, "elapsed", report.Elapsed)
			return report, nil
		}
		p.logger.Debug("not ready yet", "attempt", attempt, "max", p.maxAttempts)
	}

	report.Services = services
	for _, s := range services {
		if !s.Ready {
			report.FailedServices = append(report.FailedServices, s.Name)
		}
	}
	report.Logs = p.collectLogs(ctx, report.FailedServices)
	report.Elapsed = time.Since(start)
	return report, fmt.Errorf("%w: %d services not ready after %d attempts",
		ErrSetupNotReady, len(report.FailedServices), p.maxAttempts)
}

// attempt runs one polling cycle and reports per-target state.
func (p *Prober) attempt(ctx context.Context, targets []string) []ServiceReport {
	statuses, err := p.runner.Ps(ctx)
	if err != nil {
		out := make([]ServiceReport, len(targets))
		for i, name := range targets {
			out[i] = ServiceReport{
				Name:   name,
				Reason: ReasonMissing,
				Error:  fmt.Errorf("%w: %v", ErrPsFailed, err).Error(),
			}
		}
		return out
	}
	byName := map[string]compose.ServiceStatus{}
	for _, s := range statuses {
		byName[s.Name] = s
	}

	out := make([]ServiceReport, len(targets))
	gatePassed := true
	for i, name := range targets {
		status, ok := byName[name]
		switch {
		case !ok:
			out[i] = ServiceReport{Name: name, Reason: ReasonMissing}
			gatePassed = false
		case status.State != "running":
			out[i] = ServiceReport{Name: name, Reason: ReasonNotRunning}
			gatePassed = false
		case status.Health != "" && status.Health != "healthy":
			out[i] = ServiceReport{Name: name, Reason: ReasonUnhealthy}
			gatePassed = false
		default:
			out[i] = ServiceReport{Name: name, Ready: true}
		}
	}
	// HTTP probes only run once every target passed the process gate;
	// probing an application inside a container that is still starting
	// would just burn the probe timeout.
	if !gatePassed {
		return out
	}

	var wg sync.WaitGroup
	for i := range out {
		url, ok := p.probeURLs[out[i].Name]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(r *ServiceReport, url string) {
			defer wg.Done()
			if err := p.probeHTTP(ctx, url); err != nil {
				r.Ready = false
				r.Reason = ReasonHTTPProbeFailed
				r.URL = url
				r.Error = err.Error()
			} else {
				r.URL = url
			}
		}(&out[i], url)
	}
	wg.Wait()
	return out
}

// probeHTTP performs one GET. Success is 2xx plus, for JSON bodies, the
// absence of an explicit ok:false.
func (p *Prober) probeHTTP(ctx context.Context, url string) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	var payload struct {
		OK *bool `json:"ok"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.OK != nil && !*payload.OK {
		return errors.New("body reports ok:false")
	}
	return nil
}

// collectLogs fetches recent output for failing services, best-effort.
func (p *Prober) collectLogs(ctx context.Context, failed []string) map[string]string {
	if len(failed) == 0 {
		return nil
	}
	logs := make(map[string]string, len(failed))
	for _, name := range failed {
		out, err := p.runner.Logs(ctx, name, diagnosticTailLines, false, nil)
		if err != nil {
			logs[name] = "log_fetch_failed:" + err.Error()
			continue
		}
		logs[name] = out
	}
	return logs
}
