// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apply reconciles the running stack with the spec: validate,
// stage artifacts under a cross-process lock, execute the impact plan,
// and on failure roll back or fall back to the emergency bundle.
package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/health"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/history"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/plan"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/render"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/telemetry"
)

// State is the apply engine's progression marker.
type State string

const (
	StateValidating      State = "validating"
	StateStaging         State = "staging"
	StateApplying        State = "applying"
	StateSucceeded       State = "succeeded"
	StateRollingBack     State = "rolling_back"
	StateRecovered       State = "recovered"
	StateFallbackApplied State = "fallback_applied"
)

// Apply-phase sentinels.
var (
	// ErrComposeValidationFailed indicates the rendered or staged compose
	// document was rejected by the tool's own validation.
	ErrComposeValidationFailed = errors.New("compose_validation_failed")

	// ErrRollbackFailed indicates rollback could not restore the stack
	// and the emergency fallback bundle is being applied.
	ErrRollbackFailed = errors.New("rollback_failed_attempting_fallback")
)

// Runner is the compose domain-layer slice the engine drives.
type Runner interface {
	RefreshAllowList(ctx context.Context) error
	Up(ctx context.Context, service string, out io.Writer) error
	Restart(ctx context.Context, service string) error
	ReloadProxy(ctx context.Context) error
	ValidateConfig(ctx context.Context, composeFile string) error
}

// Prober confirms post-apply convergence.
type Prober interface {
	Probe(ctx context.Context, targets []string) (*health.Report, error)
}

// Outcome is what one apply run produced.
type Outcome struct {
	RunID string
	State State
	Plan  *plan.Plan
	// Probe is the readiness report, nil when probing never ran.
	Probe *health.Report
}

// Option configures an Engine.
type Option func(*Engine)

// WithHistory records every run in the audit store.
func WithHistory(h *history.Store) Option {
	return func(e *Engine) { e.history = h }
}

// WithMetrics wires the apply counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithOutput directs streaming tool output (image pulls, container
// creation) somewhere visible.
func WithOutput(w io.Writer) Option {
	return func(e *Engine) { e.out = w }
}

// Engine runs the apply cycle.
type Engine struct {
	stateRoot string
	store     *stackspec.Store
	runner    Runner
	prober    Prober
	lock      *Lock

	history *history.Store
	metrics *telemetry.Metrics
	logger  *slog.Logger
	out     io.Writer
	now     func() time.Time
}

// NewEngine wires an apply engine over the given collaborators.
func NewEngine(store *stackspec.Store, runner Runner, prober Prober, opts ...Option) *Engine {
	e := &Engine{
		stateRoot: store.StateRoot(),
		store:     store,
		runner:    runner,
		prober:    prober,
		lock:      NewLock(store.StateRoot()),
		logger:    slog.Default(),
		out:       io.Discard,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply runs one full reconciliation cycle.
//
// # Description
//
// Validating renders and refuses to continue on unresolved secret
// references or a compose document the tool rejects; nothing has been
// written at that point. Staging takes the lock, snapshots the current
// artifacts, computes the impact plan, writes everything (the compose
// document via stage-validate-promote so an invalid file is never visible
// live), and writes the render report. Applying executes up, then
// restart, then reload; the first failure aborts the rest, restores the
// snapshot, and brings the core services back up. If that recovery
// fails, it applies the two-service emergency bundle. The original error is
// returned in every failure path; recovery is for availability, not for
// suppressing the signal.
//
// # Outputs
//   - *Outcome: always non-nil, with the terminal state and, when
//     probing ran, the readiness report
//   - error: nil only when the stack converged and probing confirmed it
func (e *Engine) Apply(ctx context.Context) (*Outcome, error) {
	outcome := &Outcome{RunID: uuid.NewString(), State: StateValidating}
	started := e.now()
	err := e.run(ctx, outcome)
	e.record(outcome, started, err)
	return outcome, err
}

func (e *Engine) run(ctx context.Context, outcome *Outcome) error {
	// ===== Validating =====
	spec, err := e.store.Spec()
	if err != nil {
		return err
	}
	secrets, err := e.store.Secrets()
	if err != nil {
		return err
	}
	res, err := render.Render(spec, secrets)
	if err != nil {
		return err
	}
	if !res.ApplySafe() {
		return fmt.Errorf("%w: %d unresolved references: %v",
			stackspec.ErrSecretValidationFailed, len(res.MissingRefs), res.MissingRefs)
	}
	if err := e.validateCompose(ctx, res.Artifact(render.ComposePath).Data); err != nil {
		return err
	}

	// ===== Staging =====
	outcome.State = StateStaging
	if err := e.lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := e.lock.Release(); err != nil {
			e.logger.Warn("lock release failed", "error", err)
		}
	}()

	before, err := ReadSnapshot(e.stateRoot)
	if err != nil {
		return err
	}
	p, err := plan.Compute(before, res)
	if err != nil {
		return err
	}
	outcome.Plan = p
	e.logger.Info("impact plan computed", "plan", p.String())

	if err := e.stageArtifacts(ctx, res, before); err != nil {
		return err
	}

	// ===== Applying =====
	outcome.State = StateApplying
	if err := e.runner.RefreshAllowList(ctx); err != nil {
		return err
	}
	if applyErr := e.executePlan(ctx, p); applyErr != nil {
		e.logger.Error("apply failed, recovering", "error", applyErr)
		if e.metrics != nil {
			e.metrics.RollbacksTotal.Inc()
		}
		outcome.State = StateRollingBack
		if rbErr := e.rollback(ctx, before); rbErr != nil {
			e.logger.Error("rollback failed, applying emergency bundle",
				"error", fmt.Errorf("%w: %v", ErrRollbackFailed, rbErr))
			if fbErr := e.fallback(ctx); fbErr != nil {
				e.logger.Error("fallback failed", "error", fbErr)
			}
			outcome.State = StateFallbackApplied
		} else {
			outcome.State = StateRecovered
		}
		// The original failure always reaches the caller; a recovered
		// stack does not mean the requested apply happened.
		return applyErr
	}

	outcome.State = StateSucceeded
	targets, err := render.ComposeServiceNames(res.Artifact(render.ComposePath).Data)
	if err != nil {
		return err
	}
	report, probeErr := e.prober.Probe(ctx, targets)
	outcome.Probe = report
	if e.metrics != nil && report != nil {
		e.metrics.ProbeAttempts.Add(float64(report.Attempts))
	}
	return probeErr
}

// validateCompose writes the document to a temporary file and asks the
// tool to validate it, without touching the live document.
func (e *Engine) validateCompose(ctx context.Context, doc []byte) error {
	tmp, err := os.CreateTemp(e.stateRoot, ".compose-validate-*.yaml")
	if err != nil {
		return fmt.Errorf("stage compose for validation: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("stage compose for validation: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage compose for validation: %w", err)
	}
	if err := e.runner.ValidateConfig(ctx, tmpName); err != nil {
		return fmt.Errorf("%w: %v", ErrComposeValidationFailed, err)
	}
	return nil
}

// stageArtifacts writes the render result into the state root. The
// compose document goes last and through stage-validate-promote: the
// staged file itself is re-validated before the rename, so the live path
// never points at a document the tool would reject.
func (e *Engine) stageArtifacts(ctx context.Context, res *render.Result, before plan.Snapshot) error {
	var composeArtifact *render.Artifact
	for i := range res.Artifacts {
		a := res.Artifacts[i]
		if a.Path == render.ComposePath {
			composeArtifact = &res.Artifacts[i]
			continue
		}
		if err := writeArtifact(e.stateRoot, a); err != nil {
			return err
		}
	}
	if composeArtifact != nil {
		staged := filepath.Join(e.stateRoot, ".compose-staged.yaml")
		if err := os.WriteFile(staged, composeArtifact.Data, 0o640); err != nil {
			return fmt.Errorf("stage compose document: %w", err)
		}
		defer os.Remove(staged)
		if err := e.runner.ValidateConfig(ctx, staged); err != nil {
			return fmt.Errorf("%w: staged document: %v", ErrComposeValidationFailed, err)
		}
		if err := os.Rename(staged, filepath.Join(e.stateRoot, render.ComposePath)); err != nil {
			return fmt.Errorf("promote compose document: %w", err)
		}
	}
	if err := removeStaleEnvFiles(e.stateRoot, before, res); err != nil {
		return err
	}
	return e.writeReport(render.BuildReport(res, before, e.now()))
}

// executePlan runs the actions in first-start, restart, reload order.
// Failures carry the failed service name in the error code.
func (e *Engine) executePlan(ctx context.Context, p *plan.Plan) error {
	for _, svc := range p.Up {
		if err := e.runner.Up(ctx, svc, e.out); err != nil {
			return fmt.Errorf("compose_up_failed:%s: %w", svc, err)
		}
	}
	for _, svc := range p.Restart {
		if err := e.runner.Restart(ctx, svc); err != nil {
			return fmt.Errorf("compose_restart_failed:%s: %w", svc, err)
		}
	}
	for _, svc := range p.Reload {
		if err := e.runner.ReloadProxy(ctx); err != nil {
			return fmt.Errorf("compose_reload_failed:%s: %w", svc, err)
		}
	}
	return nil
}

// rollback restores the pre-apply snapshot, re-validates it, and brings
// the core services back up.
func (e *Engine) rollback(ctx context.Context, before plan.Snapshot) error {
	if err := writeSnapshot(e.stateRoot, before); err != nil {
		return err
	}
	if _, ok := before[render.ComposePath]; ok {
		if err := e.runner.ValidateConfig(ctx, filepath.Join(e.stateRoot, render.ComposePath)); err != nil {
			return fmt.Errorf("restored compose document invalid: %w", err)
		}
		for _, svc := range stackspec.CoreServices {
			if err := e.runner.Up(ctx, svc, e.out); err != nil {
				return fmt.Errorf("recover %s: %w", svc, err)
			}
		}
	}
	return nil
}

// fallback writes and starts the minimal emergency bundle.
func (e *Engine) fallback(ctx context.Context) error {
	res, err := render.RenderFallback()
	if err != nil {
		return err
	}
	for _, a := range res.Artifacts {
		if err := writeArtifact(e.stateRoot, a); err != nil {
			return err
		}
	}
	for _, svc := range render.FallbackServices {
		if err := e.runner.Up(ctx, svc, e.out); err != nil {
			return fmt.Errorf("fallback %s: %w", svc, err)
		}
	}
	return nil
}

func (e *Engine) writeReport(report render.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal render report: %w", err)
	}
	return writeArtifact(e.stateRoot, render.Artifact{
		Path: render.ReportPath,
		Data: append(data, '\n'),
		Mode: 0o640,
	})
}

// RefreshReport re-renders in memory and rewrites only the render report,
// diffing against what is on disk. Spec and secret mutations call this so
// the operator sees pending changes without an apply having run.
func (e *Engine) RefreshReport() error {
	spec, err := e.store.Spec()
	if err != nil {
		return err
	}
	secrets, err := e.store.Secrets()
	if err != nil {
		return err
	}
	res, err := render.Render(spec, secrets)
	if err != nil {
		return err
	}
	existing, err := ReadSnapshot(e.stateRoot)
	if err != nil {
		return err
	}
	return e.writeReport(render.BuildReport(res, existing, e.now()))
}

// record persists the run in history and bumps counters. Best-effort;
// audit failure never masks the apply result.
func (e *Engine) record(outcome *Outcome, started time.Time, applyErr error) {
	if e.metrics != nil {
		e.metrics.AppliesTotal.WithLabelValues(string(outcome.State)).Inc()
	}
	if e.history == nil {
		return
	}
	rec := history.Record{
		ID:         outcome.RunID,
		StartedAt:  started,
		FinishedAt: e.now(),
		State:      string(outcome.State),
		Plan:       outcome.Plan,
	}
	if applyErr != nil {
		rec.Error = applyErr.Error()
	}
	if err := e.history.Append(rec); err != nil {
		e.logger.Warn("history append failed", "error", err)
	}
}
