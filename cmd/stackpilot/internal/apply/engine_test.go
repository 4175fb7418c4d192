// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apply

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/health"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/render"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"
)

func artifactForTest(path, data string) render.Artifact {
	return render.Artifact{Path: path, Data: []byte(data), Mode: 0o640}
}

// mockRunner scripts the compose domain layer.
type mockRunner struct {
	upErr      map[string]error
	restartErr map[string]error
	reloadErr  error
	refreshErr error

	actions []string
}

func (m *mockRunner) RefreshAllowList(context.Context) error { return m.refreshErr }

func (m *mockRunner) Up(_ context.Context, service string, _ io.Writer) error {
	m.actions = append(m.actions, "up:"+service)
	if err := m.upErr[service]; err != nil {
		return err
	}
	return nil
}

func (m *mockRunner) Restart(_ context.Context, service string) error {
	m.actions = append(m.actions, "restart:"+service)
	if err := m.restartErr[service]; err != nil {
		return err
	}
	return nil
}

func (m *mockRunner) ReloadProxy(context.Context) error {
	m.actions = append(m.actions, "reload:proxy")
	return m.reloadErr
}

func (m *mockRunner) ValidateConfig(_ context.Context, composeFile string) error {
	m.actions = append(m.actions, "validate")
	return nil
}

// failValidateRunner rejects every compose document.
type failValidateRunner struct{ mockRunner }

func (f *failValidateRunner) ValidateConfig(context.Context, string) error {
	return errors.New("yaml: bad document")
}

type mockProber struct {
	report *health.Report
	err    error
	trgs   []string
}

func (m *mockProber) Probe(_ context.Context, targets []string) (*health.Report, error) {
	m.trgs = targets
	if m.report == nil {
		m.report = &health.Report{ID: "probe-1", Ready: true, Attempts: 1}
	}
	return m.report, m.err
}

func newTestStore(t *testing.T) *stackspec.Store {
	t.Helper()
	store, err := stackspec.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	for name, value := range map[string]string{
		"GATEWAY_TOKEN": "gt", "GATEWAY_SHARED_SECRET": "shh", "ADMIN_TOKEN": "at",
		"DB_PASSWORD": "dbp", "CACHE_PASSWORD": "cp",
		"VECTORSTORE_API_KEY": "vk", "ASSISTANT_API_KEY": "ak",
	} {
		if err := store.UpsertSecret(name, value); err != nil {
			t.Fatalf("UpsertSecret(%s) error: %v", name, err)
		}
	}
	return store
}

func enableSlack(t *testing.T, store *stackspec.Store) {
	t.Helper()
	spec, err := store.Spec()
	if err != nil {
		t.Fatalf("Spec() error: %v", err)
	}
	spec.Channels["slack"] = stackspec.ChannelSpec{
		Enabled:       true,
		Image:         "example/slack-bridge:1",
		ContainerPort: 8080,
		Config:        map[string]string{"bot_token": "${SLACK_BOT_TOKEN}"},
	}
	if err := store.SetSpec(spec); err != nil {
		t.Fatalf("SetSpec() error: %v", err)
	}
}

func TestApplyFirstRunSucceeds(t *testing.T) {
	store := newTestStore(t)
	runner := &mockRunner{}
	prober := &mockProber{}
	engine := NewEngine(store, runner, prober)

	outcome, err := engine.Apply(context.Background())
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if outcome.State != StateSucceeded {
		t.Errorf("state = %s, want succeeded", outcome.State)
	}
	if outcome.RunID == "" || outcome.Probe == nil {
		t.Errorf("outcome = %+v", outcome)
	}

	t.Run("artifacts written", func(t *testing.T) {
		for _, path := range []string{render.ComposePath, render.ProxyPath, render.SystemEnv, render.ReportPath} {
			if _, err := os.Stat(filepath.Join(store.StateRoot(), path)); err != nil {
				t.Errorf("missing %s: %v", path, err)
			}
		}
	})

	t.Run("core services brought up", func(t *testing.T) {
		var ups []string
		for _, a := range runner.actions {
			if name, ok := strings.CutPrefix(a, "up:"); ok {
				ups = append(ups, name)
			}
		}
		want := []string{"admin", "assistant", "cache", "db", "gateway", "proxy", "vectorstore"}
		if !slices.Equal(ups, want) {
			t.Errorf("ups = %v, want %v", ups, want)
		}
	})

	t.Run("probe targets include every compose service", func(t *testing.T) {
		if !slices.Contains(prober.trgs, "gateway") {
			t.Errorf("targets = %v", prober.trgs)
		}
	})

	t.Run("lock released", func(t *testing.T) {
		if err := NewLock(store.StateRoot()).Acquire(); err != nil {
			t.Errorf("lock still held after apply: %v", err)
		}
		NewLock(store.StateRoot()).Release()
	})
}

func TestApplyAbortsOnMissingSecretReference(t *testing.T) {
	store := newTestStore(t)
	enableSlack(t, store) // SLACK_BOT_TOKEN never stored
	runner := &mockRunner{}
	engine := NewEngine(store, runner, &mockProber{})

	_, err := engine.Apply(context.Background())
	if !errors.Is(err, stackspec.ErrSecretValidationFailed) {
		t.Fatalf("Apply() error = %v, want secret_validation_failed", err)
	}
	if !strings.Contains(err.Error(), "missing_secret_reference_slack_bot_token_SLACK_BOT_TOKEN") {
		t.Errorf("error lacks reference token: %v", err)
	}
	if len(runner.actions) != 0 {
		t.Errorf("actions = %v, want none before validation passes", runner.actions)
	}
	if _, statErr := os.Stat(filepath.Join(store.StateRoot(), render.ComposePath)); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("compose document written despite validation abort")
	}
}

func TestApplyAbortsOnComposeValidationFailure(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store, &failValidateRunner{}, &mockProber{})

	_, err := engine.Apply(context.Background())
	if !errors.Is(err, ErrComposeValidationFailed) {
		t.Fatalf("Apply() error = %v, want compose_validation_failed", err)
	}
	if _, statErr := os.Stat(filepath.Join(store.StateRoot(), render.ComposePath)); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("compose document written despite validation abort")
	}
}

func TestApplyFailsFastWhenLockHeld(t *testing.T) {
	store := newTestStore(t)
	if err := NewLock(store.StateRoot()).Acquire(); err != nil {
		t.Fatalf("pre-acquire error: %v", err)
	}
	engine := NewEngine(store, &mockRunner{}, &mockProber{})

	_, err := engine.Apply(context.Background())
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("Apply() error = %v, want apply_lock_held", err)
	}
	if _, statErr := os.Stat(filepath.Join(store.StateRoot(), render.ComposePath)); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("artifacts touched while lock held")
	}
}

func TestApplyRollbackRestoresArtifacts(t *testing.T) {
	store := newTestStore(t)
	runner := &mockRunner{}
	engine := NewEngine(store, runner, &mockProber{})

	// Converge once so there is a known-good on-disk state.
	if _, err := engine.Apply(context.Background()); err != nil {
		t.Fatalf("initial Apply() error: %v", err)
	}
	before, err := ReadSnapshot(store.StateRoot())
	if err != nil {
		t.Fatalf("ReadSnapshot() error: %v", err)
	}

	// Enable a channel whose first start will fail.
	if err := store.UpsertSecret("SLACK_BOT_TOKEN", "xoxb"); err != nil {
		t.Fatalf("UpsertSecret() error: %v", err)
	}
	enableSlack(t, store)
	runner.upErr = map[string]error{"channel-slack": errors.New("pull access denied")}
	runner.actions = nil

	outcome, err := engine.Apply(context.Background())
	if err == nil {
		t.Fatal("Apply() error = nil, want the original up failure")
	}
	if !strings.HasPrefix(err.Error(), "compose_up_failed:channel-slack") {
		t.Errorf("error = %v, want compose_up_failed:channel-slack prefix", err)
	}
	if outcome.State != StateRecovered {
		t.Errorf("state = %s, want recovered", outcome.State)
	}

	t.Run("artifacts byte-identical to pre-apply", func(t *testing.T) {
		after, err := ReadSnapshot(store.StateRoot())
		if err != nil {
			t.Fatalf("ReadSnapshot() error: %v", err)
		}
		for path, data := range before {
			if !bytes.Equal(after[path], data) {
				t.Errorf("artifact %s differs after rollback", path)
			}
		}
		if _, ok := after["env/channel-slack.env"]; ok {
			t.Error("failed channel's env file survived rollback")
		}
	})

	t.Run("core services recovered", func(t *testing.T) {
		if !slices.Contains(runner.actions, "up:gateway") {
			t.Errorf("actions = %v, want core recovery ups", runner.actions)
		}
	})
}

func TestApplyFallbackWhenRollbackFails(t *testing.T) {
	store := newTestStore(t)
	runner := &mockRunner{}
	engine := NewEngine(store, runner, &mockProber{})

	if _, err := engine.Apply(context.Background()); err != nil {
		t.Fatalf("initial Apply() error: %v", err)
	}

	if err := store.UpsertSecret("SLACK_BOT_TOKEN", "xoxb"); err != nil {
		t.Fatalf("UpsertSecret() error: %v", err)
	}
	enableSlack(t, store)
	// The new channel fails, and so does the gateway recovery up; only
	// the fallback bundle's two services start.
	runner.upErr = map[string]error{
		"channel-slack": errors.New("pull access denied"),
		"gateway":       errors.New("still broken"),
	}
	runner.actions = nil

	outcome, err := engine.Apply(context.Background())
	if err == nil || !strings.HasPrefix(err.Error(), "compose_up_failed:channel-slack") {
		t.Fatalf("Apply() error = %v, want original failure", err)
	}
	if outcome.State != StateFallbackApplied {
		t.Errorf("state = %s, want fallback_applied", outcome.State)
	}

	t.Run("emergency bundle on disk and started", func(t *testing.T) {
		names, err := render.ComposeServiceNames(mustRead(t, store.StateRoot(), render.ComposePath))
		if err != nil {
			t.Fatalf("ComposeServiceNames() error: %v", err)
		}
		if !slices.Equal(names, []string{"admin", "proxy"}) {
			t.Errorf("services = %v, want the fallback pair", names)
		}
		if !slices.Contains(runner.actions, "up:admin") || !slices.Contains(runner.actions, "up:proxy") {
			t.Errorf("actions = %v", runner.actions)
		}
	})
}

func TestApplyExecutionOrder(t *testing.T) {
	store := newTestStore(t)
	runner := &mockRunner{}
	engine := NewEngine(store, runner, &mockProber{})

	if _, err := engine.Apply(context.Background()); err != nil {
		t.Fatalf("initial Apply() error: %v", err)
	}

	// Rotate a core secret and enable a channel: the next apply carries
	// up (channel), restart (db owner), and reload (proxy route added).
	if err := store.UpsertSecret("DB_PASSWORD", "rotated"); err != nil {
		t.Fatalf("UpsertSecret() error: %v", err)
	}
	if err := store.UpsertSecret("SLACK_BOT_TOKEN", "xoxb"); err != nil {
		t.Fatalf("UpsertSecret() error: %v", err)
	}
	enableSlack(t, store)
	runner.actions = nil

	if _, err := engine.Apply(context.Background()); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	var ordered []string
	for _, a := range runner.actions {
		if a != "validate" {
			ordered = append(ordered, a)
		}
	}
	want := []string{"up:channel-slack", "restart:db", "reload:proxy"}
	if !slices.Equal(ordered, want) {
		t.Errorf("actions = %v, want %v", ordered, want)
	}
}

func TestRefreshReportWithoutApply(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store, &mockRunner{}, &mockProber{})

	if err := engine.RefreshReport(); err != nil {
		t.Fatalf("RefreshReport() error: %v", err)
	}
	data := mustRead(t, store.StateRoot(), render.ReportPath)
	if !bytes.Contains(data, []byte(`"apply_safe": true`)) {
		t.Errorf("report = %s", data)
	}
	// Only the report may exist; artifacts are written under the lock.
	if _, err := os.Stat(filepath.Join(store.StateRoot(), render.ComposePath)); !errors.Is(err, os.ErrNotExist) {
		t.Error("RefreshReport wrote artifacts")
	}
}

func mustRead(t *testing.T, root, rel string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return data
}
