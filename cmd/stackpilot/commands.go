// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/config"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/apply"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/health"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/history"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/infra/compose"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/infra/process"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/render"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/telemetry"
	"github.com/AleutianAI/stackpilot/pkg/logging"
	"github.com/AleutianAI/stackpilot/pkg/ux"
)

var (
	flagConfig string
	flagQuiet  bool
)

// Execute runs the root command.
func Execute() error {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		ux.Error(err.Error())
		return err
	}
	return nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stackpilot",
		Short:         "Manage a self-hosted service stack declaratively",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.stackpilot/stackpilot.yaml)")
	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress log output on stderr")

	root.AddCommand(newStackCmd())
	root.AddCommand(newSecretsCmd())
	root.AddCommand(newChannelCmd())
	return root
}

// app bundles the wired collaborators behind every command.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    *stackspec.Store
	executor *compose.Executor
	prober   *health.Prober
	metrics  *telemetry.Metrics
	hist     *history.Store
	engine   *apply.Engine
}

// newApp loads config and wires the full stack. Callers defer Close.
func newApp() (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "stackpilot",
		JSON:    cfg.Logging.JSON,
		Quiet:   flagQuiet,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: telemetry.New()}

	a.store, err = stackspec.NewStore(cfg.StateRoot,
		stackspec.WithLogger(logger.Logger),
		stackspec.WithOnChange(a.onStoreChange))
	if err != nil {
		logger.Close()
		return nil, err
	}
	if err := a.store.Watch(); err != nil {
		logger.Warn("state file watch unavailable", "error", err)
	}

	bin, subcommand, err := config.ResolveRuntime(cfg)
	if err != nil {
		a.closePartial()
		return nil, err
	}
	transport := compose.NewTransport(process.NewManager(), compose.TransportConfig{
		Bin:         bin,
		Subcommand:  subcommand,
		WorkDir:     cfg.StateRoot,
		EnvFile:     render.SystemEnv,
		ComposeFile: render.ComposePath,
	}, logger.Logger)
	transport.SetRetryObserver(a.metrics.TransportRetries.Inc)
	a.executor = compose.NewExecutor(transport, cfg.ExtraServices, logger.Logger)

	a.prober = health.NewProber(a.executor, health.Config{
		MaxAttempts:  cfg.Probe.MaxAttempts,
		Interval:     cfg.Probe.Interval(),
		ProbeTimeout: cfg.Probe.Timeout(),
		ProbeURLs:    cfg.Probe.URLs,
	}, nil, logger.Logger)

	a.hist, err = history.Open(filepath.Join(cfg.StateRoot, "history"))
	if err != nil {
		a.closePartial()
		return nil, err
	}

	a.engine = apply.NewEngine(a.store, a.executor, a.prober,
		apply.WithHistory(a.hist),
		apply.WithMetrics(a.metrics),
		apply.WithLogger(logger.Logger),
		apply.WithOutput(os.Stdout))
	return a, nil
}

// onStoreChange refreshes the render report after every spec or secret
// mutation, so pending changes are visible without an apply.
func (a *app) onStoreChange(reason string) {
	if a.engine == nil {
		return
	}
	if err := a.engine.RefreshReport(); err != nil {
		a.logger.Warn("render report refresh failed", "reason", reason, "error", err)
	}
}

func (a *app) closePartial() {
	if a.store != nil {
		a.store.Close()
	}
	if a.logger != nil {
		a.logger.Close()
	}
}

// Close tears the app down in reverse wiring order.
func (a *app) Close() {
	if a.hist != nil {
		if err := a.hist.Close(); err != nil {
			a.logger.Warn("history close failed", "error", err)
		}
	}
	a.closePartial()
}

// withApp wraps a command body with app lifecycle management.
func withApp(run func(a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return run(a, cmd, args)
	}
}

// requireArg returns a cobra positional validator with a friendlier
// message than the default.
func requireArg(name string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one %s argument", name)
		}
		return nil
	}
}
