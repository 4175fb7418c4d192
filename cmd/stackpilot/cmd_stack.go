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
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/apply"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/plan"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/render"
	"github.com/AleutianAI/stackpilot/pkg/ux"
)

func newStackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Render, plan, apply, and inspect the stack",
	}
	cmd.AddCommand(
		newStackApplyCmd(),
		newStackPlanCmd(),
		newStackRenderCmd(),
		newStackStatusCmd(),
		newStackLogsCmd(),
		newStackPullCmd(),
		newStackHistoryCmd(),
		newStackPruneCmd(),
		newStackMetricsCmd(),
	)
	return cmd
}

func newStackApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Reconcile the running stack with the spec",
		RunE: withApp(func(a *app, cmd *cobra.Command, _ []string) error {
			ux.Title("Applying stack")
			outcome, err := a.engine.Apply(cmd.Context())
			printOutcome(outcome, err)
			return err
		}),
	}
}

func newStackPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show what an apply would do, without doing it",
		RunE: withApp(func(a *app, cmd *cobra.Command, _ []string) error {
			spec, err := a.store.Spec()
			if err != nil {
				return err
			}
			secrets, err := a.store.Secrets()
			if err != nil {
				return err
			}
			res, err := render.Render(spec, secrets)
			if err != nil {
				return err
			}
			before, err := apply.ReadSnapshot(a.cfg.StateRoot)
			if err != nil {
				return err
			}
			p, err := plan.Compute(before, res)
			if err != nil {
				return err
			}
			printPlan(p, res)
			return nil
		}),
	}
}

func newStackRenderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render",
		Short: "Re-render and refresh the render report",
		RunE: withApp(func(a *app, _ *cobra.Command, _ []string) error {
			if err := a.engine.RefreshReport(); err != nil {
				return err
			}
			spec, err := a.store.Spec()
			if err != nil {
				return err
			}
			secrets, err := a.store.Secrets()
			if err != nil {
				return err
			}
			res, err := render.Render(spec, secrets)
			if err != nil {
				return err
			}
			if res.ApplySafe() {
				ux.Success(fmt.Sprintf("%d artifacts rendered, all secret references resolved", len(res.Artifacts)))
			} else {
				ux.Warning(fmt.Sprintf("%d unresolved secret references:", len(res.MissingRefs)))
				for _, token := range res.MissingRefs {
					ux.Muted("  " + token)
				}
			}
			return nil
		}),
	}
}

func newStackStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show container state for every stack service",
		RunE: withApp(func(a *app, cmd *cobra.Command, _ []string) error {
			statuses, err := a.executor.Ps(cmd.Context())
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				ux.Info("no stack containers found")
				return nil
			}
			printStatuses(statuses)
			return nil
		}),
	}
}

func newStackLogsCmd() *cobra.Command {
	var (
		tail   int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "Fetch recent log output for one service",
		Args:  requireArg("service"),
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			if err := a.executor.RefreshAllowList(cmd.Context()); err != nil {
				a.logger.Warn("allow-list refresh failed, using static list", "error", err)
			}
			out, err := a.executor.Logs(cmd.Context(), args[0], tail, follow, os.Stdout)
			if err != nil {
				return err
			}
			if !follow {
				fmt.Print(out)
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&tail, "tail", 100, "number of trailing lines (1-5000)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new output")
	return cmd
}

func newStackPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull <service>",
		Short: "Pull the latest image for one service ahead of an apply",
		Args:  requireArg("service"),
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			if err := a.executor.RefreshAllowList(cmd.Context()); err != nil {
				a.logger.Warn("allow-list refresh failed, using static list", "error", err)
			}
			if err := a.executor.Pull(cmd.Context(), args[0], os.Stdout); err != nil {
				return err
			}
			ux.Success("image for " + args[0] + " up to date")
			return nil
		}),
	}
}

func newStackHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past apply runs, newest first",
		RunE: withApp(func(a *app, _ *cobra.Command, _ []string) error {
			records, err := a.hist.List(limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				ux.Info("no apply runs recorded yet")
				return nil
			}
			printHistory(records)
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to show (0 for all)")
	return cmd
}

// newStackPruneCmd stops containers the rendered stack no longer knows.
// Teardown of removed entities is deliberately explicit; an apply never
// stops anything on its own.
func newStackPruneCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Stop containers for entities removed from the spec",
		RunE: withApp(func(a *app, cmd *cobra.Command, _ []string) error {
			spec, err := a.store.Spec()
			if err != nil {
				return err
			}
			secrets, err := a.store.Secrets()
			if err != nil {
				return err
			}
			res, err := render.Render(spec, secrets)
			if err != nil {
				return err
			}
			wanted, err := render.ComposeServiceNames(res.Artifact(render.ComposePath).Data)
			if err != nil {
				return err
			}
			if err := a.executor.RefreshAllowList(cmd.Context()); err != nil {
				return err
			}
			statuses, err := a.executor.Ps(cmd.Context())
			if err != nil {
				return err
			}

			var orphans []string
			for _, s := range statuses {
				if !slices.Contains(wanted, s.Name) {
					orphans = append(orphans, s.Name)
				}
			}
			if len(orphans) == 0 {
				ux.Success("nothing to prune")
				return nil
			}
			if !yes {
				ux.Warning("would stop: " + strings.Join(orphans, ", "))
				ux.Muted("re-run with --yes to stop them")
				return nil
			}
			for _, name := range orphans {
				if err := a.executor.Stop(cmd.Context(), name); err != nil {
					return fmt.Errorf("stop %s: %w", name, err)
				}
				ux.Success("stopped " + name)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "actually stop the orphaned containers")
	return cmd
}

func newStackMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "metrics",
		Short:  "Serve local Prometheus metrics until interrupted",
		Hidden: true,
		RunE: withApp(func(a *app, cmd *cobra.Command, _ []string) error {
			if !a.cfg.Telemetry.Enabled {
				return fmt.Errorf("telemetry is disabled; enable it in %s", "stackpilot.yaml")
			}
			listen := a.cfg.Telemetry.Listen
			if listen == "" {
				listen = "127.0.0.1:9464"
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", a.metrics.Handler())
			srv := &http.Server{Addr: listen, Handler: mux}
			go func() {
				<-cmd.Context().Done()
				srv.Close()
			}()
			ux.Info("serving metrics on http://" + listen + "/metrics")
			err := srv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}),
	}
}
