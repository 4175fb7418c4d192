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
	"strings"
	"time"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/apply"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/health"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/history"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/infra/compose"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/plan"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/render"
	"github.com/AleutianAI/stackpilot/pkg/ux"
)

func printOutcome(outcome *apply.Outcome, err error) {
	if outcome == nil {
		return
	}
	if outcome.Plan != nil {
		printPlanActions(outcome.Plan)
	}
	switch outcome.State {
	case apply.StateSucceeded:
		ux.Success("stack converged (run " + outcome.RunID + ")")
	case apply.StateRecovered:
		ux.Warning("apply failed, previous stack restored (run " + outcome.RunID + ")")
	case apply.StateFallbackApplied:
		ux.Error("apply and rollback failed, emergency admin bundle is running (run " + outcome.RunID + ")")
	default:
		if err != nil {
			ux.Error("apply aborted during " + string(outcome.State))
		}
	}
	if outcome.Probe != nil {
		printProbe(outcome.Probe)
	}
}

func printPlan(p *plan.Plan, res *render.Result) {
	if !res.ApplySafe() {
		ux.Warning(fmt.Sprintf("%d unresolved secret references; an apply would refuse to run:", len(res.MissingRefs)))
		for _, token := range res.MissingRefs {
			ux.Muted("  " + token)
		}
	}
	if p.IsEmpty() {
		ux.Success("no changes; the stack already matches the spec files")
		return
	}
	printPlanActions(p)
}

func printPlanActions(p *plan.Plan) {
	if p.IsEmpty() {
		ux.Muted("no service actions")
		return
	}
	for _, svc := range p.Up {
		ux.Info("up      " + svc)
	}
	for _, svc := range p.Restart {
		ux.Info("restart " + svc)
	}
	for _, svc := range p.Reload {
		ux.Info("reload  " + svc)
	}
	for _, svc := range p.Down {
		ux.Info("down    " + svc)
	}
}

func printProbe(report *health.Report) {
	if report.Ready {
		ux.Success(fmt.Sprintf("all services ready after %d attempt(s) in %s",
			report.Attempts, report.Elapsed.Round(10*time.Millisecond)))
		return
	}
	ux.Warning("services not ready: " + strings.Join(report.FailedServices, ", "))
	for _, svc := range report.Services {
		if svc.Ready {
			continue
		}
		line := "  " + svc.Name + ": " + svc.Reason
		if svc.Error != "" {
			line += " (" + svc.Error + ")"
		}
		ux.Muted(line)
	}
	for name, tail := range report.Logs {
		ux.Muted("--- " + name + " ---")
		ux.Muted(tail)
	}
}

func printStatuses(statuses []compose.ServiceStatus) {
	for _, s := range statuses {
		label := s.State
		if s.Health != "" {
			label += " (" + s.Health + ")"
		}
		if s.Running() {
			ux.Success(fmt.Sprintf("%-20s %s", s.Name, label))
		} else {
			ux.Warning(fmt.Sprintf("%-20s %s", s.Name, label))
		}
	}
}

func printHistory(records []history.Record) {
	for _, rec := range records {
		line := fmt.Sprintf("%s  %-16s  %s",
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"), rec.State, rec.ID)
		switch rec.State {
		case string(apply.StateSucceeded):
			ux.Success(line)
		case string(apply.StateRecovered), string(apply.StateFallbackApplied):
			ux.Warning(line)
		default:
			ux.Error(line)
		}
		if rec.Plan != nil && !rec.Plan.IsEmpty() {
			ux.Muted("    " + rec.Plan.String())
		}
		if rec.Error != "" {
			ux.Muted("    error: " + rec.Error)
		}
	}
}
