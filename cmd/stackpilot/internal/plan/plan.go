// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan diffs the artifacts on disk against a fresh render and
// classifies every affected service into a hot reload, a restart, or a
// first start.
package plan

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/render"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"
)

// Snapshot maps artifact path to content, as read from the state root.
type Snapshot map[string][]byte

// Plan is the set of service-level actions required to converge the
// running stack to the freshly rendered artifacts. Lists are deduplicated
// and sorted.
//
// Down is part of the shape but never populated here: removing an entity
// from the spec removes its artifacts, and tearing down the now-orphaned
// container is an explicit operator action (the prune command), not an
// implicit side effect of an apply.
type Plan struct {
	Reload  []string `json:"reload"`
	Restart []string `json:"restart"`
	Up      []string `json:"up"`
	Down    []string `json:"down"`
}

// IsEmpty reports whether the plan requires no action at all.
func (p *Plan) IsEmpty() bool {
	return len(p.Reload) == 0 && len(p.Restart) == 0 && len(p.Up) == 0 && len(p.Down) == 0
}

// String renders a compact operator-facing summary.
func (p *Plan) String() string {
	if p.IsEmpty() {
		return "no changes"
	}
	var parts []string
	if len(p.Up) > 0 {
		parts = append(parts, "up: "+strings.Join(p.Up, ", "))
	}
	if len(p.Restart) > 0 {
		parts = append(parts, "restart: "+strings.Join(p.Restart, ", "))
	}
	if len(p.Reload) > 0 {
		parts = append(parts, "reload: "+strings.Join(p.Reload, ", "))
	}
	if len(p.Down) > 0 {
		parts = append(parts, "down: "+strings.Join(p.Down, ", "))
	}
	return strings.Join(parts, "; ")
}

// Compute classifies the differences between the artifacts currently on
// disk and a fresh render.
//
// # Description
//
// Rules, in order:
//  1. A proxy-document diff schedules a hot reload of the proxy, never a
//     restart.
//  2. A shared system-environment diff restarts the always-restarted
//     services (gateway and assistant).
//  3. A per-core environment diff restarts that file's owner.
//  4. A per-entity environment diff restarts that entity's service.
//  5. A compose-document diff contributes the service-name set
//     difference: names present only in the new document are first
//     starts. First start takes precedence, so a service scheduled for
//     both up and restart keeps only up.
//
// An env file with no previous on-disk counterpart counts as a diff; the
// first-start precedence rule then usually folds it into up.
func Compute(before Snapshot, after *render.Result) (*Plan, error) {
	p := &Plan{}
	reload := map[string]bool{}
	restart := map[string]bool{}
	up := map[string]bool{}

	coreOwners := render.CoreEnvOwners()
	for _, a := range after.Artifacts {
		if bytes.Equal(before[a.Path], a.Data) {
			continue
		}
		switch {
		case a.Path == render.ProxyPath:
			reload[stackspec.ServiceProxy] = true
		case a.Path == render.SystemEnv:
			for _, svc := range stackspec.AlwaysRestartServices {
				restart[svc] = true
			}
		case coreOwners[a.Path] != "":
			restart[coreOwners[a.Path]] = true
		default:
			if svc, ok := entityEnvService(a.Path); ok {
				restart[svc] = true
			}
		}
	}

	newCompose := after.Artifact(render.ComposePath)
	if newCompose != nil && !bytes.Equal(before[render.ComposePath], newCompose.Data) {
		afterNames, err := render.ComposeServiceNames(newCompose.Data)
		if err != nil {
			return nil, fmt.Errorf("inspect rendered compose document: %w", err)
		}
		var beforeNames []string
		if prev, ok := before[render.ComposePath]; ok {
			beforeNames, err = render.ComposeServiceNames(prev)
			if err != nil {
				return nil, fmt.Errorf("inspect previous compose document: %w", err)
			}
		}
		for _, name := range afterNames {
			if !slices.Contains(beforeNames, name) {
				up[name] = true
				delete(restart, name)
			}
		}
	}

	p.Reload = sortedKeys(reload)
	p.Restart = sortedKeys(restart)
	p.Up = sortedKeys(up)
	return p, nil
}

// entityEnvService maps env/channel-<n>.env and env/service-<n>.env back
// to their compose service name, which is the file stem itself.
func entityEnvService(path string) (string, bool) {
	name, ok := strings.CutPrefix(path, render.EnvDir+"/")
	if !ok {
		return "", false
	}
	name, ok = strings.CutSuffix(name, ".env")
	if !ok {
		return "", false
	}
	if strings.HasPrefix(name, "channel-") || strings.HasPrefix(name, "service-") {
		return name, true
	}
	return "", false
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
