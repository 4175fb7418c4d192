// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package render

import (
	"bytes"
	"io/fs"
	"slices"
	"time"
)

// Well-known artifact paths, relative to the state root.
const (
	ComposePath = "compose.yaml"
	ProxyPath   = "proxy.json"
	EnvDir      = "env"
	SystemEnv   = "env/system.env"
	ReportPath  = "render-report.json"
)

// Artifact is one generated file, addressed relative to the state root.
type Artifact struct {
	Path string
	Data []byte
	Mode fs.FileMode
}

// Result is the output of one render pass.
type Result struct {
	// Artifacts is sorted by Path.
	Artifacts []Artifact

	// MissingRefs holds one missing_secret_reference_<entity>_<key>_<name>
	// token per unresolved reference in an enabled entity, sorted.
	MissingRefs []string
}

// ApplySafe reports whether the result can be applied: true when every
// secret reference in an enabled entity resolved.
func (r *Result) ApplySafe() bool { return len(r.MissingRefs) == 0 }

// Artifact returns the artifact at path, or nil when absent.
func (r *Result) Artifact(path string) *Artifact {
	for i := range r.Artifacts {
		if r.Artifacts[i].Path == path {
			return &r.Artifacts[i]
		}
	}
	return nil
}

// Paths returns the sorted artifact paths.
func (r *Result) Paths() []string {
	out := make([]string, len(r.Artifacts))
	for i, a := range r.Artifacts {
		out[i] = a.Path
	}
	return out
}

// Report is the render report written alongside the artifacts for
// operator and audit visibility. It is replaced on every render, never
// mutated in place.
type Report struct {
	GeneratedAt             time.Time `json:"generated_at"`
	ChangedArtifacts        []string  `json:"changed_artifacts"`
	MissingSecretReferences []string  `json:"missing_secret_references"`
	ApplySafe               bool      `json:"apply_safe"`
}

// BuildReport compares a fresh render against the artifact bytes currently
// on disk and produces the report. existing maps artifact path to content;
// paths absent from existing count as changed (new), and existing paths
// the render no longer produces count as changed (removed).
func BuildReport(res *Result, existing map[string][]byte, now time.Time) Report {
	changed := map[string]bool{}
	for _, a := range res.Artifacts {
		if prev, ok := existing[a.Path]; !ok || !bytes.Equal(prev, a.Data) {
			changed[a.Path] = true
		}
	}
	rendered := map[string]bool{}
	for _, a := range res.Artifacts {
		rendered[a.Path] = true
	}
	for path := range existing {
		if !rendered[path] {
			changed[path] = true
		}
	}
	paths := make([]string, 0, len(changed))
	for p := range changed {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return Report{
		GeneratedAt:             now.UTC(),
		ChangedArtifacts:        paths,
		MissingSecretReferences: append([]string(nil), res.MissingRefs...),
		ApplySafe:               res.ApplySafe(),
	}
}
