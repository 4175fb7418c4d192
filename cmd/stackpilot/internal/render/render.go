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
	"fmt"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"
)

// Render derives all artifacts from the spec and secret map.
//
// # Description
//
// Unresolved secret references in enabled entities do not fail the render;
// they are reported in Result.MissingRefs and the affected env file keeps
// the literal ${NAME} text. Callers gate the apply path on ApplySafe, not
// on a render error. Rendering only fails on serialization errors, which
// indicate a bug rather than bad input.
//
// # Outputs
//   - *Result: artifacts sorted by path, plus the sorted missing-reference
//     tokens
//   - error: non-nil only when a document cannot be serialized
func Render(spec *stackspec.StackSpec, secrets map[string]string) (*Result, error) {
	composeData, err := renderCompose(spec)
	if err != nil {
		return nil, err
	}
	proxyData, err := renderProxy(spec)
	if err != nil {
		return nil, err
	}

	artifacts := []Artifact{
		{Path: ComposePath, Data: composeData, Mode: 0o640},
		{Path: ProxyPath, Data: proxyData, Mode: 0o640},
	}
	artifacts = append(artifacts, renderEnvFiles(spec, secrets)...)
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })

	return &Result{
		Artifacts:   artifacts,
		MissingRefs: stackspec.ValidateReferencedSecrets(spec, secrets),
	}, nil
}

// ComposeServiceNames extracts the sorted service names from a compose
// document. The impact planner uses this to compute first starts from
// the service-set difference between two documents.
func ComposeServiceNames(composeDoc []byte) ([]string, error) {
	var doc struct {
		Services map[string]yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(composeDoc, &doc); err != nil {
		return nil, fmt.Errorf("parse compose document: %w", err)
	}
	names := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}
