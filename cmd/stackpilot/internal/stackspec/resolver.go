// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stackspec

import (
	"fmt"
	"regexp"
	"slices"
)

// secretRefPattern matches ${NAME} references inside config values. Only
// uppercase identifiers are treated as references; anything else is left
// as literal text.
var secretRefPattern = regexp.MustCompile(`\$\{([A-Z][A-Z0-9_]*)\}`)

// ExtractSecretRefs returns the secret names referenced by value, in
// order of first appearance.
func ExtractSecretRefs(value string) []string {
	var out []string
	for _, m := range secretRefPattern.FindAllStringSubmatch(value, -1) {
		if !slices.Contains(out, m[1]) {
			out = append(out, m[1])
		}
	}
	return out
}

// ResolveString substitutes every ${NAME} reference in value with the
// corresponding secret. Unknown references are left intact; callers that
// need hard failure run ValidateReferencedSecrets first.
func ResolveString(value string, secrets map[string]string) string {
	return secretRefPattern.ReplaceAllStringFunc(value, func(ref string) string {
		name := secretRefPattern.FindStringSubmatch(ref)[1]
		if v, ok := secrets[name]; ok {
			return v
		}
		return ref
	})
}

// ResolveConfig resolves every value of a config map. The input map is not
// modified.
func ResolveConfig(config map[string]string, secrets map[string]string) map[string]string {
	if config == nil {
		return nil
	}
	out := make(map[string]string, len(config))
	for k, v := range config {
		out[k] = ResolveString(v, secrets)
	}
	return out
}

// MissingRefToken formats the stable token reported for one unresolvable
// secret reference.
func MissingRefToken(entity, key, name string) string {
	return fmt.Sprintf("missing_secret_reference_%s_%s_%s", entity, key, name)
}

// ValidateReferencedSecrets walks every ENABLED channel and service in the
// spec and checks that each ${NAME} reference in its config resolves
// against the secrets store.
//
// # Description
//
// Disabled entities are skipped: a reference in a disabled channel is not
// an error, because nothing will render or start it. The returned tokens
// are sorted, channels before services, so callers can diff reports and
// surface stable output.
//
// # Outputs
//   - []string: one missing_secret_reference_<entity>_<key>_<name> token
//     per unresolvable reference, sorted; empty when all resolve
func ValidateReferencedSecrets(spec *StackSpec, secrets map[string]string) []string {
	var tokens []string
	collect := func(entity string, config map[string]string) []string {
		var out []string
		for key, value := range config {
			for _, name := range ExtractSecretRefs(value) {
				if _, ok := secrets[name]; !ok {
					out = append(out, MissingRefToken(entity, key, name))
				}
			}
		}
		slices.Sort(out)
		return out
	}

	for _, name := range spec.EnabledChannelNames() {
		tokens = append(tokens, collect(name, spec.Channels[name].Config)...)
	}
	for _, name := range spec.EnabledServiceNames() {
		tokens = append(tokens, collect(name, spec.Services[name].Config)...)
	}
	return tokens
}
