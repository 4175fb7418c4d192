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
	"strings"
	"unicode"
)

// secretNamePattern is the required shape of a secret name: an uppercase
// identifier starting with a letter. This matches what env files and
// ${NAME} references can express.
var secretNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// maxSecretValueLen bounds stored secret values. Anything larger is almost
// certainly a paste accident, not a credential.
const maxSecretValueLen = 4096

// ValidateSecretName checks that name is a well-formed secret identifier.
//
// # Inputs
//   - name: the candidate secret name
//
// # Outputs
//   - error: ErrInvalidSecretName (wrapped with the offending name) when
//     the name does not match ^[A-Z][A-Z0-9_]*$, nil otherwise
func ValidateSecretName(name string) error {
	if !secretNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must match ^[A-Z][A-Z0-9_]*$", ErrInvalidSecretName, name)
	}
	return nil
}

// SanitizeSecretValue validates and normalizes a secret value before it is
// persisted.
//
// # Description
//
// Values are trimmed of surrounding whitespace. After trimming, the value
// must be non-empty, fit the size bound, and contain no newlines or other
// control characters; a control character in a value would corrupt the
// KEY=VALUE env files the value is later written into.
//
// # Outputs
//   - string: the trimmed value, safe to persist
//   - error: ErrSecretValidationFailed describing the first violation
func SanitizeSecretValue(value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", fmt.Errorf("%w: value is empty", ErrSecretValidationFailed)
	}
	if len(v) > maxSecretValueLen {
		return "", fmt.Errorf("%w: value exceeds %d bytes", ErrSecretValidationFailed, maxSecretValueLen)
	}
	for _, r := range v {
		if r == '\n' || r == '\r' {
			return "", fmt.Errorf("%w: value contains a newline", ErrSecretValidationFailed)
		}
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: value contains control character %q", ErrSecretValidationFailed, r)
		}
	}
	return v, nil
}

// entityNamePattern constrains channel and service names so they are safe
// as compose service names, env file names, and proxy route identifiers.
var entityNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)

// ValidateEntityName checks a channel or service name.
func ValidateEntityName(name string) error {
	if !entityNamePattern.MatchString(name) {
		return fmt.Errorf("%w: entity name %q must match ^[a-z][a-z0-9-]{0,62}$",
			ErrSpecValidationFailed, name)
	}
	return nil
}

// configKeyPattern constrains entity config keys so the render-time
// uppercase/underscore mapping always yields a valid env identifier.
var configKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]*$`)

// envVarNamePattern is the shape of an environment variable name.
var envVarNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateConfigEntry checks one entity config pair. Values are written
// verbatim into KEY=VALUE env files, so a newline or control character in
// a value would smuggle extra entries into the file.
func ValidateConfigEntry(key, value string) error {
	if !configKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: config key %q must match ^[a-zA-Z_][a-zA-Z0-9_.-]*$",
			ErrSpecValidationFailed, key)
	}
	for _, r := range value {
		if r == '\n' || r == '\r' {
			return fmt.Errorf("%w: config value for %q contains a newline", ErrSpecValidationFailed, key)
		}
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: config value for %q contains control character %q",
				ErrSpecValidationFailed, key, r)
		}
	}
	return nil
}

// ValidateEnvVarName checks a declared env var name, e.g. SharedSecretEnv.
func ValidateEnvVarName(name string) error {
	if !envVarNamePattern.MatchString(name) {
		return fmt.Errorf("%w: env var name %q must match ^[a-zA-Z_][a-zA-Z0-9_]*$",
			ErrSpecValidationFailed, name)
	}
	return nil
}
