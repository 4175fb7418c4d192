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

import "errors"

// Sentinel errors for spec and secret operations. The message is the stable
// machine-readable code surfaced to API consumers; human context is added by
// wrapping with fmt.Errorf("...: %w", err).
var (
	// ErrSecretValidationFailed indicates a secret value failed sanitization.
	ErrSecretValidationFailed = errors.New("secret_validation_failed")

	// ErrInvalidSecretName indicates a secret name that does not match the
	// required uppercase identifier pattern.
	ErrInvalidSecretName = errors.New("invalid_secret_name")

	// ErrSecretInUse indicates a deletion was refused because an enabled
	// entity references the secret, or the secret is core-required.
	ErrSecretInUse = errors.New("secret_in_use")

	// ErrSpecValidationFailed indicates the spec document failed structural
	// validation.
	ErrSpecValidationFailed = errors.New("spec_validation_failed")

	// ErrSecretNotFound indicates a lookup or delete of an unknown secret.
	ErrSecretNotFound = errors.New("secret_not_found")
)
