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
	"slices"

	"github.com/go-playground/validator/v10"
)

// validate is shared across calls; validator.Validate caches struct
// metadata and is safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateSpec checks a spec document against the schema rules.
//
// # Description
//
// Beyond the struct tags (version, exposure enums, port ranges, image
// required when enabled), this enforces the rules tags cannot express:
// entity names must be valid compose service names, no channel or service
// may shadow a core service name, and a channel name may not collide with
// a service name.
//
// # Outputs
//   - error: ErrSpecValidationFailed wrapped with the first violation, or
//     nil when the document is valid
func ValidateSpec(spec *StackSpec) error {
	if spec == nil {
		return fmt.Errorf("%w: spec is nil", ErrSpecValidationFailed)
	}
	if err := validate.Struct(spec); err != nil {
		return fmt.Errorf("%w: %v", ErrSpecValidationFailed, err)
	}
	for name, ch := range spec.Channels {
		if err := ValidateEntityName(name); err != nil {
			return err
		}
		if slices.Contains(CoreServices, name) {
			return fmt.Errorf("%w: channel %q shadows a core service", ErrSpecValidationFailed, name)
		}
		if err := validateEntityEnvInputs(name, ch.Config, ch.SharedSecretEnv); err != nil {
			return err
		}
	}
	for name, svc := range spec.Services {
		if err := ValidateEntityName(name); err != nil {
			return err
		}
		if slices.Contains(CoreServices, name) {
			return fmt.Errorf("%w: service %q shadows a core service", ErrSpecValidationFailed, name)
		}
		if _, ok := spec.Channels[name]; ok {
			return fmt.Errorf("%w: %q is declared as both channel and service", ErrSpecValidationFailed, name)
		}
		if err := validateEntityEnvInputs(name, svc.Config, svc.SharedSecretEnv); err != nil {
			return err
		}
	}
	return nil
}

// validateEntityEnvInputs rejects config entries and shared-secret env
// names that could not be written safely into the entity's env file.
func validateEntityEnvInputs(entity string, config map[string]string, sharedSecretEnv string) error {
	for key, value := range config {
		if err := ValidateConfigEntry(key, value); err != nil {
			return fmt.Errorf("%s: %w", entity, err)
		}
	}
	if sharedSecretEnv != "" {
		if err := ValidateEnvVarName(sharedSecretEnv); err != nil {
			return fmt.Errorf("%s: %w", entity, err)
		}
	}
	return nil
}

// Normalize fills defaults in place: a zero Version becomes 1 and a blank
// AccessScope becomes host. Nil maps are replaced with empty ones so
// callers can add entries without nil checks.
func Normalize(spec *StackSpec) {
	if spec.Version == 0 {
		spec.Version = 1
	}
	if spec.AccessScope == "" {
		spec.AccessScope = ScopeHost
	}
	if spec.Channels == nil {
		spec.Channels = map[string]ChannelSpec{}
	}
	if spec.Services == nil {
		spec.Services = map[string]ServiceSpec{}
	}
}
