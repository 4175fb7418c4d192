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
	"os"
	"slices"
	"strings"

	"github.com/awnumar/memguard"
)

// Secrets returns the current secret map, parsed from the enclave-held
// file bytes. The returned map is the caller's copy; it should be dropped
// as soon as the values have been used.
func (s *Store) Secrets() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secretsLocked()
}

// SecretNames returns the stored secret names, sorted, without exposing
// any values.
func (s *Store) SecretNames() ([]string, error) {
	secrets, err := s.Secrets()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// UpsertSecret validates and stores a secret value, creating or replacing
// the entry, and fires the change callback.
func (s *Store) UpsertSecret(name, value string) error {
	if err := ValidateSecretName(name); err != nil {
		return err
	}
	clean, err := SanitizeSecretValue(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	secrets, err := s.secretsLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	secrets[name] = clean
	if err := s.persistSecretsLocked(secrets); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.logger.Info("secret stored", "name", name)
	s.fireChange("secret")
	return nil
}

// DeleteSecret removes a secret unless an enabled channel or service still
// references it, or it is required by a core service.
//
// # Edge Cases
//   - References from DISABLED entities do not block deletion.
//   - Deleting an unknown secret returns ErrSecretNotFound.
func (s *Store) DeleteSecret(name string) error {
	if err := ValidateSecretName(name); err != nil {
		return err
	}
	if slices.Contains(CoreRequiredSecrets, name) {
		return fmt.Errorf("%w: %s is required by core services", ErrSecretInUse, name)
	}

	s.mu.Lock()
	spec, err := s.loadSpecLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if users := enabledReferrers(spec, name); len(users) > 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s referenced by %s", ErrSecretInUse, name, strings.Join(users, ", "))
	}
	secrets, err := s.secretsLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := secrets[name]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	delete(secrets, name)
	if err := s.persistSecretsLocked(secrets); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.logger.Info("secret deleted", "name", name)
	s.fireChange("secret")
	return nil
}

// enabledReferrers returns the sorted names of enabled entities whose
// config references the secret.
func enabledReferrers(spec *StackSpec, secret string) []string {
	var users []string
	refersTo := func(config map[string]string) bool {
		for _, v := range config {
			if slices.Contains(ExtractSecretRefs(v), secret) {
				return true
			}
		}
		return false
	}
	for _, name := range spec.EnabledChannelNames() {
		if refersTo(spec.Channels[name].Config) {
			users = append(users, name)
		}
	}
	for _, name := range spec.EnabledServiceNames() {
		if refersTo(spec.Services[name].Config) {
			users = append(users, name)
		}
	}
	return users
}

// secretsLocked parses the secret map from the enclave, refreshing the
// enclave from disk when the file hash changed. Caller holds s.mu.
func (s *Store) secretsLocked() (map[string]string, error) {
	data, err := os.ReadFile(s.secretsPath)
	if err != nil {
		return nil, fmt.Errorf("read secrets: %w", err)
	}
	hash := contentHash(data)
	// memguard.NewEnclave returns nil for a zero-length slice; a fresh
	// state root starts with an empty secrets file.
	if len(data) == 0 {
		s.secretsEnclave = nil
		s.secretsHash = hash
		return map[string]string{}, nil
	}
	if s.secretsEnclave == nil || s.secretsHash != hash {
		// memguard.NewEnclave wipes the source slice, so seal a copy.
		s.secretsEnclave = memguard.NewEnclave(append([]byte(nil), data...))
		s.secretsHash = hash
	}
	buf, err := s.secretsEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open secrets enclave: %w", err)
	}
	defer buf.Destroy()
	return parseSecretsFile(buf.Bytes())
}

// persistSecretsLocked serializes and atomically writes the secret map,
// then reseals the enclave. Caller holds s.mu.
func (s *Store) persistSecretsLocked(secrets map[string]string) error {
	data := serializeSecretsFile(secrets)
	if err := atomicWrite(s.secretsPath, data, 0o600); err != nil {
		return fmt.Errorf("write secrets: %w", err)
	}
	s.secretsHash = contentHash(data)
	if len(data) == 0 {
		s.secretsEnclave = nil
	} else {
		s.secretsEnclave = memguard.NewEnclave(data)
	}
	return nil
}

// parseSecretsFile reads KEY=VALUE lines. Blank lines and #-comments are
// tolerated so hand-edited files still load.
func parseSecretsFile(data []byte) (map[string]string, error) {
	secrets := map[string]string{}
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: line %d is not KEY=VALUE", ErrSecretValidationFailed, i+1)
		}
		if err := ValidateSecretName(name); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		secrets[name] = value
	}
	return secrets, nil
}

// serializeSecretsFile writes the map as sorted KEY=VALUE lines so the
// file content, and therefore its hash, is deterministic.
func serializeSecretsFile(secrets map[string]string) []byte {
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	slices.Sort(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(secrets[name])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
