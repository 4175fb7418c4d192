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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	specFileName    = "spec.yaml"
	secretsFileName = "secrets.env"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithOnChange registers a callback invoked after every successful
// mutation (spec write, secret upsert or delete) and after an external
// file change is observed by Watch. The reason is a short label such as
// "spec", "secret" or "external:secrets.env".
func WithOnChange(fn func(reason string)) Option {
	return func(s *Store) { s.onChange = fn }
}

// Store owns the spec document and secrets file under a state root.
//
// # Description
//
// The spec is cached as a parsed document keyed by a content hash of the
// file bytes; the secrets file is cached only inside a memguard enclave,
// also keyed by content hash, and re-parsed on each Secrets call so the
// plaintext map never outlives the caller. Watch invalidates both caches
// when the files change on disk outside this process.
//
// # Limitations
//   - One writer process at a time. Cross-process serialization of
//     mutating operations belongs to the apply lock, not this type.
type Store struct {
	stateRoot   string
	specPath    string
	secretsPath string
	logger      *slog.Logger
	onChange    func(reason string)

	mu             sync.RWMutex
	spec           *StackSpec
	specHash       string
	secretsEnclave *memguard.Enclave
	secretsHash    string

	watcher *fsnotify.Watcher
}

// NewStore creates a store rooted at stateRoot, creating the directory and
// default files on first use.
func NewStore(stateRoot string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(stateRoot, 0o750); err != nil {
		return nil, fmt.Errorf("create state root: %w", err)
	}
	s := &Store{
		stateRoot:   stateRoot,
		specPath:    filepath.Join(stateRoot, specFileName),
		secretsPath: filepath.Join(stateRoot, secretsFileName),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := os.Stat(s.specPath); errors.Is(err, os.ErrNotExist) {
		if err := s.persistSpec(DefaultSpec()); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(s.secretsPath); errors.Is(err, os.ErrNotExist) {
		if err := atomicWrite(s.secretsPath, nil, 0o600); err != nil {
			return nil, fmt.Errorf("create secrets file: %w", err)
		}
	}
	return s, nil
}

// StateRoot returns the directory this store operates under.
func (s *Store) StateRoot() string { return s.stateRoot }

// SpecPath returns the path of the spec document.
func (s *Store) SpecPath() string { return s.specPath }

// Spec returns a deep copy of the current spec, loading and validating it
// from disk when the cache is stale.
func (s *Store) Spec() (*StackSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, err := s.loadSpecLocked()
	if err != nil {
		return nil, err
	}
	return spec.Clone(), nil
}

// SetSpec validates, normalizes and persists a new spec document, then
// fires the change callback.
func (s *Store) SetSpec(spec *StackSpec) error {
	Normalize(spec)
	if err := ValidateSpec(spec); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.persistSpec(spec); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.fireChange("spec")
	return nil
}

// persistSpec writes the spec atomically and refreshes the cache.
// Caller holds s.mu for all paths except NewStore.
func (s *Store) persistSpec(spec *StackSpec) error {
	data, err := yaml.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	if err := atomicWrite(s.specPath, data, 0o640); err != nil {
		return fmt.Errorf("write spec: %w", err)
	}
	s.spec = spec.Clone()
	s.specHash = contentHash(data)
	return nil
}

// loadSpecLocked returns the cached spec if the on-disk hash matches,
// otherwise reloads. Caller holds s.mu.
func (s *Store) loadSpecLocked() (*StackSpec, error) {
	data, err := os.ReadFile(s.specPath)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	hash := contentHash(data)
	if s.spec != nil && s.specHash == hash {
		return s.spec, nil
	}
	var spec StackSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrSpecValidationFailed, err)
	}
	Normalize(&spec)
	if err := ValidateSpec(&spec); err != nil {
		return nil, err
	}
	s.spec = &spec
	s.specHash = hash
	s.logger.Debug("spec cache refreshed", "hash", hash[:12])
	return s.spec, nil
}

// Watch starts observing the spec and secrets files for external writes.
// On a relevant event the caches are invalidated and the change callback
// fires with reason "external:<file>". Close stops the watcher.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	// Watch the directory, not the files: atomic rename-into-place swaps
	// the inode, which per-file watches lose track of.
	if err := w.Add(s.stateRoot); err != nil {
		w.Close()
		return fmt.Errorf("watch state root: %w", err)
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				name := filepath.Base(ev.Name)
				if name != specFileName && name != secretsFileName {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				s.mu.Lock()
				if name == specFileName {
					s.spec = nil
					s.specHash = ""
				} else {
					s.secretsEnclave = nil
					s.secretsHash = ""
				}
				s.mu.Unlock()
				s.logger.Debug("external change observed", "file", name, "op", ev.Op.String())
				s.fireChange("external:" + name)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher if one is running.
func (s *Store) Close() error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		return w.Close()
	}
	return nil
}

func (s *Store) fireChange(reason string) {
	if s.onChange != nil {
		s.onChange(reason)
	}
}

// atomicWrite writes data to a sibling temp file and renames it into
// place, so readers never observe a partial file.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
