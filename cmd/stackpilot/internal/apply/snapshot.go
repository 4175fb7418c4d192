// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apply

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/plan"
	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/render"
)

// ReadSnapshot captures the current artifact bytes under the state root:
// the compose and proxy documents plus everything in env/. Absent files
// are simply absent from the snapshot.
func ReadSnapshot(stateRoot string) (plan.Snapshot, error) {
	snap := plan.Snapshot{}
	for _, path := range []string{render.ComposePath, render.ProxyPath} {
		data, err := os.ReadFile(filepath.Join(stateRoot, path))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("snapshot %s: %w", path, err)
		}
		snap[path] = data
	}

	envDir := filepath.Join(stateRoot, render.EnvDir)
	entries, err := os.ReadDir(envDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, nil
		}
		return nil, fmt.Errorf("snapshot env dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".env") {
			continue
		}
		rel := render.EnvDir + "/" + entry.Name()
		data, err := os.ReadFile(filepath.Join(envDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", rel, err)
		}
		snap[rel] = data
	}
	return snap, nil
}

// writeArtifact writes one artifact atomically under the state root.
func writeArtifact(stateRoot string, a render.Artifact) error {
	path := filepath.Join(stateRoot, filepath.FromSlash(a.Path))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", a.Path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", a.Path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	mode := a.Mode
	if mode == 0 {
		mode = 0o640
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("stage %s: %w", a.Path, err)
	}
	if _, err := tmp.Write(a.Data); err != nil {
		tmp.Close()
		return fmt.Errorf("stage %s: %w", a.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage %s: %w", a.Path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("promote %s: %w", a.Path, err)
	}
	return nil
}

// writeSnapshot restores exactly the captured artifact state: every
// snapshot file is written back and every artifact file on disk that the
// snapshot does not know is removed.
func writeSnapshot(stateRoot string, snap plan.Snapshot) error {
	current, err := ReadSnapshot(stateRoot)
	if err != nil {
		return err
	}
	for path, data := range snap {
		mode := os.FileMode(0o640)
		if strings.HasPrefix(path, render.EnvDir+"/") {
			mode = 0o600
		}
		if err := writeArtifact(stateRoot, render.Artifact{Path: path, Data: data, Mode: mode}); err != nil {
			return err
		}
	}
	for path := range current {
		if _, ok := snap[path]; !ok {
			if err := os.Remove(filepath.Join(stateRoot, filepath.FromSlash(path))); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove %s: %w", path, err)
			}
		}
	}
	return nil
}

// removeStaleEnvFiles deletes env files on disk that the fresh render no
// longer produces, so a disabled entity's secrets do not linger.
func removeStaleEnvFiles(stateRoot string, before plan.Snapshot, res *render.Result) error {
	rendered := map[string]bool{}
	for _, a := range res.Artifacts {
		rendered[a.Path] = true
	}
	for path := range before {
		if !strings.HasPrefix(path, render.EnvDir+"/") || rendered[path] {
			continue
		}
		if err := os.Remove(filepath.Join(stateRoot, filepath.FromSlash(path))); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale %s: %w", path, err)
		}
	}
	return nil
}
