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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const lockFileName = "apply.lock"

// LockStaleAfter is the fixed staleness window. A lock file is enforced
// with an age check rather than an in-process mutex because the
// administration process itself may die or restart mid-apply; an older
// record is treated as abandoned and overwritten.
const LockStaleAfter = 10 * time.Minute

// ErrLockHeld indicates another apply holds a valid, non-stale lock.
var ErrLockHeld = errors.New("apply_lock_held")

type lockRecord struct {
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

// Lock serializes applies across processes sharing one state root.
type Lock struct {
	path string
	now  func() time.Time
}

// NewLock returns the lock at the state root's well-known path.
func NewLock(stateRoot string) *Lock {
	return &Lock{path: filepath.Join(stateRoot, lockFileName), now: time.Now}
}

// Acquire takes the lock or fails immediately with ErrLockHeld when a
// younger-than-stale record exists. No waiting, no queueing; a second
// concurrent apply is an operator error surfaced right away.
func (l *Lock) Acquire() error {
	if data, err := os.ReadFile(l.path); err == nil {
		var rec lockRecord
		if json.Unmarshal(data, &rec) == nil {
			age := l.now().Sub(rec.Timestamp)
			if age < LockStaleAfter {
				return fmt.Errorf("%w: pid %d, acquired %s ago", ErrLockHeld, rec.PID, age.Round(time.Second))
			}
		}
		// Unparseable or stale: abandoned, take it over.
	}
	rec := lockRecord{PID: os.Getpid(), Timestamp: l.now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal lock record: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0o640); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}

// Release removes the lock file. Missing is fine; release is
// unconditional on every apply exit path.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
