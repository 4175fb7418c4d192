// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/plan"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndList(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		err := s.Append(Record{
			ID:         fmt.Sprintf("run-%d", i),
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + 30*time.Second),
			State:      "succeeded",
			Plan:       &plan.Plan{Restart: []string{"gateway"}},
		})
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	t.Run("newest first", func(t *testing.T) {
		recs, err := s.List(0)
		if err != nil {
			t.Fatalf("List() error: %v", err)
		}
		if len(recs) != 5 {
			t.Fatalf("len = %d, want 5", len(recs))
		}
		if recs[0].ID != "run-4" || recs[4].ID != "run-0" {
			t.Errorf("order = %s .. %s, want run-4 .. run-0", recs[0].ID, recs[4].ID)
		}
	})

	t.Run("limit", func(t *testing.T) {
		recs, err := s.List(2)
		if err != nil {
			t.Fatalf("List() error: %v", err)
		}
		if len(recs) != 2 || recs[0].ID != "run-4" {
			t.Errorf("recs = %+v", recs)
		}
	})

	t.Run("round trip preserves plan and error", func(t *testing.T) {
		err := s.Append(Record{
			ID:        "run-failed",
			StartedAt: base.Add(time.Hour),
			State:     "recovered",
			Plan:      &plan.Plan{Up: []string{"channel-slack"}},
			Error:     "compose_up_failed:channel-slack: pull access denied",
		})
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		recs, _ := s.List(1)
		got := recs[0]
		if got.State != "recovered" || got.Error == "" || got.Plan.Up[0] != "channel-slack" {
			t.Errorf("record = %+v", got)
		}
	})
}

func TestListEmptyStore(t *testing.T) {
	s := openTestStore(t)
	recs, err := s.List(10)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("recs = %+v, want empty", recs)
	}
}

func TestOpenOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := s.Append(Record{ID: "r1", StartedAt: time.Now(), State: "succeeded"}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// Reopen and confirm persistence.
	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s2.Close()
	recs, err := s2.List(0)
	if err != nil || len(recs) != 1 || recs[0].ID != "r1" {
		t.Errorf("recs = %+v, err = %v", recs, err)
	}
}
