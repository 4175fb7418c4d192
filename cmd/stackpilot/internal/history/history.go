// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history persists an append-only audit trail of apply runs.
package history

import (
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/plan"
)

const keyPrefix = "run/"

// Record is one apply run as remembered for audit.
type Record struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	// State is the terminal apply state: succeeded, recovered,
	// fallback_applied, or failed.
	State string     `json:"state"`
	Plan  *plan.Plan `json:"plan,omitempty"`
	Error string     `json:"error,omitempty"`
}

// Store is a badger-backed run log. Keys embed the start timestamp so a
// reverse scan yields newest-first without a secondary index.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the run log under dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens an ephemeral store, used by tests and dry runs.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory history store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func recordKey(r Record) []byte {
	return []byte(keyPrefix + r.StartedAt.UTC().Format(time.RFC3339Nano) + "/" + r.ID)
}

// Append writes one finished run.
func (s *Store) Append(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(r), data)
	})
	if err != nil {
		return fmt.Errorf("append history record: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first. A non-positive limit
// returns everything.
func (s *Store) List(limit int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past the whole prefix.
		seek := append([]byte(keyPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode history record %q: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
