// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package differential

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/adlens/adlens/internal/models"
	"github.com/adlens/adlens/internal/store"
)

// ErrRunNotFound is returned when no run record has the given id.
var ErrRunNotFound = errors.New("differential: run not found")

const runPrefix = "run:"

func runKey(run *models.SyncRun) []byte {
	// Nanosecond start time first so the natural key order is the
	// chronological order.
	return []byte(fmt.Sprintf("%s%020d:%s", runPrefix, run.StartedAt.UnixNano(), run.ID))
}

// persistRun upserts the run's audit record. Called once when the run
// opens and once when it finalizes; the record is never mutated after
// finalization.
func (c *Coordinator) persistRun(run *models.SyncRun) error {
	return c.db.Update(func(tx *badger.Txn) error {
		return store.SetJSON(tx, runKey(run), run)
	})
}

// GetRun returns the audit record with the given id.
func (c *Coordinator) GetRun(id string) (*models.SyncRun, error) {
	var found *models.SyncRun
	err := c.db.View(func(tx *badger.Txn) error {
		return store.ScanPrefix(tx, []byte(runPrefix), func(key, val []byte) error {
			var run models.SyncRun
			if err := json.Unmarshal(val, &run); err != nil {
				return nil
			}
			if run.ID == id {
				found = &run
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrRunNotFound
	}
	return found, nil
}

// ListRuns returns run records newest first, optionally filtered to one
// partition. limit <= 0 means no limit.
func (c *Coordinator) ListRuns(p *models.Partition, limit int) ([]*models.SyncRun, error) {
	var runs []*models.SyncRun
	err := c.db.View(func(tx *badger.Txn) error {
		return store.ScanPrefix(tx, []byte(runPrefix), func(key, val []byte) error {
			var run models.SyncRun
			if err := json.Unmarshal(val, &run); err != nil {
				return nil
			}
			if p != nil && run.Partition != *p {
				return nil
			}
			runs = append(runs, &run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// RemoveRunsBefore deletes finalized run records that completed before
// the cutoff. Unfinished records are never removed, whatever their age.
func (c *Coordinator) RemoveRunsBefore(cutoff time.Time) (int, error) {
	var old [][]byte
	err := c.db.View(func(tx *badger.Txn) error {
		return store.ScanPrefix(tx, []byte(runPrefix), func(key, val []byte) error {
			var run models.SyncRun
			if err := json.Unmarshal(val, &run); err != nil {
				return nil
			}
			if run.Finalized() && run.CompletedAt != nil && run.CompletedAt.Before(cutoff) {
				old = append(old, append([]byte(nil), key...))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, key := range old {
		err := c.db.Update(func(tx *badger.Txn) error {
			return tx.Delete(key)
		})
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
