// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

// Package freshness tracks per-partition staleness classification and
// next-update scheduling. Tiers are assigned by the caller based on data
// age; the tracker stores the last-assigned tier and computes its
// consequences: next-update-due time and scheduling priority, both taken
// from the configurable tier policy table.
package freshness

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/metrics"
	"github.com/adlens/adlens/internal/models"
	"github.com/adlens/adlens/internal/store"
)

var (
	// ErrNotFound is returned when a partition is not tracked.
	ErrNotFound = errors.New("freshness: partition not tracked")

	// ErrAlreadyExists is returned by Create for a tracked partition.
	ErrAlreadyExists = errors.New("freshness: partition already tracked")
)

const keyPrefix = "fresh:"

// Record is the freshness state of one tracked partition.
type Record struct {
	Partition models.Partition `json:"partition"`
	Tier      models.Tier      `json:"tier"`
	Priority  int              `json:"priority"`

	LastUpdatedAt time.Time `json:"last_updated_at"`
	NextUpdateDue time.Time `json:"next_update_due"`
	UpdateCount   int64     `json:"update_count"`

	CallsToday int       `json:"calls_today"`
	CallsTotal int64     `json:"calls_total"`
	LastCallAt time.Time `json:"last_call_at,omitempty"`

	// Completeness is the fraction [0,1] of the partition's tracked date
	// range that has complete cache entries.
	Completeness  float64            `json:"completeness"`
	MissingRanges []models.DateRange `json:"missing_ranges,omitempty"`
}

// Tracker persists freshness records and answers due-for-update queries.
type Tracker struct {
	db  *badger.DB
	cfg config.FreshnessConfig

	nowFn func() time.Time
}

// New creates a Tracker on the shared record database.
func New(db *badger.DB, cfg config.FreshnessConfig) *Tracker {
	return &Tracker{db: db, cfg: cfg, nowFn: time.Now}
}

func key(p models.Partition) []byte {
	return []byte(keyPrefix + p.AccountID + ":" + p.Scope)
}

// Create starts tracking a partition at the given tier. Fails with
// ErrAlreadyExists if the partition is already tracked.
func (t *Tracker) Create(p models.Partition, tier models.Tier) (*Record, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("freshness: invalid tier %q", tier)
	}

	now := t.nowFn()
	policy := t.cfg.Policy(string(tier))
	rec := &Record{
		Partition:     p,
		Tier:          tier,
		Priority:      policy.Priority,
		LastUpdatedAt: now,
		NextUpdateDue: now.Add(policy.Interval),
	}

	err := t.db.Update(func(tx *badger.Txn) error {
		var existing Record
		switch err := store.GetJSON(tx, key(p), &existing); {
		case err == nil:
			return ErrAlreadyExists
		case errors.Is(err, store.ErrKeyNotFound):
			return store.SetJSON(tx, key(p), rec)
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the record for a tracked partition.
func (t *Tracker) Get(p models.Partition) (*Record, error) {
	var rec Record
	err := t.db.View(func(tx *badger.Txn) error {
		return store.GetJSON(tx, key(p), &rec)
	})
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetTier reassigns a partition's tier, recomputing the next-update-due
// time and priority from the tier policy and incrementing the update
// counter. Completeness below 0 leaves the stored value unchanged.
func (t *Tracker) SetTier(p models.Partition, tier models.Tier, completeness float64, missing []models.DateRange) (*Record, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("freshness: invalid tier %q", tier)
	}

	now := t.nowFn()
	policy := t.cfg.Policy(string(tier))

	var rec Record
	err := t.db.Update(func(tx *badger.Txn) error {
		rec = Record{}
		if err := store.GetJSON(tx, key(p), &rec); err != nil {
			return err
		}
		rec.Tier = tier
		rec.Priority = policy.Priority
		rec.LastUpdatedAt = now
		rec.NextUpdateDue = now.Add(policy.Interval)
		rec.UpdateCount++
		if completeness >= 0 {
			rec.Completeness = completeness
			rec.MissingRanges = missing
		}
		return store.SetJSON(tx, key(p), &rec)
	})
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecordAPICalls attributes upstream calls to a partition, accumulating
// daily and lifetime counters. The daily counter resets when the call
// lands on a new UTC calendar day relative to the previous one.
func (t *Tracker) RecordAPICalls(p models.Partition, count int) error {
	if count <= 0 {
		return nil
	}
	now := t.nowFn()

	err := t.db.Update(func(tx *badger.Txn) error {
		var rec Record
		if err := store.GetJSON(tx, key(p), &rec); err != nil {
			return err
		}
		if !models.Day(rec.LastCallAt).Equal(models.Day(now)) {
			rec.CallsToday = 0
		}
		rec.CallsToday += count
		rec.CallsTotal += int64(count)
		rec.LastCallAt = now
		return store.SetJSON(tx, key(p), &rec)
	})
	if errors.Is(err, store.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	metrics.FreshnessAPICalls.Add(float64(count))
	return nil
}

// DueForUpdate returns up to limit records whose next update is due,
// ordered by descending priority, ties broken by oldest next-update-due
// first, then by partition identity. The ordering is deterministic:
// repeated calls under unchanged state return identical sequences.
func (t *Tracker) DueForUpdate(limit int) ([]*Record, error) {
	now := t.nowFn()

	var due []*Record
	err := t.db.View(func(tx *badger.Txn) error {
		return store.ScanPrefix(tx, []byte(keyPrefix), func(k, val []byte) error {
			var rec Record
			if err := jsonUnmarshal(val, &rec); err != nil {
				return nil
			}
			if !rec.NextUpdateDue.After(now) {
				due = append(due, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		if !due[i].NextUpdateDue.Equal(due[j].NextUpdateDue) {
			return due[i].NextUpdateDue.Before(due[j].NextUpdateDue)
		}
		return due[i].Partition.String() < due[j].Partition.String()
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Remove stops tracking a partition. Removal is an explicit
// administrative action; syncing never deletes records implicitly.
func (t *Tracker) Remove(p models.Partition) error {
	err := t.db.Update(func(tx *badger.Txn) error {
		if _, err := tx.Get(key(p)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return tx.Delete(key(p))
	})
	return err
}

// RemoveAccount stops tracking every partition of an account and returns
// how many records were removed.
func (t *Tracker) RemoveAccount(accountID string) (int, error) {
	prefix := []byte(keyPrefix + accountID + ":")

	var keys [][]byte
	err := t.db.View(func(tx *badger.Txn) error {
		return store.ScanPrefix(tx, prefix, func(k, val []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, k := range keys {
		err := t.db.Update(func(tx *badger.Txn) error { return tx.Delete(k) })
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// TierCounts returns the number of tracked partitions per tier and
// refreshes the freshness gauges.
func (t *Tracker) TierCounts() (map[models.Tier]int, error) {
	counts := make(map[models.Tier]int, len(models.Tiers))
	err := t.db.View(func(tx *badger.Txn) error {
		return store.ScanPrefix(tx, []byte(keyPrefix), func(k, val []byte) error {
			var rec Record
			if err := jsonUnmarshal(val, &rec); err != nil {
				return nil
			}
			counts[rec.Tier]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	for _, tier := range models.Tiers {
		metrics.FreshnessPartitions.WithLabelValues(string(tier)).Set(float64(counts[tier]))
	}
	return counts, nil
}

func jsonUnmarshal(val []byte, v interface{}) error {
	return json.Unmarshal(val, v)
}
