// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

// Package cachestore implements the durable cache entry store: fetched
// upstream payloads keyed by partition, with TTL, checksum, and access
// statistics. Expiry is lazy: a read past the expiry time reports the
// entry as absent even if the record still physically exists; the
// eviction sweep reclaims storage later.
package cachestore

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/metrics"
	"github.com/adlens/adlens/internal/models"
	"github.com/adlens/adlens/internal/store"
)

// ErrNotFound is returned when an entry is absent or has expired.
var ErrNotFound = errors.New("cachestore: entry not found")

const keyPrefix = "cache:"

// conflictRetries bounds retry attempts for Badger transaction conflicts
// on single-key read-modify-write operations. Last write wins.
const conflictRetries = 5

// Entry is one cached payload and its bookkeeping metadata.
type Entry struct {
	Key       string           `json:"key"`
	Partition models.Partition `json:"partition"`
	Qualifier string           `json:"qualifier,omitempty"`

	Payload     []byte `json:"payload"`
	Size        int    `json:"size"`
	RecordCount int    `json:"record_count"`
	Checksum    string `json:"checksum"`
	Complete    bool   `json:"complete"`
	Compressed  bool   `json:"compressed"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccessCount  int64     `json:"access_count"`
	LastAccessAt time.Time `json:"last_access_at"`
}

// Expired reports whether the entry's expiry has passed at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Stats is a read-only aggregate over live (unexpired) entries.
type Stats struct {
	Count          int       `json:"count"`
	TotalSize      int64     `json:"total_size"`
	TotalRecords   int64     `json:"total_records"`
	AvgAccessCount float64   `json:"avg_access_count"`
	Oldest         time.Time `json:"oldest,omitempty"`
	Newest         time.Time `json:"newest,omitempty"`
}

// Store is the badger-backed cache entry store.
type Store struct {
	db  *badger.DB
	cfg config.CacheConfig

	// nowFn is the clock, injectable for expiry tests.
	nowFn func() time.Time
}

// New creates a Store on the shared record database.
func New(db *badger.DB, cfg config.CacheConfig) *Store {
	return &Store{db: db, cfg: cfg, nowFn: time.Now}
}

// Key derives the deterministic storage key for a partition and scope
// qualifier: a readable account:scope:qualifier prefix plus a short
// stable hash suffix that keeps distinct identities collision-free even
// after normalization. The qualifier subdivides a partition's entries,
// typically by date; it may be empty for whole-partition entries.
func Key(p models.Partition, qualifier string) string {
	sum := sha256.Sum256([]byte(p.AccountID + "/" + p.Scope + "/" + qualifier))
	return fmt.Sprintf("%s%x", partitionPrefix(p)+qualifier+":", sum[:4])
}

// partitionPrefix is the common key prefix of all of a partition's
// entries, used for listing.
func partitionPrefix(p models.Partition) string {
	return keyPrefix + p.AccountID + ":" + p.Scope + ":"
}

// Put upserts the payload under a partition and scope qualifier
// atomically: payload, checksum, size, and expiry replace the previous
// values together or not at all. New entries start with access count 0;
// updates preserve the counter and the original creation time.
func (s *Store) Put(p models.Partition, qualifier string, payload []byte, recordCount int, ttl time.Duration) (*Entry, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	now := s.nowFn()
	sum := sha256.Sum256(payload)

	stored := payload
	compressed := false
	if s.cfg.Compress && len(payload) >= s.cfg.CompressMin {
		var err error
		if stored, err = gzipBytes(payload); err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		compressed = true
	}

	key := Key(p, qualifier)
	entry := &Entry{
		Key:         key,
		Partition:   p,
		Qualifier:   qualifier,
		Payload:     stored,
		Size:        len(payload),
		RecordCount: recordCount,
		Checksum:    fmt.Sprintf("%x", sum),
		Complete:    true,
		Compressed:  compressed,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	err := s.update(func(tx *badger.Txn) error {
		var prev Entry
		switch err := store.GetJSON(tx, []byte(key), &prev); {
		case err == nil:
			entry.CreatedAt = prev.CreatedAt
			entry.AccessCount = prev.AccessCount
			entry.LastAccessAt = prev.LastAccessAt
		case errors.Is(err, store.ErrKeyNotFound):
			// First write for this partition.
		default:
			return err
		}
		return store.SetJSON(tx, []byte(key), entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns the live entry for a partition and qualifier, or
// ErrNotFound if absent or expired. A successful read increments the
// access counter.
func (s *Store) Get(p models.Partition, qualifier string) (*Entry, error) {
	key := Key(p, qualifier)
	now := s.nowFn()

	var entry Entry
	err := s.update(func(tx *badger.Txn) error {
		entry = Entry{}
		if err := store.GetJSON(tx, []byte(key), &entry); err != nil {
			return err
		}
		if entry.Expired(now) {
			return errExpired
		}
		entry.AccessCount++
		entry.LastAccessAt = now
		return store.SetJSON(tx, []byte(key), &entry)
	})
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
		metrics.CacheMisses.WithLabelValues("absent").Inc()
		return nil, ErrNotFound
	case errors.Is(err, errExpired):
		metrics.CacheMisses.WithLabelValues("expired").Inc()
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	}

	metrics.CacheHits.Inc()

	if entry.Compressed {
		raw, err := gunzipBytes(entry.Payload)
		if err != nil {
			return nil, fmt.Errorf("decompress payload for %s: %w", key, err)
		}
		entry.Payload = raw
		entry.Compressed = false
	}
	return &entry, nil
}

// errExpired distinguishes lazy-expiry misses from absent keys inside
// the read transaction.
var errExpired = errors.New("cachestore: entry expired")

// Inspect returns the entry's metadata without counting an access and
// without decompressing the payload. Expired entries are still
// returned; callers compare ExpiresAt themselves. Used by the sync
// planner to decide staleness without inflating consumer statistics.
func (s *Store) Inspect(p models.Partition, qualifier string) (*Entry, error) {
	key := Key(p, qualifier)

	var entry Entry
	err := s.db.View(func(tx *badger.Txn) error {
		return store.GetJSON(tx, []byte(key), &entry)
	})
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns every entry stored under a partition, expired ones
// included, ordered by qualifier. Payloads are decompressed. Reads do
// not count as accesses.
func (s *Store) List(p models.Partition) ([]*Entry, error) {
	prefix := partitionPrefix(p)

	var entries []*Entry
	err := s.db.View(func(tx *badger.Txn) error {
		return store.ScanPrefix(tx, []byte(prefix), func(key, val []byte) error {
			var entry Entry
			if err := unmarshalEntry(val, &entry); err != nil {
				return nil
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.Compressed {
			raw, err := gunzipBytes(entry.Payload)
			if err != nil {
				return nil, fmt.Errorf("decompress payload for %s: %w", entry.Key, err)
			}
			entry.Payload = raw
			entry.Compressed = false
		}
	}
	return entries, nil
}

// ExtendExpiry pushes an entry's expiry forward by duration, measured
// from the later of the current expiry and now. The effective expiry
// never shrinks.
func (s *Store) ExtendExpiry(p models.Partition, qualifier string, duration time.Duration) (*Entry, error) {
	key := Key(p, qualifier)
	now := s.nowFn()

	var entry Entry
	err := s.update(func(tx *badger.Txn) error {
		entry = Entry{}
		if err := store.GetJSON(tx, []byte(key), &entry); err != nil {
			return err
		}
		base := entry.ExpiresAt
		if base.Before(now) {
			base = now
		}
		entry.ExpiresAt = base.Add(duration)
		entry.UpdatedAt = now
		return store.SetJSON(tx, []byte(key), &entry)
	})
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// RemoveExpired sweeps entries whose expiry has passed, optionally
// restricted to one scope qualifier. Deletion is best-effort and
// idempotent; it returns the number of entries removed.
func (s *Store) RemoveExpired(scopeFilter string) (int, error) {
	now := s.nowFn()

	var expired [][]byte
	err := s.db.View(func(tx *badger.Txn) error {
		return store.ScanPrefix(tx, []byte(keyPrefix), func(key, val []byte) error {
			var entry Entry
			if err := unmarshalEntry(val, &entry); err != nil {
				return nil // Skip undecodable rows rather than aborting the sweep
			}
			if scopeFilter != "" && entry.Partition.Scope != scopeFilter {
				return nil
			}
			if entry.Expired(now) {
				expired = append(expired, append([]byte(nil), key...))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, key := range expired {
		err := s.db.Update(func(tx *badger.Txn) error {
			return tx.Delete(key)
		})
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return deleted, err
		}
		deleted++
	}

	metrics.CacheEvictions.Add(float64(deleted))
	return deleted, nil
}

// Stats aggregates live entries, optionally restricted to one scope.
// Expired entries are excluded even if not yet swept.
func (s *Store) Stats(scopeFilter string) (Stats, error) {
	now := s.nowFn()

	var st Stats
	var accessTotal int64
	err := s.db.View(func(tx *badger.Txn) error {
		return store.ScanPrefix(tx, []byte(keyPrefix), func(key, val []byte) error {
			var entry Entry
			if err := unmarshalEntry(val, &entry); err != nil {
				return nil
			}
			if scopeFilter != "" && entry.Partition.Scope != scopeFilter {
				return nil
			}
			if entry.Expired(now) {
				return nil
			}
			st.Count++
			st.TotalSize += int64(entry.Size)
			st.TotalRecords += int64(entry.RecordCount)
			accessTotal += entry.AccessCount
			if st.Oldest.IsZero() || entry.CreatedAt.Before(st.Oldest) {
				st.Oldest = entry.CreatedAt
			}
			if entry.UpdatedAt.After(st.Newest) {
				st.Newest = entry.UpdatedAt
			}
			return nil
		})
	})
	if err != nil {
		return Stats{}, err
	}
	if st.Count > 0 {
		st.AvgAccessCount = float64(accessTotal) / float64(st.Count)
	}

	metrics.CacheEntries.Set(float64(st.Count))
	metrics.CacheBytes.Set(float64(st.TotalSize))
	return st, nil
}

// update runs fn in a write transaction, retrying on Badger's optimistic
// concurrency conflicts so that the last writer wins on a contended key.
func (s *Store) update(fn func(tx *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func unmarshalEntry(val []byte, entry *Entry) error {
	return json.Unmarshal(val, entry)
}
