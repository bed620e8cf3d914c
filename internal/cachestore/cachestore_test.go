// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package cachestore

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/models"
	"github.com/adlens/adlens/internal/store"
)

func testConfig() config.CacheConfig {
	return config.CacheConfig{
		DefaultTTL:    time.Hour,
		SweepInterval: time.Minute,
	}
}

func newTestStore(t *testing.T, cfg config.CacheConfig) (*Store, *time.Time) {
	t.Helper()
	db, err := store.Open(store.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := New(db, cfg)
	s.nowFn = func() time.Time { return now }
	return s, &now
}

func testPartition() models.Partition {
	return models.Partition{AccountID: "acct-1", Scope: "campaign_performance"}
}

func TestPutThenGet(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	p := testPartition()

	payload := []byte(`[{"date":"2024-06-01","clicks":10}]`)
	put, err := s.Put(p, "2024-06-01", payload, 1, time.Hour)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if put.AccessCount != 0 {
		t.Errorf("new entry access count: expected 0, got %d", put.AccessCount)
	}
	if put.Size != len(payload) {
		t.Errorf("size: expected %d, got %d", len(payload), put.Size)
	}
	if put.ExpiresAt.Before(put.CreatedAt) {
		t.Error("expiry must not precede creation")
	}

	got, err := s.Get(p, "2024-06-01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload mismatch: got %q", got.Payload)
	}
	if got.Checksum != put.Checksum {
		t.Errorf("checksum changed between put and get")
	}
	if got.AccessCount != 1 {
		t.Errorf("access count after one read: expected 1, got %d", got.AccessCount)
	}
}

func TestGetAbsent(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	if _, err := s.Get(testPartition(), "2024-06-01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for absent key, got %v", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	s, now := newTestStore(t, testConfig())
	p := testPartition()

	if _, err := s.Put(p, "", []byte("data"), 1, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Advance past the expiry without running any sweep. The read must
	// report not-found even though the row still physically exists.
	*now = now.Add(2 * time.Hour)
	if _, err := s.Get(p, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestPutPreservesAccessCountAndCreation(t *testing.T) {
	s, now := newTestStore(t, testConfig())
	p := testPartition()

	first, err := s.Put(p, "", []byte("v1"), 1, time.Hour)
	if err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Get(p, ""); err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
	}

	*now = now.Add(30 * time.Minute)
	second, err := s.Put(p, "", []byte("v2-longer-payload"), 2, time.Hour)
	if err != nil {
		t.Fatalf("Put v2: %v", err)
	}
	if second.AccessCount != 3 {
		t.Errorf("update should preserve access count 3, got %d", second.AccessCount)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("update should preserve creation time")
	}
	if second.Checksum == first.Checksum {
		t.Error("checksum should change with the payload")
	}
}

func TestExtendExpiryNeverShortens(t *testing.T) {
	s, now := newTestStore(t, testConfig())
	p := testPartition()

	put, err := s.Put(p, "", []byte("data"), 1, 2*time.Hour)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	ext, err := s.ExtendExpiry(p, "", 30*time.Minute)
	if err != nil {
		t.Fatalf("ExtendExpiry: %v", err)
	}
	want := put.ExpiresAt.Add(30 * time.Minute)
	if !ext.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, ext.ExpiresAt)
	}
	if ext.ExpiresAt.Before(put.ExpiresAt) {
		t.Error("extend must never shorten the effective expiry")
	}

	// Once expired, the extension is measured from now instead.
	*now = now.Add(5 * time.Hour)
	ext2, err := s.ExtendExpiry(p, "", time.Hour)
	if err != nil {
		t.Fatalf("ExtendExpiry after expiry: %v", err)
	}
	if want := now.Add(time.Hour); !ext2.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, ext2.ExpiresAt)
	}
}

func TestExtendExpiryAbsent(t *testing.T) {
	s, _ := newTestStore(t, testConfig())
	if _, err := s.ExtendExpiry(testPartition(), "", time.Hour); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveExpired(t *testing.T) {
	s, now := newTestStore(t, testConfig())

	p1 := models.Partition{AccountID: "acct-1", Scope: "campaign_performance"}
	p2 := models.Partition{AccountID: "acct-2", Scope: "shop_analytics"}
	p3 := models.Partition{AccountID: "acct-3", Scope: "campaign_performance"}

	mustPut(t, s, p1, time.Hour)
	mustPut(t, s, p2, time.Hour)
	mustPut(t, s, p3, 10*time.Hour)

	*now = now.Add(2 * time.Hour)

	// Scoped sweep only touches matching partitions.
	n, err := s.RemoveExpired("shop_analytics")
	if err != nil {
		t.Fatalf("RemoveExpired scoped: %v", err)
	}
	if n != 1 {
		t.Errorf("scoped sweep: expected 1 deletion, got %d", n)
	}

	n, err = s.RemoveExpired("")
	if err != nil {
		t.Fatalf("RemoveExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("full sweep: expected 1 deletion, got %d", n)
	}

	// Idempotent: nothing left to remove.
	n, err = s.RemoveExpired("")
	if err != nil {
		t.Fatalf("RemoveExpired repeat: %v", err)
	}
	if n != 0 {
		t.Errorf("repeat sweep: expected 0 deletions, got %d", n)
	}

	// The unexpired entry survived.
	if _, err := s.Get(p3, ""); err != nil {
		t.Errorf("unexpired entry should survive the sweep: %v", err)
	}
}

func TestStatsExcludesExpired(t *testing.T) {
	s, now := newTestStore(t, testConfig())

	mustPut(t, s, models.Partition{AccountID: "a1", Scope: "s"}, time.Hour)
	mustPut(t, s, models.Partition{AccountID: "a2", Scope: "s"}, 10*time.Hour)

	*now = now.Add(2 * time.Hour)

	st, err := s.Stats("")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Count != 1 {
		t.Errorf("expected 1 live entry, got %d", st.Count)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Compress = true
	cfg.CompressMin = 16
	s, _ := newTestStore(t, cfg)
	p := testPartition()

	payload := bytes.Repeat([]byte("advertising "), 64)
	put, err := s.Put(p, "", payload, 4, time.Hour)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !put.Compressed {
		t.Error("large payload should be stored compressed")
	}
	if put.Size != len(payload) {
		t.Errorf("size must reflect the uncompressed payload, got %d", put.Size)
	}

	got, err := s.Get(p, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Error("decompressed payload mismatch")
	}
	if got.Compressed {
		t.Error("returned entry carries a decompressed payload, flag must be cleared")
	}
}

func TestExpiryBoundaryIsConsistent(t *testing.T) {
	s, now := newTestStore(t, testConfig())
	p := testPartition()

	if _, err := s.Put(p, "", []byte("data"), 1, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// At the exact expiry instant the entry is expired everywhere: Get
	// misses, Stats excludes it, and the sweep removes it.
	*now = now.Add(time.Hour)

	if _, err := s.Get(p, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get at expiry instant: expected ErrNotFound, got %v", err)
	}
	st, err := s.Stats("")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Count != 0 {
		t.Errorf("Stats at expiry instant: expected 0 live entries, got %d", st.Count)
	}
	n, err := s.RemoveExpired("")
	if err != nil {
		t.Fatalf("RemoveExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("sweep at expiry instant: expected 1 deletion, got %d", n)
	}
}

func TestKeyDeterministicAndDistinct(t *testing.T) {
	p := testPartition()
	if Key(p, "2024-06-01") != Key(p, "2024-06-01") {
		t.Error("key generation must be deterministic")
	}

	other := models.Partition{AccountID: "acct-1", Scope: "shop_analytics"}
	if Key(p, "2024-06-01") == Key(other, "2024-06-01") {
		t.Error("distinct partitions must map to distinct keys")
	}
	if Key(p, "2024-06-01") == Key(p, "2024-06-02") {
		t.Error("distinct qualifiers must map to distinct keys")
	}
}

func TestInspectAndList(t *testing.T) {
	s, now := newTestStore(t, testConfig())
	p := testPartition()

	if _, err := s.Put(p, "2024-06-01", []byte("d1"), 1, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Put(p, "2024-06-02", []byte("d2"), 1, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Inspect does not count as an access and returns expired entries.
	got, err := s.Inspect(p, "2024-06-01")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if got.AccessCount != 0 {
		t.Errorf("inspect must not count accesses, got %d", got.AccessCount)
	}

	*now = now.Add(2 * time.Hour)
	got, err = s.Inspect(p, "2024-06-01")
	if err != nil {
		t.Fatalf("Inspect expired: %v", err)
	}
	if !got.Expired(*now) {
		t.Error("entry should report expired")
	}

	entries, err := s.List(p)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Qualifier != "2024-06-01" || entries[1].Qualifier != "2024-06-02" {
		t.Errorf("entries out of qualifier order: %s, %s", entries[0].Qualifier, entries[1].Qualifier)
	}
}

func mustPut(t *testing.T, s *Store, p models.Partition, ttl time.Duration) {
	t.Helper()
	if _, err := s.Put(p, "", []byte("payload"), 1, ttl); err != nil {
		t.Fatalf("Put %s: %v", p, err)
	}
}
