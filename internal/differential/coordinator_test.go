// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package differential

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/adlens/adlens/internal/backpressure"
	"github.com/adlens/adlens/internal/cachestore"
	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/freshness"
	"github.com/adlens/adlens/internal/models"
	"github.com/adlens/adlens/internal/store"
	"github.com/adlens/adlens/internal/upstream"
)

// fakeClient serves canned per-date responses and records every fetch.
type fakeClient struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]error
	records int
}

func (f *fakeClient) FetchRange(ctx context.Context, p models.Partition, r models.DateRange) ([]models.AdRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	date := models.DateKey(r.Start)
	f.calls = append(f.calls, date)
	if err, ok := f.fail[date]; ok {
		return nil, err
	}

	n := f.records
	if n == 0 {
		n = 1
	}
	out := make([]models.AdRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.AdRecord{Date: r.Start, Impressions: 100, Clicks: 7})
	}
	return out, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testFreshnessConfig() config.FreshnessConfig {
	return config.FreshnessConfig{
		Realtime:    config.TierPolicy{Interval: 2 * time.Hour, Priority: 100},
		NearTime:    config.TierPolicy{Interval: 6 * time.Hour, Priority: 75},
		Stabilizing: config.TierPolicy{Interval: 24 * time.Hour, Priority: 50},
		Finalized:   config.TierPolicy{Interval: 168 * time.Hour, Priority: 10},
	}
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Workers:      2,
		DueLimit:     10,
		CallsPerDay:  1,
		FetchTimeout: 5 * time.Second,
		RunRetention: 24 * time.Hour,
	}
}

func testGuardConfig() config.BackpressureConfig {
	return config.BackpressureConfig{
		OpenThreshold:     5,
		BackoffFloor:      30 * time.Second,
		BackoffCap:        30 * time.Minute,
		BackoffMultiplier: 2,
		MaxRate:           1000,
		Burst:             1000,
	}
}

type fixture struct {
	db      *badger.DB
	cache   *cachestore.Store
	tracker *freshness.Tracker
	guard   *backpressure.Controller
	client  *fakeClient
	coord   *Coordinator
}

func newFixture(t *testing.T, guardCfg config.BackpressureConfig) *fixture {
	t.Helper()
	db, err := store.Open(store.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:      db,
		cache:   cachestore.New(db, config.CacheConfig{DefaultTTL: time.Hour}),
		tracker: freshness.New(db, testFreshnessConfig()),
		guard:   backpressure.New(guardCfg),
		client:  &fakeClient{fail: map[string]error{}},
	}
	f.coord = New(db, f.cache, f.tracker, f.guard, f.client,
		testSyncConfig(), testFreshnessConfig(), nil)
	return f
}

func recentRange(days int) models.DateRange {
	today := models.Day(time.Now())
	return models.DateRange{Start: today.AddDate(0, 0, -(days - 1)), End: today}
}

func TestEnsureFreshColdSync(t *testing.T) {
	f := newFixture(t, testGuardConfig())
	p := models.Partition{AccountID: "acct-1", Scope: "campaign_performance"}
	rng := recentRange(3)

	run, err := f.coord.EnsureFresh(context.Background(), p, rng, models.TriggerManual)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}

	if run.Status != models.RunCompleted {
		t.Errorf("status: expected completed, got %s", run.Status)
	}
	if len(run.TargetDates) != 3 || len(run.UpdatedDates) != 3 {
		t.Errorf("expected 3 target and 3 updated dates, got %d and %d",
			len(run.TargetDates), len(run.UpdatedDates))
	}
	if run.CallsUsed != 3 {
		t.Errorf("calls used: expected 3, got %d", run.CallsUsed)
	}
	if run.CallsSaved != 0 || run.ReductionRate != 0 {
		t.Errorf("cold sync saves nothing: saved=%d rate=%v", run.CallsSaved, run.ReductionRate)
	}
	if run.CompletedAt == nil {
		t.Error("finalized run must carry a completion time")
	}

	// Every date is now cached.
	for _, day := range rng.Days() {
		if _, err := f.cache.Get(p, models.DateKey(day)); err != nil {
			t.Errorf("date %s not cached: %v", models.DateKey(day), err)
		}
	}

	// The partition was registered and the calls attributed.
	rec, err := f.tracker.Get(p)
	if err != nil {
		t.Fatalf("tracker.Get: %v", err)
	}
	if rec.CallsTotal != 3 {
		t.Errorf("calls total: expected 3, got %d", rec.CallsTotal)
	}
	if rec.Completeness != 1 {
		t.Errorf("completeness after full sync: expected 1, got %v", rec.Completeness)
	}
}

func TestEnsureFreshSkipsFreshDates(t *testing.T) {
	f := newFixture(t, testGuardConfig())
	p := models.Partition{AccountID: "acct-1", Scope: "campaign_performance"}
	rng := recentRange(3)
	days := rng.Days()

	// The two older dates already have complete, fresh entries.
	for _, day := range days[:2] {
		if _, err := f.cache.Put(p, models.DateKey(day), []byte("[]"), 0, time.Hour); err != nil {
			t.Fatalf("seed cache: %v", err)
		}
	}

	run, err := f.coord.EnsureFresh(context.Background(), p, rng, models.TriggerManual)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}

	if run.Status != models.RunCompleted {
		t.Errorf("status: expected completed, got %s", run.Status)
	}
	if want := []string{models.DateKey(days[2])}; len(run.TargetDates) != 1 || run.TargetDates[0] != want[0] {
		t.Errorf("expected single target %v, got %v", want, run.TargetDates)
	}
	if run.CallsUsed != 1 {
		t.Errorf("calls used: expected 1, got %d", run.CallsUsed)
	}
	if run.CallsSaved != 2 {
		t.Errorf("calls saved: expected 2, got %d", run.CallsSaved)
	}
	if run.ReductionRate <= 0 || run.ReductionRate >= 1 {
		t.Errorf("reduction rate should be in (0,1), got %v", run.ReductionRate)
	}
	if got := f.client.callCount(); got != 1 {
		t.Errorf("upstream fetches: expected 1, got %d", got)
	}
}

func TestEnsureFreshEmptyRange(t *testing.T) {
	f := newFixture(t, testGuardConfig())
	p := models.Partition{AccountID: "acct-1", Scope: "campaign_performance"}
	today := models.Day(time.Now())
	rng := models.DateRange{Start: today, End: today.AddDate(0, 0, -1)}

	run, err := f.coord.EnsureFresh(context.Background(), p, rng, models.TriggerManual)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Errorf("empty range must complete immediately, got %s", run.Status)
	}
	if run.CallsUsed != 0 || f.client.callCount() != 0 {
		t.Error("empty range must not call upstream")
	}
	if run.ReductionRate != 0 {
		t.Errorf("empty range reduction rate: expected 0, got %v", run.ReductionRate)
	}
}

func TestEnsureFreshStopsOnPermitRefusal(t *testing.T) {
	cfg := testGuardConfig()
	cfg.OpenThreshold = 1
	f := newFixture(t, cfg)
	p := models.Partition{AccountID: "acct-1", Scope: "campaign_performance"}
	rng := recentRange(3)
	for _, day := range rng.Days() {
		f.client.fail[models.DateKey(day)] = &upstream.APIError{Kind: upstream.ErrorAPI, Message: "boom"}
	}

	run, err := f.coord.EnsureFresh(context.Background(), p, rng, models.TriggerManual)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}

	// The first failure opens the circuit; the second date is refused a
	// permit and the run stops without touching the third.
	if run.Status != models.RunFailed {
		t.Errorf("status: expected failed, got %s", run.Status)
	}
	if run.Error == "" {
		t.Error("failed run must record its error")
	}
	if got := f.client.callCount(); got != 1 {
		t.Errorf("upstream fetches: expected 1, got %d", got)
	}
	if len(run.UpdatedDates) != 0 {
		t.Errorf("no dates should be updated, got %v", run.UpdatedDates)
	}
}

func TestEnsureFreshKeepsPartialProgress(t *testing.T) {
	cfg := testGuardConfig()
	cfg.OpenThreshold = 1
	f := newFixture(t, cfg)
	p := models.Partition{AccountID: "acct-1", Scope: "campaign_performance"}
	rng := recentRange(3)
	days := rng.Days()

	// First date succeeds, second fails and opens the circuit, third is
	// refused a permit.
	f.client.fail[models.DateKey(days[1])] = &upstream.APIError{Kind: upstream.ErrorAPI, Message: "boom"}

	run, err := f.coord.EnsureFresh(context.Background(), p, rng, models.TriggerManual)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}

	if run.Status != models.RunPartial {
		t.Errorf("status: expected partial, got %s", run.Status)
	}
	if len(run.UpdatedDates) != 1 || run.UpdatedDates[0] != models.DateKey(days[0]) {
		t.Errorf("expected only %s updated, got %v", models.DateKey(days[0]), run.UpdatedDates)
	}

	// Partial progress is never discarded.
	if _, err := f.cache.Get(p, models.DateKey(days[0])); err != nil {
		t.Errorf("fetched date must stay cached: %v", err)
	}
}

func TestRunRecordsPersistAndSweep(t *testing.T) {
	f := newFixture(t, testGuardConfig())
	p := models.Partition{AccountID: "acct-1", Scope: "campaign_performance"}

	run, err := f.coord.EnsureFresh(context.Background(), p, recentRange(2), models.TriggerScheduled)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}

	got, err := f.coord.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != models.RunCompleted || got.CallsUsed != run.CallsUsed {
		t.Errorf("persisted run mismatch: %+v", got)
	}

	runs, err := f.coord.ListRuns(&p, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Errorf("expected the single run listed, got %d", len(runs))
	}

	// Not old enough to sweep yet.
	n, err := f.coord.RetentionSweep()
	if err != nil {
		t.Fatalf("RetentionSweep: %v", err)
	}
	if n != 0 {
		t.Errorf("premature sweep removed %d records", n)
	}

	// Move the coordinator clock past the retention window.
	f.coord.nowFn = func() time.Time { return time.Now().Add(25 * time.Hour) }
	n, err = f.coord.RetentionSweep()
	if err != nil {
		t.Fatalf("RetentionSweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 record swept, got %d", n)
	}
	if _, err := f.coord.GetRun(run.ID); err != ErrRunNotFound {
		t.Errorf("expected ErrRunNotFound after sweep, got %v", err)
	}
}

func TestGetRunAbsent(t *testing.T) {
	f := newFixture(t, testGuardConfig())
	if _, err := f.coord.GetRun("no-such-run"); err != ErrRunNotFound {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestProcessDueSyncsDuePartitions(t *testing.T) {
	f := newFixture(t, testGuardConfig())

	// Seed tracker records already past their next-update-due time.
	past := time.Now().Add(-time.Hour)
	for _, p := range []models.Partition{
		{AccountID: "acct-1", Scope: "campaign_performance"},
		{AccountID: "acct-2", Scope: "campaign_performance"},
	} {
		seedDueRecord(t, f.db, p, past)
	}

	n, err := f.coord.ProcessDue(context.Background())
	if err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 partitions processed, got %d", n)
	}

	runs, err := f.coord.ListRuns(nil, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	for _, run := range runs {
		if run.Trigger != models.TriggerFreshness {
			t.Errorf("scheduler runs must be freshness-driven, got %s", run.Trigger)
		}
		if run.Status != models.RunCompleted {
			t.Errorf("run %s: expected completed, got %s", run.ID, run.Status)
		}
	}
}

func TestLookbackWindows(t *testing.T) {
	f := newFixture(t, testGuardConfig())

	tests := []struct {
		tier models.Tier
		days int
	}{
		{models.TierRealtime, 1},
		{models.TierNearTime, 3},
		{models.TierStabilizing, 4},
		{models.TierFinalized, 8},
	}
	for _, tc := range tests {
		if got := f.coord.lookback(tc.tier).Len(); got != tc.days {
			t.Errorf("%s lookback: expected %d days, got %d", tc.tier, tc.days, got)
		}
	}
}

// seedDueRecord writes a freshness record whose next update is already
// due, bypassing the tracker's own clock.
func seedDueRecord(t *testing.T, db *badger.DB, p models.Partition, due time.Time) {
	t.Helper()
	rec := freshness.Record{
		Partition:     p,
		Tier:          models.TierRealtime,
		Priority:      100,
		LastUpdatedAt: due,
		NextUpdateDue: due,
	}
	err := db.Update(func(tx *badger.Txn) error {
		return store.SetJSON(tx, []byte("fresh:"+p.AccountID+":"+p.Scope), &rec)
	})
	if err != nil {
		t.Fatalf("seed freshness record: %v", err)
	}
}
