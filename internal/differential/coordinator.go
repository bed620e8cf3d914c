// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

// Package differential implements the differential sync coordinator: it
// refreshes a partition's date range by fetching only the dates whose
// cached data is missing, incomplete, or older than the freshness tier
// allows, and records the upstream calls that skipping saved.
package differential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/adlens/adlens/internal/backpressure"
	"github.com/adlens/adlens/internal/cachestore"
	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/freshness"
	"github.com/adlens/adlens/internal/logging"
	"github.com/adlens/adlens/internal/metrics"
	"github.com/adlens/adlens/internal/models"
	"github.com/adlens/adlens/internal/upstream"
)

// Resource is the backpressure resource identifier for the upstream
// ad-platform API. All coordinator fetches draw permits against it.
const Resource = "ad-platform"

// RunsTopic carries finalized run records on the event bus.
const RunsTopic = "sync.runs"

// Coordinator plans and executes differential update runs. Runs for the
// same partition are serialized; distinct partitions proceed in
// parallel up to the scheduler's worker bound.
type Coordinator struct {
	db      *badger.DB
	cache   *cachestore.Store
	tracker *freshness.Tracker
	guard   *backpressure.Controller
	client  upstream.Client
	cfg     config.SyncConfig
	fresh   config.FreshnessConfig

	// pub receives finalized run records; nil disables publication.
	pub message.Publisher

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	nowFn func() time.Time
}

// New creates a Coordinator. pub may be nil when no consumer listens
// for run events.
func New(db *badger.DB, cache *cachestore.Store, tracker *freshness.Tracker,
	guard *backpressure.Controller, client upstream.Client,
	cfg config.SyncConfig, fresh config.FreshnessConfig, pub message.Publisher,
) *Coordinator {
	return &Coordinator{
		db:      db,
		cache:   cache,
		tracker: tracker,
		guard:   guard,
		client:  client,
		cfg:     cfg,
		fresh:   fresh,
		pub:     pub,
		locks:   make(map[string]*sync.Mutex),
		nowFn:   time.Now,
	}
}

// EnsureFresh brings a partition's date range up to date. Dates already
// covered by a complete, tier-fresh cache entry are skipped; the rest
// are fetched one date at a time under backpressure permits. The
// returned run record is always persisted, whatever its final status.
//
// A permit refusal stops the run early but never discards the progress
// already made: fetched dates stay cached and the run finalizes as
// partial (or failed, if nothing was updated).
func (c *Coordinator) EnsureFresh(ctx context.Context, p models.Partition, rng models.DateRange, trigger models.TriggerSource) (*models.SyncRun, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	unlock := c.lockPartition(p)
	defer unlock()

	now := c.nowFn()
	days := rng.Days()

	run := &models.SyncRun{
		ID:        uuid.NewString(),
		Partition: p,
		Trigger:   trigger,
		Status:    models.RunRunning,
		Range:     rng,
		StartedAt: now,
	}

	callsPerDay := c.cfg.CallsPerDay
	if callsPerDay <= 0 {
		callsPerDay = 1
	}
	expectedCalls := callsPerDay * len(days)

	c.ensureTracked(p, rng, now)

	type target struct {
		day     time.Time
		existed bool
	}
	var targets []target
	for _, day := range days {
		stale, existed := c.needsFetch(p, day, now)
		if !stale {
			continue
		}
		targets = append(targets, target{day: day, existed: existed})
		run.TargetDates = append(run.TargetDates, models.DateKey(day))
	}

	if err := c.persistRun(run); err != nil {
		return nil, err
	}

	log := logging.With().
		Str("run_id", run.ID).
		Str("partition", p.String()).
		Str("trigger", string(trigger)).
		Logger()
	log.Debug().
		Int("requested_dates", len(days)).
		Int("stale_dates", len(targets)).
		Msg("Differential run planned")

	used := 0
	var runErr error
	for _, tgt := range targets {
		permit, err := c.guard.TryAcquire(Resource)
		if err != nil {
			// Refusal ends the run early; already-fetched dates keep
			// their cache entries.
			runErr = err
			break
		}

		records, err := c.fetchDay(ctx, p, tgt.day)
		if err != nil {
			_ = c.guard.ReportOutcome(permit, false)
			used++
			if runErr == nil {
				runErr = err
			}
			log.Warn().Err(err).Str("date", models.DateKey(tgt.day)).Msg("Date fetch failed")
			if upstream.IsAuth(err) || ctx.Err() != nil {
				break
			}
			continue
		}
		_ = c.guard.ReportOutcome(permit, true)
		used++

		if err := c.storeDay(p, tgt.day, records, now); err != nil {
			if runErr == nil {
				runErr = err
			}
			log.Error().Err(err).Str("date", models.DateKey(tgt.day)).Msg("Cache write failed")
			continue
		}

		run.UpdatedDates = append(run.UpdatedDates, models.DateKey(tgt.day))
		run.RecordsTotal += len(records)
		if tgt.existed {
			run.RecordsUpdated += len(records)
		} else {
			run.RecordsAdded += len(records)
		}
	}

	if used > 0 {
		if err := c.tracker.RecordAPICalls(p, used); err != nil {
			log.Warn().Err(err).Msg("Call attribution failed")
		}
	}

	run.CallsUsed = used
	if saved := expectedCalls - used; saved > 0 {
		run.CallsSaved = saved
	}
	if expectedCalls > 0 {
		run.ReductionRate = float64(run.CallsSaved) / float64(expectedCalls)
		if run.ReductionRate > 1 {
			run.ReductionRate = 1
		}
	}

	switch {
	case len(run.UpdatedDates) >= len(run.TargetDates):
		run.Status = models.RunCompleted
	case len(run.UpdatedDates) == 0:
		run.Status = models.RunFailed
	default:
		run.Status = models.RunPartial
	}
	if runErr != nil && run.Status != models.RunCompleted {
		run.Error = runErr.Error()
	}

	done := c.nowFn()
	run.CompletedAt = &done

	c.reclassify(p, rng, done)

	if err := c.persistRun(run); err != nil {
		return nil, err
	}

	metrics.SyncRuns.WithLabelValues(string(run.Status), string(trigger)).Inc()
	metrics.SyncCallsUsed.Add(float64(run.CallsUsed))
	metrics.SyncCallsSaved.Add(float64(run.CallsSaved))
	metrics.SyncDuration.Observe(done.Sub(now).Seconds())

	c.publishRun(run)

	log.Info().
		Str("status", string(run.Status)).
		Int("calls_used", run.CallsUsed).
		Int("calls_saved", run.CallsSaved).
		Float64("reduction_rate", run.ReductionRate).
		Msg("Differential run finished")

	return run, nil
}

// needsFetch reports whether a date must be fetched: no entry, an
// incomplete or expired entry, or one older than its tier's interval.
// existed reports whether any entry was present at all.
func (c *Coordinator) needsFetch(p models.Partition, day time.Time, now time.Time) (stale, existed bool) {
	entry, err := c.cache.Inspect(p, models.DateKey(day))
	if err != nil {
		return true, false
	}
	if !entry.Complete || entry.Expired(now) {
		return true, true
	}
	policy := c.fresh.Policy(string(models.TierForAge(ageDays(day, now))))
	if now.Sub(entry.UpdatedAt) >= policy.Interval {
		return true, true
	}
	return false, true
}

// fetchDay retrieves one date's records under the configured per-fetch
// timeout.
func (c *Coordinator) fetchDay(ctx context.Context, p models.Partition, day time.Time) ([]models.AdRecord, error) {
	if c.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()
	}
	return c.client.FetchRange(ctx, p, models.DateRange{Start: day, End: day})
}

// storeDay caches one date's records. The TTL follows the date's
// freshness tier, so finalized days outlive volatile ones.
func (c *Coordinator) storeDay(p models.Partition, day time.Time, records []models.AdRecord, now time.Time) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal records for %s: %w", models.DateKey(day), err)
	}
	ttl := c.fresh.Policy(string(models.TierForAge(ageDays(day, now)))).Interval
	_, err = c.cache.Put(p, models.DateKey(day), payload, len(records), ttl)
	return err
}

// ensureTracked registers the partition with the freshness tracker if it
// is not tracked yet, tiered by the newest date in the range.
func (c *Coordinator) ensureTracked(p models.Partition, rng models.DateRange, now time.Time) {
	if _, err := c.tracker.Get(p); err == nil {
		return
	}
	tier := models.TierForAge(ageDays(rng.End, now))
	if _, err := c.tracker.Create(p, tier); err != nil && !errors.Is(err, freshness.ErrAlreadyExists) {
		logging.Warn().Err(err).Str("partition", p.String()).Msg("Partition registration failed")
	}
}

// reclassify moves the partition onto the tier of its newest date and
// refreshes the completeness figure from what is actually cached.
func (c *Coordinator) reclassify(p models.Partition, rng models.DateRange, now time.Time) {
	days := rng.Days()
	if len(days) == 0 {
		return
	}

	covered := 0
	var missing []models.DateRange
	var gapStart time.Time
	flush := func(before time.Time) {
		if !gapStart.IsZero() {
			missing = append(missing, models.DateRange{Start: gapStart, End: before})
			gapStart = time.Time{}
		}
	}
	for _, day := range days {
		entry, err := c.cache.Inspect(p, models.DateKey(day))
		if err == nil && entry.Complete && !entry.Expired(now) {
			covered++
			flush(day.AddDate(0, 0, -1))
			continue
		}
		if gapStart.IsZero() {
			gapStart = day
		}
	}
	flush(days[len(days)-1])

	tier := models.TierForAge(ageDays(rng.End, now))
	completeness := float64(covered) / float64(len(days))
	if _, err := c.tracker.SetTier(p, tier, completeness, missing); err != nil {
		logging.Warn().Err(err).Str("partition", p.String()).Msg("Tier reclassification failed")
	}
}

// lockPartition serializes runs per partition.
func (c *Coordinator) lockPartition(p models.Partition) func() {
	c.mu.Lock()
	l, ok := c.locks[p.String()]
	if !ok {
		l = &sync.Mutex{}
		c.locks[p.String()] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// ageDays is the whole-day distance between a data date and now, both
// truncated to UTC midnight. Today is age 0.
func ageDays(day, now time.Time) int {
	return int(models.Day(now).Sub(models.Day(day)).Hours() / 24)
}
