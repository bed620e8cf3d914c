// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package differential

import (
	"context"
	"sync"

	"github.com/adlens/adlens/internal/logging"
	"github.com/adlens/adlens/internal/models"
)

// ProcessDue runs one scheduler pass: it picks up to the configured
// limit of due partitions from the freshness tracker and syncs each
// one's tier lookback window. Partitions fan out over a bounded worker
// pool; runs for one partition stay sequential because EnsureFresh
// serializes per partition. Returns the number of runs executed.
func (c *Coordinator) ProcessDue(ctx context.Context) (int, error) {
	due, err := c.tracker.DueForUpdate(c.cfg.DueLimit)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	workers := c.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(p models.Partition, tier models.Tier) {
			defer wg.Done()
			defer func() { <-sem }()

			rng := c.lookback(tier)
			if _, err := c.EnsureFresh(ctx, p, rng, models.TriggerFreshness); err != nil {
				logging.Error().Err(err).Str("partition", p.String()).Msg("Scheduled sync failed")
			}
		}(rec.Partition, rec.Tier)
	}
	wg.Wait()

	return len(due), nil
}

// lookback is the date window a freshness-driven run covers: volatile
// tiers only revisit recent days, finalized partitions re-verify a full
// week.
func (c *Coordinator) lookback(tier models.Tier) models.DateRange {
	today := models.Day(c.nowFn())

	days := 1
	switch tier {
	case models.TierRealtime:
		days = 1
	case models.TierNearTime:
		days = 3
	case models.TierStabilizing:
		days = 4
	case models.TierFinalized:
		days = 8
	}
	return models.DateRange{Start: today.AddDate(0, 0, -(days - 1)), End: today}
}

// RetentionSweep removes finalized run records older than the configured
// retention window. A zero retention keeps records forever.
func (c *Coordinator) RetentionSweep() (int, error) {
	if c.cfg.RunRetention <= 0 {
		return 0, nil
	}
	cutoff := c.nowFn().Add(-c.cfg.RunRetention)
	n, err := c.RemoveRunsBefore(cutoff)
	if err != nil {
		return n, err
	}
	if n > 0 {
		logging.Debug().Int("removed", n).Time("cutoff", cutoff).Msg("Run records swept")
	}
	return n, nil
}
