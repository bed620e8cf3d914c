// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package models

import "time"

// AdRecord is one day of advertising performance metrics for a partition,
// as returned by the upstream ad-platform API. The sync core treats the
// metric fields as opaque payload; only Date participates in scheduling.
type AdRecord struct {
	Date        time.Time `json:"date"`
	CampaignID  string    `json:"campaign_id,omitempty"`
	Impressions int64     `json:"impressions"`
	Clicks      int64     `json:"clicks"`
	CostMicros  int64     `json:"cost_micros"`
	Conversions float64   `json:"conversions"`
	Revenue     float64   `json:"revenue,omitempty"`
}

// RunStatus is the lifecycle state of a differential sync run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial"
)

// TriggerSource records what initiated a sync run.
type TriggerSource string

const (
	TriggerManual    TriggerSource = "manual"
	TriggerScheduled TriggerSource = "scheduled"
	TriggerFreshness TriggerSource = "freshness-driven"
	TriggerAdHoc     TriggerSource = "ad hoc"
)

// SyncRun is the append-only audit record of one differential update run.
// TargetDates is what should have been refreshed, UpdatedDates what was.
type SyncRun struct {
	ID        string        `json:"id"`
	Partition Partition     `json:"partition"`
	Trigger   TriggerSource `json:"trigger"`
	Status    RunStatus     `json:"status"`

	// Range is the full requested date range; TargetDates is the stale
	// subset the planner decided to fetch.
	Range        DateRange `json:"range"`
	TargetDates  []string  `json:"target_dates"`
	UpdatedDates []string  `json:"updated_dates"`

	CallsUsed     int     `json:"calls_used"`
	CallsSaved    int     `json:"calls_saved"`
	ReductionRate float64 `json:"reduction_rate"`

	RecordsAdded   int `json:"records_added"`
	RecordsUpdated int `json:"records_updated"`
	RecordsDeleted int `json:"records_deleted"`
	RecordsTotal   int `json:"records_total"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error holds the message that aborted the run, if any.
	Error string `json:"error,omitempty"`
}

// Finalized reports whether the run has reached a terminal status.
func (r *SyncRun) Finalized() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunPartial:
		return true
	}
	return false
}
