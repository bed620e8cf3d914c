// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/adlens/adlens/internal/backpressure"
	"github.com/adlens/adlens/internal/cachestore"
	"github.com/adlens/adlens/internal/differential"
	"github.com/adlens/adlens/internal/freshness"
	"github.com/adlens/adlens/internal/models"
	"github.com/adlens/adlens/internal/optimistic"
)

// Handler wires the HTTP surface to the sync core.
type Handler struct {
	cache   *cachestore.Store
	tracker *freshness.Tracker
	guard   *backpressure.Controller
	coord   *differential.Coordinator
	manager *optimistic.Manager
}

// NewHandler creates a Handler over the given components.
func NewHandler(cache *cachestore.Store, tracker *freshness.Tracker,
	guard *backpressure.Controller, coord *differential.Coordinator,
	manager *optimistic.Manager,
) *Handler {
	return &Handler{
		cache:   cache,
		tracker: tracker,
		guard:   guard,
		coord:   coord,
		manager: manager,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// cachedEntry is the wire shape of one cached date.
type cachedEntry struct {
	Date        string          `json:"date"`
	Records     json.RawMessage `json:"records"`
	RecordCount int             `json:"record_count"`
	Complete    bool            `json:"complete"`
	Stale       bool            `json:"stale"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Cached returns whatever is cached for a partition without blocking on
// the upstream. Stale or expired entries are returned with a stale
// marker so the caller can show last-known data and decide whether to
// trigger a sync.
func (h *Handler) Cached(w http.ResponseWriter, r *http.Request) {
	p, ok := partitionFrom(w, r)
	if !ok {
		return
	}

	entries, err := h.cache.List(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cache_read_failed", err.Error())
		return
	}

	now := time.Now()
	stale := false
	out := make([]cachedEntry, 0, len(entries))
	for _, e := range entries {
		expired := e.Expired(now)
		if expired || !e.Complete {
			stale = true
		}
		out = append(out, cachedEntry{
			Date:        e.Qualifier,
			Records:     json.RawMessage(e.Payload),
			RecordCount: e.RecordCount,
			Complete:    e.Complete,
			Stale:       expired,
			UpdatedAt:   e.UpdatedAt,
			ExpiresAt:   e.ExpiresAt,
		})
	}

	// A partition past its next scheduled update is stale even when every
	// entry is individually live.
	if rec, err := h.tracker.Get(p); err == nil && !rec.NextUpdateDue.After(now) {
		stale = true
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"partition": p,
		"stale":     stale,
		"entries":   out,
	})
}

// Sync runs an on-demand differential sync for a partition's range and
// returns the finished run record.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	p, ok := partitionFrom(w, r)
	if !ok {
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if !validateRequest(w, &req) {
		return
	}
	rng, err := parseRange(req.StartDate, req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_range", err.Error())
		return
	}
	if rng.End.Before(rng.Start) {
		writeError(w, http.StatusBadRequest, "invalid_range", "end_date precedes start_date")
		return
	}

	run, err := h.coord.EnsureFresh(r.Context(), p, rng, models.TriggerManual)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sync_failed", err.Error())
		return
	}

	status := http.StatusOK
	if run.Status == models.RunFailed {
		status = http.StatusBadGateway
	}
	writeData(w, status, run)
}

// Runs lists recent sync runs, newest first.
func (h *Handler) Runs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "limit must be an integer")
			return
		}
		limit = n
	}
	if !validateRequest(w, &runsQuery{Limit: limit}) {
		return
	}

	var filter *models.Partition
	if acct := r.URL.Query().Get("account_id"); acct != "" {
		p := models.Partition{AccountID: acct, Scope: r.URL.Query().Get("scope")}
		if err := p.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_partition", err.Error())
			return
		}
		filter = &p
	}

	runs, err := h.coord.ListRuns(filter, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "runs_read_failed", err.Error())
		return
	}
	writeData(w, http.StatusOK, runs)
}

// Run returns one sync run by id.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	run, err := h.coord.GetRun(chi.URLParam(r, "id"))
	if errors.Is(err, differential.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run_not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "runs_read_failed", err.Error())
		return
	}
	writeData(w, http.StatusOK, run)
}

// Stats aggregates the operational state of the whole sync core.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	cacheStats, err := h.cache.Stats(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats_failed", err.Error())
		return
	}
	tiers, err := h.tracker.TierCounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats_failed", err.Error())
		return
	}
	pending, err := h.manager.PendingIDs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats_failed", err.Error())
		return
	}
	recent, err := h.coord.ListRuns(nil, 10)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats_failed", err.Error())
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"cache":              cacheStats,
		"tiers":              tiers,
		"backpressure":       h.guard.Snapshots(),
		"recent_runs":        recent,
		"pending_optimistic": len(pending),
	})
}

// Entity returns an optimistic entity's current visible state.
func (h *Handler) Entity(w http.ResponseWriter, r *http.Request) {
	e, err := h.manager.Get(chi.URLParam(r, "id"))
	if errors.Is(err, optimistic.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entity_not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "entity_read_failed", err.Error())
		return
	}
	writeData(w, http.StatusOK, e)
}

// UpdateEntity applies an optimistic update to an entity's fields. The
// new state is visible immediately and reconciled upstream in the
// background.
func (h *Handler) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req entityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if !validateRequest(w, &req) {
		return
	}

	e, err := h.manager.Apply(id, func(e *optimistic.Entity) error {
		for k, v := range req.Fields {
			e.Fields[k] = v
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "update_failed", err.Error())
		return
	}
	writeData(w, http.StatusAccepted, e)
}

// partitionFrom extracts and validates the partition path parameters.
func partitionFrom(w http.ResponseWriter, r *http.Request) (models.Partition, bool) {
	p := models.Partition{
		AccountID: chi.URLParam(r, "accountID"),
		Scope:     chi.URLParam(r, "scope"),
	}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_partition", err.Error())
		return models.Partition{}, false
	}
	return p, true
}

// parseRange parses start/end date strings into a normalized range.
func parseRange(start, end string) (models.DateRange, error) {
	s, err := time.Parse("2006-01-02", start)
	if err != nil {
		return models.DateRange{}, err
	}
	e, err := time.Parse("2006-01-02", end)
	if err != nil {
		return models.DateRange{}, err
	}
	return models.DateRange{Start: s, End: e}, nil
}
