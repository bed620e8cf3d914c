// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

// Package metrics provides Prometheus instrumentation for the sync core:
// cache efficiency, freshness tiers, differential sync savings, circuit
// breaker state, and optimistic update outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache store metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adlens_cache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adlens_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"reason"}, // "absent", "expired"
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adlens_cache_evictions_total",
			Help: "Total number of cache entries removed by eviction sweeps",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adlens_cache_entries",
			Help: "Current number of live cache entries",
		},
	)

	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adlens_cache_payload_bytes",
			Help: "Total payload bytes held by live cache entries",
		},
	)

	// Freshness tracker metrics
	FreshnessPartitions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adlens_freshness_partitions",
			Help: "Number of tracked partitions per freshness tier",
		},
		[]string{"tier"},
	)

	FreshnessAPICalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adlens_freshness_api_calls_total",
			Help: "Total upstream API calls attributed to tracked partitions",
		},
	)

	// Differential sync metrics
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adlens_sync_runs_total",
			Help: "Total differential sync runs by terminal status",
		},
		[]string{"status", "trigger"},
	)

	SyncCallsUsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adlens_sync_calls_used_total",
			Help: "Total upstream calls spent by differential sync runs",
		},
	)

	SyncCallsSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adlens_sync_calls_saved_total",
			Help: "Total upstream calls avoided by differential sync",
		},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adlens_sync_run_duration_seconds",
			Help:    "Duration of differential sync runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Backpressure metrics
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adlens_circuit_state",
			Help: "Circuit breaker state per resource (0=closed, 1=half-open, 2=open)",
		},
		[]string{"resource"},
	)

	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adlens_circuit_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"resource", "from", "to"},
	)

	BackpressureRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adlens_backpressure_rejections_total",
			Help: "Permit requests refused by the backpressure controller",
		},
		[]string{"resource", "reason"}, // "circuit_open", "rate_limited"
	)

	BackpressurePermits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adlens_backpressure_permits_total",
			Help: "Permit outcomes reported to the backpressure controller",
		},
		[]string{"resource", "outcome"}, // "success", "failure"
	)

	// Optimistic sync metrics
	OptimisticUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adlens_optimistic_updates_total",
			Help: "Optimistic update resolutions",
		},
		[]string{"outcome"}, // "committed", "rolled_back", "conflict"
	)

	OptimisticPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adlens_optimistic_pending",
			Help: "Optimistic updates currently awaiting reconciliation",
		},
	)

	// API endpoint metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adlens_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adlens_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)
