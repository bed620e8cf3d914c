// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

// Package config loads and validates the Adlens configuration using
// koanf v2 with layered sources: struct defaults, an optional YAML file,
// and environment variables (highest priority).
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the Adlens server.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Store        StoreConfig        `koanf:"store"`
	Cache        CacheConfig        `koanf:"cache"`
	Freshness    FreshnessConfig    `koanf:"freshness"`
	Sync         SyncConfig         `koanf:"sync"`
	Backpressure BackpressureConfig `koanf:"backpressure"`
	Upstream     UpstreamConfig     `koanf:"upstream"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// RateLimitReqs/RateLimitWindow bound inbound API requests per client IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	// CORSOrigins lists the dashboard origins allowed to call the API.
	// Empty means no cross-origin access; wildcards must be configured
	// explicitly.
	CORSOrigins []string `koanf:"cors_origins"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// StoreConfig configures the BadgerDB record store.
type StoreConfig struct {
	Path string `koanf:"path"`

	// InMemory runs Badger without disk persistence. Used by tests and
	// ephemeral deployments.
	InMemory bool `koanf:"in_memory"`

	// SyncWrites forces fsync on every write. Slower, fully durable.
	SyncWrites bool `koanf:"sync_writes"`
}

// CacheConfig configures the cache entry store.
type CacheConfig struct {
	// DefaultTTL applies when a caller does not pass an explicit TTL.
	DefaultTTL time.Duration `koanf:"default_ttl"`

	// SweepInterval is how often the eviction sweep removes expired entries.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// Compress enables payload compression for entries above CompressMin.
	Compress    bool `koanf:"compress"`
	CompressMin int  `koanf:"compress_min"`
}

// TierPolicy is the refresh cadence and scheduling weight for one
// freshness tier. Operators retune cadence here, not in code.
type TierPolicy struct {
	Interval time.Duration `koanf:"interval"`
	Priority int           `koanf:"priority"`
}

// FreshnessConfig maps each tier to its policy.
type FreshnessConfig struct {
	Realtime    TierPolicy `koanf:"realtime"`
	NearTime    TierPolicy `koanf:"near_time"`
	Stabilizing TierPolicy `koanf:"stabilizing"`
	Finalized   TierPolicy `koanf:"finalized"`
}

// SyncConfig configures the differential sync coordinator and its
// background services.
type SyncConfig struct {
	// Interval is the scheduler cadence for processing due partitions.
	Interval time.Duration `koanf:"interval"`

	// Workers bounds how many partitions sync concurrently.
	Workers int `koanf:"workers"`

	// DueLimit caps how many due partitions one scheduler pass picks up.
	DueLimit int `koanf:"due_limit"`

	// CallsPerDay is the assumed upstream call cost of one day's data in a
	// full, non-differential sync. It is the baseline for the calls-saved
	// accounting, an estimate rather than a measured quantity.
	CallsPerDay int `koanf:"calls_per_day"`

	// FetchTimeout bounds a single upstream fetch.
	FetchTimeout time.Duration `koanf:"fetch_timeout"`

	// RunRetention is how long finalized run records are kept before the
	// retention sweep purges them.
	RunRetention   time.Duration `koanf:"run_retention"`
	RetentionSweep time.Duration `koanf:"retention_sweep"`
}

// BackpressureConfig configures the circuit breaker and rate limiter
// guarding upstream calls.
type BackpressureConfig struct {
	// OpenThreshold is the consecutive-failure count that opens the circuit.
	OpenThreshold int `koanf:"open_threshold"`

	// BackoffFloor/BackoffCap bound the open-state cooldown; the cooldown
	// grows geometrically by BackoffMultiplier on repeated failures and
	// resets to the floor on any success.
	BackoffFloor      time.Duration `koanf:"backoff_floor"`
	BackoffCap        time.Duration `koanf:"backoff_cap"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`

	// MaxRate is the sustained upstream calls per second; Burst is the
	// token-bucket depth.
	MaxRate float64 `koanf:"max_rate"`
	Burst   int     `koanf:"burst"`
}

// UpstreamConfig configures the ad-platform API client.
type UpstreamConfig struct {
	URL string `koanf:"url"`

	// APIKey authorizes requests. Prefer the UPSTREAM_API_KEY env var
	// over the config file.
	APIKey string `koanf:"api_key"`

	Timeout time.Duration `koanf:"timeout"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3858,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Path:       "/data/adlens",
			SyncWrites: true,
		},
		Cache: CacheConfig{
			DefaultTTL:    24 * time.Hour,
			SweepInterval: 15 * time.Minute,
			Compress:      false,
			CompressMin:   4096,
		},
		Freshness: FreshnessConfig{
			Realtime:    TierPolicy{Interval: 2 * time.Hour, Priority: 100},
			NearTime:    TierPolicy{Interval: 6 * time.Hour, Priority: 75},
			Stabilizing: TierPolicy{Interval: 24 * time.Hour, Priority: 50},
			Finalized:   TierPolicy{Interval: 7 * 24 * time.Hour, Priority: 10},
		},
		Sync: SyncConfig{
			Interval:       5 * time.Minute,
			Workers:        4,
			DueLimit:       50,
			CallsPerDay:    1,
			FetchTimeout:   30 * time.Second,
			RunRetention:   30 * 24 * time.Hour,
			RetentionSweep: 24 * time.Hour,
		},
		Backpressure: BackpressureConfig{
			OpenThreshold:     5,
			BackoffFloor:      30 * time.Second,
			BackoffCap:        30 * time.Minute,
			BackoffMultiplier: 2.0,
			MaxRate:           5,
			Burst:             10,
		},
		Upstream: UpstreamConfig{
			URL:     "",
			Timeout: 30 * time.Second,
		},
	}
}

// Policy returns the configured policy for a tier name. Unknown names
// fall back to the finalized policy, the least urgent.
func (f FreshnessConfig) Policy(tier string) TierPolicy {
	switch tier {
	case "realtime":
		return f.Realtime
	case "near-time":
		return f.NearTime
	case "stabilizing":
		return f.Stabilizing
	default:
		return f.Finalized
	}
}

// Validate checks the configuration for inconsistencies that would
// misbehave at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("store.path is required unless store.in_memory is set")
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}
	for _, p := range []struct {
		name string
		TierPolicy
	}{
		{"freshness.realtime", c.Freshness.Realtime},
		{"freshness.near_time", c.Freshness.NearTime},
		{"freshness.stabilizing", c.Freshness.Stabilizing},
		{"freshness.finalized", c.Freshness.Finalized},
	} {
		if p.Interval <= 0 {
			return fmt.Errorf("%s.interval must be positive", p.name)
		}
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1")
	}
	if c.Sync.CallsPerDay < 1 {
		return fmt.Errorf("sync.calls_per_day must be at least 1")
	}
	if c.Backpressure.OpenThreshold < 1 {
		return fmt.Errorf("backpressure.open_threshold must be at least 1")
	}
	if c.Backpressure.BackoffMultiplier < 1 {
		return fmt.Errorf("backpressure.backoff_multiplier must be >= 1")
	}
	if c.Backpressure.BackoffFloor <= 0 || c.Backpressure.BackoffCap < c.Backpressure.BackoffFloor {
		return fmt.Errorf("backpressure backoff floor/cap misconfigured")
	}
	if c.Backpressure.MaxRate <= 0 {
		return fmt.Errorf("backpressure.max_rate must be positive")
	}
	return nil
}
