// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

// Package main is the entry point for the Adlens server.
//
// Adlens aggregates advertising performance data from a rate-limited
// ad-platform API into a local store. The server initializes, in order:
// configuration (Koanf v2), logging (zerolog), the BadgerDB record
// store, the sync core (cache, freshness tracker, backpressure
// controller, differential coordinator, optimistic manager), and the
// HTTP API. Everything long-running is supervised by a Suture tree and
// shuts down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/adlens/adlens/internal/api"
	"github.com/adlens/adlens/internal/backpressure"
	"github.com/adlens/adlens/internal/cachestore"
	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/differential"
	"github.com/adlens/adlens/internal/freshness"
	"github.com/adlens/adlens/internal/logging"
	"github.com/adlens/adlens/internal/optimistic"
	"github.com/adlens/adlens/internal/store"
	"github.com/adlens/adlens/internal/supervisor"
	"github.com/adlens/adlens/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("store_path", cfg.Store.Path).
		Str("upstream_url", cfg.Upstream.URL).
		Int("port", cfg.Server.Port).
		Msg("Starting Adlens")

	db, err := store.Open(store.Options{
		Path:       cfg.Store.Path,
		InMemory:   cfg.Store.InMemory,
		SyncWrites: cfg.Store.SyncWrites,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open record store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing record store")
		}
	}()

	// Sync core.
	cache := cachestore.New(db, cfg.Cache)
	tracker := freshness.New(db, cfg.Freshness)
	guard := backpressure.New(cfg.Backpressure)
	client := upstream.NewBreakerClient(upstream.NewHTTPClient(cfg.Upstream, nil))

	// Reconciliation tasks are published before the reconciler
	// subscribes, so that bus must be persistent. Run events are
	// consumed live; a persistent bus would retain every record for the
	// process lifetime, so they get their own non-persistent bus.
	reconcileBus := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
		Persistent:          true,
	}, watermill.NopLogger{})
	defer func() { _ = reconcileBus.Close() }()
	runsBus := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, watermill.NopLogger{})
	defer func() { _ = runsBus.Close() }()

	coord := differential.New(db, cache, tracker, guard, client, cfg.Sync, cfg.Freshness, runsBus)
	auditor := differential.NewAuditor(runsBus)
	manager := optimistic.NewManager(db, optimistic.NewHTTPRemote(cfg.Upstream), reconcileBus)
	reconciler := optimistic.NewReconciler(manager, reconcileBus)

	handler := api.NewHandler(cache, tracker, guard, coord, manager)
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.NewRouter(cfg.Server, handler),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(slog.Default(), supervisor.DefaultTreeConfig())

	tree.AddSyncService(supervisor.NewPeriodicService("scheduler", cfg.Sync.Interval, false,
		func(ctx context.Context) error {
			_, err := coord.ProcessDue(ctx)
			return err
		}))
	tree.AddSyncService(supervisor.NewPeriodicService("cache-sweep", cfg.Cache.SweepInterval, false,
		func(ctx context.Context) error {
			_, err := cache.RemoveExpired("")
			return err
		}))
	tree.AddSyncService(supervisor.NewPeriodicService("run-retention", cfg.Sync.RetentionSweep, false,
		func(ctx context.Context) error {
			_, err := coord.RetentionSweep()
			return err
		}))
	tree.AddSyncService(auditor)
	tree.AddSyncService(reconciler)
	tree.AddAPIService(supervisor.NewHTTPService(srv, 10*time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", srv.Addr).Msg("Supervisor tree starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree exited")
	}
	logging.Info().Msg("Shutdown complete")
}
