// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adlens/adlens/internal/config"
)

// NewRouter builds the HTTP routing tree.
func NewRouter(cfg config.ServerConfig, h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(requestLogging)
	r.Use(chimiddleware.Recoverer)
	// go-chi/cors treats an empty origin list as allow-all, so the
	// middleware is only mounted when origins are configured.
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
			MaxAge:         86400,
		}))
	}

	limit, window := cfg.RateLimitReqs, cfg.RateLimitWindow
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(limit, window))

		r.Route("/partitions/{accountID}/{scope}", func(r chi.Router) {
			r.Get("/cached", h.Cached)
			r.Post("/sync", h.Sync)
		})

		r.Get("/runs", h.Runs)
		r.Get("/runs/{id}", h.Run)
		r.Get("/stats", h.Stats)

		r.Get("/entities/{id}", h.Entity)
		r.Put("/entities/{id}", h.UpdateEntity)
	})

	return r
}
