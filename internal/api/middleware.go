// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/adlens/adlens/internal/logging"
	"github.com/adlens/adlens/internal/metrics"
)

// requestLogging logs each request once finished and feeds the request
// metrics. Health and metrics probes log at debug to keep the noise
// down.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		// The route pattern keeps metric cardinality bounded; raw paths
		// would mint one series per partition.
		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}

		metrics.APIRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method, endpoint).Observe(elapsed.Seconds())

		evt := logging.Info()
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			evt = logging.Debug()
		}
		evt.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("elapsed", elapsed).
			Str("remote", r.RemoteAddr).
			Msg("Request handled")
	})
}
