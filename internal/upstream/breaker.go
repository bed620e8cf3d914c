// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package upstream

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/adlens/adlens/internal/logging"
	"github.com/adlens/adlens/internal/models"
)

// BreakerClient wraps a Client with a transport-level circuit breaker.
// This sits below the scheduler's backpressure controller: the
// controller budgets calls across partitions, while this breaker stops
// hammering an upstream that is failing at the HTTP level regardless of
// which partition asked.
type BreakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker[[]models.AdRecord]
	name  string
}

// NewBreakerClient wraps client with circuit breaker protection.
// Configuration: up to 3 concurrent requests in half-open state, a one
// minute measurement window, a two minute recovery timeout, and opening
// at a 60% failure rate with at least 10 observed requests.
func NewBreakerClient(client Client) *BreakerClient {
	cbName := "ad-platform-api"

	cb := gobreaker.NewCircuitBreaker[[]models.AdRecord](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("transport breaker state transition")
		},
	})

	return &BreakerClient{inner: client, cb: cb, name: cbName}
}

// FetchRange executes the wrapped fetch under circuit breaker
// protection. Rejections surface as rate-limit classified APIErrors so
// the coordinator treats them as refusals rather than data failures.
func (b *BreakerClient) FetchRange(ctx context.Context, p models.Partition, r models.DateRange) ([]models.AdRecord, error) {
	records, err := b.cb.Execute(func() ([]models.AdRecord, error) {
		return b.inner.FetchRange(ctx, p, r)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &APIError{Kind: ErrorRateLimit, Message: "transport breaker rejected request", Err: err}
		}
		return nil, err
	}
	return records, nil
}
