// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

// Package backpressure guards upstream dependencies with a per-resource
// three-state circuit breaker and an orthogonal token-bucket rate limit.
//
// The two signals are independent: a rate-limit refusal is an expected,
// frequent outcome and never counts as a failure; only reported call
// failures move the circuit. Refusals are returned as error values
// (ErrCircuitOpen, ErrRateLimited), not raised exceptionally.
package backpressure

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/logging"
	"github.com/adlens/adlens/internal/metrics"
)

var (
	// ErrCircuitOpen is returned while a resource's circuit is open, or
	// when the single half-open trial slot is already taken.
	ErrCircuitOpen = errors.New("backpressure: circuit open")

	// ErrRateLimited is returned when the resource's call quota is
	// exhausted. It is not a failure signal.
	ErrRateLimited = errors.New("backpressure: rate limited")

	// ErrPermitResolved is returned when an outcome is reported twice
	// for the same permit.
	ErrPermitResolved = errors.New("backpressure: permit already resolved")
)

// State is the circuit breaker state of one protected resource.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Permit is a granted call slot. ReportOutcome must be called exactly
// once per permit; an unreported permit leaves the breaker's counters
// stale.
type Permit struct {
	rs       *resourceState
	trial    bool
	resolved bool
}

// Controller holds process-wide backpressure state, one entry per
// protected resource id. Safe for concurrent use.
type Controller struct {
	cfg config.BackpressureConfig

	mu        sync.Mutex
	resources map[string]*resourceState

	nowFn func() time.Time
}

// resourceState is the mutable circuit and quota state for one resource.
type resourceState struct {
	mu sync.Mutex

	id    string
	state State

	consecutiveErrors int
	totalCalls        int64
	totalFailures     int64

	backoff     time.Duration
	nextRetryAt time.Time

	inFlight         int
	halfOpenInFlight bool

	lastSuccessAt  time.Time
	stateChangedAt time.Time

	limiter *rate.Limiter
}

// New creates a Controller with the given configuration.
func New(cfg config.BackpressureConfig) *Controller {
	return &Controller{
		cfg:       cfg,
		resources: make(map[string]*resourceState),
		nowFn:     time.Now,
	}
}

// resource returns the state for a resource id, creating it lazily.
func (c *Controller) resource(id string) *resourceState {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.resources[id]
	if !ok {
		rs = &resourceState{
			id:             id,
			state:          StateClosed,
			backoff:        c.cfg.BackoffFloor,
			stateChangedAt: c.nowFn(),
			limiter:        rate.NewLimiter(rate.Limit(c.cfg.MaxRate), c.cfg.Burst),
		}
		c.resources[id] = rs
		metrics.CircuitState.WithLabelValues(id).Set(float64(StateClosed))
	}
	return rs
}

// TryAcquire requests a call permit for a resource. It refuses with
// ErrCircuitOpen while the circuit is open (and during an occupied
// half-open trial) and with ErrRateLimited when the quota is exhausted.
// Rate-limit refusals never consume the half-open trial slot.
func (c *Controller) TryAcquire(resourceID string) (*Permit, error) {
	rs := c.resource(resourceID)
	now := c.nowFn()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	switch rs.state {
	case StateOpen:
		if now.Before(rs.nextRetryAt) {
			metrics.BackpressureRejections.WithLabelValues(rs.id, "circuit_open").Inc()
			return nil, ErrCircuitOpen
		}
		rs.transition(StateHalfOpen, now)
	case StateHalfOpen:
		if rs.halfOpenInFlight {
			metrics.BackpressureRejections.WithLabelValues(rs.id, "circuit_open").Inc()
			return nil, ErrCircuitOpen
		}
	}

	// Quota check comes after the circuit check so open circuits shed
	// load without draining tokens, and before the trial slot is claimed
	// so a rate-limited attempt does not burn the half-open probe.
	if !rs.limiter.AllowN(now, 1) {
		metrics.BackpressureRejections.WithLabelValues(rs.id, "rate_limited").Inc()
		return nil, ErrRateLimited
	}

	permit := &Permit{rs: rs}
	if rs.state == StateHalfOpen {
		rs.halfOpenInFlight = true
		permit.trial = true
	}
	rs.inFlight++
	rs.totalCalls++
	return permit, nil
}

// ReportOutcome resolves a permit with the call's outcome. Success
// closes a half-open circuit and resets the failure counters and
// backoff; failure grows the backoff and can open the circuit.
func (c *Controller) ReportOutcome(p *Permit, success bool) error {
	if p == nil {
		return errors.New("backpressure: nil permit")
	}
	now := c.nowFn()
	rs := p.rs

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if p.resolved {
		return ErrPermitResolved
	}
	p.resolved = true
	rs.inFlight--
	if p.trial {
		rs.halfOpenInFlight = false
	}

	if success {
		rs.consecutiveErrors = 0
		rs.backoff = c.cfg.BackoffFloor
		rs.lastSuccessAt = now
		if rs.state != StateClosed {
			rs.transition(StateClosed, now)
		}
		metrics.BackpressurePermits.WithLabelValues(rs.id, "success").Inc()
		return nil
	}

	rs.consecutiveErrors++
	rs.totalFailures++
	metrics.BackpressurePermits.WithLabelValues(rs.id, "failure").Inc()

	switch {
	case rs.state == StateHalfOpen:
		// Failed trial: straight back to open with a longer cooldown.
		c.openCircuit(rs, now)
	case rs.state == StateClosed && rs.consecutiveErrors >= c.cfg.OpenThreshold:
		c.openCircuit(rs, now)
	}
	return nil
}

// openCircuit moves a resource to the open state, schedules the next
// retry and grows the backoff geometrically up to the cap.
// Caller holds rs.mu.
func (c *Controller) openCircuit(rs *resourceState, now time.Time) {
	rs.nextRetryAt = now.Add(rs.backoff)
	rs.transition(StateOpen, now)

	grown := time.Duration(float64(rs.backoff) * c.cfg.BackoffMultiplier)
	if grown > c.cfg.BackoffCap {
		grown = c.cfg.BackoffCap
	}
	rs.backoff = grown

	logging.Warn().
		Str("resource", rs.id).
		Int("consecutive_errors", rs.consecutiveErrors).
		Time("next_retry_at", rs.nextRetryAt).
		Msg("circuit opened")
}

// transition records a state change. Caller holds rs.mu.
func (rs *resourceState) transition(to State, now time.Time) {
	from := rs.state
	if from == to {
		return
	}
	rs.state = to
	rs.stateChangedAt = now

	metrics.CircuitState.WithLabelValues(rs.id).Set(float64(to))
	metrics.CircuitTransitions.WithLabelValues(rs.id, from.String(), to.String()).Inc()
	logging.Info().Str("resource", rs.id).Str("from", from.String()).Str("to", to.String()).Msg("circuit state transition")
}

// Snapshot is a point-in-time view of one resource's backpressure state.
type Snapshot struct {
	Resource          string        `json:"resource"`
	State             string        `json:"state"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	ErrorRate         float64       `json:"error_rate"`
	Backoff           time.Duration `json:"backoff"`
	NextRetryAt       time.Time     `json:"next_retry_at,omitempty"`
	InFlight          int           `json:"in_flight"`
	RemainingQuota    float64       `json:"remaining_quota"`
	MaxRate           float64       `json:"max_rate"`
	LastSuccessAt     time.Time     `json:"last_success_at,omitempty"`
	StateChangedAt    time.Time     `json:"state_changed_at"`
}

// Snapshots returns the current state of every known resource.
func (c *Controller) Snapshots() []Snapshot {
	c.mu.Lock()
	ids := make([]string, 0, len(c.resources))
	for id := range c.resources {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	snaps := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		snaps = append(snaps, c.SnapshotOf(id))
	}
	return snaps
}

// SnapshotOf returns the current state of one resource, creating its
// state lazily like TryAcquire would.
func (c *Controller) SnapshotOf(resourceID string) Snapshot {
	rs := c.resource(resourceID)
	now := c.nowFn()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	var errorRate float64
	if rs.totalCalls > 0 {
		errorRate = float64(rs.totalFailures) / float64(rs.totalCalls)
	}
	return Snapshot{
		Resource:          rs.id,
		State:             rs.state.String(),
		ConsecutiveErrors: rs.consecutiveErrors,
		ErrorRate:         errorRate,
		Backoff:           rs.backoff,
		NextRetryAt:       rs.nextRetryAt,
		InFlight:          rs.inFlight,
		RemainingQuota:    rs.limiter.TokensAt(now),
		MaxRate:           float64(rs.limiter.Limit()),
		LastSuccessAt:     rs.lastSuccessAt,
		StateChangedAt:    rs.stateChangedAt,
	}
}
