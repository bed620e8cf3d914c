// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

// Package optimistic implements speculative local writes against the ad
// platform: a change is applied and made visible immediately, then
// reconciled with the upstream system in the background. Divergence is
// resolved by version lineage first and modification timestamps second.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/adlens/adlens/internal/logging"
	"github.com/adlens/adlens/internal/metrics"
	"github.com/adlens/adlens/internal/store"
)

var (
	// ErrNotFound is returned when no entity has the given id.
	ErrNotFound = errors.New("optimistic: entity not found")

	// ErrConflict is returned when local and remote changed independently
	// and their timestamps tie, leaving no winner to pick automatically.
	ErrConflict = errors.New("optimistic: unresolvable conflict")
)

// ReconcileTopic carries entity ids awaiting background reconciliation.
const ReconcileTopic = "optimistic.reconcile"

const keyPrefix = "opt:"

// Entity is a locally editable ad-platform object, such as a campaign's
// settings. Version counts committed writes; a speculative local write
// is exactly one version ahead of the last confirmed remote version.
type Entity struct {
	ID        string            `json:"id"`
	Version   int64             `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
	Fields    map[string]string `json:"fields"`

	// Pending marks a speculative write not yet confirmed upstream.
	Pending bool `json:"pending"`

	// Conflicted marks an entity whose last reconciliation tied; it needs
	// manual resolution and is skipped by the reconciler until rewritten.
	Conflicted bool `json:"conflicted"`
}

func (e *Entity) clone() *Entity {
	c := *e
	c.Fields = make(map[string]string, len(e.Fields))
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	return &c
}

// Remote is the upstream side of reconciliation.
type Remote interface {
	// Fetch returns the authoritative state, or ErrNotFound for an entity
	// the upstream has never seen.
	Fetch(ctx context.Context, id string) (*Entity, error)

	// Push commits a local state upstream and returns the resulting
	// authoritative state.
	Push(ctx context.Context, e *Entity) (*Entity, error)
}

// Manager owns the local entity store and the speculative write
// protocol. Writes to one entity are serialized, so a transform always
// sees the latest local state, never a stale snapshot.
type Manager struct {
	db     *badger.DB
	remote Remote

	// pub receives reconciliation tasks; nil keeps writes local-only
	// until Reconcile is called directly.
	pub message.Publisher

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	nowFn func() time.Time
}

// NewManager creates a Manager. pub may be nil in tests that drive
// reconciliation directly.
func NewManager(db *badger.DB, remote Remote, pub message.Publisher) *Manager {
	return &Manager{
		db:     db,
		remote: remote,
		pub:    pub,
		locks:  make(map[string]*sync.Mutex),
		nowFn:  time.Now,
	}
}

// Get returns the entity's current visible state, speculative or not.
func (m *Manager) Get(id string) (*Entity, error) {
	var e Entity
	err := m.db.View(func(tx *badger.Txn) error {
		return store.GetJSON(tx, entityKey(id), &e)
	})
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Apply runs transform against the entity's latest local state and makes
// the result visible immediately, before upstream confirmation. A
// transform error or panic leaves the visible state untouched. The
// entity is created on first write.
//
// At most one reconciliation task is outstanding per entity: applying on
// top of an unconfirmed write folds into the same pending speculation
// rather than queueing again.
func (m *Manager) Apply(id string, transform func(*Entity) error) (*Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("optimistic: empty entity id")
	}
	unlock := m.lockEntity(id)
	defer unlock()

	current, err := m.Get(id)
	if errors.Is(err, ErrNotFound) {
		current = &Entity{ID: id, Fields: map[string]string{}}
	} else if err != nil {
		return nil, err
	}

	next := current.clone()
	if err := runTransform(transform, next); err != nil {
		metrics.OptimisticUpdates.WithLabelValues("rejected").Inc()
		return nil, err
	}

	next.ID = id
	next.UpdatedAt = m.nowFn()
	next.Conflicted = false
	wasPending := current.Pending
	if !wasPending {
		next.Version = current.Version + 1
	}
	next.Pending = true

	if err := m.put(next); err != nil {
		return nil, err
	}
	metrics.OptimisticUpdates.WithLabelValues("applied").Inc()
	if !wasPending {
		metrics.OptimisticPending.Inc()
		m.enqueue(id)
	}
	return next, nil
}

// runTransform isolates transform panics so a throwing transform cannot
// corrupt or publish a half-applied state.
func runTransform(transform func(*Entity) error, e *Entity) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("optimistic: transform panicked: %v", r)
		}
	}()
	return transform(e)
}

// Reconcile settles one entity's speculative write against the upstream
// state:
//
//   - local exactly one version ahead of remote: the normal case, the
//     local state is pushed and confirmed;
//   - lineages diverged: the newer modification timestamp wins;
//   - timestamps tie: neither side wins, the entity is marked conflicted
//     and ErrConflict is returned.
func (m *Manager) Reconcile(ctx context.Context, id string) error {
	unlock := m.lockEntity(id)
	defer unlock()

	local, err := m.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !local.Pending || local.Conflicted {
		return nil
	}

	remote, err := m.remote.Fetch(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		remote = &Entity{ID: id}
	case err != nil:
		return fmt.Errorf("fetch remote state for %s: %w", id, err)
	}

	switch {
	case local.Version == remote.Version+1:
		return m.confirm(ctx, local, "confirmed")

	case local.UpdatedAt.After(remote.UpdatedAt):
		// Diverged, but the local edit is newer. Force it upstream.
		local.Version = remote.Version + 1
		return m.confirm(ctx, local, "resolved_local")

	case remote.UpdatedAt.After(local.UpdatedAt):
		// The remote side moved on after our speculation. Discard it.
		remote.Pending = false
		if err := m.put(remote); err != nil {
			return err
		}
		metrics.OptimisticUpdates.WithLabelValues("resolved_remote").Inc()
		metrics.OptimisticPending.Dec()
		logging.Debug().Str("entity", id).Msg("Speculative write superseded by remote")
		return nil

	default:
		local.Conflicted = true
		if err := m.put(local); err != nil {
			return err
		}
		metrics.OptimisticUpdates.WithLabelValues("conflict").Inc()
		metrics.OptimisticPending.Dec()
		return fmt.Errorf("entity %s: %w", id, ErrConflict)
	}
}

// confirm pushes the local state and stores the authoritative result.
func (m *Manager) confirm(ctx context.Context, local *Entity, outcome string) error {
	pushed, err := m.remote.Push(ctx, local)
	if err != nil {
		// The task stays pending; the reconciler retries on the next pass.
		return fmt.Errorf("push entity %s: %w", local.ID, err)
	}
	pushed.Pending = false
	pushed.Conflicted = false
	if err := m.put(pushed); err != nil {
		return err
	}
	metrics.OptimisticUpdates.WithLabelValues(outcome).Inc()
	metrics.OptimisticPending.Dec()
	return nil
}

// PendingIDs lists entities with unconfirmed speculative writes,
// conflicted ones included.
func (m *Manager) PendingIDs() ([]string, error) {
	var ids []string
	err := m.db.View(func(tx *badger.Txn) error {
		return store.ScanPrefix(tx, []byte(keyPrefix), func(key, val []byte) error {
			var e Entity
			if err := json.Unmarshal(val, &e); err != nil {
				return nil
			}
			if e.Pending || e.Conflicted {
				ids = append(ids, e.ID)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (m *Manager) put(e *Entity) error {
	return m.db.Update(func(tx *badger.Txn) error {
		return store.SetJSON(tx, entityKey(e.ID), e)
	})
}

func (m *Manager) enqueue(id string) {
	if m.pub == nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), []byte(id))
	if err := m.pub.Publish(ReconcileTopic, msg); err != nil {
		logging.Warn().Err(err).Str("entity", id).Msg("Reconciliation enqueue failed")
	}
}

func (m *Manager) lockEntity(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func entityKey(id string) []byte {
	return []byte(keyPrefix + id)
}
