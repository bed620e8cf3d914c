// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package optimistic

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/adlens/adlens/internal/logging"
)

// Reconciler consumes reconciliation tasks from the queue and settles
// them one at a time. The queue is injected, so tests and deployments
// choose the transport.
type Reconciler struct {
	manager *Manager
	sub     message.Subscriber
}

// NewReconciler creates a Reconciler reading from sub.
func NewReconciler(manager *Manager, sub message.Subscriber) *Reconciler {
	return &Reconciler{manager: manager, sub: sub}
}

// Serve processes tasks until the context is canceled. A failed
// reconciliation is nacked so the queue redelivers it; a conflict is
// terminal and acked, since retrying cannot break the tie.
func (r *Reconciler) Serve(ctx context.Context) error {
	msgs, err := r.sub.Subscribe(ctx, ReconcileTopic)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			id := string(msg.Payload)
			err := r.manager.Reconcile(ctx, id)
			switch {
			case err == nil:
				msg.Ack()
			case errors.Is(err, ErrConflict):
				logging.Warn().Str("entity", id).Msg("Reconciliation conflict needs manual resolution")
				msg.Ack()
			default:
				logging.Error().Err(err).Str("entity", id).Msg("Reconciliation failed")
				msg.Nack()
			}
		}
	}
}
