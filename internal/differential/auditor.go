// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package differential

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/adlens/adlens/internal/logging"
	"github.com/adlens/adlens/internal/models"
)

// Auditor consumes finalized run records from the event bus and writes
// them to the operational log as an audit trail. Run events are
// informational, so every message is acked; an undecodable payload is
// logged and dropped rather than redelivered.
type Auditor struct {
	sub message.Subscriber
}

// NewAuditor creates an Auditor reading from sub.
func NewAuditor(sub message.Subscriber) *Auditor {
	return &Auditor{sub: sub}
}

// Serve consumes run events until the context is canceled.
func (a *Auditor) Serve(ctx context.Context) error {
	msgs, err := a.sub.Subscribe(ctx, RunsTopic)
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
			a.record(msg)
			msg.Ack()
		}
	}
}

func (a *Auditor) record(msg *message.Message) {
	var run models.SyncRun
	if err := json.Unmarshal(msg.Payload, &run); err != nil {
		logging.Warn().Err(err).Str("message_id", msg.UUID).Msg("Run event decode failed")
		return
	}

	logging.Info().
		Str("run_id", run.ID).
		Str("partition", run.Partition.String()).
		Str("status", string(run.Status)).
		Str("trigger", string(run.Trigger)).
		Int("calls_used", run.CallsUsed).
		Int("calls_saved", run.CallsSaved).
		Float64("reduction_rate", run.ReductionRate).
		Msg("Sync run finalized")
}
