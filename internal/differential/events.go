// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package differential

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/adlens/adlens/internal/logging"
	"github.com/adlens/adlens/internal/models"
)

// publishRun emits the finalized run record on the event bus.
// Publication is best-effort; a failure never affects the run outcome.
func (c *Coordinator) publishRun(run *models.SyncRun) {
	if c.pub == nil {
		return
	}

	payload, err := json.Marshal(run)
	if err != nil {
		logging.Warn().Err(err).Str("run_id", run.ID).Msg("Run event marshal failed")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("partition", run.Partition.String())
	msg.Metadata.Set("status", string(run.Status))
	if err := c.pub.Publish(RunsTopic, msg); err != nil {
		logging.Warn().Err(err).Str("run_id", run.ID).Msg("Run event publish failed")
	}
}
