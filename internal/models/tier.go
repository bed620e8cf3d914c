// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package models

import "fmt"

// Tier classifies how urgently a partition's cached data needs refreshing.
// Younger data changes more (ad platforms restate recent metrics), so it
// sits in a higher-urgency tier with a shorter refresh interval.
type Tier string

const (
	// TierRealtime covers today's data.
	TierRealtime Tier = "realtime"
	// TierNearTime covers data one to two days old.
	TierNearTime Tier = "near-time"
	// TierStabilizing covers data two to three days old.
	TierStabilizing Tier = "stabilizing"
	// TierFinalized covers older data that upstream rarely restates.
	TierFinalized Tier = "finalized"
)

// Tiers lists all tiers in descending urgency order.
var Tiers = []Tier{TierRealtime, TierNearTime, TierStabilizing, TierFinalized}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierRealtime, TierNearTime, TierStabilizing, TierFinalized:
		return true
	}
	return false
}

// ParseTier converts a string into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// TierForAge classifies data by its age in whole days relative to today.
// Age 0 is today's data.
func TierForAge(ageDays int) Tier {
	switch {
	case ageDays <= 0:
		return TierRealtime
	case ageDays <= 2:
		return TierNearTime
	case ageDays <= 3:
		return TierStabilizing
	default:
		return TierFinalized
	}
}
