// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

// Package models defines the shared domain types for the sync core:
// partitions (the unit of caching and freshness tracking), freshness
// tiers, date ranges, upstream ad records, and the audit types recorded
// for every differential sync run.
package models
