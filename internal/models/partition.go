// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package models

import (
	"fmt"
	"strings"
	"time"
)

// Partition identifies the unit of caching and freshness tracking:
// an account-scoped data slice (e.g. one ad account's campaign report).
type Partition struct {
	// AccountID is the upstream ad-platform account identifier.
	AccountID string `json:"account_id"`

	// Scope qualifies the data slice within the account, e.g.
	// "campaign_performance" or "shop_analytics".
	Scope string `json:"scope"`
}

// String returns the canonical "account/scope" form used in logs and keys.
func (p Partition) String() string {
	return p.AccountID + "/" + p.Scope
}

// Validate checks that both components are present and free of the
// separator characters used in storage keys.
func (p Partition) Validate() error {
	if p.AccountID == "" {
		return fmt.Errorf("partition: empty account id")
	}
	if p.Scope == "" {
		return fmt.Errorf("partition: empty scope")
	}
	if strings.ContainsAny(p.AccountID, "/:") || strings.ContainsAny(p.Scope, "/:") {
		return fmt.Errorf("partition %q: account and scope must not contain '/' or ':'", p)
	}
	return nil
}

// DateRange is an inclusive range of calendar days, normalized to UTC
// midnight. End must not precede Start.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Day truncates t to UTC midnight. All per-date bookkeeping in the sync
// core operates on values produced by Day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NewDateRange builds a normalized range from two instants.
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{Start: Day(start), End: Day(end)}
}

// Days expands the range into its individual days, oldest first.
// An inverted range yields nil.
func (r DateRange) Days() []time.Time {
	start, end := Day(r.Start), Day(r.End)
	if end.Before(start) {
		return nil
	}
	days := make([]time.Time, 0, int(end.Sub(start).Hours()/24)+1)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Len returns the number of days in the range, 0 for inverted ranges.
func (r DateRange) Len() int {
	start, end := Day(r.Start), Day(r.End)
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}

// DateKey formats a day the way storage keys and run records do.
func DateKey(t time.Time) string {
	return Day(t).Format("2006-01-02")
}
