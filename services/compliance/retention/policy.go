// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retention

import (
	"strings"
	"time"
)

// Tier is a subscription level that determines a retention window.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Retention windows in days.
const (
	FreeRetentionDays = 30
	ProRetentionDays  = 365
)

// RetentionDays returns the retention window for tier.
//
// Anything other than TierPro gets the free window.
func RetentionDays(tier Tier) int {
	if tier == TierPro {
		return ProRetentionDays
	}
	return FreeRetentionDays
}

// RetentionWindow returns RetentionDays as a duration of whole days.
func RetentionWindow(tier Tier) time.Duration {
	return time.Duration(RetentionDays(tier)) * 24 * time.Hour
}

// Cutoff returns the instant before which sessions of tier are expired.
//
// A session is expired when CreatedAt < Cutoff(now, tier).
func Cutoff(now time.Time, tier Tier) time.Time {
	return now.Add(-RetentionWindow(tier))
}

// ParseTier normalizes a tier name; unknown values map to TierFree.
func ParseTier(s string) Tier {
	if Tier(strings.ToLower(strings.TrimSpace(s))) == TierPro {
		return TierPro
	}
	return TierFree
}

// TierFromSubscriptionStatus maps a billing subscription status to a tier.
//
// # Description
//
// Only an active or trialing subscription grants pro retention. Every other
// status (past_due, canceled, unpaid, incomplete, none, or anything
// unrecognized) resolves to free.
func TierFromSubscriptionStatus(status string) Tier {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return TierPro
	default:
		return TierFree
	}
}

// ageDays is the number of whole days between createdAt and now.
func ageDays(now, createdAt time.Time) int {
	d := now.Sub(createdAt)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}
