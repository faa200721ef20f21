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

import "time"

// Session is a governed session record.
type Session struct {
	ID        string     `json:"id" db:"id"`
	UserID    string     `json:"userId" db:"user_id"`
	KeyID     *string    `json:"keyId,omitempty" db:"key_id"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" db:"deleted_at"`
}

// Cursor is the keyset position of the last session seen.
//
// The zero Cursor starts from the oldest session.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether c is the starting cursor.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// After reports whether s sorts strictly after c.
func (c Cursor) After(s Session) bool {
	if c.IsZero() {
		return true
	}
	if s.CreatedAt.Equal(c.CreatedAt) {
		return s.ID > c.ID
	}
	return s.CreatedAt.After(c.CreatedAt)
}

// TierCounts counts sessions per tier.
type TierCounts struct {
	Free int64 `json:"free"`
	Pro  int64 `json:"pro"`
}

func (t *TierCounts) add(tier Tier) {
	if tier == TierPro {
		t.Pro++
		return
	}
	t.Free++
}

// CleanupResult summarizes one enforcement run.
//
// # Fields
//
//   - DeletedCount: Sessions soft-deleted, or that would be in a dry run.
//   - BatchesProcessed: Non-empty batches fetched.
//   - Errors: IDs of the first MaxTrackedErrors failed items.
//   - ErrorCount: Every failed item, so ErrorCount >= len(Errors).
//   - RunID: Correlates the run's log lines and span.
type CleanupResult struct {
	RunID            string     `json:"runId"`
	DeletedCount     int64      `json:"deletedCount"`
	BatchesProcessed int64      `json:"batchesProcessed"`
	UsersProcessed   int64      `json:"usersProcessed"`
	ByTier           TierCounts `json:"byTier"`
	Timestamp        time.Time  `json:"timestamp"`
	DurationMs       int64      `json:"durationMs"`
	DryRun           bool       `json:"dryRun"`
	Errors           []string   `json:"errors"`
	ErrorCount       int64      `json:"errorCount"`
}

// HasErrors returns true if any item failed.
func (r CleanupResult) HasErrors() bool {
	return r.ErrorCount > 0
}

// RetentionJobStatus is the externally visible engine state.
type RetentionJobStatus struct {
	LastRun          *time.Time     `json:"lastRun,omitempty"`
	LastResult       *CleanupResult `json:"lastResult,omitempty"`
	LastError        *string        `json:"lastError,omitempty"`
	IsRunning        bool           `json:"isRunning"`
	NextScheduledRun *time.Time     `json:"nextScheduledRun,omitempty"`
}

// PreviewSession is one expired session in a CleanupPreview.
type PreviewSession struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Tier      Tier      `json:"tier"`
	AgeDays   int       `json:"ageDays"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiredAt time.Time `json:"expiredAt"`
}

// CleanupPreview is the read-only view of what a run would delete.
type CleanupPreview struct {
	TotalCount  int64            `json:"totalCount"`
	Sessions    []PreviewSession `json:"sessions"`
	GeneratedAt time.Time        `json:"generatedAt"`
}
