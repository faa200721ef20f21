// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retention enforces per-tier retention limits on stored sessions.
//
// # Description
//
// The Engine walks every user that owns live sessions, computes the tier
// cutoff, soft-deletes expired sessions in bounded batches and records each
// deletion in the audit ledger. The Scheduler fires the Engine once a day at
// a configured UTC time.
//
// # Thread Safety
//
// At most one cleanup runs at a time per Engine. A second call while one is
// in flight fails immediately with ErrAlreadyRunning.
package retention

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/AleutianCompliance/services/compliance/ledger"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrAlreadyRunning is returned when a cleanup is already in flight.
	ErrAlreadyRunning = errors.New("retention cleanup already running")

	// ErrSessionNotFound is returned by SoftDelete when no live session
	// with the given ID exists.
	ErrSessionNotFound = errors.New("session not found or already deleted")
)

// =============================================================================
// Collaborators
// =============================================================================

// SessionStore is the storage contract for governed sessions.
//
// # Description
//
// ExpiredBatch pages with a keyset cursor on (CreatedAt, ID) so a session
// that was skipped (dry run) or failed to delete is never returned twice in
// one walk.
type SessionStore interface {
	// UsersWithLiveSessions returns the distinct owners of at least one
	// session whose DeletedAt is nil.
	UsersWithLiveSessions(ctx context.Context) ([]string, error)

	// ExpiredBatch returns up to limit live sessions of userID created
	// before cutoff and strictly after the cursor, oldest first.
	ExpiredBatch(ctx context.Context, userID string, cutoff time.Time, after Cursor, limit int) ([]Session, error)

	// CountExpired counts live sessions of userID created before cutoff.
	CountExpired(ctx context.Context, userID string, cutoff time.Time) (int64, error)

	// SoftDelete sets DeletedAt on a live session. Returns
	// ErrSessionNotFound if the session is absent or already deleted.
	SoftDelete(ctx context.Context, sessionID string, at time.Time) error
}

// TierResolver is the billing capability consumed by the engine.
type TierResolver interface {
	ResolveTier(ctx context.Context, userID string) (Tier, error)
}

// TierResolverFunc adapts a function to TierResolver.
type TierResolverFunc func(ctx context.Context, userID string) (Tier, error)

// ResolveTier calls f.
func (f TierResolverFunc) ResolveTier(ctx context.Context, userID string) (Tier, error) {
	return f(ctx, userID)
}

// AuditLogger appends audit entries. *ledger.Ledger satisfies it.
type AuditLogger interface {
	Log(ctx context.Context, ev ledger.Event) (ledger.AuditLogEntry, error)
}
