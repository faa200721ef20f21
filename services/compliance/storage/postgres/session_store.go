// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianCompliance/services/compliance/retention"
)

const sessionColumns = `id, user_id, key_id, created_at, deleted_at`

// SessionStore implements retention.SessionStore over the host sessions table.
//
// Expected columns: id, user_id, key_id (nullable), created_at, deleted_at
// (nullable). An index on (user_id, created_at, id) WHERE deleted_at IS NULL
// keeps the batch query an index range scan.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a session store.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) UsersWithLiveSessions(ctx context.Context) ([]string, error) {
	var users []string
	err := s.db.conn.SelectContext(ctx, &users,
		`SELECT DISTINCT user_id FROM sessions WHERE deleted_at IS NULL ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users with sessions: %w", err)
	}
	return users, nil
}

func (s *SessionStore) ExpiredBatch(ctx context.Context, userID string, cutoff time.Time, after retention.Cursor, limit int) ([]retention.Session, error) {
	var (
		sessions []retention.Session
		err      error
	)
	if after.IsZero() {
		err = s.db.conn.SelectContext(ctx, &sessions, `SELECT `+sessionColumns+` FROM sessions
			WHERE user_id = $1 AND deleted_at IS NULL AND created_at < $2
			ORDER BY created_at, id LIMIT $3`,
			userID, cutoff, limit)
	} else {
		err = s.db.conn.SelectContext(ctx, &sessions, `SELECT `+sessionColumns+` FROM sessions
			WHERE user_id = $1 AND deleted_at IS NULL AND created_at < $2
			  AND (created_at, id) > ($3, $4)
			ORDER BY created_at, id LIMIT $5`,
			userID, cutoff, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("select expired sessions: %w", err)
	}
	for i := range sessions {
		sessions[i].CreatedAt = sessions[i].CreatedAt.UTC()
	}
	return sessions, nil
}

func (s *SessionStore) CountExpired(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM sessions
		WHERE user_id = $1 AND deleted_at IS NULL AND created_at < $2`, userID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("count expired sessions: %w", err)
	}
	return n, nil
}

func (s *SessionStore) SoftDelete(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE sessions SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, sessionID, at)
	if err != nil {
		return fmt.Errorf("soft delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete session: %w", err)
	}
	if n == 0 {
		return retention.ErrSessionNotFound
	}
	return nil
}

// TierResolver reads users.subscription_status.
//
// A missing user or NULL status resolves to the free tier.
type TierResolver struct {
	db *DB
}

// NewTierResolver creates a tier resolver.
func NewTierResolver(db *DB) *TierResolver {
	return &TierResolver{db: db}
}

func (r *TierResolver) ResolveTier(ctx context.Context, userID string) (retention.Tier, error) {
	var status sql.NullString
	err := r.db.conn.GetContext(ctx, &status, `SELECT subscription_status FROM users WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return retention.TierFree, nil
	}
	if err != nil {
		return "", fmt.Errorf("read subscription status: %w", err)
	}
	return retention.TierFromSubscriptionStatus(status.String), nil
}
