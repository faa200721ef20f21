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
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySessionStore is an in-process SessionStore for local runs and tests.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemorySessionStore creates a store seeded with sessions.
func NewMemorySessionStore(sessions ...Session) *MemorySessionStore {
	m := &MemorySessionStore{sessions: make(map[string]*Session, len(sessions))}
	for _, s := range sessions {
		m.Add(s)
	}
	return m
}

// Add inserts or replaces a session.
func (m *MemorySessionStore) Add(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.CreatedAt = s.CreatedAt.UTC()
	m.sessions[s.ID] = &s
}

// Get returns a copy of the session with id.
func (m *MemorySessionStore) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// UsersWithLiveSessions implements SessionStore.
func (m *MemorySessionStore) UsersWithLiveSessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, s := range m.sessions {
		if s.DeletedAt == nil {
			seen[s.UserID] = struct{}{}
		}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// ExpiredBatch implements SessionStore.
func (m *MemorySessionStore) ExpiredBatch(ctx context.Context, userID string, cutoff time.Time, after Cursor, limit int) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	matches := m.expiredLocked(userID, cutoff)
	m.mu.RUnlock()

	out := make([]Session, 0, limit)
	for _, s := range matches {
		if !after.After(s) {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// CountExpired implements SessionStore.
func (m *MemorySessionStore) CountExpired(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.expiredLocked(userID, cutoff))), nil
}

// SoftDelete implements SessionStore.
func (m *MemorySessionStore) SoftDelete(ctx context.Context, sessionID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.DeletedAt != nil {
		return ErrSessionNotFound
	}
	t := at.UTC()
	s.DeletedAt = &t
	return nil
}

func (m *MemorySessionStore) expiredLocked(userID string, cutoff time.Time) []Session {
	var out []Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.DeletedAt == nil && s.CreatedAt.Before(cutoff) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// StaticTierResolver maps user IDs to tiers from a fixed table.
//
// Users absent from the table resolve to Default, or TierFree when unset.
type StaticTierResolver struct {
	Tiers   map[string]Tier
	Default Tier
}

// ResolveTier implements TierResolver.
func (r StaticTierResolver) ResolveTier(_ context.Context, userID string) (Tier, error) {
	if t, ok := r.Tiers[userID]; ok {
		return ParseTier(string(t)), nil
	}
	if r.Default != "" {
		return ParseTier(string(r.Default)), nil
	}
	return TierFree, nil
}
