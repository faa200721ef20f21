// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and development.
//
// # Thread Safety
//
// A single mutex serializes every operation, which also makes Append atomic.
type MemoryStore struct {
	mu      sync.Mutex
	entries []AuditLogEntry
	nextID  int64
	anchor  *ArchiveAnchor
}

// NewMemoryStore creates an empty store. IDs start at 1.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) Append(_ context.Context, build BuildFunc) (AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last *AuditLogEntry
	if n := len(s.entries); n > 0 {
		last = &s.entries[n-1]
	}
	entry, err := build(HeadHash(last, s.anchor))
	if err != nil {
		return AuditLogEntry{}, err
	}
	entry.ID = s.nextID
	s.nextID++
	s.entries = append(s.entries, CloneEntry(entry))
	return CloneEntry(entry), nil
}

func (s *MemoryStore) Query(_ context.Context, filter QueryFilter) ([]AuditLogEntry, error) {
	filter = filter.Normalized()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AuditLogEntry, 0, filter.Limit)
	skipped := 0
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !filter.Matches(e) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, CloneEntry(e))
		if len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Range(_ context.Context, fromID, toID int64, limit int) ([]AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].ID >= fromID })
	var out []AuditLogEntry
	for i := start; i < len(s.entries) && s.entries[i].ID <= toID; i++ {
		out = append(out, CloneEntry(s.entries[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Bounds(_ context.Context) (int64, int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return 0, 0, false, nil
	}
	return s.entries[0].ID, s.entries[len(s.entries)-1].ID, true, nil
}

func (s *MemoryStore) Predecessor(_ context.Context, id int64) (*AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].ID >= id })
	if idx == 0 {
		return nil, nil
	}
	e := CloneEntry(s.entries[idx-1])
	return &e, nil
}

func (s *MemoryStore) Anchor(_ context.Context) (*ArchiveAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.anchor == nil {
		return nil, nil
	}
	a := *s.anchor
	return &a, nil
}

func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

func (s *MemoryStore) ArchivePrefix(_ context.Context, cutoff time.Time, export ArchiveFunc) (*ArchiveAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := -1
	for i, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			end = i
		}
	}
	if end < 0 {
		return nil, nil
	}
	prefix := make([]AuditLogEntry, end+1)
	for i := 0; i <= end; i++ {
		prefix[i] = CloneEntry(s.entries[i])
	}
	var prior *ArchiveAnchor
	if s.anchor != nil {
		a := *s.anchor
		prior = &a
	}
	anchor, err := export(prefix, prior)
	if err != nil {
		return nil, err
	}
	s.entries = append([]AuditLogEntry(nil), s.entries[end+1:]...)
	s.anchor = &anchor
	out := anchor
	return &out, nil
}

func (s *MemoryStore) Close() error { return nil }
