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
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrChainBroken marks an integrity violation. Use errors.As with
	// *ChainBrokenError to obtain the break point.
	ErrChainBroken = errors.New("audit chain broken")

	// ErrArchiveFailed marks an archival attempt that left the ledger unchanged.
	ErrArchiveFailed = errors.New("audit archive failed")

	// ErrNoArchiveSink is returned by ArchiveBefore when no sink is configured.
	ErrNoArchiveSink = errors.New("no archive sink configured")
)

// ChainBrokenError carries the verification result of a failed check.
type ChainBrokenError struct {
	Result VerificationResult
}

func (e *ChainBrokenError) Error() string {
	if e.Result.BrokenAt != nil {
		return fmt.Sprintf("%s at entry %d", ErrChainBroken, *e.Result.BrokenAt)
	}
	return ErrChainBroken.Error()
}

func (e *ChainBrokenError) Unwrap() error { return ErrChainBroken }

// =============================================================================
// Store contract
// =============================================================================

// BuildFunc constructs the next entry given the current chain head.
//
// The store calls it while holding its append lock; head is the hash of the
// last live entry, else the archive anchor, else Genesis. The returned
// entry's ID is assigned by the store.
type BuildFunc func(head Hash) (AuditLogEntry, error)

// ArchiveFunc exports a prefix of the live chain.
//
// It receives the entries to be removed (ascending ID) and the anchor they
// currently link to, and returns the anchor to record. Returning an error
// aborts the archive and leaves the store unchanged.
type ArchiveFunc func(entries []AuditLogEntry, prior *ArchiveAnchor) (ArchiveAnchor, error)

// Store persists the ledger.
//
// # Description
//
// Implementations must make Append atomic with respect to other Append and
// ArchivePrefix calls: reading the head hash and inserting the new entry are
// one unit, so two appends can never link to the same predecessor.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append reads the head, calls build, and inserts the result.
	Append(ctx context.Context, build BuildFunc) (AuditLogEntry, error)

	// Query returns entries matching filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]AuditLogEntry, error)

	// Range returns up to limit entries with fromID <= ID <= toID, ascending.
	Range(ctx context.Context, fromID, toID int64, limit int) ([]AuditLogEntry, error)

	// Bounds returns the first and last live IDs; ok is false when empty.
	Bounds(ctx context.Context) (first, last int64, ok bool, err error)

	// Predecessor returns the live entry with the greatest ID below id.
	Predecessor(ctx context.Context, id int64) (*AuditLogEntry, error)

	// Anchor returns the most recent archive anchor, if any.
	Anchor(ctx context.Context) (*ArchiveAnchor, error)

	// Count returns the number of live entries.
	Count(ctx context.Context) (int64, error)

	// ArchivePrefix removes the live entries created before the cutoff.
	//
	// The selection is the contiguous run from the first live entry up to
	// the highest ID created before cutoff. export runs under the append
	// lock; the removal and the new anchor commit together or not at all.
	// Returns nil with no error when nothing qualifies.
	ArchivePrefix(ctx context.Context, cutoff time.Time, export ArchiveFunc) (*ArchiveAnchor, error)

	// Close releases resources.
	Close() error
}

// HeadHash resolves the predecessor hash for the next append.
func HeadHash(last *AuditLogEntry, anchor *ArchiveAnchor) Hash {
	if last != nil {
		return last.EventHash
	}
	if anchor != nil {
		return anchor.AnchorHash
	}
	return Genesis
}

// CloneEntry deep-copies the pointer and map fields of e.
func CloneEntry(e AuditLogEntry) AuditLogEntry {
	e.TeamID = cloneString(e.TeamID)
	e.ResourceID = cloneString(e.ResourceID)
	e.IPAddress = cloneString(e.IPAddress)
	e.UserAgent = cloneString(e.UserAgent)
	e.Metadata = cloneMap(e.Metadata)
	return e
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
