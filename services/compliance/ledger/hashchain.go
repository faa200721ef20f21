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
	"crypto/sha256"
	"fmt"
	"time"
)

// TimestampLayout is the ISO-8601 form of CreatedAt inside the hash payload.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// TruncateTimestamp drops precision the payload cannot carry.
//
// Entries are created with a truncated CreatedAt so the value read back
// from any store formats to the same payload string.
func TruncateTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// ComputeHash derives the event hash of an entry.
//
// # Description
//
// Builds the payload object (prevHash as hex, actorUserId, teamId,
// action, resourceType, resourceId, ipAddress, userAgent, canonical
// metadata string, timestamp), serializes it with sorted keys and
// digests the UTF-8 bytes with SHA-256. Absent optional fields encode as
// JSON null, never as an empty string.
//
// # Inputs
//
//   - ev: Hashed event content.
//   - prevHash: EventHash of the predecessor, or Genesis.
//   - ts: Creation time; only millisecond precision is significant.
//
// # Outputs
//
//   - Hash: The digest.
//   - error: Non-nil only if metadata cannot be canonicalized.
//
// # Thread Safety
//
// Pure function; safe for concurrent use.
func ComputeHash(ev Event, prevHash Hash, ts time.Time) (Hash, error) {
	metadata, err := Canonicalize(ev.Metadata)
	if err != nil {
		return Hash{}, err
	}
	payload := map[string]any{
		"prevHash":     prevHash.String(),
		"actorUserId":  ev.ActorUserID,
		"teamId":       nullable(ev.TeamID),
		"action":       ev.Action,
		"resourceType": ev.ResourceType,
		"resourceId":   nullable(ev.ResourceID),
		"ipAddress":    nullable(ev.IPAddress),
		"userAgent":    nullable(ev.UserAgent),
		"metadata":     metadata,
		"timestamp":    FormatTimestamp(ts),
	}
	encoded, err := encodeCanonical(payload)
	if err != nil {
		return Hash{}, fmt.Errorf("encode hash payload: %w", err)
	}
	return sha256.Sum256([]byte(encoded)), nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// Verify recomputes entry's hash against prevHash.
//
// Returns true only when the recomputed digest equals entry.EventHash.
// Every stored field participates, so altering ip, user agent or a single
// metadata key is detected.
func Verify(entry AuditLogEntry, prevHash Hash) bool {
	computed, err := ComputeHash(entry.Event(), prevHash, entry.CreatedAt)
	if err != nil {
		return false
	}
	return computed == entry.EventHash
}

// VerifyRange checks a run of entries ordered by ascending ID.
//
// # Description
//
// The first entry must link to expectedPrev (Genesis for a full-chain
// check, the predecessor's hash or the archive anchor otherwise). Each
// following entry must link to the one before it. Checking stops at the
// first break; the result names the entry, the hash that was expected and
// the hash that was found.
func VerifyRange(entries []AuditLogEntry, expectedPrev Hash) VerificationResult {
	v := newChainVerifier(expectedPrev)
	v.feed(entries)
	return v.result()
}

// chainVerifier carries link state across pages of entries.
type chainVerifier struct {
	carried Hash
	res     VerificationResult
	started bool
	broken  bool
}

func newChainVerifier(expectedPrev Hash) *chainVerifier {
	return &chainVerifier{carried: expectedPrev, res: VerificationResult{Valid: true}}
}

// feed verifies the next page. Returns false once the chain is broken.
func (v *chainVerifier) feed(entries []AuditLogEntry) bool {
	for i := range entries {
		if v.broken {
			return false
		}
		e := entries[i]
		if !v.started {
			v.res.StartID = e.ID
			v.started = true
		}
		v.res.EndID = e.ID

		if e.PrevHash != v.carried {
			v.fail(e.ID, v.carried, e.PrevHash, "prev hash does not match predecessor")
			return false
		}
		computed, err := ComputeHash(e.Event(), e.PrevHash, e.CreatedAt)
		if err != nil {
			v.fail(e.ID, e.EventHash, e.EventHash, err.Error())
			return false
		}
		if computed != e.EventHash {
			v.fail(e.ID, computed, e.EventHash, "event hash does not match content")
			return false
		}
		v.carried = e.EventHash
		v.res.EntriesVerified++
	}
	return !v.broken
}

func (v *chainVerifier) fail(id int64, expected, actual Hash, reason string) {
	v.broken = true
	v.res.Valid = false
	v.res.BrokenAt = &id
	v.res.ExpectedHash = &expected
	v.res.ActualHash = &actual
	msg := fmt.Sprintf("chain broken at entry %d: %s", id, reason)
	v.res.Error = &msg
}

func (v *chainVerifier) result() VerificationResult {
	return v.res
}
