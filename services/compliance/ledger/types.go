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
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"time"
)

// =============================================================================
// Hash
// =============================================================================

// HashSize is the length in bytes of every ledger digest.
const HashSize = 32

// Hash is a SHA-256 digest linking ledger entries.
//
// # Description
//
// Hashes travel as raw bytes in storage (bytea / badger values) and as
// lowercase hex in JSON and in the hash payload itself.
type Hash [HashSize]byte

// Genesis is the predecessor hash of the very first ledger entry.
var Genesis Hash

// String returns the lowercase hex encoding.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsGenesis reports whether h is the all-zero genesis hash.
func (h Hash) IsGenesis() bool {
	return h == Genesis
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Value implements driver.Valuer so hashes bind as bytea.
func (h Hash) Value() (driver.Value, error) {
	return h[:], nil
}

// Scan implements sql.Scanner for bytea columns.
func (h *Hash) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("hash: cannot scan %T", src)
	}
	if len(b) != HashSize {
		return fmt.Errorf("hash: expected %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return nil
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("hash: %w", err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("hash: expected %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// =============================================================================
// Classification
// =============================================================================

// Severity ranks how security-relevant an action is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category groups actions by the subsystem that produced them.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryData           Category = "data"
	CategoryAdministration Category = "administration"
	CategorySecurity       Category = "security"
	CategoryBilling        Category = "billing"
	CategorySystem         Category = "system"
)

// Well-known actions.
const (
	ActionSessionDelete   = "session.delete"
	ActionAuthLoginFailed = "auth.login_failed"
	ActionLedgerArchive   = "ledger.archive"
)

// =============================================================================
// Entries
// =============================================================================

// Event is the caller-supplied content of an audit entry.
//
// Optional fields are pointers; nil hashes as JSON null.
type Event struct {
	ActorUserID  string         `json:"actorUserId"`
	TeamID       *string        `json:"teamId,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   *string        `json:"resourceId,omitempty"`
	IPAddress    *string        `json:"ipAddress,omitempty"`
	UserAgent    *string        `json:"userAgent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AuditLogEntry is one link of the chain.
//
// # Description
//
// EventHash = SHA256(payload(PrevHash, Event fields, CreatedAt)).
// Category and Severity are derived from Action and are not hash inputs;
// Action itself is, so the derivation is covered by the chain.
type AuditLogEntry struct {
	ID           int64          `json:"id"`
	EventHash    Hash           `json:"eventHash"`
	PrevHash     Hash           `json:"prevHash"`
	ActorUserID  string         `json:"actorUserId"`
	TeamID       *string        `json:"teamId,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   *string        `json:"resourceId,omitempty"`
	IPAddress    *string        `json:"ipAddress,omitempty"`
	UserAgent    *string        `json:"userAgent,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	Category     Category       `json:"category"`
	Severity     Severity       `json:"severity"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Event returns the hashed content of the entry.
func (e AuditLogEntry) Event() Event {
	return Event{
		ActorUserID:  e.ActorUserID,
		TeamID:       e.TeamID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		Metadata:     e.Metadata,
	}
}

// QueryFilter selects ledger entries. All set fields must match.
//
// # Fields
//
//   - Start/End: half-open window Start <= CreatedAt < End; zero means unbounded.
//   - MaxID: inclusive upper bound on ID for keyset paging; zero means unbounded.
//   - Limit: defaults to DefaultQueryLimit, capped at MaxQueryLimit.
type QueryFilter struct {
	UserID        string
	TeamID        string
	Actions       []string
	ResourceTypes []string
	Start         time.Time
	End           time.Time
	MaxID         int64
	Limit         int
	Offset        int
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Normalized returns the filter with limit/offset clamped.
func (f QueryFilter) Normalized() QueryFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether entry satisfies every set condition.
func (f QueryFilter) Matches(e AuditLogEntry) bool {
	if f.MaxID > 0 && e.ID > f.MaxID {
		return false
	}
	if f.UserID != "" && e.ActorUserID != f.UserID {
		return false
	}
	if f.TeamID != "" && (e.TeamID == nil || *e.TeamID != f.TeamID) {
		return false
	}
	if len(f.Actions) > 0 && !contains(f.Actions, e.Action) {
		return false
	}
	if len(f.ResourceTypes) > 0 && !contains(f.ResourceTypes, e.ResourceType) {
		return false
	}
	if !f.Start.IsZero() && e.CreatedAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !e.CreatedAt.Before(f.End) {
		return false
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// VerificationResult reports the outcome of a chain check.
type VerificationResult struct {
	Valid           bool    `json:"valid"`
	StartID         int64   `json:"startId"`
	EndID           int64   `json:"endId"`
	EntriesVerified int64   `json:"entriesVerified"`
	BrokenAt        *int64  `json:"brokenAt,omitempty"`
	ExpectedHash    *Hash   `json:"expectedHash,omitempty"`
	ActualHash      *Hash   `json:"actualHash,omitempty"`
	Error           *string `json:"error,omitempty"`
}

// Period is a half-open reporting window.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ComplianceReport aggregates ledger activity over a period.
type ComplianceReport struct {
	Period               Period             `json:"period"`
	TotalEvents          int64              `json:"totalEvents"`
	EventsByAction       map[string]int64   `json:"eventsByAction"`
	EventsByUser         map[string]int64   `json:"eventsByUser"`
	EventsByResourceType map[string]int64   `json:"eventsByResourceType"`
	EventsBySeverity     map[Severity]int64 `json:"eventsBySeverity"`
	HashChainValid       bool               `json:"hashChainValid"`
	Verification         VerificationResult `json:"verification"`
	GeneratedAt          time.Time          `json:"generatedAt"`
}

// ArchiveAnchor records where the live chain continues after archival.
//
// # Description
//
// The first live entry after an archive carries PrevHash == AnchorHash,
// which is the EventHash of entry ThroughID, the last archived entry.
type ArchiveAnchor struct {
	ThroughID     int64     `json:"throughId"`
	AnchorHash    Hash      `json:"anchorHash"`
	FirstID       int64     `json:"firstId"`
	EntryCount    int64     `json:"entryCount"`
	SegmentKey    string    `json:"segmentKey"`
	SegmentSHA256 Hash      `json:"segmentSha256"`
	ArchivedAt    time.Time `json:"archivedAt"`
}

// ArchiveResult is returned by ArchiveBefore.
type ArchiveResult struct {
	Success       bool           `json:"success"`
	ArchivedCount int64          `json:"archivedCount"`
	BeforeDate    time.Time      `json:"beforeDate"`
	Anchor        *ArchiveAnchor `json:"anchor,omitempty"`
	Error         *string        `json:"error,omitempty"`
}
