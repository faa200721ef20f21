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
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/AleutianAI/AleutianCompliance/services/compliance/ledger"
)

const entryColumns = `id, event_hash, prev_hash, actor_user_id, team_id, action, resource_type,
	resource_id, ip_address, user_agent, metadata, category, severity, created_at`

const anchorColumns = `through_id, anchor_hash, first_id, entry_count, segment_key, segment_sha256, archived_at`

// entryRow is the audit_log row shape.
type entryRow struct {
	ID           int64          `db:"id"`
	EventHash    ledger.Hash    `db:"event_hash"`
	PrevHash     ledger.Hash    `db:"prev_hash"`
	ActorUserID  string         `db:"actor_user_id"`
	TeamID       sql.NullString `db:"team_id"`
	Action       string         `db:"action"`
	ResourceType string         `db:"resource_type"`
	ResourceID   sql.NullString `db:"resource_id"`
	IPAddress    sql.NullString `db:"ip_address"`
	UserAgent    sql.NullString `db:"user_agent"`
	Metadata     []byte         `db:"metadata"`
	Category     string         `db:"category"`
	Severity     string         `db:"severity"`
	CreatedAt    time.Time      `db:"created_at"`
}

func (r entryRow) entry() (ledger.AuditLogEntry, error) {
	meta, err := ledger.DecodeMetadata(r.Metadata)
	if err != nil {
		return ledger.AuditLogEntry{}, fmt.Errorf("decode metadata of entry %d: %w", r.ID, err)
	}
	return ledger.AuditLogEntry{
		ID:           r.ID,
		EventHash:    r.EventHash,
		PrevHash:     r.PrevHash,
		ActorUserID:  r.ActorUserID,
		TeamID:       nullable(r.TeamID),
		Action:       r.Action,
		ResourceType: r.ResourceType,
		ResourceID:   nullable(r.ResourceID),
		IPAddress:    nullable(r.IPAddress),
		UserAgent:    nullable(r.UserAgent),
		Metadata:     meta,
		Category:     ledger.Category(r.Category),
		Severity:     ledger.Severity(r.Severity),
		CreatedAt:    r.CreatedAt.UTC(),
	}, nil
}

type anchorRow struct {
	ThroughID     int64       `db:"through_id"`
	AnchorHash    ledger.Hash `db:"anchor_hash"`
	FirstID       int64       `db:"first_id"`
	EntryCount    int64       `db:"entry_count"`
	SegmentKey    string      `db:"segment_key"`
	SegmentSHA256 ledger.Hash `db:"segment_sha256"`
	ArchivedAt    time.Time   `db:"archived_at"`
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// LedgerStore implements ledger.Store on PostgreSQL.
type LedgerStore struct {
	db *DB
}

// NewLedgerStore creates a ledger store. Call DB.EnsureSchema first.
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// Append inserts the next entry under the ledger advisory lock.
func (s *LedgerStore) Append(ctx context.Context, build ledger.BuildFunc) (ledger.AuditLogEntry, error) {
	tx, err := s.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return ledger.AuditLogEntry{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return ledger.AuditLogEntry{}, fmt.Errorf("lock ledger: %w", err)
	}
	head, err := headHash(ctx, tx)
	if err != nil {
		return ledger.AuditLogEntry{}, err
	}
	entry, err := build(head)
	if err != nil {
		return ledger.AuditLogEntry{}, err
	}
	meta, err := ledger.Canonicalize(entry.Metadata)
	if err != nil {
		return ledger.AuditLogEntry{}, err
	}

	err = tx.QueryRowxContext(ctx, `INSERT INTO audit_log
		(event_hash, prev_hash, actor_user_id, team_id, action, resource_type, resource_id,
		 ip_address, user_agent, metadata, category, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		entry.EventHash, entry.PrevHash, entry.ActorUserID, entry.TeamID, entry.Action,
		entry.ResourceType, entry.ResourceID, entry.IPAddress, entry.UserAgent, meta,
		string(entry.Category), string(entry.Severity), entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return ledger.AuditLogEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.AuditLogEntry{}, fmt.Errorf("commit append: %w", err)
	}
	return entry, nil
}

// headHash reads the last live hash, else the anchor, else Genesis.
func headHash(ctx context.Context, tx *sqlx.Tx) (ledger.Hash, error) {
	var h ledger.Hash
	err := tx.GetContext(ctx, &h, `SELECT event_hash FROM audit_log ORDER BY id DESC LIMIT 1`)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return h, fmt.Errorf("read chain head: %w", err)
	}
	err = tx.GetContext(ctx, &h, `SELECT anchor_hash FROM audit_archive_anchor WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Genesis, nil
	}
	if err != nil {
		return h, fmt.Errorf("read archive anchor: %w", err)
	}
	return h, nil
}

// Query returns matching entries newest first.
func (s *LedgerStore) Query(ctx context.Context, filter ledger.QueryFilter) ([]ledger.AuditLogEntry, error) {
	filter = filter.Normalized()

	var conditions []string
	var args []interface{}
	bind := func(cond string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != "" {
		bind("actor_user_id = $%d", filter.UserID)
	}
	if filter.TeamID != "" {
		bind("team_id = $%d", filter.TeamID)
	}
	if len(filter.Actions) > 0 {
		bind("action = ANY($%d)", pq.Array(filter.Actions))
	}
	if len(filter.ResourceTypes) > 0 {
		bind("resource_type = ANY($%d)", pq.Array(filter.ResourceTypes))
	}
	if !filter.Start.IsZero() {
		bind("created_at >= $%d", filter.Start)
	}
	if !filter.End.IsZero() {
		bind("created_at < $%d", filter.End)
	}
	if filter.MaxID > 0 {
		bind("id <= $%d", filter.MaxID)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf("SELECT %s FROM audit_log%s ORDER BY id DESC LIMIT $%d OFFSET $%d",
		entryColumns, where, len(args)-1, len(args))

	return s.selectEntries(ctx, query, args...)
}

// Range returns entries fromID..toID ascending; limit <= 0 means no limit.
func (s *LedgerStore) Range(ctx context.Context, fromID, toID int64, limit int) ([]ledger.AuditLogEntry, error) {
	lim := sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
	return s.selectEntries(ctx,
		`SELECT `+entryColumns+` FROM audit_log WHERE id BETWEEN $1 AND $2 ORDER BY id ASC LIMIT $3`,
		fromID, toID, lim)
}

func (s *LedgerStore) selectEntries(ctx context.Context, query string, args ...interface{}) ([]ledger.AuditLogEntry, error) {
	var rows []entryRow
	if err := s.db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	out := make([]ledger.AuditLogEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Bounds returns the first and last live IDs.
func (s *LedgerStore) Bounds(ctx context.Context) (int64, int64, bool, error) {
	var b struct {
		First sql.NullInt64 `db:"first_id"`
		Last  sql.NullInt64 `db:"last_id"`
	}
	if err := s.db.conn.GetContext(ctx, &b, `SELECT MIN(id) AS first_id, MAX(id) AS last_id FROM audit_log`); err != nil {
		return 0, 0, false, fmt.Errorf("read ledger bounds: %w", err)
	}
	if !b.First.Valid {
		return 0, 0, false, nil
	}
	return b.First.Int64, b.Last.Int64, true, nil
}

// Predecessor returns the live entry just below id.
func (s *LedgerStore) Predecessor(ctx context.Context, id int64) (*ledger.AuditLogEntry, error) {
	entries, err := s.selectEntries(ctx,
		`SELECT `+entryColumns+` FROM audit_log WHERE id < $1 ORDER BY id DESC LIMIT 1`, id)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// Anchor returns the archive anchor, if any.
func (s *LedgerStore) Anchor(ctx context.Context) (*ledger.ArchiveAnchor, error) {
	return readAnchor(ctx, s.db.conn)
}

func readAnchor(ctx context.Context, q sqlx.QueryerContext) (*ledger.ArchiveAnchor, error) {
	var r anchorRow
	err := sqlx.GetContext(ctx, q, &r, `SELECT `+anchorColumns+` FROM audit_archive_anchor WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive anchor: %w", err)
	}
	return &ledger.ArchiveAnchor{
		ThroughID:     r.ThroughID,
		AnchorHash:    r.AnchorHash,
		FirstID:       r.FirstID,
		EntryCount:    r.EntryCount,
		SegmentKey:    r.SegmentKey,
		SegmentSHA256: r.SegmentSHA256,
		ArchivedAt:    r.ArchivedAt.UTC(),
	}, nil
}

// Count returns the number of live entries.
func (s *LedgerStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM audit_log`); err != nil {
		return 0, fmt.Errorf("count audit log: %w", err)
	}
	return n, nil
}

// ArchivePrefix exports and removes the prefix created before cutoff.
//
// # Description
//
// Runs in one transaction holding the ledger advisory lock: select the
// prefix, call export, delete the prefix and upsert the anchor. If export
// or any statement fails the transaction rolls back.
func (s *LedgerStore) ArchivePrefix(ctx context.Context, cutoff time.Time, export ledger.ArchiveFunc) (*ledger.ArchiveAnchor, error) {
	tx, err := s.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}

	var through sql.NullInt64
	if err := tx.GetContext(ctx, &through, `SELECT MAX(id) FROM audit_log WHERE created_at < $1`, cutoff); err != nil {
		return nil, fmt.Errorf("select archive prefix: %w", err)
	}
	if !through.Valid {
		return nil, nil
	}

	var rows []entryRow
	if err := tx.SelectContext(ctx, &rows,
		`SELECT `+entryColumns+` FROM audit_log WHERE id <= $1 ORDER BY id ASC`, through.Int64); err != nil {
		return nil, fmt.Errorf("read archive prefix: %w", err)
	}
	prefix := make([]ledger.AuditLogEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		prefix = append(prefix, e)
	}
	prior, err := readAnchor(ctx, tx)
	if err != nil {
		return nil, err
	}

	anchor, err := export(prefix, prior)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_log WHERE id <= $1`, through.Int64); err != nil {
		return nil, fmt.Errorf("delete archived entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO audit_archive_anchor (id, `+anchorColumns+`)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			through_id = EXCLUDED.through_id,
			anchor_hash = EXCLUDED.anchor_hash,
			first_id = EXCLUDED.first_id,
			entry_count = EXCLUDED.entry_count,
			segment_key = EXCLUDED.segment_key,
			segment_sha256 = EXCLUDED.segment_sha256,
			archived_at = EXCLUDED.archived_at`,
		anchor.ThroughID, anchor.AnchorHash, anchor.FirstID, anchor.EntryCount,
		anchor.SegmentKey, anchor.SegmentSHA256, anchor.ArchivedAt,
	); err != nil {
		return nil, fmt.Errorf("record archive anchor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit archive: %w", err)
	}
	return &anchor, nil
}

// Close is a no-op; the owner of the DB closes it.
func (s *LedgerStore) Close() error { return nil }
