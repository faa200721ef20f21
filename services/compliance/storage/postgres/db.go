// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package postgres implements the compliance stores on PostgreSQL.
//
// # Description
//
// The audit ledger lives in audit_log and audit_archive_anchor, both created
// by EnsureSchema. Sessions and users belong to the host application; this
// package only reads them and sets sessions.deleted_at.
//
// Appends and archival serialize on a transaction-scoped advisory lock so
// several service instances can share one ledger without forking it.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ledgerLockKey is the pg_advisory_xact_lock key guarding the chain head.
const ledgerLockKey int64 = 0x41_4c_45_55_54_4c_44_47

// Config holds connection pool settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB wraps a sqlx connection pool.
type DB struct {
	conn *sqlx.DB
}

// Open connects and pings the database.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is empty")
	}
	conn, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return &DB{conn: conn}, nil
}

// NewDB wraps an existing pool.
func NewDB(conn *sqlx.DB) *DB {
	return &DB{conn: conn}
}

// Healthy pings the database.
func (db *DB) Healthy(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// ReferenceTime returns the database server's clock.
//
// Used as the retention ReferenceClock so a drifting host clock cannot
// expire sessions early.
func (db *DB) ReferenceTime(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := db.conn.GetContext(ctx, &now, `SELECT now()`); err != nil {
		return time.Time{}, fmt.Errorf("read database time: %w", err)
	}
	return now.UTC(), nil
}

// schemaStatements create the ledger tables.
//
// metadata is stored as json, not jsonb, so the canonical text that was
// hashed is returned byte for byte.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS audit_log (
		id             BIGSERIAL PRIMARY KEY,
		event_hash     BYTEA       NOT NULL UNIQUE,
		prev_hash      BYTEA       NOT NULL,
		actor_user_id  TEXT        NOT NULL,
		team_id        TEXT,
		action         TEXT        NOT NULL,
		resource_type  TEXT        NOT NULL,
		resource_id    TEXT,
		ip_address     TEXT,
		user_agent     TEXT,
		metadata       JSON        NOT NULL DEFAULT '{}',
		category       TEXT        NOT NULL,
		severity       TEXT        NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_actor_created_idx ON audit_log (actor_user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS audit_log_team_created_idx ON audit_log (team_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS audit_log_action_idx ON audit_log (action)`,
	`CREATE INDEX IF NOT EXISTS audit_log_created_idx ON audit_log (created_at)`,
	`CREATE TABLE IF NOT EXISTS audit_archive_anchor (
		id             SMALLINT    PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		through_id     BIGINT      NOT NULL,
		anchor_hash    BYTEA       NOT NULL,
		first_id       BIGINT      NOT NULL,
		entry_count    BIGINT      NOT NULL,
		segment_key    TEXT        NOT NULL,
		segment_sha256 BYTEA       NOT NULL,
		archived_at    TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates the ledger tables and indexes if missing.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
