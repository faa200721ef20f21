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
	"crypto/sha256"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCompliance/services/compliance/ledger"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/retention"
)

func newTestDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewDB(sqlx.NewDb(mockDB, "postgres")), mock
}

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

var (
	entryColumnNames = []string{"id", "event_hash", "prev_hash", "actor_user_id", "team_id", "action",
		"resource_type", "resource_id", "ip_address", "user_agent", "metadata", "category", "severity", "created_at"}
	anchorColumnNames = []string{"through_id", "anchor_hash", "first_id", "entry_count",
		"segment_key", "segment_sha256", "archived_at"}
)

func hashOf(s string) ledger.Hash {
	return sha256.Sum256([]byte(s))
}

func hashBytes(h ledger.Hash) []byte {
	return append([]byte(nil), h[:]...)
}

// =============================================================================
// Ledger store
// =============================================================================

func TestLedgerStore_AppendFirstEntryLinksToGenesis(t *testing.T) {
	db, mock := newTestDB(t)
	l := ledger.New(NewLedgerStore(db), ledger.WithClock(func() time.Time { return testNow }))

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(ledgerLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT event_hash FROM audit_log ORDER BY id DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"event_hash"}))
	mock.ExpectQuery(`SELECT anchor_hash FROM audit_archive_anchor`).
		WillReturnRows(sqlmock.NewRows([]string{"anchor_hash"}))
	mock.ExpectQuery(`INSERT INTO audit_log`).
		WithArgs(anyArgs(13)...).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	entry, err := l.Log(context.Background(), ledger.Event{
		ActorUserID:  "user-1",
		Action:       ledger.ActionSessionDelete,
		ResourceType: "session",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.ID)
	assert.True(t, entry.PrevHash.IsGenesis())
	assert.True(t, ledger.Verify(entry, ledger.Genesis))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_AppendLinksToAnchorWhenEmpty(t *testing.T) {
	db, mock := newTestDB(t)
	store := NewLedgerStore(db)
	anchor := hashOf("anchor")

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT event_hash FROM audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"event_hash"}))
	mock.ExpectQuery(`SELECT anchor_hash FROM audit_archive_anchor`).
		WillReturnRows(sqlmock.NewRows([]string{"anchor_hash"}).AddRow(hashBytes(anchor)))
	mock.ExpectQuery(`INSERT INTO audit_log`).
		WithArgs(anyArgs(13)...).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(41))
	mock.ExpectCommit()

	var seen ledger.Hash
	entry, err := store.Append(context.Background(), func(head ledger.Hash) (ledger.AuditLogEntry, error) {
		seen = head
		return ledger.AuditLogEntry{PrevHash: head, ActorUserID: "u", Action: "a.b", ResourceType: "r", CreatedAt: testNow}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, anchor, seen)
	assert.Equal(t, int64(41), entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_AppendRollsBackOnBuildError(t *testing.T) {
	db, mock := newTestDB(t)
	store := NewLedgerStore(db)
	head := hashOf("head")

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT event_hash FROM audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"event_hash"}).AddRow(hashBytes(head)))
	mock.ExpectRollback()

	_, err := store.Append(context.Background(), func(ledger.Hash) (ledger.AuditLogEntry, error) {
		return ledger.AuditLogEntry{}, errors.New("invalid")
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_QueryBuildsFilter(t *testing.T) {
	db, mock := newTestDB(t)
	store := NewLedgerStore(db)
	team := "team-1"

	rows := sqlmock.NewRows(entryColumnNames).
		AddRow(int64(7), hashBytes(hashOf("e7")), hashBytes(hashOf("e6")), "user-1", team, "session.delete",
			"session", "sess-1", nil, nil, []byte(`{"n":12345678901234567890,"reason":"retention_expired"}`),
			"data", "critical", testNow)

	mock.ExpectQuery(`SELECT .+ FROM audit_log WHERE actor_user_id = \$1 AND action = ANY\(\$2\) AND created_at >= \$3 AND created_at < \$4 ORDER BY id DESC LIMIT \$5 OFFSET \$6`).
		WithArgs("user-1", sqlmock.AnyArg(), testNow.Add(-time.Hour), testNow, 50, 10).
		WillReturnRows(rows)

	got, err := store.Query(context.Background(), ledger.QueryFilter{
		UserID:  "user-1",
		Actions: []string{"session.delete"},
		Start:   testNow.Add(-time.Hour),
		End:     testNow,
		Limit:   50,
		Offset:  10,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	e := got[0]
	assert.Equal(t, int64(7), e.ID)
	require.NotNil(t, e.TeamID)
	assert.Equal(t, team, *e.TeamID)
	assert.Nil(t, e.IPAddress)
	assert.Equal(t, ledger.SeverityCritical, e.Severity)
	assert.Equal(t, "12345678901234567890", e.Metadata["n"].(interface{ String() string }).String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_QueryDefaultsLimit(t *testing.T) {
	db, mock := newTestDB(t)
	store := NewLedgerStore(db)

	mock.ExpectQuery(`SELECT .+ FROM audit_log ORDER BY id DESC LIMIT \$1 OFFSET \$2`).
		WithArgs(ledger.DefaultQueryLimit, 0).
		WillReturnRows(sqlmock.NewRows(entryColumnNames))

	got, err := store.Query(context.Background(), ledger.QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_Bounds(t *testing.T) {
	db, mock := newTestDB(t)
	store := NewLedgerStore(db)

	mock.ExpectQuery(`SELECT MIN\(id\) AS first_id, MAX\(id\) AS last_id FROM audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"first_id", "last_id"}).AddRow(nil, nil))
	_, _, ok, err := store.Bounds(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(`SELECT MIN\(id\)`).
		WillReturnRows(sqlmock.NewRows([]string{"first_id", "last_id"}).AddRow(int64(5), int64(9)))
	first, last, ok, err := store.Bounds(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), first)
	assert.Equal(t, int64(9), last)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_AnchorAbsent(t *testing.T) {
	db, mock := newTestDB(t)
	mock.ExpectQuery(`FROM audit_archive_anchor WHERE id = 1`).
		WillReturnRows(sqlmock.NewRows(anchorColumnNames))

	a, err := NewLedgerStore(db).Anchor(context.Background())
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func prefixRows() *sqlmock.Rows {
	return sqlmock.NewRows(entryColumnNames).
		AddRow(int64(1), hashBytes(hashOf("e1")), hashBytes(ledger.Genesis), "u", nil, "a.b", "r", nil, nil, nil, []byte(`{}`), "system", "info", testNow.Add(-48*time.Hour)).
		AddRow(int64(2), hashBytes(hashOf("e2")), hashBytes(hashOf("e1")), "u", nil, "a.b", "r", nil, nil, nil, []byte(`{}`), "system", "info", testNow.Add(-47*time.Hour))
}

func TestLedgerStore_ArchivePrefixCommitsTogether(t *testing.T) {
	db, mock := newTestDB(t)
	store := NewLedgerStore(db)
	cutoff := testNow.Add(-24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT MAX\(id\) FROM audit_log WHERE created_at < \$1`).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(2)))
	mock.ExpectQuery(`FROM audit_log WHERE id <= \$1 ORDER BY id ASC`).
		WithArgs(int64(2)).
		WillReturnRows(prefixRows())
	mock.ExpectQuery(`FROM audit_archive_anchor WHERE id = 1`).
		WillReturnRows(sqlmock.NewRows(anchorColumnNames))
	mock.ExpectExec(`DELETE FROM audit_log WHERE id <= \$1`).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO audit_archive_anchor .+ ON CONFLICT \(id\) DO UPDATE`).
		WithArgs(anyArgs(7)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var exported []ledger.AuditLogEntry
	anchor, err := store.ArchivePrefix(context.Background(), cutoff,
		func(entries []ledger.AuditLogEntry, prior *ledger.ArchiveAnchor) (ledger.ArchiveAnchor, error) {
			exported = entries
			assert.Nil(t, prior)
			last := entries[len(entries)-1]
			return ledger.ArchiveAnchor{ThroughID: last.ID, AnchorHash: last.EventHash, FirstID: 1, EntryCount: 2,
				SegmentKey: ledger.SegmentKey(1, 2), ArchivedAt: testNow}, nil
		})
	require.NoError(t, err)
	require.NotNil(t, anchor)
	assert.Len(t, exported, 2)
	assert.Equal(t, hashOf("e2"), anchor.AnchorHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_ArchivePrefixRollsBackOnExportFailure(t *testing.T) {
	db, mock := newTestDB(t)
	store := NewLedgerStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT MAX\(id\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(2)))
	mock.ExpectQuery(`FROM audit_log WHERE id <= \$1`).
		WillReturnRows(prefixRows())
	mock.ExpectQuery(`FROM audit_archive_anchor`).
		WillReturnRows(sqlmock.NewRows(anchorColumnNames))
	mock.ExpectRollback()

	_, err := store.ArchivePrefix(context.Background(), testNow,
		func([]ledger.AuditLogEntry, *ledger.ArchiveAnchor) (ledger.ArchiveAnchor, error) {
			return ledger.ArchiveAnchor{}, errors.New("sink unavailable")
		})
	assert.ErrorContains(t, err, "sink unavailable")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_ArchivePrefixNothingEligible(t *testing.T) {
	db, mock := newTestDB(t)
	store := NewLedgerStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT MAX\(id\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectRollback()

	anchor, err := store.ArchivePrefix(context.Background(), testNow,
		func([]ledger.AuditLogEntry, *ledger.ArchiveAnchor) (ledger.ArchiveAnchor, error) {
			t.Fatal("export must not run")
			return ledger.ArchiveAnchor{}, nil
		})
	require.NoError(t, err)
	assert.Nil(t, anchor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	db, mock := newTestDB(t)
	for range schemaStatements {
		mock.ExpectExec(`CREATE (TABLE|INDEX) IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, db.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReferenceTime(t *testing.T) {
	db, mock := newTestDB(t)
	mock.ExpectQuery(`SELECT now\(\)`).
		WillReturnRows(sqlmock.NewRows([]string{"now"}).AddRow(testNow))

	got, err := db.ReferenceTime(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Equal(testNow))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// Sessions and tiers
// =============================================================================

var sessionColumnNames = []string{"id", "user_id", "key_id", "created_at", "deleted_at"}

func TestSessionStore_UsersWithLiveSessions(t *testing.T) {
	db, mock := newTestDB(t)
	mock.ExpectQuery(`SELECT DISTINCT user_id FROM sessions WHERE deleted_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1").AddRow("u2"))

	users, err := NewSessionStore(db).UsersWithLiveSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_ExpiredBatchFirstPage(t *testing.T) {
	db, mock := newTestDB(t)
	cutoff := testNow.Add(-30 * 24 * time.Hour)

	mock.ExpectQuery(`FROM sessions\s+WHERE user_id = \$1 AND deleted_at IS NULL AND created_at < \$2\s+ORDER BY created_at, id LIMIT \$3`).
		WithArgs("u1", cutoff, 100).
		WillReturnRows(sqlmock.NewRows(sessionColumnNames).
			AddRow("s1", "u1", "key-1", cutoff.Add(-time.Hour), nil).
			AddRow("s2", "u1", nil, cutoff.Add(-time.Minute), nil))

	got, err := NewSessionStore(db).ExpiredBatch(context.Background(), "u1", cutoff, retention.Cursor{}, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NotNil(t, got[0].KeyID)
	assert.Equal(t, "key-1", *got[0].KeyID)
	assert.Nil(t, got[1].KeyID)
	assert.Nil(t, got[1].DeletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_ExpiredBatchAfterCursor(t *testing.T) {
	db, mock := newTestDB(t)
	cutoff := testNow.Add(-30 * 24 * time.Hour)
	cursor := retention.Cursor{CreatedAt: cutoff.Add(-time.Hour), ID: "s1"}

	mock.ExpectQuery(`AND \(created_at, id\) > \(\$3, \$4\)\s+ORDER BY created_at, id LIMIT \$5`).
		WithArgs("u1", cutoff, cursor.CreatedAt, "s1", 100).
		WillReturnRows(sqlmock.NewRows(sessionColumnNames))

	got, err := NewSessionStore(db).ExpiredBatch(context.Background(), "u1", cutoff, cursor, 100)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_CountExpired(t *testing.T) {
	db, mock := newTestDB(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sessions`).
		WithArgs("u1", testNow).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

	n, err := NewSessionStore(db).CountExpired(context.Background(), "u1", testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStore_SoftDelete(t *testing.T) {
	db, mock := newTestDB(t)
	store := NewSessionStore(db)

	mock.ExpectExec(`UPDATE sessions SET deleted_at = \$2 WHERE id = \$1 AND deleted_at IS NULL`).
		WithArgs("s1", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.SoftDelete(context.Background(), "s1", testNow))

	mock.ExpectExec(`UPDATE sessions`).
		WithArgs("s1", testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.SoftDelete(context.Background(), "s1", testNow), retention.ErrSessionNotFound)

	mock.ExpectExec(`UPDATE sessions`).
		WillReturnError(errors.New("connection reset"))
	assert.Error(t, store.SoftDelete(context.Background(), "s2", testNow))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTierResolver(t *testing.T) {
	tests := []struct {
		name    string
		rows    *sqlmock.Rows
		err     error
		want    retention.Tier
		wantErr bool
	}{
		{"active", sqlmock.NewRows([]string{"subscription_status"}).AddRow("active"), nil, retention.TierPro, false},
		{"trialing", sqlmock.NewRows([]string{"subscription_status"}).AddRow("trialing"), nil, retention.TierPro, false},
		{"canceled", sqlmock.NewRows([]string{"subscription_status"}).AddRow("canceled"), nil, retention.TierFree, false},
		{"null status", sqlmock.NewRows([]string{"subscription_status"}).AddRow(nil), nil, retention.TierFree, false},
		{"missing user", sqlmock.NewRows([]string{"subscription_status"}), nil, retention.TierFree, false},
		{"query error", nil, errors.New("timeout"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newTestDB(t)
			q := mock.ExpectQuery(`SELECT subscription_status FROM users WHERE id = \$1`).WithArgs("u1")
			if tt.err != nil {
				q.WillReturnError(tt.err)
			} else {
				q.WillReturnRows(tt.rows)
			}

			got, err := NewTierResolver(db).ResolveTier(context.Background(), "u1")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
