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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCompliance/services/compliance/ledger"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/observability"
)

// =============================================================================
// Test helpers
// =============================================================================

var engineNow = time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)

func daysAgo(d int) time.Time {
	return engineNow.Add(-time.Duration(d) * 24 * time.Hour)
}

func session(id, user string, age int) Session {
	return Session{ID: id, UserID: user, CreatedAt: daysAgo(age)}
}

// recordingAudit collects logged events and can be told to fail.
type recordingAudit struct {
	mu     sync.Mutex
	events []ledger.Event
	err    error
}

func (a *recordingAudit) Log(_ context.Context, ev ledger.Event) (ledger.AuditLogEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return ledger.AuditLogEntry{}, a.err
	}
	a.events = append(a.events, ev)
	return ledger.AuditLogEntry{ID: int64(len(a.events))}, nil
}

func (a *recordingAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

// faultyStore wraps a MemorySessionStore with injectable failures.
type faultyStore struct {
	*MemorySessionStore
	deleteErr error
	batchErr  error
	gate      chan struct{}
	entered   chan struct{}
}

func (f *faultyStore) UsersWithLiveSessions(ctx context.Context) ([]string, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	return f.MemorySessionStore.UsersWithLiveSessions(ctx)
}

func (f *faultyStore) ExpiredBatch(ctx context.Context, userID string, cutoff time.Time, after Cursor, limit int) ([]Session, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	return f.MemorySessionStore.ExpiredBatch(ctx, userID, cutoff, after, limit)
}

func (f *faultyStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.MemorySessionStore.SoftDelete(ctx, id, at)
}

func newTestEngine(store SessionStore, tiers TierResolver, audit AuditLogger, opts ...EngineOption) *Engine {
	opts = append([]EngineOption{WithEngineClock(NewFixedClock(engineNow))}, opts...)
	return NewEngine(store, tiers, audit, DefaultEngineConfig(), opts...)
}

func proFor(users ...string) StaticTierResolver {
	tiers := make(map[string]Tier, len(users))
	for _, u := range users {
		tiers[u] = TierPro
	}
	return StaticTierResolver{Tiers: tiers}
}

// =============================================================================
// Cleanup
// =============================================================================

func TestCleanup_DryRunHasNoSideEffects(t *testing.T) {
	store := NewMemorySessionStore(session("s1", "u1", 45))
	audit := &recordingAudit{}
	engine := newTestEngine(store, StaticTierResolver{}, audit)

	result, err := engine.CleanupExpiredSessions(context.Background(), true)
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Equal(t, int64(1), result.DeletedCount)
	assert.Equal(t, int64(1), result.ByTier.Free)
	assert.Equal(t, int64(1), result.BatchesProcessed)

	s, ok := store.Get("s1")
	require.True(t, ok)
	assert.Nil(t, s.DeletedAt, "dry run must not delete")
	assert.Zero(t, audit.count(), "dry run must not audit")
}

func TestCleanup_TierBoundaries(t *testing.T) {
	store := NewMemorySessionStore(
		session("free-29", "free-user", 29),
		session("free-31", "free-user", 31),
		session("pro-100", "pro-user", 100),
		session("pro-400", "pro-user", 400),
	)
	audit := &recordingAudit{}
	engine := newTestEngine(store, proFor("pro-user"), audit)

	result, err := engine.CleanupExpiredSessions(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.DeletedCount)
	assert.Equal(t, TierCounts{Free: 1, Pro: 1}, result.ByTier)
	assert.Empty(t, result.Errors)

	for id, wantDeleted := range map[string]bool{
		"free-29": false, "free-31": true, "pro-100": false, "pro-400": true,
	} {
		s, _ := store.Get(id)
		assert.Equal(t, wantDeleted, s.DeletedAt != nil, id)
	}
}

func TestCleanup_CutoffIsStrict(t *testing.T) {
	store := NewMemorySessionStore(
		session("exact", "u1", 30),
		Session{ID: "just-over", UserID: "u1", CreatedAt: daysAgo(30).Add(-time.Millisecond)},
	)
	engine := newTestEngine(store, StaticTierResolver{}, &recordingAudit{})

	result, err := engine.CleanupExpiredSessions(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.DeletedCount)

	exact, _ := store.Get("exact")
	assert.Nil(t, exact.DeletedAt)
}

func TestCleanup_UnknownTierUsesFreeWindow(t *testing.T) {
	store := NewMemorySessionStore(session("s1", "u1", 45))
	tiers := StaticTierResolver{Tiers: map[string]Tier{"u1": "enterprise"}}
	engine := newTestEngine(store, tiers, &recordingAudit{})

	result, err := engine.CleanupExpiredSessions(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.ByTier.Free)
}

func TestCleanup_AuditEntryPerDeletion(t *testing.T) {
	store := NewMemorySessionStore(session("s1", "u1", 45))
	audit := &recordingAudit{}
	engine := newTestEngine(store, StaticTierResolver{}, audit)

	_, err := engine.CleanupExpiredSessions(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, audit.events, 1)
	ev := audit.events[0]
	assert.Equal(t, "u1", ev.ActorUserID)
	assert.Equal(t, ledger.ActionSessionDelete, ev.Action)
	assert.Equal(t, SessionResourceType, ev.ResourceType)
	require.NotNil(t, ev.ResourceID)
	assert.Equal(t, "s1", *ev.ResourceID)
	assert.Equal(t, ReasonExpired, ev.Metadata["reason"])
	assert.Equal(t, "free", ev.Metadata["tier"])
	assert.Equal(t, 45, ev.Metadata["sessionAgeDays"])

	s, _ := store.Get("s1")
	require.NotNil(t, s.DeletedAt)
	assert.True(t, s.DeletedAt.Equal(engineNow))
}

func TestCleanup_RecordsIntoVerifiableLedger(t *testing.T) {
	store := NewMemorySessionStore(
		session("s1", "u1", 40),
		session("s2", "u1", 50),
		session("s3", "u2", 500),
	)
	l := ledger.New(ledger.NewMemoryStore())
	engine := newTestEngine(store, proFor("u2"), l)

	result, err := engine.CleanupExpiredSessions(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.DeletedCount)

	entries, err := l.Query(context.Background(), ledger.QueryFilter{Actions: []string{ledger.ActionSessionDelete}})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, ledger.SeverityCritical, e.Severity)
		assert.Equal(t, ReasonExpired, e.Metadata["reason"])
	}

	res, err := l.VerifyChain(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int64(3), res.EntriesVerified)
}

func TestCleanup_BatchesFollowCursor(t *testing.T) {
	tests := []struct {
		name        string
		sessions    int
		wantBatches int64
	}{
		{"none", 0, 0},
		{"partial", 50, 1},
		{"exactly one batch", 100, 1},
		{"two full batches", 200, 2},
		{"two and a half", 250, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemorySessionStore()
			for i := 0; i < tt.sessions; i++ {
				store.Add(Session{
					ID:        fmt.Sprintf("s-%04d", i),
					UserID:    "u1",
					CreatedAt: daysAgo(40).Add(time.Duration(i) * time.Second),
				})
			}
			// Keep the user present when no sessions are expired.
			store.Add(session("fresh", "u1", 1))

			for _, dry := range []bool{true, false} {
				engine := newTestEngine(store, StaticTierResolver{}, &recordingAudit{})
				result, err := engine.CleanupExpiredSessions(context.Background(), dry)
				require.NoError(t, err)
				if dry {
					assert.Equal(t, int64(tt.sessions), result.DeletedCount, "dry run")
					assert.Equal(t, tt.wantBatches, result.BatchesProcessed, "dry run")
					continue
				}
				assert.Equal(t, int64(tt.sessions), result.DeletedCount)
				assert.Equal(t, tt.wantBatches, result.BatchesProcessed)
			}
		})
	}
}

func TestCleanup_ErrorListIsCapped(t *testing.T) {
	mem := NewMemorySessionStore()
	for i := 0; i < 150; i++ {
		mem.Add(Session{
			ID:        fmt.Sprintf("s-%04d", i),
			UserID:    "u1",
			CreatedAt: daysAgo(60).Add(time.Duration(i) * time.Minute),
		})
	}
	store := &faultyStore{MemorySessionStore: mem, deleteErr: errors.New("connection reset")}
	audit := &recordingAudit{}
	engine := newTestEngine(store, StaticTierResolver{}, audit)

	result, err := engine.CleanupExpiredSessions(context.Background(), false)
	require.NoError(t, err, "per-item failures never fail the run")

	assert.Len(t, result.Errors, DefaultMaxTrackedErrors)
	assert.Equal(t, int64(150), result.ErrorCount)
	assert.Zero(t, result.DeletedCount)
	assert.Equal(t, int64(2), result.BatchesProcessed)
	assert.Equal(t, "s-0000", result.Errors[0])
	assert.Zero(t, audit.count())
}

func TestCleanup_TierFailureSkipsUser(t *testing.T) {
	store := NewMemorySessionStore(session("a", "u1", 45), session("b", "u2", 45))
	tiers := TierResolverFunc(func(_ context.Context, userID string) (Tier, error) {
		if userID == "u1" {
			return "", errors.New("billing unavailable")
		}
		return TierFree, nil
	})
	engine := newTestEngine(store, tiers, &recordingAudit{})

	result, err := engine.CleanupExpiredSessions(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []string{"user:u1"}, result.Errors)
	assert.Equal(t, int64(1), result.ErrorCount)
	assert.Equal(t, int64(1), result.DeletedCount)
	assert.Equal(t, int64(1), result.UsersProcessed)

	a, _ := store.Get("a")
	assert.Nil(t, a.DeletedAt)
}

func TestCleanup_AuditFailureCountsAsError(t *testing.T) {
	store := NewMemorySessionStore(session("s1", "u1", 45))
	audit := &recordingAudit{err: errors.New("ledger unavailable")}
	engine := newTestEngine(store, StaticTierResolver{}, audit)

	result, err := engine.CleanupExpiredSessions(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, result.DeletedCount)
	assert.Equal(t, []string{"s1"}, result.Errors)
}

func TestCleanup_BatchFailureAbortsRun(t *testing.T) {
	store := &faultyStore{
		MemorySessionStore: NewMemorySessionStore(session("s1", "u1", 45)),
		batchErr:           errors.New("query failed: password=hunter2"),
	}
	engine := newTestEngine(store, StaticTierResolver{}, &recordingAudit{})

	_, err := engine.CleanupExpiredSessions(context.Background(), false)
	require.Error(t, err)

	status := engine.JobStatus()
	assert.False(t, status.IsRunning)
	require.NotNil(t, status.LastError)
	assert.NotContains(t, *status.LastError, "hunter2")
	require.NotNil(t, status.LastResult)
}

func TestCleanup_ClockFailureAbortsBeforeWork(t *testing.T) {
	store := NewMemorySessionStore(session("s1", "u1", 45))
	clock := NewFixedClock(engineNow)
	clock.Fail(errors.New("skew too large"))
	audit := &recordingAudit{}
	engine := newTestEngine(store, StaticTierResolver{}, audit, WithEngineClock(clock))

	_, err := engine.CleanupExpiredSessions(context.Background(), false)
	require.Error(t, err)

	s, _ := store.Get("s1")
	assert.Nil(t, s.DeletedAt)
	assert.Zero(t, audit.count())
	assert.False(t, engine.JobStatus().IsRunning)
}

func TestCleanup_SingleFlight(t *testing.T) {
	store := &faultyStore{
		MemorySessionStore: NewMemorySessionStore(session("s1", "u1", 45)),
		gate:               make(chan struct{}),
		entered:            make(chan struct{}, 1),
	}
	engine := newTestEngine(store, StaticTierResolver{}, &recordingAudit{})

	done := make(chan error, 1)
	go func() {
		_, err := engine.CleanupExpiredSessions(context.Background(), false)
		done <- err
	}()
	<-store.entered

	assert.True(t, engine.JobStatus().IsRunning)
	_, err := engine.CleanupExpiredSessions(context.Background(), false)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = engine.CleanupExpiredSessions(context.Background(), true)
	assert.ErrorIs(t, err, ErrAlreadyRunning, "dry runs share the lock")

	close(store.gate)
	require.NoError(t, <-done)

	// The gate stays open; later calls proceed.
	store.entered = make(chan struct{}, 1)
	result, err := engine.CleanupExpiredSessions(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, engine.JobStatus().IsRunning)
	assert.True(t, result.DryRun)
}

func TestCleanup_StatusSnapshot(t *testing.T) {
	store := NewMemorySessionStore(session("s1", "u1", 45))
	engine := newTestEngine(store, StaticTierResolver{}, &recordingAudit{})

	status := engine.JobStatus()
	assert.Nil(t, status.LastRun)
	assert.Nil(t, status.LastResult)

	next := engineNow.Add(24 * time.Hour)
	engine.SetNextScheduledRun(&next)

	result, err := engine.CleanupExpiredSessions(context.Background(), false)
	require.NoError(t, err)

	status = engine.JobStatus()
	require.NotNil(t, status.LastRun)
	require.NotNil(t, status.LastResult)
	assert.Nil(t, status.LastError)
	assert.Equal(t, result.RunID, status.LastResult.RunID)
	assert.NotEmpty(t, status.LastResult.RunID)
	require.NotNil(t, status.NextScheduledRun)
	assert.True(t, status.NextScheduledRun.Equal(next))
}

func TestCleanup_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	store := NewMemorySessionStore(
		session("s1", "u1", 45),
		session("s2", "u2", 400),
	)
	engine := newTestEngine(store, proFor("u2"), &recordingAudit{}, WithEngineMetrics(m))

	_, err := engine.CleanupExpiredSessions(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsDeletedTotal.WithLabelValues("free")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsDeletedTotal.WithLabelValues("pro")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CleanupRunsTotal.WithLabelValues(observability.ModeExecute, observability.StatusSuccess)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CleanupRunning))
}

// =============================================================================
// Preview
// =============================================================================

func TestPreviewCleanup(t *testing.T) {
	store := NewMemorySessionStore(
		session("a", "u1", 31),
		session("b", "u1", 90),
		session("c", "u2", 400),
		session("d", "u2", 100),
		session("e", "u3", 10),
	)
	engine := newTestEngine(store, proFor("u2"), &recordingAudit{})

	preview, err := engine.PreviewCleanup(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, int64(3), preview.TotalCount)
	require.Len(t, preview.Sessions, 2)
	assert.Equal(t, "c", preview.Sessions[0].SessionID)
	assert.Equal(t, TierPro, preview.Sessions[0].Tier)
	assert.Equal(t, 400, preview.Sessions[0].AgeDays)
	assert.True(t, preview.Sessions[0].ExpiredAt.Equal(daysAgo(400).Add(365*24*time.Hour)))
	assert.Equal(t, "b", preview.Sessions[1].SessionID)

	for _, id := range []string{"a", "b", "c"} {
		s, _ := store.Get(id)
		assert.Nil(t, s.DeletedAt)
	}
}

func TestPreviewCleanup_DoesNotTakeLock(t *testing.T) {
	store := &faultyStore{
		MemorySessionStore: NewMemorySessionStore(session("s1", "u1", 45)),
		gate:               make(chan struct{}),
		entered:            make(chan struct{}, 2),
	}
	engine := newTestEngine(store, StaticTierResolver{}, &recordingAudit{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.CleanupExpiredSessions(context.Background(), true)
	}()
	<-store.entered

	previewDone := make(chan error, 1)
	go func() {
		_, err := engine.PreviewCleanup(context.Background(), 10)
		previewDone <- err
	}()
	<-store.entered

	close(store.gate)
	require.NoError(t, <-previewDone)
	<-done
}
