// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compliance

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCompliance/services/compliance/config"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/ledger"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/retention"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Archive.Backend = config.ArchiveFile
	cfg.Archive.Dir = t.TempDir()
	require.NoError(t, cfg.Validate())
	return cfg
}

func request(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// =============================================================================
// New Tests
// =============================================================================

func TestNew_MemoryBackendEndToEnd(t *testing.T) {
	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	sessions := retention.NewMemorySessionStore(
		retention.Session{ID: "old", UserID: "u1", CreatedAt: old},
		retention.Session{ID: "new", UserID: "u1", CreatedAt: time.Now().UTC().Add(-time.Hour)},
	)

	svc, err := New(context.Background(), testConfig(t), quietLogger(),
		WithSessionStore(sessions),
		WithRegistry(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	defer svc.Close()

	router := svc.Router()
	assert.Equal(t, http.StatusOK, request(router, http.MethodGet, "/health", "").Code)

	w := request(router, http.MethodGet, "/v1/admin/retention/preview", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalCount":1`)

	w = request(router, http.MethodPost, "/v1/admin/retention/cleanup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deletedCount":1`)

	s, ok := sessions.Get("old")
	require.True(t, ok)
	assert.NotNil(t, s.DeletedAt)

	entries, err := svc.Ledger().Query(context.Background(), ledger.QueryFilter{Actions: []string{ledger.ActionSessionDelete}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "old", *entries[0].ResourceID)

	w = request(router, http.MethodGet, "/v1/admin/audit/verify", "")
	assert.Equal(t, http.StatusOK, w.Code)

	before := time.Now().UTC().Add(time.Minute).Format(time.RFC3339)
	w = request(router, http.MethodPost, "/v1/admin/audit/archive", `{"before":"`+before+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"archivedCount":1`)
}

func TestNew_AdminTokenFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.AdminToken = "t0ken"
	svc, err := New(context.Background(), cfg, quietLogger(), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer svc.Close()

	w := request(svc.Router(), http.MethodGet, "/v1/admin/retention/status", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNew_BadgerBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendBadger
	cfg.Storage.BadgerPath = t.TempDir()

	svc, err := New(context.Background(), cfg, quietLogger(), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)

	_, err = svc.Ledger().Log(context.Background(), ledger.Event{
		ActorUserID: "admin", Action: "auth.login", ResourceType: "user",
	})
	require.NoError(t, err)
	res, err := svc.Ledger().VerifyChain(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.EntriesVerified)
	assert.NoError(t, svc.Close())
}

func TestNew_ArchiveDisabledReportsNoSink(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive.Backend = config.ArchiveNone
	svc, err := New(context.Background(), cfg, quietLogger(), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.Ledger().ArchiveBefore(context.Background(), time.Now())
	assert.ErrorIs(t, err, ledger.ErrNoArchiveSink)
}

// =============================================================================
// Run Tests
// =============================================================================

func TestRun_StopsOnCancel(t *testing.T) {
	svc, err := New(context.Background(), testConfig(t), quietLogger(), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := svc.Scheduler().NextFire()
		return ok
	}, 2*time.Second, 10*time.Millisecond, "scheduler should arm")

	status := svc.Engine().JobStatus()
	require.NotNil(t, status.NextScheduledRun)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, armed := svc.Scheduler().NextFire()
	assert.False(t, armed, "stop cancels the pending timer")
}
