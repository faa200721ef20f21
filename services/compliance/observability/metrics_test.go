// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Cleanup(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.CleanupStarted()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CleanupRunning))

	m.RecordSessionDeleted("free")
	m.RecordSessionDeleted("free")
	m.RecordSessionDeleted("pro")
	m.RecordItemError()
	m.CleanupFinished(false, 250*time.Millisecond, nil)
	m.CleanupRejected(true)
	m.CleanupFinished(true, time.Millisecond, errors.New("boom"))

	assert.Equal(t, float64(0), testutil.ToFloat64(m.CleanupRunning))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.SessionsDeletedTotal.WithLabelValues("free")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsDeletedTotal.WithLabelValues("pro")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CleanupItemErrorsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CleanupRunsTotal.WithLabelValues(ModeExecute, StatusSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CleanupRunsTotal.WithLabelValues(ModeDryRun, StatusRejected)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CleanupRunsTotal.WithLabelValues(ModeDryRun, StatusError)))
}

func TestMetrics_Ledger(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordAppend("critical")
	m.RecordAppendError()
	m.RecordVerification(true)
	m.RecordVerification(false)
	m.RecordArchive(12, nil)
	m.RecordArchive(0, errors.New("sink down"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.LedgerAppendsTotal.WithLabelValues("critical")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LedgerAppendErrorsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ChainVerificationsTotal.WithLabelValues(ResultBroken)))
	assert.Equal(t, float64(12), testutil.ToFloat64(m.ArchivedEntriesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ArchiveRunsTotal.WithLabelValues(StatusError)))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAppend("info")
		m.RecordVerification(true)
		m.RecordArchive(1, nil)
		m.CleanupStarted()
		m.CleanupFinished(false, time.Second, nil)
		m.RecordSessionDeleted("free")
	})
}
