// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the compliance service.
//
// # Description
//
// Prometheus metrics covering the audit ledger and retention enforcement:
//   - Ledger appends by severity, chain verifications by outcome
//   - Archive runs and archived entry counts
//   - Cleanup runs by mode and outcome, sessions deleted by tier
//   - Per-item cleanup failures, run duration, in-flight gauge
//
// # Integration
//
// Metrics are registered against the Registerer passed to NewMetrics and
// exposed via the /metrics endpoint of the same registry.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *Metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for compliance metrics
const complianceSubsystem = "compliance"

// Cleanup run modes.
const (
	ModeDryRun  = "dry_run"
	ModeExecute = "execute"
)

// Outcome labels.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusRejected = "rejected"
	ResultValid    = "valid"
	ResultBroken   = "broken"
)

// Metrics holds all Prometheus metrics for the compliance service.
//
// # Fields
//
//   - LedgerAppendsTotal: Labels: severity (info, warning, critical)
//   - LedgerAppendErrorsTotal: Failed appends.
//   - ChainVerificationsTotal: Labels: result (valid, broken)
//   - ArchiveRunsTotal: Labels: status (success, error)
//   - ArchivedEntriesTotal: Entries moved out of the live chain.
//   - CleanupRunsTotal: Labels: mode (dry_run, execute), status (success, error, rejected)
//   - SessionsDeletedTotal: Labels: tier (free, pro)
//   - CleanupItemErrorsTotal: Per-session failures absorbed by a run.
//   - CleanupDurationSeconds: Labels: mode
//   - CleanupRunning: 1 while a run holds the single-flight lock.
type Metrics struct {
	LedgerAppendsTotal      *prometheus.CounterVec
	LedgerAppendErrorsTotal prometheus.Counter
	ChainVerificationsTotal *prometheus.CounterVec
	ArchiveRunsTotal        *prometheus.CounterVec
	ArchivedEntriesTotal    prometheus.Counter
	CleanupRunsTotal        *prometheus.CounterVec
	SessionsDeletedTotal    *prometheus.CounterVec
	CleanupItemErrorsTotal  prometheus.Counter
	CleanupDurationSeconds  *prometheus.HistogramVec
	CleanupRunning          prometheus.Gauge
}

// NewMetrics creates and registers all metrics against reg.
//
// # Description
//
// Tests pass a fresh prometheus.NewRegistry() so instances never collide.
//
// # Limitations
//
//   - Panics if the same registry already holds these metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LedgerAppendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: complianceSubsystem,
				Name:      "ledger_appends_total",
				Help:      "Total audit entries appended by severity",
			},
			[]string{"severity"},
		),
		LedgerAppendErrorsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: complianceSubsystem,
				Name:      "ledger_append_errors_total",
				Help:      "Total failed audit appends",
			},
		),
		ChainVerificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: complianceSubsystem,
				Name:      "chain_verifications_total",
				Help:      "Total hash chain verifications by result",
			},
			[]string{"result"},
		),
		ArchiveRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: complianceSubsystem,
				Name:      "archive_runs_total",
				Help:      "Total ledger archive attempts by status",
			},
			[]string{"status"},
		),
		ArchivedEntriesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: complianceSubsystem,
				Name:      "archived_entries_total",
				Help:      "Total audit entries moved to archive segments",
			},
		),
		CleanupRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: complianceSubsystem,
				Name:      "cleanup_runs_total",
				Help:      "Total retention cleanup runs by mode and status",
			},
			[]string{"mode", "status"},
		),
		SessionsDeletedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: complianceSubsystem,
				Name:      "sessions_deleted_total",
				Help:      "Total sessions soft-deleted by retention tier",
			},
			[]string{"tier"},
		),
		CleanupItemErrorsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: complianceSubsystem,
				Name:      "cleanup_item_errors_total",
				Help:      "Total per-session failures during retention cleanup",
			},
		),
		CleanupDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: complianceSubsystem,
				Name:      "cleanup_duration_seconds",
				Help:      "Retention cleanup run duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"mode"},
		),
		CleanupRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: complianceSubsystem,
				Name:      "cleanup_running",
				Help:      "1 while a retention cleanup run is in flight",
			},
		),
	}
}

// RecordAppend records an appended entry.
func (m *Metrics) RecordAppend(severity string) {
	if m == nil {
		return
	}
	m.LedgerAppendsTotal.WithLabelValues(severity).Inc()
}

// RecordAppendError records a failed append.
func (m *Metrics) RecordAppendError() {
	if m == nil {
		return
	}
	m.LedgerAppendErrorsTotal.Inc()
}

// RecordVerification records a chain check outcome.
func (m *Metrics) RecordVerification(valid bool) {
	if m == nil {
		return
	}
	result := ResultValid
	if !valid {
		result = ResultBroken
	}
	m.ChainVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordArchive records an archive attempt.
func (m *Metrics) RecordArchive(archived int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ArchiveRunsTotal.WithLabelValues(StatusError).Inc()
		return
	}
	m.ArchiveRunsTotal.WithLabelValues(StatusSuccess).Inc()
	m.ArchivedEntriesTotal.Add(float64(archived))
}

// CleanupStarted marks a run as in flight.
func (m *Metrics) CleanupStarted() {
	if m == nil {
		return
	}
	m.CleanupRunning.Set(1)
}

// CleanupFinished records the end of a run.
func (m *Metrics) CleanupFinished(dryRun bool, duration time.Duration, err error) {
	if m == nil {
		return
	}
	mode := modeLabel(dryRun)
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.CleanupRunning.Set(0)
	m.CleanupRunsTotal.WithLabelValues(mode, status).Inc()
	m.CleanupDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// CleanupRejected records a run refused by the single-flight lock.
func (m *Metrics) CleanupRejected(dryRun bool) {
	if m == nil {
		return
	}
	m.CleanupRunsTotal.WithLabelValues(modeLabel(dryRun), StatusRejected).Inc()
}

// RecordSessionDeleted records one soft-deleted session.
func (m *Metrics) RecordSessionDeleted(tier string) {
	if m == nil {
		return
	}
	m.SessionsDeletedTotal.WithLabelValues(tier).Inc()
}

// RecordItemError records one absorbed per-session failure.
func (m *Metrics) RecordItemError() {
	if m == nil {
		return
	}
	m.CleanupItemErrorsTotal.Inc()
}

func modeLabel(dryRun bool) string {
	if dryRun {
		return ModeDryRun
	}
	return ModeExecute
}
