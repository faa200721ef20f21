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
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianCompliance/services/compliance/ledger"
	"github.com/AleutianAI/AleutianCompliance/services/compliance/observability"
)

var tracer = otel.Tracer("aleutian.compliance.retention")

// =============================================================================
// Engine Configuration
// =============================================================================

// Defaults for EngineConfig.
const (
	DefaultBatchSize        = 100
	DefaultMaxTrackedErrors = 100
	DefaultPreviewLimit     = 20
	MaxPreviewLimit         = 1000
)

// Audit vocabulary for retention deletions.
const (
	SessionResourceType = "session"
	ReasonExpired       = "retention_expired"
)

// EngineConfig holds tuning for the enforcement engine.
//
// # Fields
//
//   - BatchSize: Sessions fetched per query. Default: 100.
//   - MaxTrackedErrors: Failed IDs kept in CleanupResult.Errors. Default: 100.
//   - BatchRate: Batches per second across the run; 0 disables pacing.
type EngineConfig struct {
	BatchSize        int
	MaxTrackedErrors int
	BatchRate        float64
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BatchSize:        DefaultBatchSize,
		MaxTrackedErrors: DefaultMaxTrackedErrors,
	}
}

// EngineOption configures optional Engine collaborators.
type EngineOption func(*Engine)

// WithEngineClock replaces the system clock checker.
func WithEngineClock(c ClockChecker) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithEngineMetrics attaches Prometheus metrics.
func WithEngineMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEngineLogger overrides slog.Default().
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithSanitizer replaces the default error sanitizer.
func WithSanitizer(s *Sanitizer) EngineOption {
	return func(e *Engine) { e.sanitizer = s }
}

// =============================================================================
// Engine
// =============================================================================

// Engine is the single-flight retention enforcement processor.
//
// # Description
//
// State per call is idle -> running -> idle. The single-flight lock is a
// weighted semaphore of capacity one acquired with TryAcquire, so a
// concurrent call fails fast instead of queuing. Dry runs take the same
// lock.
//
// Users and batches are processed sequentially. One failing session never
// stops the run; its ID is recorded and the walk continues.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
type Engine struct {
	sessions  SessionStore
	tiers     TierResolver
	audit     AuditLogger
	clock     ClockChecker
	sanitizer *Sanitizer
	metrics   *observability.Metrics
	logger    *slog.Logger
	limiter   *rate.Limiter
	config    EngineConfig

	flight *semaphore.Weighted

	mu     sync.RWMutex
	status RetentionJobStatus
}

// NewEngine creates an engine.
//
// # Inputs
//
//   - sessions: Storage for governed sessions.
//   - tiers: Billing collaborator resolving a user's tier.
//   - audit: Ledger receiving one entry per deletion.
//   - config: Tuning; zero fields take defaults.
func NewEngine(sessions SessionStore, tiers TierResolver, audit AuditLogger, config EngineConfig, opts ...EngineOption) *Engine {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxTrackedErrors <= 0 {
		config.MaxTrackedErrors = DefaultMaxTrackedErrors
	}
	e := &Engine{
		sessions: sessions,
		tiers:    tiers,
		audit:    audit,
		config:   config,
		flight:   semaphore.NewWeighted(1),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = NewClockChecker(DefaultClockConfig())
	}
	if e.sanitizer == nil {
		e.sanitizer = NewSanitizer(nil, DefaultMaxErrorLength)
	}
	if config.BatchRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(config.BatchRate), 1)
	}
	return e
}

// CleanupExpiredSessions runs one enforcement pass.
//
// # Description
//
//  1. Acquire the single-flight lock or fail with ErrAlreadyRunning.
//  2. Validate the clock and take "now".
//  3. For each user owning live sessions, resolve the tier and compute
//     cutoff = now - RetentionDays(tier).
//  4. Fetch expired sessions oldest first in batches of BatchSize until a
//     batch comes back short.
//  5. Soft-delete each session and log a session.delete audit entry.
//     Failures are sanitized, counted and skipped.
//
// Whatever happens, the deferred epilogue stamps DurationMs, records
// lastRun/lastResult, clears isRunning and releases the lock.
//
// With dryRun set, steps 1-4 run but nothing is deleted or logged.
//
// # Outputs
//
//   - CleanupResult: Populated even when err is non-nil (partial progress).
//   - error: ErrAlreadyRunning, a clock failure, or a storage failure
//     while enumerating users or fetching batches.
func (e *Engine) CleanupExpiredSessions(ctx context.Context, dryRun bool) (result CleanupResult, err error) {
	if !e.flight.TryAcquire(1) {
		e.metrics.CleanupRejected(dryRun)
		e.logger.Warn("retention.cleanup.rejected", slog.Bool("dry_run", dryRun))
		return CleanupResult{}, ErrAlreadyRunning
	}

	started := time.Now()
	result = CleanupResult{
		RunID:  uuid.NewString(),
		DryRun: dryRun,
		Errors: []string{},
	}
	e.markRunning()
	e.metrics.CleanupStarted()

	ctx, span := tracer.Start(ctx, "retention.CleanupExpiredSessions")
	span.SetAttributes(
		attribute.String("retention.run_id", result.RunID),
		attribute.Bool("retention.dry_run", dryRun),
	)
	log := e.logger.With(slog.String("run_id", result.RunID), slog.Bool("dry_run", dryRun))

	defer func() {
		elapsed := time.Since(started)
		result.DurationMs = elapsed.Milliseconds()
		e.finish(result, err)
		e.metrics.CleanupFinished(dryRun, elapsed, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cleanup failed")
		}
		span.SetAttributes(
			attribute.Int64("retention.deleted", result.DeletedCount),
			attribute.Int64("retention.errors", result.ErrorCount),
		)
		span.End()
		e.flight.Release(1)
	}()

	now, err := e.clock.Now(ctx)
	if err != nil {
		log.Error("retention.cleanup.clock_rejected", slog.String("error", err.Error()))
		return result, fmt.Errorf("retention clock check: %w", err)
	}
	result.Timestamp = now

	users, err := e.sessions.UsersWithLiveSessions(ctx)
	if err != nil {
		log.Error("retention.cleanup.failed", slog.String("error", e.sanitizer.SanitizeError(err)))
		return result, fmt.Errorf("list users with sessions: %w", err)
	}
	log.Info("retention.cleanup.started", slog.Int("users", len(users)))

	for _, userID := range users {
		tier, terr := e.tiers.ResolveTier(ctx, userID)
		if terr != nil {
			e.recordFailure(log, &result, "user:"+userID, terr)
			continue
		}
		result.UsersProcessed++
		if err = e.processUser(ctx, log, &result, userID, tier, now, dryRun); err != nil {
			log.Error("retention.cleanup.failed", slog.String("error", e.sanitizer.SanitizeError(err)))
			return result, err
		}
	}

	log.Info("retention.cleanup.completed",
		slog.Int64("deleted", result.DeletedCount),
		slog.Int64("batches", result.BatchesProcessed),
		slog.Int64("free", result.ByTier.Free),
		slog.Int64("pro", result.ByTier.Pro),
		slog.Int64("errors", result.ErrorCount),
		slog.Int64("duration_ms", time.Since(started).Milliseconds()),
	)
	return result, nil
}

// processUser walks one user's expired sessions.
func (e *Engine) processUser(ctx context.Context, log *slog.Logger, result *CleanupResult, userID string, tier Tier, now time.Time, dryRun bool) error {
	cutoff := Cutoff(now, tier)
	var cursor Cursor
	for {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("batch pacing: %w", err)
			}
		}
		batch, err := e.sessions.ExpiredBatch(ctx, userID, cutoff, cursor, e.config.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch expired sessions: %w", err)
		}
		if len(batch) > 0 {
			result.BatchesProcessed++
		}

		for _, s := range batch {
			if dryRun {
				result.DeletedCount++
				result.ByTier.add(tier)
				continue
			}
			if err := e.deleteSession(ctx, s, tier, now); err != nil {
				e.recordFailure(log, result, s.ID, err)
				continue
			}
			result.DeletedCount++
			result.ByTier.add(tier)
			e.metrics.RecordSessionDeleted(string(tier))
		}

		if len(batch) < e.config.BatchSize {
			return nil
		}
		last := batch[len(batch)-1]
		cursor = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}

// deleteSession soft-deletes s and records the deletion.
func (e *Engine) deleteSession(ctx context.Context, s Session, tier Tier, now time.Time) error {
	if err := e.sessions.SoftDelete(ctx, s.ID, now); err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	sessionID := s.ID
	_, err := e.audit.Log(ctx, ledger.Event{
		ActorUserID:  s.UserID,
		Action:       ledger.ActionSessionDelete,
		ResourceType: SessionResourceType,
		ResourceID:   &sessionID,
		Metadata: map[string]any{
			"reason":         ReasonExpired,
			"tier":           string(tier),
			"sessionAgeDays": ageDays(now, s.CreatedAt),
		},
	})
	if err != nil {
		return fmt.Errorf("audit log after soft delete: %w", err)
	}
	return nil
}

// recordFailure absorbs a per-item failure into result.
func (e *Engine) recordFailure(log *slog.Logger, result *CleanupResult, id string, err error) {
	result.ErrorCount++
	if len(result.Errors) < e.config.MaxTrackedErrors {
		result.Errors = append(result.Errors, id)
	}
	e.metrics.RecordItemError()
	log.Warn("retention.item.failed",
		slog.String("item", id),
		slog.String("error", e.sanitizer.SanitizeError(err)),
	)
}

func (e *Engine) markRunning() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.IsRunning = true
}

func (e *Engine) finish(result CleanupResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	finished := time.Now().UTC()
	r := result
	r.Errors = append([]string(nil), result.Errors...)
	e.status.LastRun = &finished
	e.status.LastResult = &r
	e.status.LastError = nil
	if err != nil {
		msg := e.sanitizer.SanitizeError(err)
		e.status.LastError = &msg
	}
	e.status.IsRunning = false
}

// JobStatus returns a snapshot of the engine state.
func (e *Engine) JobStatus() RetentionJobStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.status
	if s.LastResult != nil {
		r := *s.LastResult
		r.Errors = append([]string(nil), s.LastResult.Errors...)
		s.LastResult = &r
	}
	return s
}

// SetNextScheduledRun publishes the scheduler's next fire time.
func (e *Engine) SetNextScheduledRun(next *time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.NextScheduledRun = next
}

// =============================================================================
// Preview
// =============================================================================

// PreviewCleanup reports what the next run would delete.
//
// # Description
//
// Read-only and lock-free. TotalCount covers every expired session across
// users; Sessions holds up to limit of them in the order a run would reach
// them first, oldest creation time first, each annotated with tier and age.
// Users whose tier cannot be resolved are skipped.
func (e *Engine) PreviewCleanup(ctx context.Context, limit int) (CleanupPreview, error) {
	ctx, span := tracer.Start(ctx, "retention.PreviewCleanup")
	defer span.End()

	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	if limit > MaxPreviewLimit {
		limit = MaxPreviewLimit
	}
	now, err := e.clock.Now(ctx)
	if err != nil {
		return CleanupPreview{}, fmt.Errorf("retention clock check: %w", err)
	}
	users, err := e.sessions.UsersWithLiveSessions(ctx)
	if err != nil {
		return CleanupPreview{}, fmt.Errorf("list users with sessions: %w", err)
	}

	preview := CleanupPreview{Sessions: []PreviewSession{}, GeneratedAt: now}
	for _, userID := range users {
		tier, err := e.tiers.ResolveTier(ctx, userID)
		if err != nil {
			e.logger.Warn("retention.preview.tier_unresolved",
				slog.String("user_id", userID),
				slog.String("error", e.sanitizer.SanitizeError(err)),
			)
			continue
		}
		cutoff := Cutoff(now, tier)
		count, err := e.sessions.CountExpired(ctx, userID, cutoff)
		if err != nil {
			return CleanupPreview{}, fmt.Errorf("count expired sessions: %w", err)
		}
		if count == 0 {
			continue
		}
		preview.TotalCount += count
		batch, err := e.sessions.ExpiredBatch(ctx, userID, cutoff, Cursor{}, limit)
		if err != nil {
			return CleanupPreview{}, fmt.Errorf("fetch expired sessions: %w", err)
		}
		for _, s := range batch {
			preview.Sessions = append(preview.Sessions, PreviewSession{
				SessionID: s.ID,
				UserID:    s.UserID,
				Tier:      tier,
				AgeDays:   ageDays(now, s.CreatedAt),
				CreatedAt: s.CreatedAt,
				ExpiredAt: s.CreatedAt.Add(RetentionWindow(tier)),
			})
		}
	}

	sort.SliceStable(preview.Sessions, func(i, j int) bool {
		a, b := preview.Sessions[i], preview.Sessions[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.SessionID < b.SessionID
	})
	if len(preview.Sessions) > limit {
		preview.Sessions = preview.Sessions[:limit]
	}
	return preview, nil
}
