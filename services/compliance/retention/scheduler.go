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
	"sync"
	"time"
)

// SchedulerConfig controls the daily run.
type SchedulerConfig struct {
	Enabled         bool
	RetentionHour   int
	RetentionMinute int
}

// DefaultSchedulerConfig fires at 03:00 UTC.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Enabled: true, RetentionHour: 3, RetentionMinute: 0}
}

// Validate checks the hour and minute ranges.
func (c SchedulerConfig) Validate() error {
	if c.RetentionHour < 0 || c.RetentionHour > 23 {
		return fmt.Errorf("retention hour %d out of range [0,23]", c.RetentionHour)
	}
	if c.RetentionMinute < 0 || c.RetentionMinute > 59 {
		return fmt.Errorf("retention minute %d out of range [0,59]", c.RetentionMinute)
	}
	return nil
}

// NextRun returns the next HH:MM UTC strictly after now.
func NextRun(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// CleanupRunner is the part of Engine the scheduler drives.
type CleanupRunner interface {
	CleanupExpiredSessions(ctx context.Context, dryRun bool) (CleanupResult, error)
	SetNextScheduledRun(next *time.Time)
}

// stoppable is the part of *time.Timer the scheduler needs.
type stoppable interface {
	Stop() bool
}

// Scheduler fires a CleanupRunner once a day.
//
// # Description
//
// One timer is pending at a time. When it fires, a real cleanup runs to
// completion and the next timer is armed regardless of how the run ended,
// so a failing day never stops future days. Stop cancels the pending
// timer only; a run already in progress finishes on its own.
//
// # Thread Safety
//
// Start and Stop are safe for concurrent use.
type Scheduler struct {
	runner CleanupRunner
	config SchedulerConfig
	logger *slog.Logger

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stoppable

	mu      sync.Mutex
	ctx     context.Context
	timer   stoppable
	next    time.Time
	running bool

	// gen changes on every arm and stop; a fire re-arms only when its
	// generation is still current.
	gen uint64
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(runner CleanupRunner, config SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner: runner,
		config: config,
		logger: logger,
		now:    time.Now,
		afterFunc: func(d time.Duration, f func()) stoppable {
			return time.AfterFunc(d, f)
		},
	}
}

// Start arms the first timer. ctx is passed to every scheduled run.
//
// A disabled scheduler logs and returns nil. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("retention.scheduler.disabled")
		return nil
	}
	if err := s.config.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.ctx = ctx
	s.running = true
	s.armLocked(time.Time{})
	return nil
}

// Stop cancels the pending timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.runner.SetNextScheduledRun(nil)
	s.logger.Info("retention.scheduler.stopped")
}

// NextFire returns the pending fire time, or false when stopped.
func (s *Scheduler) NextFire() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.timer == nil {
		return time.Time{}, false
	}
	return s.next, true
}

// armLocked schedules the next fire strictly after both now and after.
// Passing the slot that just fired keeps an early timer from landing on
// the same slot again.
func (s *Scheduler) armLocked(after time.Time) {
	now := s.now().UTC()
	from := now
	if after.After(from) {
		from = after
	}
	next := NextRun(from, s.config.RetentionHour, s.config.RetentionMinute)
	s.gen++
	gen := s.gen
	s.next = next
	s.timer = s.afterFunc(next.Sub(now), func() { s.fire(gen, next) })

	published := next
	s.runner.SetNextScheduledRun(&published)
	s.logger.Info("retention.scheduler.armed",
		slog.Time("next_run", next),
		slog.Duration("delay", next.Sub(now)),
	)
}

func (s *Scheduler) fire(gen uint64, slot time.Time) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.timer = nil
	s.mu.Unlock()

	result, err := s.runner.CleanupExpiredSessions(ctx, false)
	switch {
	case err != nil:
		s.logger.Error("retention.scheduled.failed", slog.String("error", err.Error()))
	case result.HasErrors():
		s.logger.Warn("retention.scheduled.completed_with_errors",
			slog.String("run_id", result.RunID),
			slog.Int64("deleted", result.DeletedCount),
			slog.Int64("errors", result.ErrorCount),
		)
	default:
		s.logger.Info("retention.scheduled.completed",
			slog.String("run_id", result.RunID),
			slog.Int64("deleted", result.DeletedCount),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A Stop/Start during the run already armed a fresh timer.
	if s.running && gen == s.gen {
		s.armLocked(slot)
	}
}
