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

// =============================================================================
// Clock Sanity Checking
// =============================================================================

// ClockChecker supplies the "now" that retention cutoffs are computed from.
//
// # Description
//
// A clock that runs ahead would expire sessions early, and soft deletion is
// not undone by this service. Before every run the engine asks the checker
// for the current time; an error aborts the run before anything is touched.
type ClockChecker interface {
	// Now validates the clock and returns the current UTC time.
	Now(ctx context.Context) (time.Time, error)

	// ResetJumpDetection forgets the last known good time.
	ResetJumpDetection()
}

// ReferenceClock is an independent time source, typically the database.
type ReferenceClock interface {
	ReferenceTime(ctx context.Context) (time.Time, error)
}

// ClockConfig configures validation bounds.
//
// # Fields
//
//   - MinValidTime: Earliest acceptable time (default: 2025-01-01)
//   - MaxValidTime: Latest acceptable time (default: 2035-12-31)
//   - MaxBackwardJump: Maximum allowed backward move since the last check (default: 1 hour)
//   - MaxSkew: Maximum difference from Reference (default: 5 minutes)
//   - Reference: Optional independent time source; nil skips the skew check.
type ClockConfig struct {
	MinValidTime    time.Time
	MaxValidTime    time.Time
	MaxBackwardJump time.Duration
	MaxSkew         time.Duration
	Reference       ReferenceClock
}

// DefaultClockConfig returns production bounds without a reference clock.
func DefaultClockConfig() ClockConfig {
	return ClockConfig{
		MinValidTime:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxValidTime:    time.Date(2035, 12, 31, 23, 59, 59, 0, time.UTC),
		MaxBackwardJump: 1 * time.Hour,
		MaxSkew:         5 * time.Minute,
	}
}

// clockChecker implements ClockChecker against the system clock.
//
// # Thread Safety
//
// All methods are thread-safe via mutex protection.
type clockChecker struct {
	config            ClockConfig
	now               func() time.Time
	lastKnownGoodTime time.Time
	checkCount        int64
	mu                sync.Mutex
}

// NewClockChecker creates a checker over time.Now.
func NewClockChecker(config ClockConfig) ClockChecker {
	return newClockChecker(config, time.Now)
}

func newClockChecker(config ClockConfig, now func() time.Time) *clockChecker {
	return &clockChecker{config: config, now: now}
}

// Now performs the checks and returns the validated time.
//
// # Description
//
// Performs up to four validations:
//  1. Current time >= MinValidTime
//  2. Current time <= MaxValidTime
//  3. No backward jump beyond MaxBackwardJump since the last good check
//  4. |now - reference| <= MaxSkew when a Reference is configured
//
// Forward jumps are not checked locally since runs are a day apart; the
// reference comparison covers a clock set into the future.
func (c *clockChecker) Now(ctx context.Context) (time.Time, error) {
	now := c.now().UTC()

	if now.Before(c.config.MinValidTime) {
		return time.Time{}, fmt.Errorf("clock sanity: time %v is before minimum valid time %v",
			now.Format(time.RFC3339), c.config.MinValidTime.Format(time.RFC3339))
	}
	if now.After(c.config.MaxValidTime) {
		return time.Time{}, fmt.Errorf("clock sanity: time %v is after maximum valid time %v",
			now.Format(time.RFC3339), c.config.MaxValidTime.Format(time.RFC3339))
	}

	c.mu.Lock()
	lastGood, checks := c.lastKnownGoodTime, c.checkCount
	c.mu.Unlock()
	if checks > 0 && c.config.MaxBackwardJump > 0 {
		if diff := now.Sub(lastGood); diff < -c.config.MaxBackwardJump {
			return time.Time{}, fmt.Errorf("clock sanity: backward jump of %v detected (max allowed: %v)",
				-diff, c.config.MaxBackwardJump)
		}
	}

	if c.config.Reference != nil && c.config.MaxSkew > 0 {
		ref, err := c.config.Reference.ReferenceTime(ctx)
		if err != nil {
			return time.Time{}, fmt.Errorf("clock sanity: read reference time: %w", err)
		}
		skew := now.Sub(ref)
		if skew < 0 {
			skew = -skew
		}
		if skew > c.config.MaxSkew {
			slog.Warn("clock sanity check failed",
				"local", now.Format(time.RFC3339),
				"reference", ref.UTC().Format(time.RFC3339),
			)
			return time.Time{}, fmt.Errorf("clock sanity: skew of %v from reference exceeds %v", skew, c.config.MaxSkew)
		}
	}

	c.mu.Lock()
	c.lastKnownGoodTime = now
	c.checkCount++
	c.mu.Unlock()
	return now, nil
}

// ResetJumpDetection clears the backward-jump baseline.
func (c *clockChecker) ResetJumpDetection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastKnownGoodTime = time.Time{}
	c.checkCount = 0
}

// =============================================================================
// Fixed Clock (for testing)
// =============================================================================

// FixedClock is a ClockChecker whose time only moves when told to.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
	err error
}

// NewFixedClock returns a clock stopped at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t.UTC()}
}

// Now returns the fixed time, or the configured failure.
func (f *FixedClock) Now(context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return time.Time{}, f.err
	}
	return f.now, nil
}

// Set moves the clock to t.
func (f *FixedClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// Advance moves the clock forward by d.
func (f *FixedClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Fail makes Now return err until Fail(nil).
func (f *FixedClock) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// ResetJumpDetection is a no-op.
func (f *FixedClock) ResetJumpDetection() {}
