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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimer records Stop calls.
type fakeTimer struct {
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	was := !f.stopped
	f.stopped = true
	return was
}

// timerHarness captures armed timers instead of waiting on them.
type timerHarness struct {
	mu     sync.Mutex
	delays []time.Duration
	fires  []func()
	timers []*fakeTimer
}

func (h *timerHarness) afterFunc(d time.Duration, f func()) stoppable {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := &fakeTimer{}
	h.delays = append(h.delays, d)
	h.fires = append(h.fires, f)
	h.timers = append(h.timers, t)
	return t
}

func (h *timerHarness) last() (time.Duration, func(), *fakeTimer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.fires) - 1
	return h.delays[n], h.fires[n], h.timers[n]
}

func (h *timerHarness) armed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fires)
}

// fakeRunner counts runs and records the published next run.
type fakeRunner struct {
	mu     sync.Mutex
	runs   int
	dryRun []bool
	err    error
	next   *time.Time
}

func (r *fakeRunner) CleanupExpiredSessions(_ context.Context, dryRun bool) (CleanupResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	r.dryRun = append(r.dryRun, dryRun)
	if r.err != nil {
		return CleanupResult{}, r.err
	}
	return CleanupResult{RunID: "run"}, nil
}

func (r *fakeRunner) SetNextScheduledRun(next *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = next
}

func newTestScheduler(runner CleanupRunner, now *time.Time) (*Scheduler, *timerHarness) {
	h := &timerHarness{}
	s := NewScheduler(runner, DefaultSchedulerConfig(), nil)
	s.now = func() time.Time { return *now }
	s.afterFunc = h.afterFunc
	return s, h
}

func TestNextRun(t *testing.T) {
	day := func(d, h, m int) time.Time { return time.Date(2025, 6, d, h, m, 0, 0, time.UTC) }
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before target", day(1, 2, 0), day(1, 3, 0)},
		{"after target", day(1, 4, 0), day(2, 3, 0)},
		{"exactly at target", day(1, 3, 0), day(2, 3, 0)},
		{"just before target", day(1, 2, 59), day(1, 3, 0)},
		{"month rollover", time.Date(2025, 6, 30, 23, 0, 0, 0, time.UTC), time.Date(2025, 7, 1, 3, 0, 0, 0, time.UTC)},
		{"non-utc input", time.Date(2025, 6, 1, 4, 0, 0, 0, time.FixedZone("PDT", -7*3600)), day(2, 3, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextRun(tt.now, 3, 0)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestSchedulerConfig_Validate(t *testing.T) {
	assert.NoError(t, SchedulerConfig{RetentionHour: 23, RetentionMinute: 59}.Validate())
	assert.Error(t, SchedulerConfig{RetentionHour: 24}.Validate())
	assert.Error(t, SchedulerConfig{RetentionMinute: -1}.Validate())
}

func TestScheduler_ArmsForNextFire(t *testing.T) {
	now := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	runner := &fakeRunner{}
	s, h := newTestScheduler(runner, &now)

	require.NoError(t, s.Start(context.Background()))

	delay, _, _ := h.last()
	assert.Equal(t, time.Hour, delay)
	require.NotNil(t, runner.next)
	assert.True(t, runner.next.Equal(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)))

	fire, ok := s.NextFire()
	assert.True(t, ok)
	assert.True(t, fire.Equal(*runner.next))
}

func TestScheduler_PastTargetFiresTomorrow(t *testing.T) {
	now := time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC)
	s, h := newTestScheduler(&fakeRunner{}, &now)

	require.NoError(t, s.Start(context.Background()))
	delay, _, _ := h.last()
	assert.Equal(t, 23*time.Hour, delay)
}

func TestScheduler_FireRunsAndRearms(t *testing.T) {
	now := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	runner := &fakeRunner{}
	s, h := newTestScheduler(runner, &now)
	require.NoError(t, s.Start(context.Background()))

	_, fire, _ := h.last()
	now = time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	fire()

	assert.Equal(t, 1, runner.runs)
	assert.Equal(t, []bool{false}, runner.dryRun, "scheduled runs are real runs")
	require.Equal(t, 2, h.armed())
	delay, _, _ := h.last()
	assert.Equal(t, 24*time.Hour, delay)
	assert.True(t, runner.next.Equal(time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)))
}

func TestScheduler_RearmsAfterFailure(t *testing.T) {
	now := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	runner := &fakeRunner{err: errors.New("database down")}
	s, h := newTestScheduler(runner, &now)
	require.NoError(t, s.Start(context.Background()))

	for day := 1; day <= 3; day++ {
		_, fire, _ := h.last()
		now = time.Date(2025, 6, day, 3, 0, 0, 0, time.UTC)
		fire()
	}
	assert.Equal(t, 3, runner.runs)
	assert.Equal(t, 4, h.armed())
}

func TestScheduler_RearmsAfterAlreadyRunning(t *testing.T) {
	now := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	runner := &fakeRunner{err: ErrAlreadyRunning}
	s, h := newTestScheduler(runner, &now)
	require.NoError(t, s.Start(context.Background()))

	_, fire, _ := h.last()
	fire()
	assert.Equal(t, 2, h.armed())
}

func TestScheduler_StopCancelsPendingTimer(t *testing.T) {
	now := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	runner := &fakeRunner{}
	s, h := newTestScheduler(runner, &now)
	require.NoError(t, s.Start(context.Background()))

	_, fire, timer := h.last()
	s.Stop()

	assert.True(t, timer.stopped)
	assert.Nil(t, runner.next)
	_, ok := s.NextFire()
	assert.False(t, ok)

	// A fire that raced with Stop does nothing.
	fire()
	assert.Zero(t, runner.runs)
	assert.Equal(t, 1, h.armed())

	s.Stop()
}

func TestScheduler_EarlyFireDoesNotRepeatSlot(t *testing.T) {
	now := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	runner := &fakeRunner{}
	s, h := newTestScheduler(runner, &now)
	require.NoError(t, s.Start(context.Background()))

	_, fire, _ := h.last()
	now = time.Date(2025, 6, 1, 2, 59, 59, 995_000_000, time.UTC)
	fire()

	assert.Equal(t, 1, runner.runs)
	require.Equal(t, 2, h.armed())
	want := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	assert.True(t, runner.next.Equal(want), "next run %v", runner.next)
	delay, _, _ := h.last()
	assert.Equal(t, want.Sub(now), delay)
}

// blockingRunner holds each run until release is closed.
type blockingRunner struct {
	fakeRunner
	started chan struct{}
	release chan struct{}
}

func (r *blockingRunner) CleanupExpiredSessions(ctx context.Context, dryRun bool) (CleanupResult, error) {
	close(r.started)
	<-r.release
	return r.fakeRunner.CleanupExpiredSessions(ctx, dryRun)
}

func TestScheduler_RestartDuringRunKeepsOneTimer(t *testing.T) {
	now := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	s, h := newTestScheduler(runner, &now)
	require.NoError(t, s.Start(context.Background()))

	_, fire, _ := h.last()
	now = time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fire()
	}()
	<-runner.started

	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, 2, h.armed())
	_, _, restarted := h.last()

	close(runner.release)
	<-done

	assert.Equal(t, 2, h.armed(), "finished run must not arm a second chain")
	s.Stop()
	assert.True(t, restarted.stopped, "Stop must reach the timer armed by Start")
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	now := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	s, h := newTestScheduler(&fakeRunner{}, &now)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, h.armed())
}

func TestScheduler_Disabled(t *testing.T) {
	now := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	s, h := newTestScheduler(&fakeRunner{}, &now)
	s.config.Enabled = false

	require.NoError(t, s.Start(context.Background()))
	assert.Zero(t, h.armed())
}

func TestScheduler_RejectsInvalidTime(t *testing.T) {
	now := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	s, h := newTestScheduler(&fakeRunner{}, &now)
	s.config.RetentionHour = 25

	assert.Error(t, s.Start(context.Background()))
	assert.Zero(t, h.armed())
}

func TestScheduler_DrivesEngine(t *testing.T) {
	now := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	store := NewMemorySessionStore(session("s1", "u1", 45))
	engine := newTestEngine(store, StaticTierResolver{}, &recordingAudit{})
	s, h := newTestScheduler(engine, &now)
	require.NoError(t, s.Start(context.Background()))

	status := engine.JobStatus()
	require.NotNil(t, status.NextScheduledRun)

	_, fire, _ := h.last()
	fire()

	status = engine.JobStatus()
	require.NotNil(t, status.LastResult)
	assert.Equal(t, int64(1), status.LastResult.DeletedCount)
	assert.False(t, status.LastResult.DryRun)
}
