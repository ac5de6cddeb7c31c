package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pddg/liveupdate/internal/config"
	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/events"
	"github.com/pddg/liveupdate/internal/orchestrator"
	"github.com/pddg/liveupdate/internal/scheduler"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const waitFor = 5 * time.Second

// fakeSyncer returns results in order and repeats the last one.
type fakeSyncer struct {
	mutex   sync.Mutex
	results []orchestrator.Result
	calls   int
	// release, when set, holds every Sync until it is closed.
	release chan struct{}
	started chan struct{}
}

func newFakeSyncer(results ...orchestrator.Result) *fakeSyncer {
	return &fakeSyncer{results: results, started: make(chan struct{}, 16)}
}

func (f *fakeSyncer) Sync(ctx context.Context, _ ...orchestrator.SyncOption) orchestrator.Result {
	f.mutex.Lock()
	i := min(f.calls, len(f.results)-1)
	f.calls++
	release := f.release
	f.mutex.Unlock()
	f.started <- struct{}{}
	if release != nil {
		<-release
	}
	return f.results[i]
}

func (f *fakeSyncer) callCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls
}

// manualTimer hands every requested delay to the test, which fires it by hand.
type manualTimer struct {
	delays chan time.Duration
	fire   chan time.Time
}

func newManualTimer() *manualTimer {
	return &manualTimer{delays: make(chan time.Duration, 16), fire: make(chan time.Time)}
}

func (m *manualTimer) after(d time.Duration) <-chan time.Time {
	m.delays <- d
	return m.fire
}

func (m *manualTimer) nextDelay(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-m.delays:
		return d
	case <-time.After(waitFor):
		require.FailNow(t, "no check was scheduled")
		return 0
	}
}

func (m *manualTimer) tick(t *testing.T) {
	t.Helper()
	select {
	case m.fire <- baseTime:
	case <-time.After(waitFor):
		require.FailNow(t, "scheduler is not waiting")
	}
}

func (m *manualTimer) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case d := <-m.delays:
		assert.Failf(t, "unexpected schedule", "delay %s", d)
	case <-time.After(50 * time.Millisecond):
	}
}

type eventLog struct {
	mutex  sync.Mutex
	events []events.Event
}

func (l *eventLog) record(ev events.Event) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) of(kind events.Kind) []events.Event {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	var out []events.Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newConfig() config.Config {
	cfg := config.Default()
	cfg.CheckInterval = time.Hour
	cfg.Background.Enabled = true
	return cfg
}

func newScheduler(syncer scheduler.Syncer, timer *manualTimer, opts ...scheduler.Option) (*scheduler.Scheduler, *eventLog) {
	log := &eventLog{}
	bus := events.NewBus()
	bus.Subscribe(log.record)
	opts = append([]scheduler.Option{
		scheduler.WithAfter(timer.after),
		scheduler.WithClock(func() time.Time { return baseTime }),
		scheduler.WithBus(bus),
		scheduler.WithFailureBackoff(time.Minute),
	}, opts...)
	return scheduler.New(syncer, opts...), log
}

func failure(msg string) orchestrator.Result {
	return orchestrator.Result{Status: orchestrator.SyncError, ErrorKind: "NetworkError", Message: msg}
}

func Test_Scheduler_Schedule(t *testing.T) {
	t.Parallel()
	// Setup
	syncer := newFakeSyncer(
		failure("connection refused"),
		failure("connection reset"),
		orchestrator.Result{Status: orchestrator.SyncUpdateAvailable, Version: "1.1.0", BundleID: "b1"},
	)
	timer := newManualTimer()
	s, log := newScheduler(syncer, timer)

	// Exercise
	require.NoError(t, s.Enable(t.Context(), newConfig()))
	t.Cleanup(s.Disable)

	// Verify
	assert.Equal(t, time.Hour, timer.nextDelay(t))
	status := s.Status()
	assert.True(t, status.Enabled)
	assert.Equal(t, baseTime.Add(time.Hour), status.NextCheckTime)
	assert.Zero(t, status.CheckCount)

	timer.tick(t)
	first := timer.nextDelay(t)
	assert.GreaterOrEqual(t, first, 30*time.Second)
	assert.LessOrEqual(t, first, 90*time.Second)

	timer.tick(t)
	second := timer.nextDelay(t)
	assert.GreaterOrEqual(t, second, 45*time.Second)
	assert.LessOrEqual(t, second, 135*time.Second)

	status = s.Status()
	assert.Equal(t, int64(2), status.CheckCount)
	assert.Equal(t, int64(2), status.FailureCount)
	assert.Equal(t, "connection reset", status.LastError)
	assert.Equal(t, "NetworkError", status.LastErrorKind)
	assert.True(t, status.LastCheckTime.IsZero())

	timer.tick(t)
	assert.Equal(t, time.Hour, timer.nextDelay(t))
	status = s.Status()
	assert.Equal(t, int64(3), status.CheckCount)
	assert.Equal(t, int64(2), status.FailureCount)
	assert.Equal(t, baseTime, status.LastCheckTime)
	assert.Equal(t, baseTime, status.LastUpdateTime)
	assert.False(t, status.IsRunning)

	notifications := log.of(events.BackgroundUpdateNotification)
	require.Len(t, notifications, 1)
	assert.Equal(t, "1.1.0", notifications[0].Version)
	assert.Equal(t, "b1", notifications[0].BundleID)
	var states []string
	for _, ev := range log.of(events.BackgroundUpdateProgress) {
		states = append(states, ev.State)
	}
	assert.Equal(t, []string{
		scheduler.ProgressStarted, scheduler.ProgressFinished,
		scheduler.ProgressStarted, scheduler.ProgressFinished,
		scheduler.ProgressStarted, scheduler.ProgressFinished,
	}, states)
}

func Test_Scheduler_Constraints(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		bg       config.BackgroundConfig
		state    scheduler.DeviceState
		stateErr error
		ran      bool
	}{
		{
			name:  "metered network",
			bg:    config.BackgroundConfig{RequireUnmeteredNetwork: true},
			state: scheduler.DeviceState{Unmetered: false, BatteryLevel: 90, Charging: true},
		},
		{
			name:  "not charging",
			bg:    config.BackgroundConfig{RequireCharging: true},
			state: scheduler.DeviceState{Unmetered: true, BatteryLevel: 90},
		},
		{
			name:  "battery too low",
			bg:    config.BackgroundConfig{MinBatteryLevel: 30},
			state: scheduler.DeviceState{Unmetered: true, BatteryLevel: 20},
		},
		{
			name:     "device state unavailable",
			bg:       config.BackgroundConfig{RequireCharging: true},
			stateErr: errors.New("sensor offline"),
		},
		{
			name:  "no battery",
			bg:    config.BackgroundConfig{MinBatteryLevel: 30},
			state: scheduler.DeviceState{Unmetered: true, BatteryLevel: -1},
			ran:   true,
		},
		{
			name:  "all met",
			bg:    config.BackgroundConfig{RequireUnmeteredNetwork: true, RequireCharging: true, MinBatteryLevel: 30},
			state: scheduler.DeviceState{Unmetered: true, BatteryLevel: 30, Charging: true},
			ran:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// Setup
			syncer := newFakeSyncer(orchestrator.Result{Status: orchestrator.SyncUpToDate})
			timer := newManualTimer()
			conditions := scheduler.ConditionsFunc(func(context.Context) (scheduler.DeviceState, error) {
				return tt.state, tt.stateErr
			})
			s, log := newScheduler(syncer, timer, scheduler.WithConditions(conditions))
			cfg := newConfig()
			cfg.Background = tt.bg
			require.NoError(t, s.Enable(t.Context(), cfg))
			t.Cleanup(s.Disable)
			timer.nextDelay(t)

			// Exercise
			timer.tick(t)

			// Verify
			assert.Equal(t, time.Hour, timer.nextDelay(t))
			progress := log.of(events.BackgroundUpdateProgress)
			require.NotEmpty(t, progress)
			if tt.ran {
				assert.Equal(t, 1, syncer.callCount())
				assert.Equal(t, int64(1), s.Status().CheckCount)
				return
			}
			assert.Zero(t, syncer.callCount())
			assert.Zero(t, s.Status().CheckCount)
			require.Len(t, progress, 1)
			assert.Equal(t, scheduler.ProgressSkipped, progress[0].State)
			assert.NotEmpty(t, progress[0].Message)
		})
	}
}

func Test_Scheduler_Trigger(t *testing.T) {
	t.Parallel()
	t.Run("ignores device constraints", func(t *testing.T) {
		t.Parallel()
		// Setup
		syncer := newFakeSyncer(orchestrator.Result{Status: orchestrator.SyncActivated, Version: "1.2.0"})
		conditions := scheduler.ConditionsFunc(func(context.Context) (scheduler.DeviceState, error) {
			return scheduler.DeviceState{}, nil
		})
		s, log := newScheduler(syncer, newManualTimer(), scheduler.WithConditions(conditions))

		// Exercise
		result, err := s.Trigger(t.Context())

		// Verify
		require.NoError(t, err)
		assert.Equal(t, orchestrator.SyncActivated, result.Status)
		status := s.Status()
		assert.False(t, status.Enabled)
		assert.Equal(t, int64(1), status.CheckCount)
		assert.Equal(t, baseTime, status.LastUpdateTime)
		notifications := log.of(events.BackgroundUpdateNotification)
		require.Len(t, notifications, 1)
		assert.Equal(t, "version 1.2.0 is now active", notifications[0].Message)
	})
	t.Run("rejects a concurrent check", func(t *testing.T) {
		t.Parallel()
		// Setup
		syncer := newFakeSyncer(orchestrator.Result{Status: orchestrator.SyncUpToDate})
		syncer.release = make(chan struct{})
		s, _ := newScheduler(syncer, newManualTimer())
		done := make(chan orchestrator.Result)
		go func() {
			result, _ := s.Trigger(context.Background())
			done <- result
		}()
		<-syncer.started

		// Exercise
		_, err := s.Trigger(t.Context())

		// Verify
		require.ErrorIs(t, err, errdefs.ErrState)
		assert.True(t, s.Status().IsRunning)
		close(syncer.release)
		assert.Equal(t, orchestrator.SyncUpToDate, (<-done).Status)
		assert.False(t, s.Status().IsRunning)
		assert.Equal(t, 1, syncer.callCount())
	})
	t.Run("scheduled tick during a trigger is skipped", func(t *testing.T) {
		t.Parallel()
		// Setup
		syncer := newFakeSyncer(orchestrator.Result{Status: orchestrator.SyncUpToDate})
		syncer.release = make(chan struct{})
		timer := newManualTimer()
		s, log := newScheduler(syncer, timer)
		require.NoError(t, s.Enable(t.Context(), newConfig()))
		t.Cleanup(s.Disable)
		timer.nextDelay(t)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = s.Trigger(context.Background())
		}()
		<-syncer.started

		// Exercise
		timer.tick(t)

		// Verify
		assert.Equal(t, time.Hour, timer.nextDelay(t))
		close(syncer.release)
		<-done
		assert.Equal(t, 1, syncer.callCount())
		skipped := log.of(events.BackgroundUpdateProgress)[1]
		assert.Equal(t, scheduler.ProgressSkipped, skipped.State)
	})
}

func Test_Scheduler_Disable(t *testing.T) {
	t.Parallel()
	t.Run("in-flight check finishes", func(t *testing.T) {
		t.Parallel()
		// Setup
		syncer := newFakeSyncer(orchestrator.Result{Status: orchestrator.SyncUpToDate})
		syncer.release = make(chan struct{})
		timer := newManualTimer()
		s, _ := newScheduler(syncer, timer)
		require.NoError(t, s.Enable(t.Context(), newConfig()))
		timer.nextDelay(t)
		timer.tick(t)
		<-syncer.started

		// Exercise
		s.Disable()

		// Verify
		status := s.Status()
		assert.False(t, status.Enabled)
		assert.True(t, status.IsRunning)
		assert.True(t, status.NextCheckTime.IsZero())
		close(syncer.release)
		assert.Eventually(t, func() bool { return !s.Status().IsRunning }, waitFor, 10*time.Millisecond)
		timer.assertIdle(t)
		status = s.Status()
		assert.Equal(t, baseTime, status.LastCheckTime)
		assert.True(t, status.NextCheckTime.IsZero())
	})
	t.Run("context done", func(t *testing.T) {
		t.Parallel()
		// Setup
		timer := newManualTimer()
		s, _ := newScheduler(newFakeSyncer(orchestrator.Result{Status: orchestrator.SyncUpToDate}), timer)
		ctx, cancel := context.WithCancel(t.Context())
		require.NoError(t, s.Enable(ctx, newConfig()))
		timer.nextDelay(t)

		// Exercise
		cancel()

		// Verify
		assert.Eventually(t, func() bool { return !s.Status().Enabled }, waitFor, 10*time.Millisecond)
	})
}

func Test_Scheduler_Enable(t *testing.T) {
	t.Parallel()
	t.Run("restart with new interval", func(t *testing.T) {
		t.Parallel()
		// Setup
		timer := newManualTimer()
		s, _ := newScheduler(newFakeSyncer(orchestrator.Result{Status: orchestrator.SyncUpToDate}), timer)
		require.NoError(t, s.Enable(t.Context(), newConfig()))
		t.Cleanup(s.Disable)
		timer.nextDelay(t)
		cfg := newConfig()
		cfg.CheckInterval = 10 * time.Minute

		// Exercise
		require.NoError(t, s.Enable(t.Context(), cfg))

		// Verify
		assert.Equal(t, 10*time.Minute, timer.nextDelay(t))
		assert.Equal(t, baseTime.Add(10*time.Minute), s.Status().NextCheckTime)
	})
	t.Run("invalid interval", func(t *testing.T) {
		t.Parallel()
		// Setup
		s, _ := newScheduler(newFakeSyncer(orchestrator.Result{}), newManualTimer())
		cfg := newConfig()
		cfg.CheckInterval = 0

		// Exercise
		err := s.Enable(t.Context(), cfg)

		// Verify
		require.ErrorIs(t, err, errdefs.ErrConfig)
		assert.False(t, s.Status().Enabled)
	})
}
