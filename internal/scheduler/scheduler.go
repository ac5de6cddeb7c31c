// Package scheduler runs update checks periodically in the background.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"

	"github.com/pddg/liveupdate/internal/config"
	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/events"
	"github.com/pddg/liveupdate/internal/logging"
	"github.com/pddg/liveupdate/internal/orchestrator"
)

// States carried by BackgroundUpdateProgress events.
const (
	ProgressStarted  = "STARTED"
	ProgressSkipped  = "SKIPPED"
	ProgressFinished = "FINISHED"
)

// Syncer runs one update check. *orchestrator.Orchestrator implements it.
type Syncer interface {
	Sync(ctx context.Context, opts ...orchestrator.SyncOption) orchestrator.Result
}

// Status is a snapshot of the scheduler state.
type Status struct {
	Enabled        bool      `json:"enabled" yaml:"enabled"`
	IsRunning      bool      `json:"isRunning" yaml:"isRunning"`
	LastCheckTime  time.Time `json:"lastCheckTime,omitzero" yaml:"lastCheckTime,omitempty"`
	LastUpdateTime time.Time `json:"lastUpdateTime,omitzero" yaml:"lastUpdateTime,omitempty"`
	NextCheckTime  time.Time `json:"nextCheckTime,omitzero" yaml:"nextCheckTime,omitempty"`
	CheckCount     int64     `json:"checkCount" yaml:"checkCount"`
	FailureCount   int64     `json:"failureCount" yaml:"failureCount"`
	LastError      string    `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	LastErrorKind  string    `json:"lastErrorKind,omitempty" yaml:"lastErrorKind,omitempty"`
}

// Scheduler calls Syncer.Sync every CheckInterval while enabled. At most one
// check runs at a time, whether scheduled or triggered.
type Scheduler struct {
	syncer         Syncer
	conditions     Conditions
	bus            *events.Bus
	after          func(d time.Duration) <-chan time.Time
	now            func() time.Time
	failureBackoff time.Duration

	running atomic.Bool

	mutex  sync.Mutex
	status Status
	// stop belongs to the current loop. It is nil while disabled.
	stop chan struct{}
}

func New(syncer Syncer, opts ...Option) *Scheduler {
	s := &Scheduler{
		syncer:         syncer,
		conditions:     Unconstrained,
		after:          time.After,
		now:            time.Now,
		failureBackoff: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enable starts the periodic checks with the interval and device constraints
// of cfg. The first check is due one interval from now. Enabling an enabled
// scheduler restarts the schedule with the new settings. The loop ends when
// ctx is done or Disable is called.
func (s *Scheduler) Enable(ctx context.Context, cfg config.Config) error {
	if cfg.CheckInterval <= 0 {
		return fmt.Errorf("scheduler.Scheduler.Enable: check interval must be positive: %w", errdefs.ErrConfig)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stop != nil {
		close(s.stop)
	}
	stop := make(chan struct{})
	s.stop = stop
	s.status.Enabled = true
	logging.FromContext(ctx).InfoContext(ctx, "background checks enabled",
		"interval", cfg.CheckInterval,
		"require_unmetered", cfg.Background.RequireUnmeteredNetwork,
		"require_charging", cfg.Background.RequireCharging,
		"min_battery_level", cfg.Background.MinBatteryLevel,
	)
	go s.loop(ctx, stop, cfg)
	return nil
}

// Disable stops the schedule. A check in flight is left to finish.
func (s *Scheduler) Disable() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.status.Enabled = false
	s.status.NextCheckTime = time.Time{}
}

// Trigger runs a check now, ignoring the schedule and the device constraints.
// It fails with ErrState while another check is running.
func (s *Scheduler) Trigger(ctx context.Context) (orchestrator.Result, error) {
	result, ran := s.check(ctx, nil)
	if !ran {
		return orchestrator.Result{}, fmt.Errorf("scheduler.Scheduler.Trigger: a check is already running: %w", errdefs.ErrState)
	}
	return result, nil
}

func (s *Scheduler) Status() Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	status := s.status
	status.IsRunning = s.running.Load()
	return status
}

func (s *Scheduler) loop(ctx context.Context, stop chan struct{}, cfg config.Config) {
	interval := cfg.CheckInterval
	boff := &backoff.ExponentialBackOff{
		InitialInterval:     min(s.failureBackoff, interval),
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         interval,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	boff.Reset()
	logger := logging.FromContext(ctx)
	delay := interval
	for {
		if !s.schedule(stop, delay) {
			return
		}
		select {
		case <-stop:
			return
		case <-ctx.Done():
			s.retire(stop)
			return
		case <-s.after(delay):
		}
		result, ran := s.check(ctx, &cfg.Background)
		switch {
		case !ran:
			delay = interval
		case result.Status == orchestrator.SyncError:
			delay = boff.NextBackOff()
			if delay == backoff.Stop || delay > interval {
				delay = interval
			}
			logger.WarnContext(ctx, "background check failed, retrying early", "retry_in", delay)
		default:
			boff.Reset()
			delay = interval
		}
	}
}

// schedule records the next check time. It reports false when stop is no
// longer the current loop.
func (s *Scheduler) schedule(stop chan struct{}, delay time.Duration) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stop != stop {
		return false
	}
	s.status.NextCheckTime = s.now().Add(delay)
	return true
}

// retire disables the scheduler if stop still belongs to the current loop.
func (s *Scheduler) retire(stop chan struct{}) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stop != stop {
		return
	}
	close(s.stop)
	s.stop = nil
	s.status.Enabled = false
	s.status.NextCheckTime = time.Time{}
}

// check runs one sync. Device constraints are checked when bg is set. It
// reports false when the check did not run.
func (s *Scheduler) check(ctx context.Context, bg *config.BackgroundConfig) (orchestrator.Result, bool) {
	if !s.running.CompareAndSwap(false, true) {
		if bg != nil {
			s.publishProgress(ProgressSkipped, "a check is already running")
		}
		return orchestrator.Result{}, false
	}
	defer s.running.Store(false)
	logger := logging.FromContext(ctx)

	if bg != nil {
		state, err := s.conditions.DeviceState(ctx)
		if err != nil {
			logger.WarnContext(ctx, "failed to read device state, skipping check", "error", err)
			s.publishProgress(ProgressSkipped, err.Error())
			return orchestrator.Result{}, false
		}
		if reason := unmet(*bg, state); reason != "" {
			logger.InfoContext(ctx, "device constraints not met, skipping check", "reason", reason)
			s.publishProgress(ProgressSkipped, reason)
			return orchestrator.Result{}, false
		}
	}

	s.mutex.Lock()
	s.status.CheckCount++
	previous := s.status.LastCheckTime
	s.mutex.Unlock()
	if previous.IsZero() {
		logger.InfoContext(ctx, "background check started")
	} else {
		logger.InfoContext(ctx, "background check started", "last_success", humanize.Time(previous))
	}
	s.publishProgress(ProgressStarted, "")

	result := s.syncer.Sync(ctx)

	finished := s.now()
	s.mutex.Lock()
	if result.Status == orchestrator.SyncError {
		s.status.FailureCount++
		s.status.LastError = result.Message
		s.status.LastErrorKind = result.ErrorKind
	} else {
		s.status.LastCheckTime = finished
		if result.Status == orchestrator.SyncUpdateAvailable || result.Status == orchestrator.SyncActivated {
			s.status.LastUpdateTime = finished
		}
	}
	s.mutex.Unlock()

	s.bus.Publish(events.Event{
		Kind:      events.BackgroundUpdateProgress,
		Time:      finished,
		State:     ProgressFinished,
		BundleID:  result.BundleID,
		Version:   result.Version,
		Message:   string(result.Status),
		ErrorKind: result.ErrorKind,
	})
	if result.Status == orchestrator.SyncUpdateAvailable || result.Status == orchestrator.SyncActivated {
		s.bus.Publish(events.Event{
			Kind:     events.BackgroundUpdateNotification,
			Time:     finished,
			State:    string(result.Status),
			BundleID: result.BundleID,
			Version:  result.Version,
			Message:  notification(result),
		})
	}
	logger.InfoContext(ctx, "background check finished", "status", result.Status, "version", result.Version)
	return result, true
}

func notification(result orchestrator.Result) string {
	if result.Status == orchestrator.SyncActivated {
		return fmt.Sprintf("version %s is now active", result.Version)
	}
	if result.Mandatory {
		return fmt.Sprintf("mandatory version %s is ready to activate", result.Version)
	}
	return fmt.Sprintf("version %s is ready to activate", result.Version)
}

func (s *Scheduler) publishProgress(state, message string) {
	s.bus.Publish(events.Event{
		Kind:    events.BackgroundUpdateProgress,
		Time:    s.now(),
		State:   state,
		Message: message,
	})
}
