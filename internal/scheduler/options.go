package scheduler

import (
	"time"

	"github.com/pddg/liveupdate/internal/events"
)

type Option func(*Scheduler)

// WithConditions sets the source of the device state. The default is Unconstrained.
func WithConditions(c Conditions) Option {
	return func(s *Scheduler) {
		s.conditions = c
	}
}

// WithBus publishes background progress and notification events to bus.
func WithBus(bus *events.Bus) Option {
	return func(s *Scheduler) {
		s.bus = bus
	}
}

// WithAfter replaces time.After, for tests that drive the schedule by hand.
func WithAfter(after func(d time.Duration) <-chan time.Time) Option {
	return func(s *Scheduler) {
		s.after = after
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithFailureBackoff sets the first retry delay after a failed check.
// The delay grows exponentially and never exceeds the check interval.
// The default is one minute.
func WithFailureBackoff(initial time.Duration) Option {
	return func(s *Scheduler) {
		s.failureBackoff = initial
	}
}
