package bundle

import "time"

type ManagerOption func(*Manager)

// WithClock replaces time.Now, for retention tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

type deleteOptions struct {
	force bool
}

type DeleteOption func(*deleteOptions)

// WithForce allows deleting the active bundle.
func WithForce() DeleteOption {
	return func(o *deleteOptions) {
		o.force = true
	}
}

type activateOptions struct {
	pendingConfirmation bool
}

type ActivateOption func(*activateOptions)

// WithPendingConfirmation records the activation as unconfirmed. Until
// ConfirmActive is called, Rollback reverts it.
func WithPendingConfirmation() ActivateOption {
	return func(o *activateOptions) {
		o.pendingConfirmation = true
	}
}

type rollbackOptions struct {
	expected string
}

type RollbackOption func(*rollbackOptions)

// WithExpectedPending limits Rollback to the activation of bundle id. When a
// different activation is pending, Rollback does nothing.
func WithExpectedPending(id string) RollbackOption {
	return func(o *rollbackOptions) {
		o.expected = id
	}
}
