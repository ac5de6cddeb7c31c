package orchestrator

// State is a step of the update state machine, published in UpdateStateChanged events.
type State string

const (
	StateChecking    State = "CHECKING"
	StateUpToDate    State = "UP_TO_DATE"
	StateDownloading State = "DOWNLOADING"
	StateValidating  State = "VALIDATING"
	StateReady       State = "READY"
	StateRejected    State = "REJECTED"
	StateActivated   State = "ACTIVATED"
	StateDeferred    State = "DEFERRED"
	StateError       State = "ERROR"

	// Lifecycle states outside a sync cycle.
	StateConfirmed  State = "CONFIRMED"
	StateRolledBack State = "ROLLED_BACK"
	StateReset      State = "RESET"
)

// SyncStatus is the outcome of Sync.
type SyncStatus string

const (
	SyncUpToDate        SyncStatus = "UP_TO_DATE"
	SyncUpdateAvailable SyncStatus = "UPDATE_AVAILABLE"
	SyncActivated       SyncStatus = "ACTIVATED"
	SyncError           SyncStatus = "ERROR"
)
