package lifecycle

import "errors"

// Sentinel errors for lifecycle operations. Check with errors.Is.
var (
	// ErrAlreadyRunning indicates a start was requested for a container
	// that has a live instance.
	ErrAlreadyRunning = errors.New("container already running")

	// ErrNotRunning indicates a stop or status was requested for a
	// container with no live instance.
	ErrNotRunning = errors.New("container not running")

	// ErrProcessSpawn indicates the supervised process could not be
	// launched.
	ErrProcessSpawn = errors.New("process spawn failed")

	// ErrStartAborted indicates a stop request cancelled a start still in
	// progress.
	ErrStartAborted = errors.New("start aborted by stop request")

	// ErrInvalidTransition indicates a state machine edge that does not
	// exist was attempted.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrShuttingDown indicates the runtime rejects new work because
	// shutdown has begun.
	ErrShuttingDown = errors.New("runtime shutting down")
)
