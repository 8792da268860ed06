package sandbox

import "errors"

// Sentinel errors for sandbox operations.
var (
	// ErrNotFound indicates no container exists for the session.
	ErrNotFound = errors.New("sandbox not found")

	// ErrNotRunning indicates the container exists but is not running.
	ErrNotRunning = errors.New("sandbox not running")

	// ErrInvalidOptions indicates CreateOptions failed validation.
	ErrInvalidOptions = errors.New("invalid sandbox options")

	// ErrNameConflict is returned by a Runtime when a container with the
	// requested name already exists.
	ErrNameConflict = errors.New("container name already in use")

	// ErrStartFailed indicates the container was created but failed to start.
	ErrStartFailed = errors.New("sandbox failed to start")

	// ErrCommandTimeout indicates a one-shot command exceeded its timeout.
	// The container is left in place for inspection.
	ErrCommandTimeout = errors.New("sandbox command timed out")
)
