package sandbox

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("sandbox manager closed")

	// ErrSessionNotFound is returned by lookups for sessions with no container.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotRoutable is returned when a session's container is not running.
	ErrNotRoutable = errors.New("container not routable")
)

// StartupTimeoutError is returned when a container does not become reachable
// within the startup timeout. The container record is left in error status.
type StartupTimeoutError struct {
	ContainerID string
	Timeout     time.Duration
	Err         error
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("container %s not ready after %s: %v", e.ContainerID, e.Timeout, e.Err)
}

func (e *StartupTimeoutError) Unwrap() error { return e.Err }

// StartError wraps a runtime failure to start a container.
type StartError struct {
	ContainerID string
	Err         error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start container %s: %v", e.ContainerID, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// UnknownSessionBackendError means a resolved container has no host mapping for
// the requested service port. It indicates a bug, not a runtime condition.
type UnknownSessionBackendError struct {
	SessionID   string
	ContainerID string
	Port        int
}

func (e *UnknownSessionBackendError) Error() string {
	return fmt.Sprintf("container %s for session %s has no mapping for port %d", e.ContainerID, e.SessionID, e.Port)
}
