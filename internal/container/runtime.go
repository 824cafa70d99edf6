// Package container provides the container runtime used to run sandbox backends.
package container

import (
	"context"
	"errors"

	"github.com/ashureev/sandbox-router/internal/domain"
)

var (
	// ErrRuntimeUnavailable is returned when the container engine cannot be reached.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrImageNotFound is returned when the requested image is not present locally.
	ErrImageNotFound = errors.New("image not found")
)

// ManagedLabel marks containers started by this process.
const ManagedLabel = "sandbox-router.managed"

// Spec describes a sandbox container to start.
type Spec struct {
	ID       string // also used as the runtime container name
	Image    string
	Ports    []int // service ports exposed by the container
	CPUs     int
	MemoryGB int
	Labels   map[string]string
}

// Started is the result of a successful Start.
type Started struct {
	ID        string
	RuntimeID string
	Ports     map[int]int // container port -> host port
}

// Runtime defines the operations the sandbox manager needs from a container engine.
// All methods must be safe for concurrent use.
type Runtime interface {
	// Start creates and starts a container, returning its host port mapping.
	Start(ctx context.Context, spec Spec) (*Started, error)

	// Stop stops and removes a container. It returns false if the container did not exist.
	Stop(ctx context.Context, id string) (bool, error)

	// List returns containers managed by this process.
	List(ctx context.Context) ([]domain.Container, error)

	// Ping checks that the container engine is reachable.
	Ping(ctx context.Context) error

	// HasImage reports whether an image is available locally.
	HasImage(ctx context.Context, image string) (bool, error)

	// LoadImage loads an image archive (tar or tar.gz) into the engine.
	LoadImage(ctx context.Context, path string) error

	// Close releases the runtime client.
	Close() error
}
