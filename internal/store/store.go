// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/sandbox-router/internal/domain"
)

// Repository persists the set of live sandbox containers so that a restarted
// process can find and stop containers left behind by its predecessor.
type Repository interface {
	// UpsertContainer creates or updates a container record.
	UpsertContainer(ctx context.Context, c *domain.Container) error

	// UpdateContainerStatus updates the status of a container record.
	UpdateContainerStatus(ctx context.Context, id string, status domain.ContainerStatus) error

	// DeleteContainer removes a container record. Deleting a missing record is not an error.
	DeleteContainer(ctx context.Context, id string) error

	// ListContainers returns every recorded container, oldest first.
	ListContainers(ctx context.Context) ([]*domain.Container, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
