package sandbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/sandbox-router/internal/container"
	"github.com/ashureev/sandbox-router/internal/store"
)

// ReapOrphans stops every container recorded in the ledger or labeled as
// managed by the runtime, then clears the ledger. It must run before the
// manager creates any container. It returns the number of containers stopped.
func ReapOrphans(ctx context.Context, repo store.Repository, rt container.Runtime) (int, error) {
	ids := make(map[string]bool)

	recorded, err := repo.ListContainers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list recorded containers: %w", err)
	}
	for _, c := range recorded {
		ids[c.ID] = true
	}

	labeled, err := rt.List(ctx)
	if err != nil {
		slog.Warn("Could not list managed containers, reaping ledger entries only", "error", err)
	}
	for _, c := range labeled {
		ids[c.ID] = true
	}

	stopped := 0
	for id := range ids {
		existed, err := rt.Stop(ctx, id)
		if err != nil {
			slog.Error("Failed to stop orphaned container", "container_id", id, "error", err)
			continue
		}
		if existed {
			stopped++
			slog.Info("Stopped orphaned container", "container_id", id)
		}
		if err := repo.DeleteContainer(ctx, id); err != nil {
			slog.Warn("Failed to delete orphaned container record", "container_id", id, "error", err)
		}
	}

	if len(ids) > 0 {
		slog.Info("Orphan reaping completed", "candidates", len(ids), "stopped", stopped)
	}
	return stopped, nil
}
