package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/sandbox-router/internal/domain"
)

// DefaultErrorRetention is how long failed container records stay visible.
const DefaultErrorRetention = 5 * time.Minute

// StartReconcileWorker runs a background goroutine that periodically compares
// the manager's records with the runtime and cleans up containers that died
// outside the manager's control.
func StartReconcileWorker(ctx context.Context, mgr *Manager, interval, retention time.Duration) {
	if retention <= 0 {
		retention = DefaultErrorRetention
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Reconcile worker started", "interval", interval, "error_retention", retention)

		for {
			select {
			case <-ticker.C:
				mgr.Reconcile(ctx, retention)
			case <-ctx.Done():
				slog.Info("Reconcile worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Reconcile stops running records whose runtime container has vanished and
// drops error records older than retention. It returns how many records were
// removed.
func (m *Manager) Reconcile(ctx context.Context, retention time.Duration) int {
	// Snapshot first so records that finish starting during List are not
	// mistaken for vanished ones.
	records := m.Containers()

	live, err := m.rt.List(ctx)
	if err != nil {
		m.log.Error("Reconcile failed to list containers", "error", err)
		return 0
	}
	running := make(map[string]bool, len(live))
	for _, c := range live {
		if c.Status == domain.StatusRunning {
			running[c.ID] = true
		}
	}

	now := time.Now()
	var vanished, expired []string
	for _, c := range records {
		switch {
		case c.Status == domain.StatusRunning && !running[c.ID]:
			vanished = append(vanished, c.ID)
		case c.Status == domain.StatusError && now.Sub(c.LastUsedAt) >= retention:
			expired = append(expired, c.ID)
		}
	}

	for _, id := range vanished {
		m.log.Warn("Container disappeared from runtime", "container_id", id)
		if err := m.StopSandbox(ctx, id); err != nil {
			m.log.Debug("Stop after disappearance returned error", "container_id", id, "error", err)
		}
	}
	for _, id := range expired {
		m.log.Info("Dropping failed container record", "container_id", id)
		if err := m.StopSandbox(ctx, id); err != nil {
			m.log.Debug("Stop of failed container returned error", "container_id", id, "error", err)
		}
	}

	removed := len(vanished) + len(expired)
	if removed > 0 {
		m.log.Info("Reconcile completed", "vanished", len(vanished), "expired", len(expired))
	}
	return removed
}
