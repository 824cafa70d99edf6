package sandbox

import (
	"context"
	"time"
)

type timerKind int

const (
	idleTimer timerKind = iota
	graceTimer
)

func (k timerKind) String() string {
	if k == graceTimer {
		return "grace"
	}
	return "idle"
}

// timerSlot is the single pending timer of a container. gen identifies the
// arming so a callback that fires after being replaced does nothing.
type timerSlot struct {
	t    *time.Timer
	kind timerKind
	gen  uint64
}

// armLocked replaces the container's timer. A pending grace timer is never
// replaced by an idle one. Callers hold m.mu.
func (m *Manager) armLocked(id string, kind timerKind, d time.Duration) {
	if old, ok := m.timers[id]; ok {
		if old.kind == graceTimer && kind == idleTimer {
			return
		}
		old.t.Stop()
	}

	m.timerGen++
	gen := m.timerGen
	slot := &timerSlot{kind: kind, gen: gen}
	slot.t = time.AfterFunc(d, func() { m.onTimer(id, gen) })
	m.timers[id] = slot
}

// cancelTimerLocked stops and removes the container's timer. Callers hold m.mu.
func (m *Manager) cancelTimerLocked(id string) {
	if slot, ok := m.timers[id]; ok {
		slot.t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) onTimer(id string, gen uint64) {
	m.mu.Lock()
	slot, ok := m.timers[id]
	if !ok || slot.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.timers, id)

	rec, ok := m.containers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	switch slot.kind {
	case idleTimer:
		// A resolve raced the timer; wait out the rest of the window.
		if idle := time.Since(rec.LastUsedAt); idle < rec.IdleTimeout {
			m.armLocked(id, idleTimer, rec.IdleTimeout-idle)
			m.mu.Unlock()
			return
		}
	case graceTimer:
		// The container was rebound before the grace period ran out.
		if m.reg.ReferenceCount(id) > 0 {
			m.armLocked(id, idleTimer, rec.IdleTimeout)
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()

	m.log.Info("Stopping unused sandbox", "container_id", id, "timer", slot.kind.String())

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := m.StopSandbox(ctx, id); err != nil {
		m.log.Warn("Timed stop failed", "container_id", id, "error", err)
	}
}
