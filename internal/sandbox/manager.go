// Package sandbox manages the lifecycle of per-session sandbox containers:
// creation on first use, sliding idle eviction and delayed teardown after a
// session ends.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/sandbox-router/internal/container"
	"github.com/ashureev/sandbox-router/internal/domain"
	"github.com/ashureev/sandbox-router/internal/registry"
	"github.com/ashureev/sandbox-router/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultIdleTimeout    = 30 * time.Minute
	defaultStartupTimeout = 30 * time.Second
	defaultGracePeriod    = 3 * time.Second
	defaultProbeInterval  = time.Second
	defaultBackendHost    = "localhost"

	stopTimeout      = 15 * time.Second
	ledgerTimeout    = 5 * time.Second
	closeParallelism = 8
)

// Options configures a Manager. Zero durations fall back to defaults.
type Options struct {
	Image    string
	Ports    []int
	CPUs     int
	MemoryGB int

	// ReadinessPort is the service port probed after start. Zero probes the
	// lowest configured port.
	ReadinessPort int

	// BackendHost is the host used to reach mapped container ports.
	BackendHost string

	IdleTimeout    time.Duration
	StartupTimeout time.Duration
	// GracePeriod is the delay between a session's last unbind and the stop of
	// its container. Zero stops on the next timer tick.
	GracePeriod   time.Duration
	ProbeInterval time.Duration

	// Probe checks whether a backend address accepts connections.
	// Defaults to DialProbe.
	Probe ProbeFunc

	// Ledger, if set, records live containers for crash recovery.
	Ledger store.Repository

	Logger *slog.Logger
}

// Stats summarizes the manager's state.
type Stats struct {
	ActiveSessions   int `json:"active_sessions"`
	ActiveContainers int `json:"active_containers"`
}

// Manager owns every sandbox container record, the session registry and the
// per-container timers. All methods are safe for concurrent use.
type Manager struct {
	rt      container.Runtime
	opts    Options
	log     *slog.Logger
	reg     *registry.Registry
	creates singleflight.Group

	mu         sync.Mutex
	containers map[string]*domain.Container
	sessions   map[string]*domain.Session
	timers     map[string]*timerSlot
	draining   map[string]string // ended session id -> container awaiting grace stop
	timerGen   uint64
	closed     bool
}

// New creates a Manager on top of a container runtime.
func New(rt container.Runtime, opts Options) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if opts.GracePeriod < 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}
	if opts.BackendHost == "" {
		opts.BackendHost = defaultBackendHost
	}
	if opts.Probe == nil {
		opts.Probe = DialProbe
	}
	opts.Ports = append([]int(nil), opts.Ports...)
	sort.Ints(opts.Ports)

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		rt:         rt,
		opts:       opts,
		log:        log,
		reg:        registry.New(),
		containers: make(map[string]*domain.Container),
		sessions:   make(map[string]*domain.Session),
		timers:     make(map[string]*timerSlot),
		draining:   make(map[string]string),
	}
}

// CreateSandboxForSession returns the container bound to sessionID, creating
// and starting one if needed. Concurrent calls for the same session share one
// creation. A caller whose ctx ends stops waiting, but the start continues and
// the session is bound when it completes.
func (m *Manager) CreateSandboxForSession(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("create sandbox: session id must be non-empty")
	}
	if id, ok := m.reg.Lookup(sessionID); ok {
		return id, nil
	}

	ch := m.creates.DoChan(sessionID, func() (any, error) {
		if id, ok := m.reg.Lookup(sessionID); ok {
			return id, nil
		}
		if id, ok := m.reclaim(sessionID); ok {
			return id, nil
		}
		return m.create(context.WithoutCancel(ctx), sessionID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) create(ctx context.Context, sessionID string) (string, error) {
	now := time.Now()
	name := containerName(sessionID)
	id := containerID(name, now)
	rec := &domain.Container{
		ID:          id,
		Name:        name,
		Image:       m.opts.Image,
		Status:      domain.StatusStopped,
		Ports:       make(map[int]int),
		CPUs:        m.opts.CPUs,
		MemoryGB:    m.opts.MemoryGB,
		IdleTimeout: m.opts.IdleTimeout,
		CreatedAt:   now,
		LastUsedAt:  now,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	rec.Status = domain.StatusStarting
	m.containers[id] = rec
	snapshot := rec.Clone()
	m.mu.Unlock()

	m.log.Info("Creating sandbox for session", "session_id", sessionID, "container_id", id)
	m.journal(&snapshot)

	startCtx, cancel := context.WithTimeout(ctx, m.opts.StartupTimeout)
	defer cancel()

	started, err := m.rt.Start(startCtx, container.Spec{
		ID:       id,
		Image:    m.opts.Image,
		Ports:    m.opts.Ports,
		CPUs:     m.opts.CPUs,
		MemoryGB: m.opts.MemoryGB,
	})
	if err != nil {
		m.fail(id)
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) {
			// The runtime may have created the container before the deadline.
			m.stopRuntime(id)
			return "", &StartupTimeoutError{ContainerID: id, Timeout: m.opts.StartupTimeout, Err: err}
		}
		return "", &StartError{ContainerID: id, Err: err}
	}

	m.mu.Lock()
	for k, v := range started.Ports {
		rec.Ports[k] = v
	}
	covered := rec.CoversPorts(m.opts.Ports)
	m.mu.Unlock()

	if !covered {
		m.fail(id)
		m.stopRuntime(id)
		return "", &StartError{ContainerID: id, Err: fmt.Errorf("runtime did not map every service port %v", m.opts.Ports)}
	}

	if err := m.waitReady(startCtx, id, started.Ports); err != nil {
		m.fail(id)
		m.stopRuntime(id)
		return "", &StartupTimeoutError{ContainerID: id, Timeout: m.opts.StartupTimeout, Err: err}
	}

	m.mu.Lock()
	if m.containers[id] != rec {
		// Stopped while starting (Close or an explicit stop).
		m.mu.Unlock()
		m.stopRuntime(id)
		return "", fmt.Errorf("container %s stopped during startup", id)
	}
	now = time.Now()
	rec.Status = domain.StatusRunning
	rec.LastUsedAt = now
	if err := m.reg.Bind(sessionID, id); err != nil {
		// Nothing references the container, let it go like an ended session.
		m.armLocked(id, graceTimer, m.opts.GracePeriod)
		m.mu.Unlock()
		return "", err
	}
	m.sessions[sessionID] = &domain.Session{ID: sessionID, ContainerID: id, CreatedAt: now, LastActivityAt: now}
	m.armLocked(id, idleTimer, rec.IdleTimeout)
	snapshot = rec.Clone()
	m.mu.Unlock()

	m.journal(&snapshot)
	m.log.Info("Sandbox running", "session_id", sessionID, "container_id", id, "ports", snapshot.Ports)
	return id, nil
}

// reclaim rebinds an ended session to its container while the grace timer is
// still pending.
func (m *Manager) reclaim(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.draining[sessionID]
	if !ok {
		return "", false
	}
	delete(m.draining, sessionID)

	rec := m.containers[id]
	slot := m.timers[id]
	if rec == nil || !rec.IsRoutable() || slot == nil || slot.kind != graceTimer {
		return "", false
	}
	if err := m.reg.Bind(sessionID, id); err != nil {
		return "", false
	}

	now := time.Now()
	rec.LastUsedAt = now
	m.sessions[sessionID] = &domain.Session{ID: sessionID, ContainerID: id, CreatedAt: now, LastActivityAt: now}
	m.cancelTimerLocked(id)
	m.armLocked(id, idleTimer, rec.IdleTimeout)
	m.log.Info("Session reclaimed container during grace period", "session_id", sessionID, "container_id", id)
	return id, true
}

func (m *Manager) waitReady(ctx context.Context, id string, ports map[int]int) error {
	port := m.opts.ReadinessPort
	if port == 0 && len(m.opts.Ports) > 0 {
		port = m.opts.Ports[0]
	}
	hostPort, ok := ports[port]
	if !ok {
		return fmt.Errorf("readiness port %d is not mapped", port)
	}
	addr := net.JoinHostPort(m.opts.BackendHost, strconv.Itoa(hostPort))

	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if lastErr = m.opts.Probe(ctx, addr); lastErr == nil {
			m.log.Debug("Container ready", "container_id", id, "address", addr, "attempts", attempt)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("probe %s: %w (last error: %v)", addr, ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

// fail moves a container record to the error state.
func (m *Manager) fail(id string) {
	m.mu.Lock()
	rec, ok := m.containers[id]
	if ok {
		rec.Status = domain.StatusError
		rec.LastUsedAt = time.Now()
	}
	m.mu.Unlock()
	if ok {
		m.log.Warn("Container failed to start", "container_id", id)
		m.journalStatus(id, domain.StatusError)
	}
}

// stopRuntime stops a runtime container without touching the in-memory record.
func (m *Manager) stopRuntime(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if _, err := m.rt.Stop(ctx, id); err != nil {
		m.log.Error("Failed to stop container", "container_id", id, "error", err)
	}
}

// GetSandboxForSession returns the container bound to sessionID. A hit counts
// as activity: it refreshes the session and restarts the idle window.
func (m *Manager) GetSandboxForSession(sessionID string) (domain.Container, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.reg.Lookup(sessionID)
	if !ok {
		return domain.Container{}, false
	}
	rec, ok := m.containers[id]
	if !ok {
		return domain.Container{}, false
	}

	now := time.Now()
	if s, ok := m.sessions[sessionID]; ok {
		s.Touch(now)
	}
	rec.LastUsedAt = now
	if rec.IsRoutable() {
		m.armLocked(id, idleTimer, rec.IdleTimeout)
	}
	return rec.Clone(), true
}

// Resolve returns the running container for sessionID, creating it on a miss.
func (m *Manager) Resolve(ctx context.Context, sessionID string) (domain.Container, error) {
	if c, ok := m.GetSandboxForSession(sessionID); ok {
		if !c.IsRoutable() {
			return domain.Container{}, fmt.Errorf("%w: container %s is %s", ErrNotRoutable, c.ID, c.Status)
		}
		return c, nil
	}

	id, err := m.CreateSandboxForSession(ctx, sessionID)
	if err != nil {
		return domain.Container{}, err
	}
	c, ok := m.GetSandboxForSession(sessionID)
	if !ok {
		return domain.Container{}, fmt.Errorf("%w: container %s stopped before use", ErrNotRoutable, id)
	}
	return c, nil
}

// ResolveBackend resolves or creates the session's container and returns the
// host address serving the given service port.
func (m *Manager) ResolveBackend(ctx context.Context, sessionID string, port int) (string, error) {
	c, err := m.Resolve(ctx, sessionID)
	if err != nil {
		return "", err
	}
	hp, ok := c.HostPort(port)
	if !ok {
		return "", &UnknownSessionBackendError{SessionID: sessionID, ContainerID: c.ID, Port: port}
	}
	return net.JoinHostPort(m.opts.BackendHost, strconv.Itoa(hp)), nil
}

// BackendAddress returns the host address for a session's service port
// without creating a container or counting as activity.
func (m *Manager) BackendAddress(sessionID string, port int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.reg.Lookup(sessionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	rec, ok := m.containers[id]
	if !ok || !rec.IsRoutable() {
		return "", fmt.Errorf("%w: container %s", ErrNotRoutable, id)
	}
	hp, ok := rec.HostPort(port)
	if !ok {
		return "", &UnknownSessionBackendError{SessionID: sessionID, ContainerID: id, Port: port}
	}
	return net.JoinHostPort(m.opts.BackendHost, strconv.Itoa(hp)), nil
}

// EndSession unbinds a session. When it was the container's last session the
// container is stopped after the grace period unless the same session
// reclaims it first. Ending an unknown session is a no-op.
func (m *Manager) EndSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.reg.Unbind(sessionID)
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	m.log.Info("Session ended", "session_id", sessionID, "container_id", id)

	if m.reg.ReferenceCount(id) > 0 {
		return
	}
	if _, ok := m.containers[id]; !ok {
		return
	}
	m.draining[sessionID] = id
	m.armLocked(id, graceTimer, m.opts.GracePeriod)
}

// StopSandbox stops a container and forgets it. Every session bound to it is
// unbound first. Runtime failures are logged and returned, but the record is
// removed regardless. Stopping an unknown container is a no-op.
func (m *Manager) StopSandbox(ctx context.Context, containerID string) error {
	m.mu.Lock()
	rec, ok := m.containers[containerID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.cancelTimerLocked(containerID)
	unbound := m.reg.UnbindContainer(containerID)
	for _, sid := range unbound {
		delete(m.sessions, sid)
	}
	for sid, cid := range m.draining {
		if cid == containerID {
			delete(m.draining, sid)
		}
	}
	rec.Status = domain.StatusStopped
	delete(m.containers, containerID)
	m.mu.Unlock()

	m.log.Info("Stopping sandbox", "container_id", containerID, "sessions", unbound)

	_, err := m.rt.Stop(ctx, containerID)
	if err != nil {
		m.log.Error("Failed to stop container", "container_id", containerID, "error", err)
		err = fmt.Errorf("stop container %s: %w", containerID, err)
	}
	m.forget(containerID)
	return err
}

// Sessions returns a snapshot of every bound session, sorted by id.
func (m *Manager) Sessions() []domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Containers returns a snapshot of every known container, oldest first.
func (m *Manager) Containers() []domain.Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Container, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Container returns a snapshot of one container record.
func (m *Manager) Container(id string) (domain.Container, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return domain.Container{}, false
	}
	return c.Clone(), true
}

// ContainerStatus returns the status of a container. Unknown ids are stopped.
func (m *Manager) ContainerStatus(id string) domain.ContainerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		return c.Status
	}
	return domain.StatusStopped
}

// Lookup returns the container id bound to a session without refreshing it.
func (m *Manager) Lookup(sessionID string) (string, bool) {
	return m.reg.Lookup(sessionID)
}

// Stats returns counts of bound sessions and live containers.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{ActiveSessions: m.reg.Len()}
	for _, c := range m.containers {
		if c.Status == domain.StatusRunning || c.Status == domain.StatusStarting {
			st.ActiveContainers++
		}
	}
	return st
}

// Close stops every container and rejects further creations.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if len(ids) > 0 {
		m.log.Info("Stopping all sandboxes", "count", len(ids))
	}

	var g errgroup.Group
	g.SetLimit(closeParallelism)
	for _, id := range ids {
		g.Go(func() error {
			return m.StopSandbox(ctx, id)
		})
	}
	return g.Wait()
}

func (m *Manager) journal(c *domain.Container) {
	if m.opts.Ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := m.opts.Ledger.UpsertContainer(ctx, c); err != nil {
		m.log.Warn("Failed to record container", "container_id", c.ID, "error", err)
	}
}

func (m *Manager) journalStatus(id string, status domain.ContainerStatus) {
	if m.opts.Ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := m.opts.Ledger.UpdateContainerStatus(ctx, id, status); err != nil {
		m.log.Warn("Failed to record container status", "container_id", id, "status", status, "error", err)
	}
}

func (m *Manager) forget(id string) {
	if m.opts.Ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := m.opts.Ledger.DeleteContainer(ctx, id); err != nil {
		m.log.Warn("Failed to delete container record", "container_id", id, "error", err)
	}
}

// containerName derives a runtime-safe name from the tail of a session id.
func containerName(sessionID string) string {
	tail := sessionID
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	tail = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, tail)
	return "session-sandbox-" + tail
}

func containerID(name string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("container_%s_%d_%s", name, now.UnixMilli(), suffix)
}
