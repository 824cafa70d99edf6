package container

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/sandbox-router/internal/domain"
)

// BackendHandler serves one connection accepted on a fake container's service port.
type BackendHandler func(containerID string, containerPort int, conn net.Conn)

// FakeRuntime is an in-memory Runtime for tests. When Backend is set, Start opens
// a real loopback listener per service port and hands accepted connections to it.
type FakeRuntime struct {
	mu sync.Mutex

	// Backend, if non-nil, serves connections dialed to the mapped host ports.
	Backend BackendHandler

	// StartDelay simulates slow container creation.
	StartDelay time.Duration

	// Errors allows injecting errors for specific operations ("Start", "Stop", ...).
	Errors map[string]error

	// Images lists image names HasImage reports as present.
	Images map[string]bool

	containers map[string]*fakeContainer
	calls      map[string]int
	nextPort   int
}

type fakeContainer struct {
	record    domain.Container
	listeners []net.Listener
}

// NewFakeRuntime creates an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		Errors:     make(map[string]error),
		Images:     make(map[string]bool),
		containers: make(map[string]*fakeContainer),
		calls:      make(map[string]int),
		nextPort:   50000,
	}
}

// SetError injects an error for an operation. A nil err clears it.
func (f *FakeRuntime) SetError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Errors, op)
		return
	}
	f.Errors[op] = err
}

// Calls returns how many times an operation was invoked.
func (f *FakeRuntime) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// StatusOf returns the fake engine's view of a container.
func (f *FakeRuntime) StatusOf(id string) domain.ContainerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return domain.StatusStopped
	}
	return c.record.Status
}

// Crash marks a container as gone without going through Stop.
func (f *FakeRuntime) Crash(id string) {
	f.mu.Lock()
	c, ok := f.containers[id]
	if ok {
		delete(f.containers, id)
	}
	f.mu.Unlock()
	if ok {
		closeAll(c.listeners)
	}
}

// Running returns the ids of running containers, sorted.
func (f *FakeRuntime) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, c := range f.containers {
		if c.record.Status == domain.StatusRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (f *FakeRuntime) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.Errors[op]
}

// Start records a running container and maps its ports.
func (f *FakeRuntime) Start(ctx context.Context, spec Spec) (*Started, error) {
	if err := f.enter("Start"); err != nil {
		return nil, err
	}

	if f.StartDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.StartDelay):
		}
	}

	c := &fakeContainer{record: domain.Container{
		ID:        spec.ID,
		Name:      spec.ID,
		Image:     spec.Image,
		Status:    domain.StatusRunning,
		Ports:     make(map[int]int, len(spec.Ports)),
		CPUs:      spec.CPUs,
		MemoryGB:  spec.MemoryGB,
		CreatedAt: time.Now(),
	}}

	for _, p := range spec.Ports {
		if f.Backend == nil {
			f.mu.Lock()
			f.nextPort++
			c.record.Ports[p] = f.nextPort
			f.mu.Unlock()
			continue
		}
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			closeAll(c.listeners)
			return nil, fmt.Errorf("fake listen for port %d: %w", p, err)
		}
		c.listeners = append(c.listeners, ln)
		c.record.Ports[p] = ln.Addr().(*net.TCPAddr).Port
		go f.serve(spec.ID, p, ln)
	}

	f.mu.Lock()
	f.containers[spec.ID] = c
	f.mu.Unlock()

	ports := make(map[int]int, len(c.record.Ports))
	for k, v := range c.record.Ports {
		ports[k] = v
	}
	return &Started{ID: spec.ID, RuntimeID: "fake-" + spec.ID, Ports: ports}, nil
}

func (f *FakeRuntime) serve(id string, port int, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go f.Backend(id, port, conn)
	}
}

// Stop marks a container stopped and closes its listeners.
func (f *FakeRuntime) Stop(_ context.Context, id string) (bool, error) {
	if err := f.enter("Stop"); err != nil {
		return false, err
	}

	f.mu.Lock()
	c, ok := f.containers[id]
	if ok {
		c.record.Status = domain.StatusStopped
	}
	f.mu.Unlock()
	if !ok {
		return false, nil
	}

	closeAll(c.listeners)
	return true, nil
}

// List returns every container the fake knows about.
func (f *FakeRuntime) List(_ context.Context) ([]domain.Container, error) {
	if err := f.enter("List"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Container, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, c.record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Ping returns the injected "Ping" error, if any.
func (f *FakeRuntime) Ping(_ context.Context) error {
	return f.enter("Ping")
}

// HasImage reports whether the image was registered in Images.
func (f *FakeRuntime) HasImage(_ context.Context, image string) (bool, error) {
	if err := f.enter("HasImage"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Images[image], nil
}

// LoadImage records the call.
func (f *FakeRuntime) LoadImage(_ context.Context, path string) error {
	return f.enter("LoadImage")
}

// Close stops every fake listener.
func (f *FakeRuntime) Close() error {
	f.mu.Lock()
	var listeners []net.Listener
	for _, c := range f.containers {
		listeners = append(listeners, c.listeners...)
	}
	f.mu.Unlock()
	closeAll(listeners)
	return nil
}

func closeAll(listeners []net.Listener) {
	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			slog.Debug("Fake listener close failed", "addr", ln.Addr().String(), "error", err)
		}
	}
}
