// Package registry maps session identifiers to the sandbox containers serving them.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// AlreadyBoundError is returned when a session is rebound to a different container.
type AlreadyBoundError struct {
	SessionID   string
	ContainerID string // current binding
	Requested   string
}

func (e *AlreadyBoundError) Error() string {
	return fmt.Sprintf("session %s already bound to container %s (requested %s)", e.SessionID, e.ContainerID, e.Requested)
}

// Registry is the authoritative sessionID -> containerID map with a reverse
// index used to decide when a container has no remaining sessions.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]string
	containers map[string]map[string]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions:   make(map[string]string),
		containers: make(map[string]map[string]struct{}),
	}
}

// Bind associates a session with a container. Binding the same pair twice is a no-op.
func (r *Registry) Bind(sessionID, containerID string) error {
	if sessionID == "" || containerID == "" {
		return fmt.Errorf("bind: session and container ids must be non-empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[sessionID]; ok {
		if current == containerID {
			return nil
		}
		return &AlreadyBoundError{SessionID: sessionID, ContainerID: current, Requested: containerID}
	}

	r.sessions[sessionID] = containerID
	if _, ok := r.containers[containerID]; !ok {
		r.containers[containerID] = make(map[string]struct{})
	}
	r.containers[containerID][sessionID] = struct{}{}
	return nil
}

// Lookup returns the container bound to a session.
func (r *Registry) Lookup(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessions[sessionID]
	return id, ok
}

// Unbind removes a session and returns the container it was bound to.
func (r *Registry) Unbind(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	containerID, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	delete(r.sessions, sessionID)
	r.dropReverse(containerID, sessionID)
	return containerID, true
}

// UnbindContainer removes every session bound to a container and returns their ids.
func (r *Registry) UnbindContainer(containerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.containers[containerID]
	if !ok {
		return nil
	}
	removed := make([]string, 0, len(set))
	for sid := range set {
		delete(r.sessions, sid)
		removed = append(removed, sid)
	}
	delete(r.containers, containerID)
	sort.Strings(removed)
	return removed
}

// ReferenceCount returns the number of sessions bound to a container.
func (r *Registry) ReferenceCount(containerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.containers[containerID])
}

// Sessions returns the session ids bound to a container, sorted.
func (r *Registry) Sessions(containerID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.containers[containerID]))
	for sid := range r.containers[containerID] {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of bound sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// dropReverse must be called with r.mu held.
func (r *Registry) dropReverse(containerID, sessionID string) {
	set, ok := r.containers[containerID]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.containers, containerID)
	}
}
