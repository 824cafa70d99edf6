// Package domain contains core domain types for the sandbox router.
package domain

import "time"

// ContainerStatus is the lifecycle state of a sandbox container.
type ContainerStatus string

const (
	StatusStopped  ContainerStatus = "stopped"
	StatusStarting ContainerStatus = "starting"
	StatusRunning  ContainerStatus = "running"
	StatusError    ContainerStatus = "error"
)

// Container is the in-memory record of one backend sandbox.
type Container struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Image       string          `json:"image"`
	Status      ContainerStatus `json:"status"`
	Ports       map[int]int     `json:"ports"` // container port -> host port
	CPUs        int             `json:"cpus"`
	MemoryGB    int             `json:"memory_gb"`
	IdleTimeout time.Duration   `json:"idle_timeout"`
	CreatedAt   time.Time       `json:"created_at"`
	LastUsedAt  time.Time       `json:"last_used_at"`
}

// IsRoutable returns true if connections may be dialed to the container.
func (c *Container) IsRoutable() bool {
	return c.Status == StatusRunning
}

// HostPort returns the host-side port mapped to a container service port.
func (c *Container) HostPort(containerPort int) (int, bool) {
	p, ok := c.Ports[containerPort]
	if !ok || p == 0 {
		return 0, false
	}
	return p, true
}

// CoversPorts reports whether every given service port has a host mapping.
func (c *Container) CoversPorts(ports []int) bool {
	for _, p := range ports {
		if _, ok := c.HostPort(p); !ok {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no mutable state with c.
func (c *Container) Clone() Container {
	out := *c
	out.Ports = make(map[int]int, len(c.Ports))
	for k, v := range c.Ports {
		out.Ports[k] = v
	}
	return out
}
