// Package api provides HTTP handlers for the sandbox router status API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/sandbox-router/internal/domain"
	"github.com/ashureev/sandbox-router/internal/forwarder"
	"github.com/ashureev/sandbox-router/internal/sandbox"
)

// Sandboxes is the part of the sandbox manager exposed over HTTP.
type Sandboxes interface {
	Sessions() []domain.Session
	Containers() []domain.Container
	Container(id string) (domain.Container, bool)
	Lookup(sessionID string) (string, bool)
	Stats() sandbox.Stats
	EndSession(sessionID string)
	StopSandbox(ctx context.Context, containerID string) error
}

// Forwarders is the part of the TCP forwarder exposed over HTTP.
type Forwarders interface {
	StartAll(ports []int) error
	StopAll() error
	Status() []forwarder.PortStatus
	Running() bool
	ActiveConnections() int64
}

// Pinger is implemented by dependencies with a liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides common handler utilities.
type Handler struct {
	sandboxes  Sandboxes
	forwarders Forwarders
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(sandboxes Sandboxes, forwarders Forwarders) *Handler {
	return &Handler{sandboxes: sandboxes, forwarders: forwarders}
}

// Snapshot is the router status returned by /api/status and streamed on /ws/status.
type Snapshot struct {
	Time              time.Time              `json:"time"`
	Running           bool                   `json:"running"`
	Forwarders        []forwarder.PortStatus `json:"forwarders"`
	ActiveSessions    int                    `json:"active_sessions"`
	ActiveContainers  int                    `json:"active_containers"`
	ActiveConnections int64                  `json:"active_connections"`
	Containers        []domain.Container     `json:"containers"`
}

// Snapshot collects the current status.
func (h *Handler) Snapshot() Snapshot {
	stats := h.sandboxes.Stats()
	return Snapshot{
		Time:              time.Now().UTC(),
		Running:           h.forwarders.Running(),
		Forwarders:        h.forwarders.Status(),
		ActiveSessions:    stats.ActiveSessions,
		ActiveContainers:  stats.ActiveContainers,
		ActiveConnections: h.forwarders.ActiveConnections(),
		Containers:        h.sandboxes.Containers(),
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
