package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/sandbox-router/internal/forwarder"
	"github.com/go-chi/chi/v5"
)

const defaultStopTimeout = 30 * time.Second

// ContainerHandler handles session, container and forwarder endpoints.
type ContainerHandler struct {
	*Handler
	stopTimeout time.Duration
}

// NewContainerHandler creates a container handler. A zero stopTimeout uses the default.
func NewContainerHandler(base *Handler, stopTimeout time.Duration) *ContainerHandler {
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	return &ContainerHandler{Handler: base, stopTimeout: stopTimeout}
}

// RegisterRoutes registers container routes.
func (h *ContainerHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/sessions", h.ListSessions)
		r.Delete("/sessions/{sessionID}", h.EndSession)
		r.Get("/containers", h.ListContainers)
		r.Get("/containers/{containerID}", h.GetContainer)
		r.Delete("/containers/{containerID}", h.StopContainer)
		r.Post("/forwarders/start", h.StartForwarders)
		r.Post("/forwarders/stop", h.StopForwarders)
	})
}

// Status returns forwarder and sandbox state.
func (h *ContainerHandler) Status(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.Snapshot())
}

// ListSessions returns every bound session.
func (h *ContainerHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions": h.sandboxes.Sessions(),
	})
}

// EndSession unbinds a session. Its container is stopped after the grace
// period if no other session uses it.
func (h *ContainerHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	containerID, ok := h.sandboxes.Lookup(sessionID)
	if !ok {
		Error(w, http.StatusNotFound, "session_not_found")
		return
	}

	h.sandboxes.EndSession(sessionID)
	slog.Info("Session ended via API", "session_id", sessionID, "container_id", containerID)
	JSON(w, http.StatusOK, map[string]string{
		"status":       "ended",
		"session_id":   sessionID,
		"container_id": containerID,
	})
}

// ListContainers returns every known container.
func (h *ContainerHandler) ListContainers(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"containers": h.sandboxes.Containers(),
	})
}

// GetContainer returns one container.
func (h *ContainerHandler) GetContainer(w http.ResponseWriter, r *http.Request) {
	c, ok := h.sandboxes.Container(chi.URLParam(r, "containerID"))
	if !ok {
		Error(w, http.StatusNotFound, "container_not_found")
		return
	}
	JSON(w, http.StatusOK, c)
}

// StopContainer stops a container and unbinds its sessions.
func (h *ContainerHandler) StopContainer(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "containerID")
	if _, ok := h.sandboxes.Container(containerID); !ok {
		Error(w, http.StatusNotFound, "container_not_found")
		return
	}

	// The stop outlives the request so a disconnecting client cannot leave it half done.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.stopTimeout)
	defer cancel()

	if err := h.sandboxes.StopSandbox(ctx, containerID); err != nil {
		slog.Error("Failed to stop container", "error", err, "container_id", containerID)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Info("Container stopped via API", "container_id", containerID)
	JSON(w, http.StatusOK, map[string]string{"status": "stopped", "container_id": containerID})
}

// StartForwarders binds every configured service port.
func (h *ContainerHandler) StartForwarders(w http.ResponseWriter, r *http.Request) {
	if err := h.forwarders.StartAll(nil); err != nil {
		var bindErr *forwarder.BindError
		if errors.As(err, &bindErr) {
			Error(w, http.StatusConflict, err.Error())
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"running":    h.forwarders.Running(),
		"forwarders": h.forwarders.Status(),
	})
}

// StopForwarders closes every listener. Established connections keep running.
func (h *ContainerHandler) StopForwarders(w http.ResponseWriter, r *http.Request) {
	if err := h.forwarders.StopAll(); err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"running":    h.forwarders.Running(),
		"forwarders": h.forwarders.Status(),
	})
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	runtime    Pinger
	ledger     Pinger
	forwarders Forwarders
	timeout    time.Duration
}

// NewHealthHandler creates a new health handler. ledger may be nil.
func NewHealthHandler(runtime, ledger Pinger, forwarders Forwarders, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{runtime: runtime, ledger: ledger, forwarders: forwarders, timeout: timeout}
}

// Health returns the health status of the router and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK
	degrade := func(name, state string) {
		checks[name] = state
		status["status"] = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	if err := h.runtime.Ping(ctx); err != nil {
		slog.Error("Health check failed", "check", "runtime", "error", err)
		degrade("runtime", "unreachable")
	} else {
		checks["runtime"] = "ok"
	}

	if h.ledger != nil {
		if err := h.ledger.Ping(ctx); err != nil {
			slog.Error("Health check failed", "check", "database", "error", err)
			degrade("database", "unreachable")
		} else {
			checks["database"] = "ok"
		}
	}

	if h.forwarders.Running() {
		checks["forwarders"] = "ok"
	} else {
		degrade("forwarders", "stopped")
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
