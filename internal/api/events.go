package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultStatusInterval = 2 * time.Second
	statusWriteTimeout    = 5 * time.Second
)

// StatusStream pushes a Snapshot to websocket clients at a fixed interval.
type StatusStream struct {
	*Handler
	interval       time.Duration
	originPatterns []string

	mu      sync.Mutex
	clients map[*websocket.Conn]string // conn -> remote address
}

// NewStatusStream creates a status stream. originPatterns follow
// websocket.AcceptOptions; an empty list allows any origin.
func NewStatusStream(base *Handler, interval time.Duration, originPatterns []string) *StatusStream {
	if interval <= 0 {
		interval = defaultStatusInterval
	}
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &StatusStream{
		Handler:        base,
		interval:       interval,
		originPatterns: originPatterns,
		clients:        make(map[*websocket.Conn]string),
	}
}

// Clients returns the number of open status streams.
func (s *StatusStream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *StatusStream) register(conn *websocket.Conn, remote string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[conn] = remote
	slog.Info("Status stream registered", "ip", remote, "clients", len(s.clients))
}

func (s *StatusStream) unregister(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if remote, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		slog.Info("Status stream unregistered", "ip", remote, "clients", len(s.clients))
	}
}

// CloseAll closes every open stream. http.Server.Shutdown does not touch
// upgraded connections, so this runs on shutdown.
func (s *StatusStream) CloseAll() {
	s.mu.Lock()
	open := make(map[*websocket.Conn]string, len(s.clients))
	for conn, remote := range s.clients {
		open[conn] = remote
	}
	s.mu.Unlock()

	for conn, remote := range open {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		slog.Info("Status stream closed", "ip", remote)
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (s *StatusStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	s.register(ws, r.RemoteAddr)
	defer s.unregister(ws)

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx when they go away.
	ctx := ws.CloseRead(r.Context())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.writeJSON(ctx, ws, s.Snapshot()); err != nil {
			if ctx.Err() == nil {
				slog.Debug("Status stream write failed", "error", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *StatusStream) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, statusWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
