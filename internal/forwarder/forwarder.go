// Package forwarder accepts TCP connections on the service ports, reads the
// session id from the first request and splices each connection to that
// session's sandbox container.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultSniffTimeout  = 5 * time.Second
	defaultDialTimeout   = 5 * time.Second
	defaultMaxSniffBytes = 64 * 1024

	maxAcceptBackoff = time.Second
)

// Backends resolves sessions to backend addresses. It is implemented by
// *sandbox.Manager.
type Backends interface {
	// ResolveBackend returns the backend for a session's service port,
	// creating the session's container if needed.
	ResolveBackend(ctx context.Context, sessionID string, port int) (string, error)

	// BackendAddress returns the backend for a bound session without side effects.
	BackendAddress(sessionID string, port int) (string, error)
}

// Config configures a Forwarder. Zero values fall back to defaults.
type Config struct {
	ListenHost    string
	Ports         []int
	SniffTimeout  time.Duration
	DialTimeout   time.Duration
	MaxSniffBytes int
}

// PortStatus reports whether a service port has a bound listener.
type PortStatus struct {
	Port      int  `json:"port"`
	Listening bool `json:"is_running"`
}

type portListener struct {
	port int
	ln   net.Listener
	done chan struct{}
}

// Forwarder owns one listener per service port.
type Forwarder struct {
	cfg      Config
	backends Backends
	log      *slog.Logger

	mu        sync.Mutex
	listeners map[int]*portListener
	known     map[int]bool

	conns  sync.WaitGroup
	active atomic.Int64
}

// New creates a Forwarder. No listener is bound until StartAll.
func New(cfg Config, backends Backends, log *slog.Logger) *Forwarder {
	if cfg.SniffTimeout <= 0 {
		cfg.SniffTimeout = defaultSniffTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.MaxSniffBytes <= 0 {
		cfg.MaxSniffBytes = defaultMaxSniffBytes
	}
	if log == nil {
		log = slog.Default()
	}

	known := make(map[int]bool, len(cfg.Ports))
	for _, p := range cfg.Ports {
		known[p] = true
	}

	return &Forwarder{
		cfg:       cfg,
		backends:  backends,
		log:       log,
		listeners: make(map[int]*portListener),
		known:     known,
	}
}

// StartAll binds a listener for every port, or for the configured ports when
// ports is empty. Ports already listening are skipped. If any bind fails,
// every listener bound by this call is closed and a *BindError is returned.
func (f *Forwarder) StartAll(ports []int) error {
	if len(ports) == 0 {
		ports = f.cfg.Ports
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var bound []*portListener
	for _, port := range ports {
		if _, ok := f.listeners[port]; ok {
			f.log.Info("Forwarder already running", "port", port)
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(f.cfg.ListenHost, strconv.Itoa(port)))
		if err != nil {
			for _, pl := range bound {
				if closeErr := pl.ln.Close(); closeErr != nil {
					f.log.Debug("Failed to close listener during rollback", "port", pl.port, "error", closeErr)
				}
			}
			f.log.Error("Failed to start forwarder", "port", port, "error", err)
			return &BindError{Port: port, Err: err}
		}
		bound = append(bound, &portListener{port: port, ln: ln, done: make(chan struct{})})
	}

	for _, pl := range bound {
		f.listeners[pl.port] = pl
		f.known[pl.port] = true
		go f.serve(pl)
		f.log.Info("TCP forwarder listening", "port", pl.port, "addr", pl.ln.Addr().String())
	}
	return nil
}

// StopAll closes every listener. Connections already being proxied are not
// interrupted.
func (f *Forwarder) StopAll() error {
	f.mu.Lock()
	stopping := make([]*portListener, 0, len(f.listeners))
	for port, pl := range f.listeners {
		stopping = append(stopping, pl)
		delete(f.listeners, port)
	}
	f.mu.Unlock()

	var errs []error
	for _, pl := range stopping {
		if err := pl.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close listener on port %d: %w", pl.port, err))
		}
		<-pl.done
		f.log.Info("TCP forwarder stopped", "port", pl.port)
	}
	return errors.Join(errs...)
}

// Drain waits until every proxied connection has finished or ctx is done.
func (f *Forwarder) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d connections still open: %w", f.active.Load(), ctx.Err())
	}
}

// Status reports every configured or started port, sorted by port.
func (f *Forwarder) Status() []PortStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]PortStatus, 0, len(f.known))
	for port := range f.known {
		_, listening := f.listeners[port]
		out = append(out, PortStatus{Port: port, Listening: listening})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Running reports whether every known port is listening.
func (f *Forwarder) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.known) == 0 {
		return false
	}
	for port := range f.known {
		if _, ok := f.listeners[port]; !ok {
			return false
		}
	}
	return true
}

// Addr returns the bound address for a port, or nil if it is not listening.
func (f *Forwarder) Addr(port int) net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pl, ok := f.listeners[port]; ok {
		return pl.ln.Addr()
	}
	return nil
}

// ActiveConnections returns the number of connections currently spliced.
func (f *Forwarder) ActiveConnections() int64 {
	return f.active.Load()
}

// ResolveBackendAddress returns the address the forwarder would dial for a
// session's service port. It never creates a container.
func (f *Forwarder) ResolveBackendAddress(sessionID string, port int) (string, error) {
	return f.backends.BackendAddress(sessionID, port)
}

func (f *Forwarder) serve(pl *portListener) {
	defer close(pl.done)

	var backoff time.Duration
	for {
		conn, err := pl.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = min(max(2*backoff, 5*time.Millisecond), maxAcceptBackoff)
			f.log.Warn("Accept failed, retrying", "port", pl.port, "error", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		f.conns.Add(1)
		go f.handle(pl.port, conn)
	}
}

func (f *Forwarder) handle(port int, client net.Conn) {
	defer f.conns.Done()
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("Panic while handling connection", "port", port, "panic", r)
		}
	}()
	defer client.Close()

	remote := client.RemoteAddr().String()
	log := f.log.With("port", port, "remote_addr", remote)
	log.Debug("New connection")

	sessionID, sniffed, err := f.sniff(client)
	if err != nil {
		switch {
		case errors.Is(err, ErrRoutingKeyNotFound):
			log.Warn("No session id in request, closing connection", "bytes", len(sniffed), "error", err)
		case errors.Is(err, ErrSniffTimeout):
			log.Info("No request before sniff timeout, closing connection", "bytes", len(sniffed))
		default:
			log.Debug("Client closed before sending a session id", "error", err)
		}
		return
	}
	log = log.With("session_id", sessionID)

	addr, err := f.backends.ResolveBackend(context.Background(), sessionID, port)
	if err != nil {
		log.Error("Failed to resolve backend", "error", err)
		return
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), f.cfg.DialTimeout)
	var d net.Dialer
	backend, err := d.DialContext(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		log.Error("Backend unreachable", "error", &BackendDialError{SessionID: sessionID, Address: addr, Err: err})
		return
	}
	defer backend.Close()

	f.active.Add(1)
	defer f.active.Add(-1)
	log.Debug("Proxying connection", "backend", addr)

	started := time.Now()
	clientReader := io.MultiReader(bytes.NewReader(sniffed), client)
	sent, received, err := bridge(client, clientReader, backend, backend)
	if err != nil {
		log.Warn("Connection ended with error", "backend", addr, "error", err)
	}
	log.Debug("Connection closed", "backend", addr, "bytes_sent", sent, "bytes_received", received, "duration", time.Since(started))
}
