package forwarder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/sandbox-router/internal/container"
	"github.com/ashureev/sandbox-router/internal/sandbox"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func freePorts(t *testing.T, n int) []int {
	t.Helper()
	listeners := make([]net.Listener, 0, n)
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("reserve port: %v", err)
		}
		listeners = append(listeners, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}
	for _, ln := range listeners {
		ln.Close()
	}
	return ports
}

func echoBackend(_ string, _ int, conn net.Conn) {
	defer conn.Close()
	_, _ = io.Copy(conn, conn)
}

type harness struct {
	fwd   *Forwarder
	mgr   *sandbox.Manager
	rt    *container.FakeRuntime
	ports []int
}

func newHarness(t *testing.T, backend container.BackendHandler, mutate func(*Config)) *harness {
	t.Helper()
	rt := container.NewFakeRuntime()
	rt.Backend = backend
	ports := freePorts(t, 2)

	mgr := sandbox.New(rt, sandbox.Options{
		Image:          "sandbox:test",
		Ports:          ports,
		CPUs:           1,
		MemoryGB:       1,
		BackendHost:    "127.0.0.1",
		IdleTimeout:    time.Minute,
		StartupTimeout: 2 * time.Second,
		ProbeInterval:  10 * time.Millisecond,
		Logger:         discard,
	})

	cfg := Config{
		ListenHost:   "127.0.0.1",
		Ports:        ports,
		SniffTimeout: time.Second,
		DialTimeout:  time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	fwd := New(cfg, mgr, discard)
	if err := fwd.StartAll(nil); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}

	t.Cleanup(func() {
		_ = fwd.StopAll()
		_ = mgr.Close(context.Background())
		_ = rt.Close()
	})
	return &harness{fwd: fwd, mgr: mgr, rt: rt, ports: ports}
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", h.fwd.Addr(h.ports[0]).String(), time.Second)
	if err != nil {
		t.Fatalf("dial forwarder: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, payload string) string {
	t.Helper()
	if err := conn.SetDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	if _, err := io.WriteString(conn, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	return string(buf)
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err == nil {
		t.Fatalf("expected connection closed, read %q", buf[:n])
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatal("expected connection closed by forwarder, timed out instead")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// openSockets counts the socket descriptors held by the test process.
func openSockets(t *testing.T) int {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("socket accounting reads /proc/self/fd")
	}
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("read /proc/self/fd: %v", err)
	}
	n := 0
	for _, e := range entries {
		target, err := os.Readlink("/proc/self/fd/" + e.Name())
		if err == nil && strings.HasPrefix(target, "socket:") {
			n++
		}
	}
	return n
}

// settledSockets waits until the socket count stops changing and returns it.
func settledSockets(t *testing.T) int {
	t.Helper()
	prev := openSockets(t)
	for i := 0; i < 50; i++ {
		time.Sleep(20 * time.Millisecond)
		cur := openSockets(t)
		if cur == prev {
			return cur
		}
		prev = cur
	}
	return prev
}

// prepareSession starts the session's container ahead of time so its
// listeners are part of the socket baseline.
func (h *harness) prepareSession(t *testing.T, sessionID string) {
	t.Helper()
	if _, err := h.mgr.CreateSandboxForSession(context.Background(), sessionID); err != nil {
		t.Fatalf("CreateSandboxForSession() error = %v", err)
	}
}

func TestForwarder_RoutesAndReplaysSniffedBytes(t *testing.T) {
	h := newHarness(t, echoBackend, nil)
	conn := h.dial(t)

	req := "POST /execute HTTP/1.1\r\nHost: sandbox\r\nX-Session-Id: abc\r\nContent-Length: 5\r\n\r\nhello"
	if got := roundTrip(t, conn, req); got != req {
		t.Fatalf("expected backend to see the exact request, got %q", got)
	}

	if got := roundTrip(t, conn, "more bytes"); got != "more bytes" {
		t.Errorf("expected follow-up bytes to pass through, got %q", got)
	}
	if _, ok := h.mgr.Lookup("abc"); !ok {
		t.Error("expected session abc to be bound")
	}
	if got := h.rt.Calls("Start"); got != 1 {
		t.Errorf("expected 1 container start, got %d", got)
	}
}

func TestForwarder_RoutesOnJSONBody(t *testing.T) {
	h := newHarness(t, echoBackend, nil)
	conn := h.dial(t)

	body := `{"code":"1+1","env_vars":{"x-session-id":"body-session"}}`
	req := "POST /execute HTTP/1.1\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
	if got := roundTrip(t, conn, req); got != req {
		t.Fatalf("unexpected echo %q", got)
	}
	if _, ok := h.mgr.Lookup("body-session"); !ok {
		t.Error("expected session from body to be bound")
	}
}

func TestForwarder_SniffsAcrossReads(t *testing.T) {
	h := newHarness(t, echoBackend, nil)
	conn := h.dial(t)
	if err := conn.SetDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}

	first := "GET / HTTP/1.1\r\nX-Sess"
	second := "ion-Id: split\r\n\r\n"
	if _, err := io.WriteString(conn, first); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := io.WriteString(conn, second); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, len(first)+len(second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != first+second {
		t.Errorf("unexpected echo %q", buf)
	}
}

func TestForwarder_ConcurrentConnectionsShareContainer(t *testing.T) {
	h := newHarness(t, echoBackend, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", h.fwd.Addr(h.ports[1]).String(), time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
			req := "GET /" + strconv.Itoa(i) + " HTTP/1.1\r\nx-session-id: shared\r\n\r\n"
			if _, err := io.WriteString(conn, req); err != nil {
				errs <- err
				return
			}
			buf := make([]byte, len(req))
			if _, err := io.ReadFull(conn, buf); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("connection failed: %v", err)
	}

	if got := h.rt.Calls("Start"); got != 1 {
		t.Errorf("expected 1 container start, got %d", got)
	}
}

func TestForwarder_DropsRequestWithoutKey(t *testing.T) {
	h := newHarness(t, echoBackend, nil)
	conn := h.dial(t)

	if _, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: sandbox\r\n\r\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClosed(t, conn)
	if got := h.rt.Calls("Start"); got != 0 {
		t.Errorf("expected no container start, got %d", got)
	}
}

func TestForwarder_DropsSilentClient(t *testing.T) {
	h := newHarness(t, echoBackend, func(c *Config) { c.SniffTimeout = 100 * time.Millisecond })
	conn := h.dial(t)

	expectClosed(t, conn)
	if got := h.rt.Calls("Start"); got != 0 {
		t.Errorf("expected no container start, got %d", got)
	}
}

func TestForwarder_DropsOversizedPrefix(t *testing.T) {
	h := newHarness(t, echoBackend, func(c *Config) { c.MaxSniffBytes = 64 })
	conn := h.dial(t)

	junk := make([]byte, 200)
	for i := range junk {
		junk[i] = 'a'
	}
	if _, err := conn.Write(junk); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClosed(t, conn)
}

func TestForwarder_BackendCloseTearsDownClient(t *testing.T) {
	backend := func(_ string, _ int, conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 1024)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		_, _ = io.WriteString(conn, "bye")
	}
	h := newHarness(t, backend, nil)
	h.prepareSession(t, "abc")
	before := settledSockets(t)
	conn := h.dial(t)

	if _, err := io.WriteString(conn, "GET / HTTP/1.1\r\nx-session-id: abc\r\n\r\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
	if string(got) != "bye" {
		t.Errorf("expected %q, got %q", "bye", got)
	}
	conn.Close()

	waitFor(t, "active connections to drain", func() bool { return h.fwd.ActiveConnections() == 0 })
	waitFor(t, "proxy sockets to close", func() bool { return openSockets(t) <= before })
}

func TestForwarder_ClientCloseTearsDownBackend(t *testing.T) {
	backendDone := make(chan struct{}, 1)
	backend := func(_ string, _ int, conn net.Conn) {
		defer conn.Close()
		n, _ := io.Copy(conn, conn)
		if n > 0 {
			backendDone <- struct{}{}
		}
	}
	h := newHarness(t, backend, nil)
	h.prepareSession(t, "abc")
	before := settledSockets(t)
	conn := h.dial(t)

	req := "GET / HTTP/1.1\r\nx-session-id: abc\r\n\r\n"
	roundTrip(t, conn, req)
	// Client, both forwarder ends and the backend's accepted conn.
	if during := openSockets(t); during < before+4 {
		t.Fatalf("expected at least %d sockets while piping, got %d", before+4, during)
	}
	conn.Close()

	select {
	case <-backendDone:
	case <-time.After(3 * time.Second):
		t.Fatal("backend connection was not closed after client left")
	}
	waitFor(t, "active connections to drain", func() bool { return h.fwd.ActiveConnections() == 0 })
	if err := h.fwd.Drain(context.Background()); err != nil {
		t.Errorf("Drain() error = %v", err)
	}
	waitFor(t, "proxy sockets to close", func() bool { return openSockets(t) <= before })
}

func TestForwarder_StopAllKeepsEstablishedPipes(t *testing.T) {
	h := newHarness(t, echoBackend, nil)
	conn := h.dial(t)
	addr := h.fwd.Addr(h.ports[0]).String()

	roundTrip(t, conn, "GET / HTTP/1.1\r\nx-session-id: abc\r\n\r\n")

	if err := h.fwd.StopAll(); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	if h.fwd.Running() {
		t.Error("expected forwarder not running after StopAll")
	}
	if _, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		t.Error("expected new connections to be refused")
	}
	if got := roundTrip(t, conn, "still here"); got != "still here" {
		t.Errorf("expected established pipe to keep working, got %q", got)
	}
}

func TestForwarder_ResolveBackendAddress(t *testing.T) {
	h := newHarness(t, echoBackend, nil)

	if _, err := h.fwd.ResolveBackendAddress("abc", h.ports[0]); !errors.Is(err, sandbox.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound before routing, got %v", err)
	}

	conn := h.dial(t)
	roundTrip(t, conn, "GET / HTTP/1.1\r\nx-session-id: abc\r\n\r\n")

	got, err := h.fwd.ResolveBackendAddress("abc", h.ports[0])
	if err != nil {
		t.Fatalf("ResolveBackendAddress() error = %v", err)
	}
	want, _ := h.mgr.BackendAddress("abc", h.ports[0])
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

type noBackends struct{}

func (noBackends) ResolveBackend(context.Context, string, int) (string, error) {
	return "", errors.New("no backends")
}

func (noBackends) BackendAddress(string, int) (string, error) {
	return "", errors.New("no backends")
}

func TestStartAll_IsAllOrNothing(t *testing.T) {
	ports := freePorts(t, 2)
	blocker, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(ports[1])))
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}

	fwd := New(Config{ListenHost: "127.0.0.1", Ports: ports}, noBackends{}, discard)
	err = fwd.StartAll(nil)
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected BindError, got %v", err)
	}
	if bindErr.Port != ports[1] {
		t.Errorf("expected failure on port %d, got %d", ports[1], bindErr.Port)
	}
	if fwd.Running() {
		t.Error("expected forwarder not running after failed start")
	}
	for _, st := range fwd.Status() {
		if st.Listening {
			t.Errorf("port %d left listening after failed start", st.Port)
		}
	}
	if _, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(ports[0])), 200*time.Millisecond); err == nil {
		t.Error("expected first port to be released")
	}

	blocker.Close()
	if err := fwd.StartAll(nil); err != nil {
		t.Fatalf("StartAll() after release error = %v", err)
	}
	if !fwd.Running() {
		t.Error("expected forwarder running")
	}
	status := fwd.Status()
	if len(status) != 2 || status[0].Port > status[1].Port {
		t.Errorf("expected 2 sorted port statuses, got %+v", status)
	}
	if err := fwd.StartAll(nil); err != nil {
		t.Errorf("expected restart of running ports to be a no-op, got %v", err)
	}
	if err := fwd.StopAll(); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
}
