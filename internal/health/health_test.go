package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeForwarders struct{ running atomic.Bool }

func (f *fakeForwarders) Running() bool { return f.running.Load() }

type fakeRuntime struct {
	mu  sync.Mutex
	err error
}

func (f *fakeRuntime) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRuntime) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func startServer(t *testing.T, fwd Forwarders, rt Pinger) (*Server, healthpb.HealthClient) {
	t.Helper()
	srv := NewServer(fwd, rt, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return srv, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) error = %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealth_StartsNotServing(t *testing.T) {
	fwd := &fakeForwarders{}
	_, client := startServer(t, fwd, &fakeRuntime{})

	if got := check(t, client, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING before first check, got %v", got)
	}
}

func TestHealth_TracksForwardersAndRuntime(t *testing.T) {
	fwd := &fakeForwarders{}
	fwd.running.Store(true)
	rt := &fakeRuntime{}
	srv, client := startServer(t, fwd, rt)

	if got := srv.Check(context.Background()); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", got)
	}
	if got := check(t, client, ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected %s SERVING, got %v", ServiceName, got)
	}

	rt.setErr(errors.New("daemon down"))
	srv.Check(context.Background())
	if got := check(t, client, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING with runtime down, got %v", got)
	}

	rt.setErr(nil)
	fwd.running.Store(false)
	srv.Check(context.Background())
	if got := check(t, client, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING with forwarders stopped, got %v", got)
	}
}

func TestHealth_RunStopsWithContext(t *testing.T) {
	fwd := &fakeForwarders{}
	fwd.running.Store(true)
	srv, client := startServer(t, fwd, &fakeRuntime{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for check(t, client, "") != healthpb.HealthCheckResponse_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for SERVING")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
