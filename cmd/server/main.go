// Sandbox router server: session-aware TCP forwarding to per-session sandbox containers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/sandbox-router/internal/api"
	"github.com/ashureev/sandbox-router/internal/config"
	"github.com/ashureev/sandbox-router/internal/container"
	"github.com/ashureev/sandbox-router/internal/forwarder"
	"github.com/ashureev/sandbox-router/internal/health"
	"github.com/ashureev/sandbox-router/internal/middleware"
	"github.com/ashureev/sandbox-router/internal/sandbox"
	"github.com/ashureev/sandbox-router/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides SANDBOX_CONFIG)")
	envFile := flag.String("env-file", ".env", "path to a .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, "No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting sandbox router",
		"http_port", cfg.HTTPPort,
		"grpc_port", cfg.GRPCPort,
		"service_ports", cfg.Forwarder.ServicePorts,
		"image", cfg.Sandbox.Image)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	rt, err := container.NewDockerRuntime(cfg.Sandbox.ContainerRuntime)
	if err != nil {
		return fmt.Errorf("initialize container runtime: %w", err)
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Error("Failed to close container runtime", "error", closeErr)
		}
	}()

	if err := pingWithTimeout(ctx, rt, cfg.Timeout.HealthCheck); err != nil {
		return fmt.Errorf("container runtime health check: %w", err)
	}
	slog.Info("Container runtime connected")

	if err := ensureImage(ctx, rt, cfg.Sandbox.Image, cfg.Sandbox.ImageArchive); err != nil {
		return err
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := pingWithTimeout(ctx, repo, cfg.Timeout.HealthCheck); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	reaped, err := sandbox.ReapOrphans(ctx, repo, rt)
	if err != nil {
		return fmt.Errorf("reap orphaned containers: %w", err)
	}
	slog.Info("Orphan cleanup complete", "containers_stopped", reaped)

	mgr := sandbox.New(rt, sandbox.Options{
		Image:          cfg.Sandbox.Image,
		Ports:          cfg.Forwarder.ServicePorts,
		CPUs:           cfg.Sandbox.CPUs,
		MemoryGB:       cfg.Sandbox.MemoryGB,
		ReadinessPort:  cfg.Sandbox.ReadinessPort,
		BackendHost:    cfg.Forwarder.BackendHost,
		IdleTimeout:    cfg.Timeout.Idle,
		StartupTimeout: cfg.Timeout.Startup,
		GracePeriod:    cfg.Timeout.Grace,
		Ledger:         repo,
		Logger:         logger,
	})

	fwd := forwarder.New(forwarder.Config{
		ListenHost:   cfg.Forwarder.ListenHost,
		Ports:        cfg.Forwarder.ServicePorts,
		SniffTimeout: cfg.Timeout.Sniff,
		DialTimeout:  cfg.Timeout.Dial,
	}, mgr, logger)

	if err := fwd.StartAll(nil); err != nil {
		closeManager(mgr, cfg.Timeout.Shutdown)
		return fmt.Errorf("start forwarders: %w", err)
	}

	sandbox.StartReconcileWorker(ctx, mgr, cfg.Timeout.Reconcile, sandbox.DefaultErrorRetention)

	// Initialize handlers.
	baseHandler := api.NewHandler(mgr, fwd)
	containerHandler := api.NewContainerHandler(baseHandler, cfg.Timeout.Shutdown)
	healthHandler := api.NewHealthHandler(rt, repo, fwd, cfg.Timeout.HealthCheck)
	statusStream := api.NewStatusStream(baseHandler, cfg.Timeout.StatusInterval, cfg.CORSOrigins)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	healthHandler.RegisterHealth(r)
	containerHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/status", statusStream.ServeHTTP)

	// WriteTimeout stays 0 so the status stream is not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 2)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	var healthSrv *health.Server
	if cfg.GRPCPort != "" {
		ln, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			serverErr <- fmt.Errorf("listen grpc health on %s: %w", cfg.GRPCPort, err)
		} else {
			healthSrv = health.NewServer(fwd, rt, cfg.Timeout.HealthCheck, logger)
			go healthSrv.Run(ctx)
			go func() {
				if err := healthSrv.Serve(ln); err != nil {
					serverErr <- err
				}
			}()
		}
	}

	// Wait for shutdown signal or a server failure.
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := fwd.StopAll(); err != nil {
		slog.Error("Failed to stop forwarders", "error", err)
	}
	if healthSrv != nil {
		healthSrv.Stop()
	}
	statusStream.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := fwd.Drain(shutdownCtx); err != nil {
		slog.Warn("Proxied connections still open at shutdown", "error", err)
	}
	closeManager(mgr, cfg.Timeout.Shutdown)

	return runErr
}

type pinger interface {
	Ping(ctx context.Context) error
}

func pingWithTimeout(ctx context.Context, p pinger, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Ping(ctx)
}

// ensureImage loads the sandbox image from archive when the daemon does not
// have it yet.
func ensureImage(ctx context.Context, rt container.Runtime, image, archive string) error {
	ok, err := rt.HasImage(ctx, image)
	if err != nil {
		return fmt.Errorf("check sandbox image %s: %w", image, err)
	}
	if ok {
		slog.Info("Sandbox image present", "image", image)
		return nil
	}
	if archive == "" {
		slog.Warn("Sandbox image missing and no archive configured, container starts will fail until it is pulled", "image", image)
		return nil
	}

	slog.Info("Loading sandbox image", "image", image, "archive", archive)
	if err := rt.LoadImage(ctx, archive); err != nil {
		return fmt.Errorf("load sandbox image: %w", err)
	}
	if ok, err := rt.HasImage(ctx, image); err != nil || !ok {
		return fmt.Errorf("image %s still missing after loading %s: %w", image, archive, errors.Join(err, container.ErrImageNotFound))
	}
	return nil
}

func closeManager(mgr *sandbox.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := mgr.Close(ctx); err != nil {
		slog.Error("Failed to stop all sandboxes", "error", err)
	}
}
