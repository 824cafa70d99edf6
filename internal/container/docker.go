package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ashureev/sandbox-router/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	stopTimeoutSecs = 10
	hostBindIP      = "127.0.0.1"
	bytesPerGB      = 1024 * 1024 * 1024
	nanoCPUsPerCore = 1_000_000_000
)

// DockerRuntime implements Runtime using the Docker API.
type DockerRuntime struct {
	cli     *client.Client
	runtime string // Container runtime: "" = default (runc), "runsc" = gVisor
}

// NewDockerRuntime creates a new Docker-backed runtime.
// runtime can be "" for default Docker runtime or "runsc" for gVisor.
func NewDockerRuntime(runtime string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if runtime != "" {
		slog.Info("Docker client initialized", "runtime", runtime)
	} else {
		slog.Info("Docker client initialized", "runtime", "default")
	}
	return &DockerRuntime{cli: cli, runtime: runtime}, nil
}

// Start creates and starts a sandbox container with every service port published
// on an ephemeral loopback port.
func (d *DockerRuntime) Start(ctx context.Context, spec Spec) (*Started, error) {
	exposed, bindings, err := portConfig(spec.Ports)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{ManagedLabel: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	config := &container.Config{
		Image:        spec.Image,
		ExposedPorts: exposed,
		Labels:       labels,
	}

	hostConfig := &container.HostConfig{
		Runtime:      d.runtime,
		PortBindings: bindings,
		AutoRemove:   true,
		Resources: container.Resources{
			NanoCPUs: int64(max(spec.CPUs, 1)) * nanoCPUsPerCore,
			Memory:   int64(max(spec.MemoryGB, 1)) * bytesPerGB,
		},
	}

	slog.Info("Creating container", "container_id", spec.ID, "image", spec.Image, "ports", spec.Ports)

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.ID)
	if err != nil {
		return nil, classify(fmt.Errorf("create container %s: %w", spec.ID, err), err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", spec.ID, "error", removeErr)
		}
		return nil, classify(fmt.Errorf("start container %s: %w", spec.ID, err), err)
	}

	inspect, err := d.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		d.forceRemove(ctx, spec.ID)
		return nil, fmt.Errorf("inspect container %s: %w", spec.ID, err)
	}

	ports := make(map[int]int, len(spec.Ports))
	if inspect.NetworkSettings != nil {
		ports = hostPorts(inspect.NetworkSettings.Ports)
	}
	for _, p := range spec.Ports {
		if _, ok := ports[p]; !ok {
			d.forceRemove(ctx, spec.ID)
			return nil, fmt.Errorf("container %s has no host mapping for port %d", spec.ID, p)
		}
	}

	slog.Info("Container created and started", "container_id", spec.ID, "runtime_id", resp.ID, "ports", ports)
	return &Started{ID: spec.ID, RuntimeID: resp.ID, Ports: ports}, nil
}

// Stop stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (d *DockerRuntime) Stop(ctx context.Context, id string) (bool, error) {
	slog.Info("Stopping container", "container_id", id)

	// Check if container exists before trying to stop
	if _, err := d.cli.ContainerInspect(ctx, id); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", id)
			return false, nil
		}
		return false, classify(fmt.Errorf("inspect container %s: %w", id, err), err)
	}

	timeout := stopTimeoutSecs
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			// AutoRemove already reaped it.
			slog.Debug("Container already stopped/removed", "container_id", id)
			return true, nil
		}
		slog.Debug("Container stop returned error, continuing to remove", "container_id", id, "error", err)
	}

	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return true, nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", id, "error", err)
			return true, nil
		}
		return true, fmt.Errorf("remove container %s: %w", id, err)
	}

	slog.Info("Container stopped and removed", "container_id", id)
	return true, nil
}

// List returns every container carrying the managed label.
func (d *DockerRuntime) List(ctx context.Context) ([]domain.Container, error) {
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("list containers: %w", err), err)
	}

	out := make([]domain.Container, 0, len(summaries))
	for _, s := range summaries {
		name := s.ID
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		ports := make(map[int]int, len(s.Ports))
		for _, p := range s.Ports {
			if p.PublicPort != 0 && (p.Type == "" || p.Type == "tcp") {
				ports[int(p.PrivatePort)] = int(p.PublicPort)
			}
		}
		out = append(out, domain.Container{
			ID:     name,
			Name:   name,
			Image:  s.Image,
			Status: stateToStatus(string(s.State)),
			Ports:  ports,
		})
	}
	return out, nil
}

// Ping checks that the Docker daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
	}
	return nil
}

// HasImage reports whether the image exists locally.
func (d *DockerRuntime) HasImage(ctx context.Context, image string) (bool, error) {
	if _, err := d.cli.ImageInspect(ctx, image); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, classify(fmt.Errorf("inspect image %s: %w", image, err), err)
	}
	return true, nil
}

// LoadImage streams an image archive to the daemon. Docker accepts gzip
// compressed archives directly.
func (d *DockerRuntime) LoadImage(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open image archive: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			slog.Debug("Failed to close image archive", "path", path, "error", closeErr)
		}
	}()

	resp, err := d.cli.ImageLoad(ctx, f, client.ImageLoadWithQuiet(true))
	if err != nil {
		return classify(fmt.Errorf("load image from %s: %w", path, err), err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("read image load response: %w", err)
	}

	slog.Info("Image loaded", "path", path)
	return nil
}

// Close closes the Docker client.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (d *DockerRuntime) forceRemove(ctx context.Context, id string) {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("Failed to force-remove container", "container_id", id, "error", err)
	}
}

func portConfig(ports []int) (nat.PortSet, nat.PortMap, error) {
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for _, p := range ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid service port %d: %w", p, err)
		}
		exposed[port] = struct{}{}
		// Empty HostPort lets the daemon pick an ephemeral port.
		bindings[port] = []nat.PortBinding{{HostIP: hostBindIP, HostPort: ""}}
	}
	return exposed, bindings, nil
}

func hostPorts(pm nat.PortMap) map[int]int {
	out := make(map[int]int, len(pm))
	for port, bindings := range pm {
		if port.Proto() != "tcp" {
			continue
		}
		for _, b := range bindings {
			hp, err := strconv.Atoi(b.HostPort)
			if err != nil || hp == 0 {
				continue
			}
			out[port.Int()] = hp
			break
		}
	}
	return out
}

func stateToStatus(state string) domain.ContainerStatus {
	switch state {
	case "running":
		return domain.StatusRunning
	case "created", "restarting":
		return domain.StatusStarting
	case "dead":
		return domain.StatusError
	default:
		return domain.StatusStopped
	}
}

// classify attaches the runtime sentinel errors to Docker failures.
func classify(wrapped, raw error) error {
	switch {
	case client.IsErrConnectionFailed(raw):
		return fmt.Errorf("%w: %w", ErrRuntimeUnavailable, wrapped)
	case errdefs.IsNotFound(raw):
		return fmt.Errorf("%w: %w", ErrImageNotFound, wrapped)
	default:
		return wrapped
	}
}
