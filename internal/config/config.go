// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	HTTPPort    string   `yaml:"http_port"`
	GRPCPort    string   `yaml:"grpc_port"` // empty disables the gRPC health server
	DBPath      string   `yaml:"db_path"`
	LogLevel    string   `yaml:"log_level"`
	CORSOrigins []string `yaml:"cors_origins"`

	Forwarder ForwarderConfig `yaml:"forwarder"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Timeout   TimeoutConfig   `yaml:"timeout"`
}

// ForwarderConfig controls the TCP listeners.
type ForwarderConfig struct {
	ServicePorts []int  `yaml:"service_ports"`
	ListenHost   string `yaml:"listen_host"`
	BackendHost  string `yaml:"backend_host"`
}

// SandboxConfig describes the containers created per session.
type SandboxConfig struct {
	Image            string `yaml:"image"`
	ImageArchive     string `yaml:"image_archive"`
	CPUs             int    `yaml:"cpus"`
	MemoryGB         int    `yaml:"memory_gb"`
	ReadinessPort    int    `yaml:"readiness_port"`
	ContainerRuntime string `yaml:"container_runtime"` // Docker runtime: "" = default (runc), "runsc" = gVisor
}

// TimeoutConfig holds lifecycle and network timeouts.
type TimeoutConfig struct {
	Idle           time.Duration `yaml:"idle"`
	Startup        time.Duration `yaml:"startup"`
	Grace          time.Duration `yaml:"grace"`
	Sniff          time.Duration `yaml:"sniff"`
	Dial           time.Duration `yaml:"dial"`
	Reconcile      time.Duration `yaml:"reconcile"`
	StatusInterval time.Duration `yaml:"status_interval"`
	HealthCheck    time.Duration `yaml:"health_check"`
	Shutdown       time.Duration `yaml:"shutdown"`
}

// DefaultServicePorts are the container ports exposed and forwarded by default:
// the main API, the control-plane daemon and the remote display.
var DefaultServicePorts = []int{49999, 49983, 6080}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort:    "8080",
		GRPCPort:    "8081",
		DBPath:      "./data/sandbox-router.db",
		LogLevel:    "info",
		CORSOrigins: []string{"*"},
		Forwarder: ForwarderConfig{
			ServicePorts: append([]int(nil), DefaultServicePorts...),
			ListenHost:   "0.0.0.0",
			BackendHost:  "localhost",
		},
		Sandbox: SandboxConfig{
			Image:         "e2b-sandbox:latest",
			CPUs:          1,
			MemoryGB:      1,
			ReadinessPort: 49983,
		},
		Timeout: TimeoutConfig{
			Idle:           30 * time.Minute,
			Startup:        30 * time.Second,
			Grace:          3 * time.Second,
			Sniff:          5 * time.Second,
			Dial:           5 * time.Second,
			Reconcile:      30 * time.Second,
			StatusInterval: 2 * time.Second,
			HealthCheck:    5 * time.Second,
			Shutdown:       10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in increasing order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("SANDBOX_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.GRPCPort = getEnv("GRPC_PORT", c.GRPCPort)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	if origins := getEnv("CORS_ORIGINS", ""); origins != "" {
		c.CORSOrigins = splitList(origins)
	}

	if raw := getEnv("SERVICE_PORTS", ""); raw != "" {
		ports, err := ParsePorts(raw)
		if err != nil {
			return fmt.Errorf("SERVICE_PORTS: %w", err)
		}
		c.Forwarder.ServicePorts = ports
	}
	c.Forwarder.ListenHost = getEnv("LISTEN_HOST", c.Forwarder.ListenHost)
	c.Forwarder.BackendHost = getEnv("BACKEND_HOST", c.Forwarder.BackendHost)

	c.Sandbox.Image = getEnv("SANDBOX_IMAGE", c.Sandbox.Image)
	c.Sandbox.ImageArchive = getEnv("SANDBOX_IMAGE_ARCHIVE", c.Sandbox.ImageArchive)
	c.Sandbox.CPUs = getEnvInt("SANDBOX_CPUS", c.Sandbox.CPUs)
	c.Sandbox.MemoryGB = getEnvInt("SANDBOX_MEMORY_GB", c.Sandbox.MemoryGB)
	c.Sandbox.ReadinessPort = getEnvInt("READINESS_PORT", c.Sandbox.ReadinessPort)
	c.Sandbox.ContainerRuntime = getEnv("CONTAINER_RUNTIME", c.Sandbox.ContainerRuntime)

	c.Timeout.Idle = getEnvDuration("IDLE_TIMEOUT_MINUTES", time.Minute, c.Timeout.Idle)
	c.Timeout.Startup = getEnvDuration("STARTUP_TIMEOUT_SECONDS", time.Second, c.Timeout.Startup)
	c.Timeout.Grace = getEnvDuration("GRACE_PERIOD_SECONDS", time.Second, c.Timeout.Grace)
	c.Timeout.Sniff = getEnvDuration("SNIFF_TIMEOUT_SECONDS", time.Second, c.Timeout.Sniff)
	c.Timeout.Dial = getEnvDuration("DIAL_TIMEOUT_SECONDS", time.Second, c.Timeout.Dial)
	c.Timeout.Reconcile = getEnvDuration("RECONCILE_INTERVAL_SECONDS", time.Second, c.Timeout.Reconcile)
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if len(c.Forwarder.ServicePorts) == 0 {
		return fmt.Errorf("SERVICE_PORTS cannot be empty")
	}
	seen := make(map[int]bool, len(c.Forwarder.ServicePorts))
	for _, p := range c.Forwarder.ServicePorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("service port %d out of range", p)
		}
		if seen[p] {
			return fmt.Errorf("service port %d listed twice", p)
		}
		seen[p] = true
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty")
	}
	if c.Sandbox.CPUs < 1 {
		return fmt.Errorf("SANDBOX_CPUS must be >= 1")
	}
	if c.Sandbox.MemoryGB < 1 {
		return fmt.Errorf("SANDBOX_MEMORY_GB must be >= 1")
	}
	if c.Sandbox.ReadinessPort != 0 && !seen[c.Sandbox.ReadinessPort] {
		return fmt.Errorf("READINESS_PORT %d is not a service port", c.Sandbox.ReadinessPort)
	}
	for name, d := range map[string]time.Duration{
		"idle timeout":    c.Timeout.Idle,
		"startup timeout": c.Timeout.Startup,
		"sniff timeout":   c.Timeout.Sniff,
		"dial timeout":    c.Timeout.Dial,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.Timeout.Grace < 0 {
		return fmt.Errorf("grace period cannot be negative")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParsePorts parses a comma separated port list such as "49999,49983,6080".
func ParsePorts(raw string) ([]int, error) {
	var ports []int
	for _, part := range splitList(raw) {
		p, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", part, err)
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no ports in %q", raw)
	}
	return ports, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration reads an integer count of unit from key.
func getEnvDuration(key string, unit time.Duration, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return fallback
	}
	return time.Duration(n) * unit
}
