package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/sandbox-router/internal/domain"
	"github.com/ashureev/sandbox-router/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // Serializes writes to avoid SQLITE_BUSY under bursts of lifecycle events
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS containers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		image TEXT NOT NULL,
		status TEXT NOT NULL,
		ports_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_containers_created ON containers(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertContainer creates or updates a container record.
func (s *SQLiteStore) UpsertContainer(ctx context.Context, c *domain.Container) error {
	portsJSON, err := encodePorts(c.Ports)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO containers (id, name, image, status, ports_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		ports_json = excluded.ports_json,
		updated_at = excluded.updated_at`

	return s.withRetry(ctx, "upsert container", func() error {
		_, err := s.db.ExecContext(ctx, query,
			c.ID, c.Name, c.Image, string(c.Status), portsJSON,
			c.CreatedAt.Unix(), time.Now().Unix(),
		)
		return err
	})
}

// UpdateContainerStatus updates the status of a container record.
func (s *SQLiteStore) UpdateContainerStatus(ctx context.Context, id string, status domain.ContainerStatus) error {
	query := `UPDATE containers SET status = ?, updated_at = ? WHERE id = ?`

	var rows int64
	err := s.withRetry(ctx, "update container status", func() error {
		result, err := s.db.ExecContext(ctx, query, string(status), time.Now().Unix(), id)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		slog.Warn("UpdateContainerStatus affected 0 rows", "container_id", id)
		return fmt.Errorf("container %s not found", id)
	}
	return nil
}

// DeleteContainer removes a container record.
func (s *SQLiteStore) DeleteContainer(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete container", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM containers WHERE id = ?`, id)
		return err
	})
}

// ListContainers returns every recorded container, oldest first.
func (s *SQLiteStore) ListContainers(ctx context.Context) ([]*domain.Container, error) {
	query := `
		SELECT id, name, image, status, ports_json, created_at, updated_at
		FROM containers ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query containers: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close container rows", "error", closeErr)
		}
	}()

	var out []*domain.Container
	for rows.Next() {
		var c domain.Container
		var status, portsJSON string
		var createdAt, updatedAt int64

		if err := rows.Scan(&c.ID, &c.Name, &c.Image, &status, &portsJSON, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan container row: %w", err)
		}

		c.Status = domain.ContainerStatus(status)
		c.CreatedAt = time.Unix(createdAt, 0)
		c.LastUsedAt = time.Unix(updatedAt, 0)
		if c.Ports, err = decodePorts(portsJSON); err != nil {
			return nil, fmt.Errorf("decode ports for %s: %w", c.ID, err)
		}
		out = append(out, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate containers: %w", err)
	}

	return out, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry serializes a write and retries it on SQLITE_BUSY / locked errors.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := shared.RetryOnConflict(ctx, 3, 50*time.Millisecond, fn); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ports are stored with string keys since JSON objects cannot have int keys.
func encodePorts(ports map[int]int) (string, error) {
	m := make(map[string]int, len(ports))
	for k, v := range ports {
		m[strconv.Itoa(k)] = v
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode ports: %w", err)
	}
	return string(b), nil
}

func decodePorts(s string) (map[int]int, error) {
	var m map[string]int
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	out := make(map[int]int, len(m))
	for k, v := range m {
		p, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid port key %q: %w", k, err)
		}
		out[p] = v
	}
	return out, nil
}
