// Package postgres implements the task store on PostgreSQL via pgxpool.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

// DatabaseConfig holds connection settings for the task database
type DatabaseConfig struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	MigrationsPath   string
}

// TaskDatabase provides PostgreSQL storage for transcription tasks
type TaskDatabase struct {
	pool   *pgxpool.Pool
	config *DatabaseConfig
}

// NewTaskDatabase creates a new task database connection
func NewTaskDatabase(ctx context.Context, config *DatabaseConfig) (*TaskDatabase, error) {
	if config == nil {
		return nil, fmt.Errorf("database config is required")
	}

	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Set defaults
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MigrationsPath == "" {
		config.MigrationsPath = "file://migrations"
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = config.MaxConnections
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &TaskDatabase{
		pool:   pool,
		config: config,
	}, nil
}

// Close closes the database connection pool
func (db *TaskDatabase) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Ping verifies database connectivity
func (db *TaskDatabase) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// MigrateToLatest applies all pending database migrations
func (db *TaskDatabase) MigrateToLatest(ctx context.Context) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migration: %w", err)
	}
	defer conn.Release()

	migrationDB, err := sql.Open("postgres", db.config.ConnectionString)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer migrationDB.Close()

	driver, err := migratepg.WithInstance(migrationDB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		db.config.MigrationsPath,
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// WithRetry executes a function with retry logic for transient connection
// failures. Backoff doubles from baseDelay; after the final attempt the
// last error is returned for the caller to surface.
func (db *TaskDatabase) WithRetry(ctx context.Context, fn func(context.Context) error) error {
	const maxAttempts = 5
	const baseDelay = 1 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !isRetryableError(lastErr) || attempt == maxAttempts-1 {
			return lastErr
		}

		delay := baseDelay * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// isRetryableError checks if an error indicates a transient connection
// problem worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "failed to connect") ||
		strings.Contains(errStr, "unexpected eof") ||
		strings.Contains(errStr, "deadlock detected") ||
		strings.Contains(errStr, "could not serialize access") {
		return true
	}

	return false
}
