package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestContainer creates a PostgreSQL test container for integration tests
func setupTestContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()

	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("tasks_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	return postgresContainer, connStr
}

// setupTestStore connects to the container and creates the schema. Tables
// are created inline since migration files live outside the test working
// directory.
func setupTestStore(t *testing.T, ctx context.Context, connStr string) *TaskDatabase {
	t.Helper()

	db, err := NewTaskDatabase(ctx, &DatabaseConfig{
		ConnectionString: connStr,
		MaxConnections:   10,
		ConnectTimeout:   30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := createTestTables(ctx, db); err != nil {
		db.Close()
		t.Fatalf("Failed to create test tables: %v", err)
	}

	return db
}

// createTestTables creates the tasks schema for testing
func createTestTables(ctx context.Context, db *TaskDatabase) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id BIGSERIAL PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'queued',
			priority TEXT NOT NULL DEFAULT 'normal',
			engine_name TEXT,
			task_type TEXT NOT NULL DEFAULT 'transcribe',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			task_processing_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			file_path TEXT,
			file_url TEXT,
			file_name TEXT,
			file_size_bytes BIGINT,
			file_duration DOUBLE PRECISION,
			platform TEXT,
			decode_options JSONB,
			language TEXT,
			result JSONB,
			error_message TEXT,
			output_url TEXT,
			callback_url TEXT,
			callback_status_code INT,
			callback_message TEXT,
			callback_time TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (status, priority, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return nil
}

// clearTestData removes all tasks between test cases
func clearTestData(ctx context.Context, db *TaskDatabase) error {
	if _, err := db.pool.Exec(ctx, "DELETE FROM tasks"); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}
	return nil
}
