// Package storage defines the durable task store contract. The postgres
// subpackage provides the production implementation; tests use in-memory
// fakes satisfying the same interface.
package storage

import (
	"context"
	"errors"

	"github.com/mozenebula/mini-asr-backend/pkg/task"
)

// ErrTaskNotFound is returned when the requested task id does not exist
// or has been deleted.
var ErrTaskNotFound = errors.New("task not found")

// ErrUnavailable is returned when the store cannot be reached after its
// retry budget is exhausted.
var ErrUnavailable = errors.New("task store unavailable")

// TaskStore is the durable record of every task the service has accepted.
type TaskStore interface {
	// Create persists a new task and returns it with its assigned id and
	// server-side timestamps filled in.
	Create(ctx context.Context, t *task.Task) (*task.Task, error)

	// Get returns the task with the given id, or ErrTaskNotFound.
	Get(ctx context.Context, id int64) (*task.Task, error)

	// ClaimQueued atomically selects up to limit queued tasks in priority
	// order (high before normal before low, then created_at, then id),
	// marks them processing, and returns them. Two concurrent claimers
	// never receive the same task.
	ClaimQueued(ctx context.Context, limit int) ([]*task.Task, error)

	// Update applies the non-nil fields of update to the task and bumps
	// updated_at. Returns ErrTaskNotFound if the id does not exist.
	Update(ctx context.Context, id int64, update *task.Update) error

	// Delete removes the task. Returns ErrTaskNotFound if absent.
	Delete(ctx context.Context, id int64) error

	// Query returns tasks matching the filter with pagination metadata.
	Query(ctx context.Context, filter *task.QueryFilter) (*task.QueryResult, error)

	// RecordCallback stores the outcome of a callback attempt: HTTP status
	// code, response body truncated to the callback message limit, and the
	// current time.
	RecordCallback(ctx context.Context, id int64, statusCode int, message string) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close()
}
