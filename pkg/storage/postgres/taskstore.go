package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mozenebula/mini-asr-backend/pkg/storage"
	"github.com/mozenebula/mini-asr-backend/pkg/task"
)

// taskColumns is the canonical column list shared by every SELECT and
// RETURNING clause so scanTask stays in one place.
const taskColumns = `
	id, status, priority, COALESCE(engine_name, ''), task_type,
	created_at, updated_at, task_processing_time,
	COALESCE(file_path, ''), COALESCE(file_url, ''), COALESCE(file_name, ''),
	file_size_bytes, file_duration, COALESCE(platform, ''),
	decode_options, COALESCE(language, ''), result, error_message,
	COALESCE(output_url, ''), COALESCE(callback_url, ''),
	callback_status_code, callback_message, callback_time`

// Create persists a new task and returns it with id and timestamps assigned.
func (db *TaskDatabase) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	query := `
		INSERT INTO tasks (
			status, priority, engine_name, task_type, file_path, file_url,
			file_name, file_size_bytes, file_duration, platform,
			decode_options, language, output_url, callback_url,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW()
		)
		RETURNING id, created_at, updated_at`

	var decodeOptions interface{}
	if t.DecodeOptions != nil {
		decodeOptions = t.DecodeOptions
	}

	created := *t
	err := db.WithRetry(ctx, func(ctx context.Context) error {
		return db.pool.QueryRow(ctx, query,
			string(t.Status),
			string(t.Priority),
			nullableText(t.EngineName),
			string(t.TaskType),
			nullableText(t.FilePath),
			nullableText(t.FileURL),
			nullableText(t.FileName),
			t.FileSizeBytes,
			t.FileDuration,
			nullableText(t.Platform),
			decodeOptions,
			nullableText(t.Language),
			nullableText(t.OutputURL),
			nullableText(t.CallbackURL),
		).Scan(&created.ID, &created.CreatedAt, &created.UpdatedAt)
	})
	if err != nil {
		return nil, mapStoreError("create task", err)
	}

	return &created, nil
}

// Get returns the task with the given id.
func (db *TaskDatabase) Get(ctx context.Context, id int64) (*task.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE id = $1`, taskColumns)

	var t *task.Task
	err := db.WithRetry(ctx, func(ctx context.Context) error {
		row := db.pool.QueryRow(ctx, query, id)
		scanned, scanErr := scanTask(row)
		if scanErr != nil {
			return scanErr
		}
		t = scanned
		return nil
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, storage.ErrTaskNotFound
		}
		return nil, mapStoreError("get task", err)
	}

	return t, nil
}

// ClaimQueued atomically moves up to limit queued tasks to processing and
// returns them in priority order. SKIP LOCKED keeps concurrent claimers
// from blocking on or double-claiming the same rows.
func (db *TaskDatabase) ClaimQueued(ctx context.Context, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		UPDATE tasks
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = 'queued'
			ORDER BY
				CASE priority WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END,
				created_at,
				id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, taskColumns)

	var claimed []*task.Task
	err := db.WithRetry(ctx, func(ctx context.Context) error {
		rows, queryErr := db.pool.Query(ctx, query, limit)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		var batch []*task.Task
		for rows.Next() {
			t, scanErr := scanTask(rows)
			if scanErr != nil {
				return scanErr
			}
			batch = append(batch, t)
		}
		if rowsErr := rows.Err(); rowsErr != nil {
			return rowsErr
		}

		claimed = batch
		return nil
	})
	if err != nil {
		return nil, mapStoreError("claim queued tasks", err)
	}

	// RETURNING yields rows in update order, not claim order.
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].Priority.Rank() != claimed[j].Priority.Rank() {
			return claimed[i].Priority.Rank() < claimed[j].Priority.Rank()
		}
		if !claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
		}
		return claimed[i].ID < claimed[j].ID
	})

	return claimed, nil
}

// Update applies the non-nil fields of update and bumps updated_at.
func (db *TaskDatabase) Update(ctx context.Context, id int64, update *task.Update) error {
	setClauses, args := buildSetClause(update)
	if len(setClauses) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE tasks SET %s, updated_at = NOW() WHERE id = $%d`,
		strings.Join(setClauses, ", "), len(args))

	err := db.WithRetry(ctx, func(ctx context.Context) error {
		result, execErr := db.pool.Exec(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		if result.RowsAffected() == 0 {
			return storage.ErrTaskNotFound
		}
		return nil
	})
	if err != nil {
		if err == storage.ErrTaskNotFound {
			return err
		}
		return mapStoreError("update task", err)
	}

	return nil
}

// Delete removes the task.
func (db *TaskDatabase) Delete(ctx context.Context, id int64) error {
	query := `DELETE FROM tasks WHERE id = $1`

	err := db.WithRetry(ctx, func(ctx context.Context) error {
		result, execErr := db.pool.Exec(ctx, query, id)
		if execErr != nil {
			return execErr
		}
		if result.RowsAffected() == 0 {
			return storage.ErrTaskNotFound
		}
		return nil
	})
	if err != nil {
		if err == storage.ErrTaskNotFound {
			return err
		}
		return mapStoreError("delete task", err)
	}

	return nil
}

// Query returns tasks matching the filter with pagination metadata.
func (db *TaskDatabase) Query(ctx context.Context, filter *task.QueryFilter) (*task.QueryResult, error) {
	if filter == nil {
		filter = &task.QueryFilter{}
	}
	filter.Normalize()

	whereClause, args := buildWhereClause(filter)

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM tasks %s", whereClause)
	query := fmt.Sprintf(`
		SELECT %s FROM tasks
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`,
		taskColumns, whereClause, len(args)+1, len(args)+2)

	result := &task.QueryResult{}
	err := db.WithRetry(ctx, func(ctx context.Context) error {
		var total int64
		if countErr := db.pool.QueryRow(ctx, countQuery, args...).Scan(&total); countErr != nil {
			return countErr
		}

		rows, queryErr := db.pool.Query(ctx, query, append(args, filter.Limit, filter.Offset)...)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		var tasks []*task.Task
		for rows.Next() {
			t, scanErr := scanTask(rows)
			if scanErr != nil {
				return scanErr
			}
			tasks = append(tasks, t)
		}
		if rowsErr := rows.Err(); rowsErr != nil {
			return rowsErr
		}

		result.Tasks = tasks
		result.TotalCount = total
		return nil
	})
	if err != nil {
		return nil, mapStoreError("query tasks", err)
	}

	if int64(filter.Offset+filter.Limit) < result.TotalCount {
		result.HasMore = true
		next := int64(filter.Offset + filter.Limit)
		result.NextOffset = &next
	}

	return result, nil
}

// RecordCallback stores the outcome of a callback attempt.
func (db *TaskDatabase) RecordCallback(ctx context.Context, id int64, statusCode int, message string) error {
	query := `
		UPDATE tasks
		SET callback_status_code = $2, callback_message = $3, callback_time = NOW(),
			updated_at = NOW()
		WHERE id = $1`

	err := db.WithRetry(ctx, func(ctx context.Context) error {
		result, execErr := db.pool.Exec(ctx, query, id, statusCode, task.TruncateCallbackMessage(message))
		if execErr != nil {
			return execErr
		}
		if result.RowsAffected() == 0 {
			return storage.ErrTaskNotFound
		}
		return nil
	})
	if err != nil {
		if err == storage.ErrTaskNotFound {
			return err
		}
		return mapStoreError("record callback", err)
	}

	return nil
}

// scanTask reads one row in taskColumns order.
func scanTask(row pgx.Row) (*task.Task, error) {
	t := &task.Task{}

	var status, priority, taskType string
	var decodeOptions, result []byte

	err := row.Scan(
		&t.ID,
		&status,
		&priority,
		&t.EngineName,
		&taskType,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.TaskProcessingTime,
		&t.FilePath,
		&t.FileURL,
		&t.FileName,
		&t.FileSizeBytes,
		&t.FileDuration,
		&t.Platform,
		&decodeOptions,
		&t.Language,
		&result,
		&t.ErrorMessage,
		&t.OutputURL,
		&t.CallbackURL,
		&t.CallbackStatusCode,
		&t.CallbackMessage,
		&t.CallbackTime,
	)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	t.TaskType = task.Type(taskType)

	if len(decodeOptions) > 0 {
		if err := json.Unmarshal(decodeOptions, &t.DecodeOptions); err != nil {
			return nil, fmt.Errorf("failed to decode task options: %w", err)
		}
	}
	if len(result) > 0 {
		parsed := &task.Result{}
		if err := json.Unmarshal(result, parsed); err != nil {
			return nil, fmt.Errorf("failed to decode task result: %w", err)
		}
		t.Result = parsed
	}

	return t, nil
}

// buildSetClause turns the non-nil fields of an update into SET fragments
// with positional args.
func buildSetClause(update *task.Update) ([]string, []interface{}) {
	var clauses []string
	var args []interface{}
	argIndex := 1

	add := func(column string, value interface{}) {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, argIndex))
		args = append(args, value)
		argIndex++
	}

	if update == nil {
		return nil, nil
	}
	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.EngineName != nil {
		add("engine_name", *update.EngineName)
	}
	if update.Language != nil {
		add("language", *update.Language)
	}
	if update.Result != nil {
		payload, err := json.Marshal(update.Result)
		if err == nil {
			add("result", payload)
		}
	}
	if update.ErrorMessage != nil {
		add("error_message", *update.ErrorMessage)
	}
	if update.FilePath != nil {
		add("file_path", *update.FilePath)
	}
	if update.FileName != nil {
		add("file_name", *update.FileName)
	}
	if update.FileSizeBytes != nil {
		add("file_size_bytes", *update.FileSizeBytes)
	}
	if update.FileDuration != nil {
		add("file_duration", *update.FileDuration)
	}
	if update.TaskProcessingTime != nil {
		add("task_processing_time", *update.TaskProcessingTime)
	}
	if update.OutputURL != nil {
		add("output_url", *update.OutputURL)
	}

	return clauses, args
}

// buildWhereClause turns a query filter into a WHERE fragment with
// positional args.
func buildWhereClause(filter *task.QueryFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	add := func(condition string, value interface{}) {
		conditions = append(conditions, fmt.Sprintf(condition, argIndex))
		args = append(args, value)
		argIndex++
	}

	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.Priority != nil {
		add("priority = $%d", string(*filter.Priority))
	}
	if filter.Platform != nil {
		add("platform = $%d", *filter.Platform)
	}
	if filter.Language != nil {
		add("language = $%d", *filter.Language)
	}
	if filter.EngineName != nil {
		add("engine_name = $%d", *filter.EngineName)
	}
	if filter.CreatedAfter != nil {
		add("created_at >= $%d", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		add("created_at <= $%d", *filter.CreatedBefore)
	}
	if filter.HasResult != nil {
		if *filter.HasResult {
			conditions = append(conditions, "result IS NOT NULL")
		} else {
			conditions = append(conditions, "result IS NULL")
		}
	}
	if filter.HasError != nil {
		if *filter.HasError {
			conditions = append(conditions, "error_message IS NOT NULL")
		} else {
			conditions = append(conditions, "error_message IS NULL")
		}
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

// nullableText maps empty strings to SQL NULL so optional columns stay
// NULL instead of accumulating empty strings.
func nullableText(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// mapStoreError wraps connection-level failures as ErrUnavailable so
// callers can map them to a service-unavailable response.
func mapStoreError(op string, err error) error {
	if isRetryableError(err) {
		return fmt.Errorf("%s: %w: %v", op, storage.ErrUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

var _ storage.TaskStore = (*TaskDatabase)(nil)
