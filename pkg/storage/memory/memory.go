// Package memory provides an in-memory TaskStore with the same observable
// semantics as the postgres implementation. It backs processor and API
// tests and small single-node deployments that can afford to lose state
// on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mozenebula/mini-asr-backend/pkg/storage"
	"github.com/mozenebula/mini-asr-backend/pkg/task"
)

// TaskStore is a mutex-guarded map of tasks keyed by id.
type TaskStore struct {
	mu     sync.Mutex
	tasks  map[int64]*task.Task
	nextID int64

	// forced, when non-nil, fails every operation. Lets tests exercise
	// store-unavailable paths.
	forced error
}

var _ storage.TaskStore = (*TaskStore)(nil)

// New returns an empty store.
func New() *TaskStore {
	return &TaskStore{
		tasks:  make(map[int64]*task.Task),
		nextID: 1,
	}
}

// SetError forces every subsequent operation to return err. Pass nil to
// restore normal behavior.
func (s *TaskStore) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = err
}

// Create persists a new task and returns it with id and timestamps set.
func (s *TaskStore) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forced != nil {
		return nil, s.forced
	}

	now := time.Now().UTC()
	stored := clone(t)
	stored.ID = s.nextID
	s.nextID++
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = task.StatusQueued
	}
	if stored.Priority == "" {
		stored.Priority = task.PriorityNormal
	}
	if stored.TaskType == "" {
		stored.TaskType = task.TypeTranscribe
	}

	s.tasks[stored.ID] = stored
	return clone(stored), nil
}

// Get returns the task with the given id.
func (s *TaskStore) Get(ctx context.Context, id int64) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forced != nil {
		return nil, s.forced
	}

	t, ok := s.tasks[id]
	if !ok {
		return nil, storage.ErrTaskNotFound
	}
	return clone(t), nil
}

// ClaimQueued atomically marks up to limit queued tasks processing and
// returns them in claim order.
func (s *TaskStore) ClaimQueued(ctx context.Context, limit int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forced != nil {
		return nil, s.forced
	}
	if limit <= 0 {
		return nil, nil
	}

	var queued []*task.Task
	for _, t := range s.tasks {
		if t.Status == task.StatusQueued {
			queued = append(queued, t)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Priority.Rank() != queued[j].Priority.Rank() {
			return queued[i].Priority.Rank() < queued[j].Priority.Rank()
		}
		if !queued[i].CreatedAt.Equal(queued[j].CreatedAt) {
			return queued[i].CreatedAt.Before(queued[j].CreatedAt)
		}
		return queued[i].ID < queued[j].ID
	})

	if len(queued) > limit {
		queued = queued[:limit]
	}

	now := time.Now().UTC()
	claimed := make([]*task.Task, 0, len(queued))
	for _, t := range queued {
		t.Status = task.StatusProcessing
		t.UpdatedAt = now
		claimed = append(claimed, clone(t))
	}
	return claimed, nil
}

// Update applies the non-nil fields of update and bumps updated_at.
func (s *TaskStore) Update(ctx context.Context, id int64, update *task.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forced != nil {
		return s.forced
	}
	if update == nil {
		return nil
	}

	t, ok := s.tasks[id]
	if !ok {
		return storage.ErrTaskNotFound
	}

	if update.Status != nil {
		t.Status = *update.Status
	}
	if update.EngineName != nil {
		t.EngineName = *update.EngineName
	}
	if update.Language != nil {
		t.Language = *update.Language
	}
	if update.Result != nil {
		r := *update.Result
		t.Result = &r
	}
	if update.ErrorMessage != nil {
		msg := *update.ErrorMessage
		t.ErrorMessage = &msg
	}
	if update.FilePath != nil {
		t.FilePath = *update.FilePath
	}
	if update.FileName != nil {
		t.FileName = *update.FileName
	}
	if update.FileSizeBytes != nil {
		size := *update.FileSizeBytes
		t.FileSizeBytes = &size
	}
	if update.FileDuration != nil {
		dur := *update.FileDuration
		t.FileDuration = &dur
	}
	if update.TaskProcessingTime != nil {
		t.TaskProcessingTime = *update.TaskProcessingTime
	}
	if update.OutputURL != nil {
		t.OutputURL = *update.OutputURL
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete removes the task.
func (s *TaskStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forced != nil {
		return s.forced
	}

	if _, ok := s.tasks[id]; !ok {
		return storage.ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

// Query returns tasks matching the filter, newest first, with pagination
// metadata.
func (s *TaskStore) Query(ctx context.Context, filter *task.QueryFilter) (*task.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forced != nil {
		return nil, s.forced
	}

	if filter == nil {
		filter = &task.QueryFilter{}
	}
	filter.Normalize()

	var matched []*task.Task
	for _, t := range s.tasks {
		if matches(t, filter) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := int64(len(matched))
	start := filter.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}

	page := make([]*task.Task, 0, end-start)
	for _, t := range matched[start:end] {
		page = append(page, clone(t))
	}

	result := &task.QueryResult{
		Tasks:      page,
		TotalCount: total,
	}
	if int64(filter.Offset+filter.Limit) < total {
		result.HasMore = true
		next := int64(filter.Offset + filter.Limit)
		result.NextOffset = &next
	}
	return result, nil
}

// RecordCallback stores the outcome of a callback attempt.
func (s *TaskStore) RecordCallback(ctx context.Context, id int64, statusCode int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forced != nil {
		return s.forced
	}

	t, ok := s.tasks[id]
	if !ok {
		return storage.ErrTaskNotFound
	}

	now := time.Now().UTC()
	code := statusCode
	msg := task.TruncateCallbackMessage(message)
	t.CallbackStatusCode = &code
	t.CallbackMessage = &msg
	t.CallbackTime = &now
	t.UpdatedAt = now
	return nil
}

// Ping verifies the store is reachable.
func (s *TaskStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forced
}

// Close releases nothing; present to satisfy the interface.
func (s *TaskStore) Close() {}

func matches(t *task.Task, f *task.QueryFilter) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.Priority != nil && t.Priority != *f.Priority {
		return false
	}
	if f.Platform != nil && t.Platform != *f.Platform {
		return false
	}
	if f.Language != nil && t.Language != *f.Language {
		return false
	}
	if f.EngineName != nil && t.EngineName != *f.EngineName {
		return false
	}
	if f.CreatedAfter != nil && t.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && t.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	if f.HasResult != nil && (t.Result != nil) != *f.HasResult {
		return false
	}
	if f.HasError != nil && (t.ErrorMessage != nil) != *f.HasError {
		return false
	}
	return true
}

// clone copies a task deeply enough that callers can never mutate stored
// state through the returned pointer.
func clone(t *task.Task) *task.Task {
	c := *t
	if t.FileSizeBytes != nil {
		v := *t.FileSizeBytes
		c.FileSizeBytes = &v
	}
	if t.FileDuration != nil {
		v := *t.FileDuration
		c.FileDuration = &v
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.ErrorMessage != nil {
		v := *t.ErrorMessage
		c.ErrorMessage = &v
	}
	if t.CallbackStatusCode != nil {
		v := *t.CallbackStatusCode
		c.CallbackStatusCode = &v
	}
	if t.CallbackMessage != nil {
		v := *t.CallbackMessage
		c.CallbackMessage = &v
	}
	if t.CallbackTime != nil {
		v := *t.CallbackTime
		c.CallbackTime = &v
	}
	if t.DecodeOptions != nil {
		opts := make(map[string]interface{}, len(t.DecodeOptions))
		for k, v := range t.DecodeOptions {
			opts[k] = v
		}
		c.DecodeOptions = opts
	}
	return &c
}
