package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozenebula/mini-asr-backend/pkg/storage"
	"github.com/mozenebula/mini-asr-backend/pkg/task"
)

func TestTaskStoreCRUD(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}

	ctx := context.Background()
	container, connStr := setupTestContainer(t, ctx)
	defer container.Terminate(ctx)

	db := setupTestStore(t, ctx, connStr)
	defer db.Close()

	newTask := &task.Task{
		Status:      task.StatusQueued,
		Priority:    task.PriorityNormal,
		EngineName:  "faster_whisper",
		TaskType:    task.TypeTranscribe,
		FileURL:     "https://media.example.com/episode1.mp3",
		Platform:    "podcast",
		Language:    "en",
		CallbackURL: "https://client.example.com/hook",
		DecodeOptions: map[string]interface{}{
			"beam_size":   float64(5),
			"temperature": []interface{}{float64(0), float64(0.2)},
		},
	}

	var createdID int64

	t.Run("Create", func(t *testing.T) {
		created, err := db.Create(ctx, newTask)
		require.NoError(t, err, "Should create task")
		require.NotNil(t, created)

		assert.Greater(t, created.ID, int64(0), "Created task should have an id")
		assert.False(t, created.CreatedAt.IsZero(), "created_at should be set")
		assert.False(t, created.UpdatedAt.IsZero(), "updated_at should be set")
		assert.Equal(t, task.StatusQueued, created.Status)

		createdID = created.ID
	})

	t.Run("Get", func(t *testing.T) {
		retrieved, err := db.Get(ctx, createdID)
		require.NoError(t, err, "Should retrieve task")
		require.NotNil(t, retrieved)

		assert.Equal(t, createdID, retrieved.ID)
		assert.Equal(t, task.StatusQueued, retrieved.Status)
		assert.Equal(t, task.PriorityNormal, retrieved.Priority)
		assert.Equal(t, "faster_whisper", retrieved.EngineName)
		assert.Equal(t, "https://media.example.com/episode1.mp3", retrieved.FileURL)
		assert.Equal(t, "podcast", retrieved.Platform)
		assert.Equal(t, "en", retrieved.Language)
		assert.Equal(t, newTask.DecodeOptions, retrieved.DecodeOptions)
		assert.Nil(t, retrieved.Result, "Result should be absent until completion")
		assert.Nil(t, retrieved.ErrorMessage, "Error message should be absent")
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := db.Get(ctx, 999999)
		assert.ErrorIs(t, err, storage.ErrTaskNotFound)
	})

	t.Run("UpdateToCompleted", func(t *testing.T) {
		completed := task.StatusCompleted
		processingTime := 12.5
		language := "en"
		result := &task.Result{
			Text: "hello world",
			Segments: []interface{}{
				map[string]interface{}{"id": float64(0), "text": "hello world"},
			},
			Info: map[string]interface{}{"language": "en"},
		}

		err := db.Update(ctx, createdID, &task.Update{
			Status:             &completed,
			Language:           &language,
			Result:             result,
			TaskProcessingTime: &processingTime,
		})
		require.NoError(t, err, "Should update task")

		retrieved, err := db.Get(ctx, createdID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, retrieved.Status)
		assert.Equal(t, 12.5, retrieved.TaskProcessingTime)
		require.NotNil(t, retrieved.Result)
		assert.Equal(t, "hello world", retrieved.Result.Text)
		assert.Len(t, retrieved.Result.Segments, 1)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		failed := task.StatusFailed
		err := db.Update(ctx, 999999, &task.Update{Status: &failed})
		assert.ErrorIs(t, err, storage.ErrTaskNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		err := db.Delete(ctx, createdID)
		require.NoError(t, err, "Should delete task")

		_, err = db.Get(ctx, createdID)
		assert.ErrorIs(t, err, storage.ErrTaskNotFound)

		err = db.Delete(ctx, createdID)
		assert.ErrorIs(t, err, storage.ErrTaskNotFound)
	})
}

func TestClaimQueuedOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}

	ctx := context.Background()
	container, connStr := setupTestContainer(t, ctx)
	defer container.Terminate(ctx)

	db := setupTestStore(t, ctx, connStr)
	defer db.Close()

	// Insert in an order deliberately different from claim order.
	priorities := []task.Priority{task.PriorityLow, task.PriorityNormal, task.PriorityHigh, task.PriorityNormal}
	ids := make(map[task.Priority][]int64)
	for _, p := range priorities {
		created, err := db.Create(ctx, &task.Task{
			Status:   task.StatusQueued,
			Priority: p,
			TaskType: task.TypeTranscribe,
			FileURL:  "https://media.example.com/a.mp3",
		})
		require.NoError(t, err)
		ids[p] = append(ids[p], created.ID)
		// Ensure distinct created_at for deterministic tie-breaks
		time.Sleep(10 * time.Millisecond)
	}

	t.Run("HighBeforeNormalBeforeLow", func(t *testing.T) {
		claimed, err := db.ClaimQueued(ctx, 3)
		require.NoError(t, err)
		require.Len(t, claimed, 3)

		assert.Equal(t, task.PriorityHigh, claimed[0].Priority)
		assert.Equal(t, task.PriorityNormal, claimed[1].Priority)
		assert.Equal(t, task.PriorityNormal, claimed[2].Priority)
		// Normal tasks come back in creation order
		assert.Equal(t, ids[task.PriorityNormal][0], claimed[1].ID)
		assert.Equal(t, ids[task.PriorityNormal][1], claimed[2].ID)

		for _, c := range claimed {
			assert.Equal(t, task.StatusProcessing, c.Status, "Claimed task should be processing")
		}
	})

	t.Run("RemainderThenEmpty", func(t *testing.T) {
		claimed, err := db.ClaimQueued(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, task.PriorityLow, claimed[0].Priority)

		claimed, err = db.ClaimQueued(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed, "No queued tasks should remain")
	})
}

func TestClaimQueuedConcurrent(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}

	ctx := context.Background()
	container, connStr := setupTestContainer(t, ctx)
	defer container.Terminate(ctx)

	db := setupTestStore(t, ctx, connStr)
	defer db.Close()

	const total = 12
	for i := 0; i < total; i++ {
		_, err := db.Create(ctx, &task.Task{
			Status:   task.StatusQueued,
			Priority: task.PriorityNormal,
			TaskType: task.TypeTranscribe,
			FileURL:  fmt.Sprintf("https://media.example.com/%d.mp3", i),
		})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[int64]int)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := db.ClaimQueued(ctx, 2)
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claimed {
					seen[c.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total, "Every task should be claimed exactly once")
	for id, count := range seen {
		assert.Equal(t, 1, count, "Task %d claimed %d times", id, count)
	}
}

func TestQueryTasks(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}

	ctx := context.Background()
	container, connStr := setupTestContainer(t, ctx)
	defer container.Terminate(ctx)

	db := setupTestStore(t, ctx, connStr)
	defer db.Close()

	require.NoError(t, clearTestData(ctx, db))

	// 3 completed with results, 2 failed with errors, 4 queued
	for i := 0; i < 3; i++ {
		created, err := db.Create(ctx, &task.Task{
			Status:   task.StatusQueued,
			Priority: task.PriorityNormal,
			TaskType: task.TypeTranscribe,
			Language: "en",
			FileURL:  fmt.Sprintf("https://media.example.com/done%d.mp3", i),
		})
		require.NoError(t, err)

		completed := task.StatusCompleted
		require.NoError(t, db.Update(ctx, created.ID, &task.Update{
			Status: &completed,
			Result: &task.Result{Text: fmt.Sprintf("transcript %d", i)},
		}))
	}
	for i := 0; i < 2; i++ {
		created, err := db.Create(ctx, &task.Task{
			Status:   task.StatusQueued,
			Priority: task.PriorityHigh,
			TaskType: task.TypeTranscribe,
			FileURL:  fmt.Sprintf("https://media.example.com/bad%d.mp3", i),
		})
		require.NoError(t, err)

		failed := task.StatusFailed
		msg := "download failed"
		require.NoError(t, db.Update(ctx, created.ID, &task.Update{
			Status:       &failed,
			ErrorMessage: &msg,
		}))
	}
	for i := 0; i < 4; i++ {
		_, err := db.Create(ctx, &task.Task{
			Status:   task.StatusQueued,
			Priority: task.PriorityLow,
			TaskType: task.TypeTranscribe,
			FileURL:  fmt.Sprintf("https://media.example.com/wait%d.mp3", i),
		})
		require.NoError(t, err)
	}

	t.Run("FilterByStatus", func(t *testing.T) {
		completed := task.StatusCompleted
		result, err := db.Query(ctx, &task.QueryFilter{Status: &completed})
		require.NoError(t, err)
		assert.Equal(t, int64(3), result.TotalCount)
		assert.Len(t, result.Tasks, 3)
		for _, got := range result.Tasks {
			assert.Equal(t, task.StatusCompleted, got.Status)
			assert.NotNil(t, got.Result)
		}
	})

	t.Run("FilterByError", func(t *testing.T) {
		hasError := true
		result, err := db.Query(ctx, &task.QueryFilter{HasError: &hasError})
		require.NoError(t, err)
		assert.Equal(t, int64(2), result.TotalCount)
		for _, got := range result.Tasks {
			require.NotNil(t, got.ErrorMessage)
			assert.Equal(t, "download failed", *got.ErrorMessage)
		}
	})

	t.Run("FilterByLanguage", func(t *testing.T) {
		lang := "en"
		result, err := db.Query(ctx, &task.QueryFilter{Language: &lang})
		require.NoError(t, err)
		assert.Equal(t, int64(3), result.TotalCount)
	})

	t.Run("Pagination", func(t *testing.T) {
		result, err := db.Query(ctx, &task.QueryFilter{Limit: 4, Offset: 0})
		require.NoError(t, err)
		assert.Equal(t, int64(9), result.TotalCount)
		assert.Len(t, result.Tasks, 4)
		assert.True(t, result.HasMore)
		require.NotNil(t, result.NextOffset)
		assert.Equal(t, int64(4), *result.NextOffset)

		result, err = db.Query(ctx, &task.QueryFilter{Limit: 4, Offset: 8})
		require.NoError(t, err)
		assert.Len(t, result.Tasks, 1)
		assert.False(t, result.HasMore)
		assert.Nil(t, result.NextOffset)
	})

	t.Run("EmptyFilterUsesDefaults", func(t *testing.T) {
		result, err := db.Query(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(9), result.TotalCount)
		assert.Len(t, result.Tasks, 9, "Default limit should cover all seeded tasks")
	})
}

func TestRecordCallback(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}

	ctx := context.Background()
	container, connStr := setupTestContainer(t, ctx)
	defer container.Terminate(ctx)

	db := setupTestStore(t, ctx, connStr)
	defer db.Close()

	created, err := db.Create(ctx, &task.Task{
		Status:      task.StatusQueued,
		Priority:    task.PriorityNormal,
		TaskType:    task.TypeTranscribe,
		FileURL:     "https://media.example.com/cb.mp3",
		CallbackURL: "https://client.example.com/hook",
	})
	require.NoError(t, err)

	t.Run("TruncatesLongBody", func(t *testing.T) {
		longBody := strings.Repeat("x", 600)
		err := db.RecordCallback(ctx, created.ID, 200, longBody)
		require.NoError(t, err)

		retrieved, err := db.Get(ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, retrieved.CallbackStatusCode)
		assert.Equal(t, 200, *retrieved.CallbackStatusCode)
		require.NotNil(t, retrieved.CallbackMessage)
		assert.Len(t, *retrieved.CallbackMessage, task.CallbackMessageLimit)
		require.NotNil(t, retrieved.CallbackTime)
		assert.WithinDuration(t, time.Now(), *retrieved.CallbackTime, time.Minute)
	})

	t.Run("MissingTask", func(t *testing.T) {
		err := db.RecordCallback(ctx, 999999, 404, "gone")
		assert.ErrorIs(t, err, storage.ErrTaskNotFound)
	})

	t.Run("RecordedEvenForFailureCodes", func(t *testing.T) {
		err := db.RecordCallback(ctx, created.ID, 500, "internal error")
		require.NoError(t, err)

		retrieved, err := db.Get(ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, retrieved.CallbackStatusCode)
		assert.Equal(t, 500, *retrieved.CallbackStatusCode)
	})
}

func TestWithRetryGivesUpOnPermanentError(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}

	ctx := context.Background()
	container, connStr := setupTestContainer(t, ctx)
	defer container.Terminate(ctx)

	db := setupTestStore(t, ctx, connStr)
	defer db.Close()

	calls := 0
	err := db.WithRetry(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("syntax error at or near SELECT")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "Permanent errors should not be retried")
}
