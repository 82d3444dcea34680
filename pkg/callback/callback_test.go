package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozenebula/mini-asr-backend/pkg/storage"
	"github.com/mozenebula/mini-asr-backend/pkg/task"
)

type fakeStore struct {
	mu          sync.Mutex
	task        *task.Task
	recordCount int
	lastCode    int
	lastMessage string
}

func (s *fakeStore) Get(ctx context.Context, id int64) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task == nil || s.task.ID != id {
		return nil, storage.ErrTaskNotFound
	}
	copied := *s.task
	return &copied, nil
}

func (s *fakeStore) RecordCallback(ctx context.Context, id int64, statusCode int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordCount++
	s.lastCode = statusCode
	s.lastMessage = task.TruncateCallbackMessage(message)
	return nil
}

func completedTask(id int64, callbackURL string) *task.Task {
	return &task.Task{
		ID:          id,
		Status:      task.StatusCompleted,
		Priority:    task.PriorityNormal,
		TaskType:    task.TypeTranscribe,
		CallbackURL: callbackURL,
		Result: &task.Result{
			Text:     "hello world",
			Segments: []interface{}{},
			Info:     map[string]interface{}{},
		},
	}
}

func TestNotifyRetriesUntilAccepted(t *testing.T) {
	var attempts int32
	bigBody := strings.Repeat("x", 600)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(bigBody))
	}))
	defer server.Close()

	store := &fakeStore{task: completedTask(7, server.URL)}
	dispatcher := New(store, Config{Retries: 3, RetryWait: 10 * time.Millisecond})

	code, err := dispatcher.Notify(context.Background(), store.task)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)

	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
	assert.Equal(t, 1, store.recordCount, "exactly one record per notification")
	assert.Equal(t, http.StatusOK, store.lastCode)
	assert.Len(t, store.lastMessage, task.CallbackMessageLimit, "response body should be truncated")
	assert.True(t, strings.HasPrefix(store.lastMessage, "xxx"))
}

func TestNotifySendsAuthoritativeSnapshot(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := &fakeStore{task: completedTask(42, server.URL)}
	dispatcher := New(store, Config{RetryWait: 10 * time.Millisecond})

	// Pass a stale handle: the payload must come from the store.
	stale := &task.Task{ID: 42, Status: task.StatusProcessing, CallbackURL: server.URL}
	code, err := dispatcher.Notify(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)

	require.NotNil(t, received)
	assert.EqualValues(t, 42, received["id"])
	assert.Equal(t, string(task.StatusCompleted), received["status"])
	result, ok := received["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello world", result["text"])
}

func TestNotifySkipsWithoutCallbackURL(t *testing.T) {
	store := &fakeStore{task: completedTask(3, "")}
	dispatcher := New(store, Config{})

	code, err := dispatcher.Notify(context.Background(), store.task)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Zero(t, store.recordCount, "nothing should be recorded without a callback URL")
}

func TestNotifyRecordsTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	store := &fakeStore{task: completedTask(9, url)}
	dispatcher := New(store, Config{Retries: 2, RetryWait: 10 * time.Millisecond})

	code, err := dispatcher.Notify(context.Background(), store.task)
	require.NoError(t, err)
	assert.Zero(t, code)

	assert.Equal(t, 1, store.recordCount)
	assert.Zero(t, store.lastCode, "transport failure records status code 0")
	assert.NotEmpty(t, store.lastMessage, "transport failure records the error text")
}

func TestNotifyGivesUpAfterRetryBudget(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("try later"))
	}))
	defer server.Close()

	store := &fakeStore{task: completedTask(11, server.URL)}
	dispatcher := New(store, Config{Retries: 3, RetryWait: 10 * time.Millisecond})

	code, err := dispatcher.Notify(context.Background(), store.task)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, code)

	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
	assert.Equal(t, 1, store.recordCount)
	assert.Equal(t, http.StatusBadGateway, store.lastCode)
	assert.Equal(t, "try later", store.lastMessage)
}

func TestNotifyMissingTask(t *testing.T) {
	store := &fakeStore{}
	dispatcher := New(store, Config{})

	code, err := dispatcher.Notify(context.Background(), &task.Task{ID: 99, CallbackURL: "http://127.0.0.1:1/cb"})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrTaskNotFound)
	assert.Zero(t, code)
	assert.Zero(t, store.recordCount)
}
