package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozenebula/mini-asr-backend/pkg/engine"
	"github.com/mozenebula/mini-asr-backend/pkg/events"
	"github.com/mozenebula/mini-asr-backend/pkg/pool"
	"github.com/mozenebula/mini-asr-backend/pkg/storage/memory"
	"github.com/mozenebula/mini-asr-backend/pkg/task"
)

// engineRecorder is shared by every fake transcriber the pool creates so
// tests observe execution order and concurrency across instances.
type engineRecorder struct {
	mu          sync.Mutex
	order       []string
	inFlight    int
	maxInFlight int

	// delay and fail are set before the processor starts.
	delay time.Duration
	fail  map[string]string
}

func (r *engineRecorder) begin(mediaPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, mediaPath)
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
}

func (r *engineRecorder) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
}

func (r *engineRecorder) executionOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *engineRecorder) peakConcurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxInFlight
}

type fakeTranscriber struct {
	rec *engineRecorder
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, mediaPath string, taskType string, options map[string]interface{}) (*engine.Result, error) {
	f.rec.begin(mediaPath)
	defer f.rec.end()

	if f.rec.delay > 0 {
		time.Sleep(f.rec.delay)
	}
	if msg, ok := f.rec.fail[mediaPath]; ok {
		return nil, errors.New(msg)
	}
	return &engine.Result{
		Text: "unused raw text",
		Segments: []engine.Segment{
			{ID: 0, Start: 0, End: 1.5, Text: " hello"},
			{ID: 1, Start: 1.5, End: 3.1, Text: "world "},
		},
		Language: "en",
		Info:     map[string]interface{}{"duration": 3.1},
	}, nil
}

func (f *fakeTranscriber) Ping(ctx context.Context) error { return nil }

func (f *fakeTranscriber) Close() error { return nil }

// fakeFetcher writes real temp files so the download path can stat them.
type fakeFetcher struct {
	mu      sync.Mutex
	dir     string
	content []byte
	deleted []string

	duration    float64
	downloadErr error
}

func (f *fakeFetcher) Download(ctx context.Context, fileURL string) (string, error) {
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	path := filepath.Join(f.dir, fmt.Sprintf("download-%d.tmp", time.Now().UnixNano()))
	if err := os.WriteFile(path, f.content, 0600); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeFetcher) ProbeDuration(ctx context.Context, filePath string) (float64, error) {
	return f.duration, nil
}

func (f *fakeFetcher) Delete(filePath string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, filePath)
	f.mu.Unlock()
	os.Remove(filePath)
	return nil
}

func (f *fakeFetcher) deletedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	taskIDs []int64

	// check runs inside Notify before the call is recorded.
	check func(t *task.Task)
}

func (n *fakeNotifier) Notify(ctx context.Context, t *task.Task) (int, error) {
	if n.check != nil {
		n.check(t)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.taskIDs = append(n.taskIDs, t.ID)
	return 200, nil
}

func (n *fakeNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.taskIDs)
}

type harness struct {
	store    *memory.TaskStore
	pool     *pool.ModelPool
	rec      *engineRecorder
	fetcher  *fakeFetcher
	notifier *fakeNotifier
	hub      *events.Hub
	proc     *Processor
}

func newHarness(t *testing.T, poolMax, maxConcurrent int) *harness {
	t.Helper()

	rec := &engineRecorder{fail: make(map[string]string)}
	factory := func(ctx context.Context, device pool.Device) (engine.Transcriber, error) {
		return &fakeTranscriber{rec: rec}, nil
	}
	mp, err := pool.New(context.Background(), pool.Config{
		MinSize:    poolMax,
		MaxSize:    poolMax,
		GPUCount:   0,
		CPUThreads: 16,
	}, factory)
	require.NoError(t, err)
	t.Cleanup(mp.Close)

	store := memory.New()
	fetcher := &fakeFetcher{dir: t.TempDir(), content: []byte("audio-bytes"), duration: 12.5}
	notifier := &fakeNotifier{}
	hub := events.NewHub()
	t.Cleanup(hub.Close)

	proc, err := New(Deps{
		Store:    store,
		Pool:     mp,
		Fetcher:  fetcher,
		Notifier: notifier,
		Hub:      hub,
	}, Config{
		MaxConcurrent:       maxConcurrent,
		StatusCheckInterval: 10 * time.Millisecond,
		DeleteTempFiles:     true,
		AcquireTimeout:      2 * time.Second,
	})
	require.NoError(t, err)

	return &harness{
		store:    store,
		pool:     mp,
		rec:      rec,
		fetcher:  fetcher,
		notifier: notifier,
		hub:      hub,
		proc:     proc,
	}
}

func createTask(t *testing.T, store *memory.TaskStore, mutate func(*task.Task)) *task.Task {
	t.Helper()

	tk := &task.Task{
		EngineName: "faster_whisper",
		TaskType:   task.TypeTranscribe,
		Priority:   task.PriorityNormal,
		FilePath:   "/media/sample.wav",
		FileName:   "sample.wav",
		DecodeOptions: map[string]interface{}{
			"language": nil,
		},
	}
	if mutate != nil {
		mutate(tk)
	}
	created, err := store.Create(context.Background(), tk)
	require.NoError(t, err)
	return created
}

func waitTerminal(t *testing.T, store *memory.TaskStore, ids ...int64) map[int64]*task.Task {
	t.Helper()

	out := make(map[int64]*task.Task, len(ids))
	require.Eventually(t, func() bool {
		for _, id := range ids {
			got, err := store.Get(context.Background(), id)
			if err != nil || !got.Status.Terminal() {
				return false
			}
			out[id] = got
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "tasks never reached a terminal state")
	return out
}

func nextEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()

	select {
	case evt, ok := <-sub.C:
		require.True(t, ok, "event channel closed early")
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task event")
		return events.Event{}
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Deps{}, Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task store")
}

func TestMaxConcurrentClampedToPoolCapacity(t *testing.T) {
	h := newHarness(t, 2, 8)
	assert.Equal(t, 2, h.proc.MaxConcurrent())
}

func TestPriorityExecutionOrder(t *testing.T) {
	h := newHarness(t, 1, 1)

	low := createTask(t, h.store, func(tk *task.Task) {
		tk.Priority = task.PriorityLow
		tk.FilePath = "/media/low.wav"
	})
	high := createTask(t, h.store, func(tk *task.Task) {
		tk.Priority = task.PriorityHigh
		tk.FilePath = "/media/high.wav"
	})
	normal := createTask(t, h.store, func(tk *task.Task) {
		tk.FilePath = "/media/normal.wav"
	})

	h.proc.Start()
	defer h.proc.Stop()

	waitTerminal(t, h.store, low.ID, high.ID, normal.ID)
	assert.Equal(t, []string{"/media/high.wav", "/media/normal.wav", "/media/low.wav"}, h.rec.executionOrder())
}

func TestConcurrencyNeverExceedsPoolCapacity(t *testing.T) {
	h := newHarness(t, 2, 2)
	h.rec.delay = 20 * time.Millisecond

	ids := make([]int64, 0, 6)
	for i := 0; i < 6; i++ {
		tk := createTask(t, h.store, func(tk *task.Task) {
			tk.FilePath = fmt.Sprintf("/media/clip-%d.wav", i)
		})
		ids = append(ids, tk.ID)
	}

	h.proc.Start()
	defer h.proc.Stop()

	done := waitTerminal(t, h.store, ids...)
	for _, got := range done {
		assert.Equal(t, task.StatusCompleted, got.Status)
	}
	assert.LessOrEqual(t, h.rec.peakConcurrency(), 2)
}

func TestEngineFailureIsolatesTask(t *testing.T) {
	h := newHarness(t, 2, 2)
	h.rec.fail["/media/bad.wav"] = "engine exploded"

	bad := createTask(t, h.store, func(tk *task.Task) {
		tk.FilePath = "/media/bad.wav"
	})
	good1 := createTask(t, h.store, func(tk *task.Task) {
		tk.FilePath = "/media/good-1.wav"
	})
	good2 := createTask(t, h.store, func(tk *task.Task) {
		tk.FilePath = "/media/good-2.wav"
	})

	h.proc.Start()
	defer h.proc.Stop()

	done := waitTerminal(t, h.store, bad.ID, good1.ID, good2.ID)

	failed := done[bad.ID]
	assert.Equal(t, task.StatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "engine exploded", *failed.ErrorMessage)
	assert.Nil(t, failed.Result)

	for _, id := range []int64{good1.ID, good2.ID} {
		got := done[id]
		assert.Equal(t, task.StatusCompleted, got.Status)
		assert.Nil(t, got.ErrorMessage)
		require.NotNil(t, got.Result)
	}
}

func TestCompletedResultShape(t *testing.T) {
	h := newHarness(t, 1, 1)
	tk := createTask(t, h.store, nil)

	h.proc.Start()
	defer h.proc.Stop()

	got := waitTerminal(t, h.store, tk.ID)[tk.ID]
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "en", got.Language)
	assert.Greater(t, got.TaskProcessingTime, 0.0)

	require.NotNil(t, got.Result)
	assert.Equal(t, "hello world", got.Result.Text)
	require.Len(t, got.Result.Segments, 2)
	seg, ok := got.Result.Segments[0].(map[string]interface{})
	require.True(t, ok, "segments must be plain maps")
	assert.Equal(t, " hello", seg["text"])
	assert.NotNil(t, got.Result.Info)
}

func TestStatusEventsPublished(t *testing.T) {
	h := newHarness(t, 1, 1)
	tk := createTask(t, h.store, nil)

	sub := h.hub.Subscribe(tk.ID)
	defer sub.Cancel()

	h.proc.Start()
	defer h.proc.Stop()

	first := nextEvent(t, sub)
	assert.Equal(t, task.StatusProcessing, first.Status)
	assert.Equal(t, tk.ID, first.TaskID)

	second := nextEvent(t, sub)
	assert.Equal(t, task.StatusCompleted, second.Status)
	assert.Equal(t, "en", second.Language)

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok, "channel should close after the terminal event")
	case <-time.After(5 * time.Second):
		t.Fatal("event channel not closed after terminal event")
	}
}

func TestCallbackFiresAfterTerminalUpdate(t *testing.T) {
	h := newHarness(t, 1, 1)

	var mu sync.Mutex
	terminalAtCallback := false
	h.notifier.check = func(snapshot *task.Task) {
		got, err := h.store.Get(context.Background(), snapshot.ID)
		mu.Lock()
		terminalAtCallback = err == nil && got.Status.Terminal()
		mu.Unlock()
	}

	tk := createTask(t, h.store, func(tk *task.Task) {
		tk.CallbackURL = "http://callback.test/hook"
	})

	h.proc.Start()
	defer h.proc.Stop()

	waitTerminal(t, h.store, tk.ID)
	require.Eventually(t, func() bool {
		return h.notifier.callCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, terminalAtCallback, "callback must observe the terminal state in the store")
}

func TestCallbackSkippedWithoutURL(t *testing.T) {
	h := newHarness(t, 1, 1)
	tk := createTask(t, h.store, nil)

	h.proc.Start()
	waitTerminal(t, h.store, tk.ID)
	h.proc.Stop()

	assert.Zero(t, h.notifier.callCount())
}

func TestDownloadedMediaProcessedAndCleanedUp(t *testing.T) {
	h := newHarness(t, 1, 1)

	tk := createTask(t, h.store, func(tk *task.Task) {
		tk.FilePath = ""
		tk.FileURL = "https://cdn.example.com/clip.mp3"
	})

	h.proc.Start()
	defer h.proc.Stop()

	got := waitTerminal(t, h.store, tk.ID)[tk.ID]
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.True(t, strings.HasPrefix(got.FilePath, h.fetcher.dir), "file path should point into the fetch dir")
	require.NotNil(t, got.FileSizeBytes)
	assert.Equal(t, int64(len("audio-bytes")), *got.FileSizeBytes)
	require.NotNil(t, got.FileDuration)
	assert.Equal(t, 12.5, *got.FileDuration)

	require.Eventually(t, func() bool {
		for _, path := range h.fetcher.deletedPaths() {
			if path == got.FilePath {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "temp file never cleaned up")
	assert.NoFileExists(t, got.FilePath)
}

func TestEmptyDownloadFailsTask(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.fetcher.content = nil

	tk := createTask(t, h.store, func(tk *task.Task) {
		tk.FilePath = ""
		tk.FileURL = "https://cdn.example.com/broken.mp3"
	})

	h.proc.Start()
	defer h.proc.Stop()

	got := waitTerminal(t, h.store, tk.ID)[tk.ID]
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "incomplete file download or invalid file attributes", *got.ErrorMessage)
	assert.Empty(t, got.FilePath, "failed tasks persist only status and error")

	// The temp file was still written and must still be removed.
	require.Eventually(t, func() bool {
		return len(h.fetcher.deletedPaths()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTaskDeletedMidProcessing(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.rec.delay = 50 * time.Millisecond

	tk := createTask(t, h.store, func(tk *task.Task) {
		tk.CallbackURL = "http://callback.test/hook"
	})

	h.proc.Start()
	defer h.proc.Stop()

	require.Eventually(t, func() bool {
		got, err := h.store.Get(context.Background(), tk.ID)
		return err == nil && got.Status == task.StatusProcessing
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.store.Delete(context.Background(), tk.ID))

	// Cleanup and the callback still run for tasks whose row vanished.
	require.Eventually(t, func() bool {
		return h.notifier.callCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopDrainsInFlightWork(t *testing.T) {
	h := newHarness(t, 2, 2)
	h.rec.delay = 10 * time.Millisecond

	ids := make([]int64, 0, 4)
	for i := 0; i < 4; i++ {
		tk := createTask(t, h.store, func(tk *task.Task) {
			tk.FilePath = fmt.Sprintf("/media/drain-%d.wav", i)
			tk.CallbackURL = "http://callback.test/hook"
		})
		ids = append(ids, tk.ID)
	}

	h.proc.Start()
	time.Sleep(15 * time.Millisecond)
	h.proc.Stop()

	terminal := 0
	for _, id := range ids {
		got, err := h.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.NotEqual(t, task.StatusProcessing, got.Status, "no task may be stranded in processing")
		if got.Status.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, terminal, h.notifier.callCount(), "every terminal task gets its callback before Stop returns")
}
