// Package processor is the execution engine that turns queued tasks into
// terminal tasks. Five cooperating workers connected by bounded queues
// split the work: a driver paces the loop, a fetch worker claims batches,
// per-task goroutines transcribe, and a single update worker serializes
// every mutation before handing terminal tasks to the cleanup and
// callback workers.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mozenebula/mini-asr-backend/pkg/engine"
	"github.com/mozenebula/mini-asr-backend/pkg/events"
	"github.com/mozenebula/mini-asr-backend/pkg/logging"
	"github.com/mozenebula/mini-asr-backend/pkg/metrics"
	"github.com/mozenebula/mini-asr-backend/pkg/pool"
	"github.com/mozenebula/mini-asr-backend/pkg/search"
	"github.com/mozenebula/mini-asr-backend/pkg/storage"
	"github.com/mozenebula/mini-asr-backend/pkg/task"
)

const (
	defaultInterval  = 3 * time.Second
	defaultQueueSize = 32
	defaultAcquire   = 5 * time.Second

	// idleLogDelay throttles the "no tasks" log line.
	idleLogDelay = 30 * time.Second
)

// errBadDownload fails tasks whose media arrived with a zero size or an
// unreadable duration.
var errBadDownload = errors.New("incomplete file download or invalid file attributes")

// Fetcher is the slice of the media fetcher the processor needs.
type Fetcher interface {
	Download(ctx context.Context, fileURL string) (string, error)
	ProbeDuration(ctx context.Context, filePath string) (float64, error)
	Delete(filePath string) error
}

// Notifier delivers callback notifications for terminal tasks.
type Notifier interface {
	Notify(ctx context.Context, t *task.Task) (int, error)
}

// Config holds processor settings. Zero values fall back to the package
// defaults.
type Config struct {
	// MaxConcurrent bounds the tasks claimed per cycle. Clamped to the
	// model pool's capacity at construction.
	MaxConcurrent int
	// StatusCheckInterval is the idle sleep between empty claim cycles.
	StatusCheckInterval time.Duration
	// DeleteTempFiles removes the local media file after processing.
	DeleteTempFiles bool
	// QueueSize bounds the internal worker queues.
	QueueSize int
	// AcquireTimeout bounds each model acquisition.
	AcquireTimeout time.Duration
}

// Deps wires the processor's collaborators. Store, Pool, Fetcher and
// Notifier are required; Hub, Metrics and Search are optional.
type Deps struct {
	Store    storage.TaskStore
	Pool     *pool.ModelPool
	Fetcher  Fetcher
	Notifier Notifier
	Hub      *events.Hub
	Metrics  *metrics.Metrics
	Search   *search.Index
}

// updateItem pairs a task mutation with the in-memory snapshot the
// pipeline worked on. The snapshot carries the temp file path even when
// the update does not (failed tasks persist only status and error).
type updateItem struct {
	snapshot *task.Task
	update   *task.Update
}

// Processor runs the task execution loop. Start launches the workers;
// Stop drains them.
type Processor struct {
	store    storage.TaskStore
	pool     *pool.ModelPool
	fetcher  Fetcher
	notifier Notifier
	hub      *events.Hub
	metrics  *metrics.Metrics
	index    *search.Index

	maxConcurrent  int
	interval       time.Duration
	deleteTemp     bool
	acquireTimeout time.Duration

	fetchQueue    chan struct{}
	processQueue  chan []*task.Task
	updateQueue   chan updateItem
	cleanupQueue  chan *task.Task
	callbackQueue chan *task.Task

	// stopCh halts claim cycles; ctx is cancelled only after the drain
	// so in-flight store writes and callbacks finish first.
	stopCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	claimWG   sync.WaitGroup
	updateWG  sync.WaitGroup
	sideWG    sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	logger    *logging.Logger
}

// New validates the wiring and sizes the queues. MaxConcurrent is
// clamped to the pool capacity so one cycle can never claim more work
// than the pool can absorb.
func New(deps Deps, cfg Config) (*Processor, error) {
	if deps.Store == nil {
		return nil, errors.New("processor requires a task store")
	}
	if deps.Pool == nil {
		return nil, errors.New("processor requires a model pool")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("processor requires a fetcher")
	}
	if deps.Notifier == nil {
		return nil, errors.New("processor requires a notifier")
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if poolMax := deps.Pool.MaxSize(); maxConcurrent > poolMax {
		logging.GetGlobalLogger().WithComponent("processor").Warn(
			"max_concurrent_tasks exceeds model pool capacity, clamping",
			map[string]interface{}{
				"configured": maxConcurrent,
				"pool_max":   poolMax,
			})
		maxConcurrent = poolMax
	}

	interval := cfg.StatusCheckInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	acquireTimeout := cfg.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquire
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:    deps.Store,
		pool:     deps.Pool,
		fetcher:  deps.Fetcher,
		notifier: deps.Notifier,
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		index:    deps.Search,

		maxConcurrent:  maxConcurrent,
		interval:       interval,
		deleteTemp:     cfg.DeleteTempFiles,
		acquireTimeout: acquireTimeout,

		fetchQueue:    make(chan struct{}, queueSize),
		processQueue:  make(chan []*task.Task, queueSize),
		updateQueue:   make(chan updateItem, queueSize),
		cleanupQueue:  make(chan *task.Task, queueSize),
		callbackQueue: make(chan *task.Task, queueSize),

		stopCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: logging.GetGlobalLogger().WithComponent("processor"),
	}, nil
}

// MaxConcurrent returns the effective per-cycle claim bound.
func (p *Processor) MaxConcurrent() int {
	return p.maxConcurrent
}

// Start launches the worker goroutines.
func (p *Processor) Start() {
	p.startOnce.Do(func() {
		p.claimWG.Add(2)
		go p.fetchWorker()
		go p.driveWorker()

		p.updateWG.Add(1)
		go p.updateWorker()

		p.sideWG.Add(2)
		go p.cleanupWorker()
		go p.callbackWorker()

		p.logger.Info("Task processor started", map[string]interface{}{
			"max_concurrent":        p.maxConcurrent,
			"status_check_interval": p.interval.String(),
			"delete_temp_files":     p.deleteTemp,
		})
	})
}

// Stop halts claiming, waits for in-flight tasks, and drains the update,
// cleanup and callback queues before returning. Safe to call more than
// once.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.claimWG.Wait()

		// A batch may have been claimed but never scheduled; run it so
		// the tasks still reach a terminal state.
		for {
			select {
			case batch := <-p.processQueue:
				if len(batch) > 0 {
					p.runBatch(batch)
				}
				continue
			default:
			}
			break
		}

		close(p.updateQueue)
		p.updateWG.Wait()
		p.sideWG.Wait()
		p.cancel()
		p.logger.Info("Task processor stopped", nil)
	})
}

// fetchWorker consumes claim signals, claims up to maxConcurrent queued
// tasks, and forwards the batch. Claimed tasks become PROCESSING inside
// the store, so the worker also publishes their status change.
func (p *Processor) fetchWorker() {
	defer p.claimWG.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.fetchQueue:
			batch, err := p.store.ClaimQueued(p.ctx, p.maxConcurrent)
			if err != nil {
				p.logger.Error("Error fetching tasks from database", map[string]interface{}{
					"error": err.Error(),
				})
				batch = nil
			}
			for _, t := range batch {
				p.metrics.TaskStarted()
				p.publish(t, task.StatusProcessing, nil)
			}
			// The buffered queue absorbs the batch even if the driver
			// stopped between signal and claim.
			p.processQueue <- batch
		}
	}
}

// driveWorker paces the claim loop: signal a fetch, await the batch,
// process it to completion, repeat. Empty batches sleep for the status
// check interval.
func (p *Processor) driveWorker() {
	defer p.claimWG.Done()

	var lastIdleLog time.Time
	for {
		select {
		case <-p.stopCh:
			return
		case p.fetchQueue <- struct{}{}:
		}

		var batch []*task.Task
		select {
		case <-p.stopCh:
			return
		case batch = <-p.processQueue:
		}

		if len(batch) == 0 {
			if time.Since(lastIdleLog) >= idleLogDelay {
				p.logger.Info("No tasks to process, waiting for new tasks", nil)
				lastIdleLog = time.Now()
			}
			select {
			case <-p.stopCh:
				return
			case <-time.After(p.interval):
			}
			continue
		}

		p.runBatch(batch)
	}
}

// runBatch schedules every task of the batch onto its own goroutine and
// waits for all of them, bounding in-flight work to one batch.
func (p *Processor) runBatch(batch []*task.Task) {
	var wg sync.WaitGroup
	for _, t := range batch {
		wg.Add(1)
		go func(t *task.Task) {
			defer wg.Done()
			p.processTask(t)
		}(t)
	}
	wg.Wait()
}

// processTask runs the per-task pipeline and enqueues exactly one
// terminal update. Failures never propagate past this point.
func (p *Processor) processTask(t *task.Task) {
	p.logger.Info("Processing queued task", map[string]interface{}{
		"task_id":  t.ID,
		"engine":   t.EngineName,
		"type":     string(t.TaskType),
		"priority": string(t.Priority),
		"file":     t.FileName,
	})

	update, err := p.runPipeline(t)
	if err != nil {
		failed := task.StatusFailed
		msg := err.Error()
		update = &task.Update{Status: &failed, ErrorMessage: &msg}
		p.logger.Error("Error processing task", map[string]interface{}{
			"task_id": t.ID,
			"error":   msg,
		})
	}

	p.updateQueue <- updateItem{snapshot: t, update: update}
}

// runPipeline downloads the media if needed, acquires a model, invokes
// the engine and builds the COMPLETED update. The snapshot t is mutated
// with the download attributes so cleanup can find the temp file even
// when the task fails.
func (p *Processor) runPipeline(t *task.Task) (*task.Update, error) {
	if t.FilePath == "" && t.FileURL != "" {
		if err := p.download(t); err != nil {
			return nil, err
		}
	}

	handle, err := p.pool.Acquire(p.ctx, p.acquireTimeout, pool.StrategyDynamic)
	if err != nil {
		return nil, err
	}
	defer p.pool.Release(handle)

	start := time.Now()
	result, err := handle.Transcriber().Transcribe(p.ctx, t.FilePath, string(t.TaskType), t.DecodeOptions)
	if err != nil {
		return nil, err
	}
	processingTime := time.Since(start).Seconds()

	taskResult := buildTaskResult(result)
	completed := task.StatusCompleted
	update := &task.Update{
		Status:             &completed,
		Language:           &result.Language,
		Result:             taskResult,
		FilePath:           &t.FilePath,
		FileSizeBytes:      t.FileSizeBytes,
		FileDuration:       t.FileDuration,
		TaskProcessingTime: &processingTime,
	}

	p.logger.Info("Task processed successfully", map[string]interface{}{
		"task_id":         t.ID,
		"language":        result.Language,
		"processing_time": processingTime,
	})
	return update, nil
}

// download fetches the remote media and fills in the task's file
// attributes. A zero size or unreadable duration fails the task.
func (p *Processor) download(t *task.Task) error {
	p.logger.Info("Downloading task media from URL", map[string]interface{}{
		"task_id": t.ID,
		"url":     t.FileURL,
	})

	filePath, err := p.fetcher.Download(p.ctx, t.FileURL)
	if err != nil {
		return fmt.Errorf("failed to download file: %w", err)
	}
	t.FilePath = filePath

	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("failed to stat downloaded file: %w", err)
	}
	size := info.Size()
	t.FileSizeBytes = &size

	duration, err := p.fetcher.ProbeDuration(p.ctx, filePath)
	if err != nil {
		p.logger.Warn("Duration probe failed", map[string]interface{}{
			"task_id": t.ID,
			"error":   err.Error(),
		})
		duration = 0
	}
	t.FileDuration = &duration

	if size == 0 || duration == 0 {
		return errBadDownload
	}

	p.logger.Info("Downloaded task media", map[string]interface{}{
		"task_id":  t.ID,
		"path":     filePath,
		"size":     size,
		"duration": duration,
	})
	return nil
}

// updateWorker serializes every task mutation. Terminal updates are the
// dispatch point for cleanup and callbacks: those work items are queued
// only after the update has been applied or the row was found missing,
// so per-task ordering QUEUED < PROCESSING < terminal < callback holds.
func (p *Processor) updateWorker() {
	defer p.updateWG.Done()

	for item := range p.updateQueue {
		p.applyUpdate(item)
	}
	close(p.cleanupQueue)
	close(p.callbackQueue)
}

func (p *Processor) applyUpdate(item updateItem) {
	err := p.store.Update(p.ctx, item.snapshot.ID, item.update)
	missing := errors.Is(err, storage.ErrTaskNotFound)
	if err != nil && !missing {
		p.logger.Error("Error updating task", map[string]interface{}{
			"task_id": item.snapshot.ID,
			"error":   err.Error(),
		})
	}
	if missing {
		p.logger.Warn("Task deleted while processing, skipping update", map[string]interface{}{
			"task_id": item.snapshot.ID,
		})
	}

	status := item.update.Status
	if status == nil {
		return
	}

	if err == nil {
		p.publish(item.snapshot, *status, item.update)
		switch *status {
		case task.StatusCompleted:
			var seconds float64
			if item.update.TaskProcessingTime != nil {
				seconds = *item.update.TaskProcessingTime
			}
			p.metrics.TaskCompleted(seconds)
			p.submitToIndex(item)
		case task.StatusFailed:
			p.metrics.TaskFailed()
		}
	}

	if status.Terminal() && (err == nil || missing) {
		p.cleanupQueue <- item.snapshot
		p.callbackQueue <- item.snapshot
	}
}

// submitToIndex hands a completed transcript to the search index. The
// submission never blocks task processing.
func (p *Processor) submitToIndex(item updateItem) {
	if p.index == nil || item.update.Result == nil {
		return
	}

	language := item.snapshot.Language
	if item.update.Language != nil && *item.update.Language != "" {
		language = *item.update.Language
	}
	p.index.Submit(search.Document{
		TaskID:    item.snapshot.ID,
		Text:      item.update.Result.Text,
		Language:  language,
		Engine:    item.snapshot.EngineName,
		Platform:  item.snapshot.Platform,
		CreatedAt: item.snapshot.CreatedAt,
	})
}

// cleanupWorker deletes the local media file after processing when
// configured to.
func (p *Processor) cleanupWorker() {
	defer p.sideWG.Done()

	for t := range p.cleanupQueue {
		if !p.deleteTemp || t.FilePath == "" {
			if t.FilePath != "" {
				p.logger.Debug("Keeping temporary file", map[string]interface{}{
					"task_id": t.ID,
					"path":    t.FilePath,
				})
			}
			continue
		}
		if err := p.fetcher.Delete(t.FilePath); err != nil {
			p.logger.Error("Error during cleanup", map[string]interface{}{
				"task_id": t.ID,
				"path":    t.FilePath,
				"error":   err.Error(),
			})
		}
	}
}

// callbackWorker delivers terminal-state notifications.
func (p *Processor) callbackWorker() {
	defer p.sideWG.Done()

	for t := range p.callbackQueue {
		if t.CallbackURL == "" {
			continue
		}
		code, err := p.notifier.Notify(p.ctx, t)
		if err != nil {
			p.logger.Error("Error during callback", map[string]interface{}{
				"task_id": t.ID,
				"error":   err.Error(),
			})
			continue
		}
		p.metrics.CallbackSent(code)
	}
}

// publish pushes one status-change event to the hub.
func (p *Processor) publish(t *task.Task, status task.Status, update *task.Update) {
	if p.hub == nil {
		return
	}

	evt := events.Event{
		TaskID:   t.ID,
		Status:   status,
		Language: t.Language,
	}
	if update != nil {
		if update.Language != nil && *update.Language != "" {
			evt.Language = *update.Language
		}
		if update.ErrorMessage != nil {
			evt.ErrorMessage = *update.ErrorMessage
		}
	}
	p.hub.Publish(evt)
}

// buildTaskResult normalizes an engine result into the stored shape:
// text joined from the segments, segments as plain maps, info as a
// plain map.
func buildTaskResult(r *engine.Result) *task.Result {
	segments := engine.SegmentsToPlain(r.Segments)

	text := r.Text
	if len(r.Segments) > 0 {
		parts := make([]string, 0, len(r.Segments))
		for _, seg := range r.Segments {
			parts = append(parts, seg.Text)
		}
		text = strings.TrimSpace(strings.Join(parts, " "))
	}

	info := r.Info
	if info == nil {
		info = map[string]interface{}{}
	}

	return &task.Result{
		Text:     text,
		Segments: segments,
		Info:     info,
	}
}
