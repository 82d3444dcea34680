package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the freshly loaded configuration after a file change.
type ReloadFunc func(*Config)

// Watcher reloads the configuration file when it changes on disk.
// Only settings that are safe to apply at runtime (log level, search
// toggle) should be acted on by the reload callback.
type Watcher struct {
	watcher    *fsnotify.Watcher
	configPath string
	onReload   ReloadFunc
	errorChan  chan error
	ctx        context.Context
	cancel     context.CancelFunc

	// mu guards the debounce timer, the stopped flag and every send on
	// errorChan so Stop can close the channel without racing a sender.
	mu            sync.Mutex
	stopped       bool
	debounceTimer *time.Timer
}

// NewWatcher starts watching configPath and invokes onReload with each
// successfully loaded revision.
func NewWatcher(configPath string, onReload ReloadFunc) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory rather than the file itself so atomic
	// rename-replace saves from editors are still observed.
	dir := filepath.Dir(configPath)
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		watcher:    fsWatcher,
		configPath: configPath,
		onReload:   onReload,
		errorChan:  make(chan error, 10),
		ctx:        ctx,
		cancel:     cancel,
	}

	go w.eventLoop()

	return w, nil
}

// Errors returns a channel that receives reload errors
func (w *Watcher) Errors() <-chan error {
	return w.errorChan
}

// Stop stops watching and releases the underlying watcher. Safe to call
// more than once.
func (w *Watcher) Stop() error {
	w.cancel()

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	close(w.errorChan)

	return nil
}

// reportError delivers err to the Errors channel unless the watcher has
// stopped or the channel is full.
func (w *Watcher) reportError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	select {
	case w.errorChan <- err:
	default:
	}
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

// scheduleReload debounces rapid write events before loading the file.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(100*time.Millisecond, func() {
		cfg, err := LoadConfig(w.configPath)
		if err != nil {
			w.reportError(fmt.Errorf("config reload skipped: %w", err))
			return
		}

		if w.onReload != nil {
			w.onReload(cfg)
		}
	})
}
