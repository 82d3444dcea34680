// Package callback delivers terminal task snapshots to caller-supplied
// URLs. Delivery is best-effort at-least-once: transport failures and
// non-2xx acknowledgements are retried a fixed number of times, and the
// final outcome is recorded on the task row either way.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mozenebula/mini-asr-backend/pkg/logging"
	"github.com/mozenebula/mini-asr-backend/pkg/task"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRetries   = 3
	defaultRetryWait = 2 * time.Second
	defaultUserAgent = "mini-asr-backend/1.0 (callback)"
)

// Store is the slice of the task store the dispatcher needs.
type Store interface {
	Get(ctx context.Context, id int64) (*task.Task, error)
	RecordCallback(ctx context.Context, id int64, statusCode int, message string) error
}

// Config holds delivery settings. Zero values fall back to the package
// defaults.
type Config struct {
	// Timeout bounds each POST attempt.
	Timeout time.Duration
	// Retries is the total attempt budget.
	Retries int
	// RetryWait is the fixed pause between attempts.
	RetryWait time.Duration
	UserAgent string
}

// Dispatcher posts task payloads to their callback URLs and records the
// outcome. Safe for concurrent use.
type Dispatcher struct {
	store     Store
	client    *http.Client
	timeout   time.Duration
	retries   int
	retryWait time.Duration
	userAgent string
	logger    *logging.Logger
}

// New builds a dispatcher delivering through the given store.
func New(store Store, cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	if retries < 1 {
		retries = defaultRetries
	}
	retryWait := cfg.RetryWait
	if retryWait <= 0 {
		retryWait = defaultRetryWait
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Dispatcher{
		store:     store,
		client:    &http.Client{},
		timeout:   timeout,
		retries:   retries,
		retryWait: retryWait,
		userAgent: userAgent,
		logger:    logging.GetGlobalLogger().WithComponent("callback"),
	}
}

// Notify posts the authoritative snapshot of t to its callback URL and
// returns the final HTTP status code (0 when skipped or when every
// attempt failed in transport). Tasks without a callback URL are
// skipped. The final status code and response body (or transport error)
// are recorded on the task; delivery failure never fails the task
// itself.
func (d *Dispatcher) Notify(ctx context.Context, t *task.Task) (int, error) {
	if t == nil || t.CallbackURL == "" {
		if t != nil {
			d.logger.Debug("No callback URL, skipping notification", map[string]interface{}{
				"task_id": t.ID,
			})
		}
		return 0, nil
	}

	// Re-fetch so the payload reflects every update applied before the
	// callback was scheduled.
	snapshot, err := d.store.Get(ctx, t.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load task %d for callback: %w", t.ID, err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return 0, fmt.Errorf("failed to encode task %d for callback: %w", t.ID, err)
	}

	d.logger.Info("Sending task callback notification", map[string]interface{}{
		"task_id": snapshot.ID,
		"url":     snapshot.CallbackURL,
	})

	var (
		statusCode int
		message    string
		delivered  bool
	)

attempts:
	for attempt := 1; attempt <= d.retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				break attempts
			case <-time.After(d.retryWait):
			}
		}

		code, body, err := d.post(ctx, snapshot.CallbackURL, payload)
		if err != nil {
			statusCode = 0
			message = err.Error()
			d.logger.Warn("Callback attempt failed", map[string]interface{}{
				"task_id": snapshot.ID,
				"attempt": attempt,
				"error":   err.Error(),
			})
			continue
		}

		statusCode = code
		message = body
		if code >= 200 && code < 300 {
			delivered = true
			break
		}
		d.logger.Warn("Callback rejected by receiver", map[string]interface{}{
			"task_id": snapshot.ID,
			"attempt": attempt,
			"status":  code,
		})
	}

	if err := d.store.RecordCallback(ctx, snapshot.ID, statusCode, message); err != nil {
		return statusCode, fmt.Errorf("failed to record callback outcome for task %d: %w", snapshot.ID, err)
	}

	if delivered {
		d.logger.Info("Task callback notification delivered", map[string]interface{}{
			"task_id": snapshot.ID,
			"status":  statusCode,
		})
	} else {
		d.logger.Warn("Task callback notification not acknowledged", map[string]interface{}{
			"task_id": snapshot.ID,
			"status":  statusCode,
		})
	}
	return statusCode, nil
}

// post performs one delivery attempt and returns the status code plus
// the response body capped at the stored message limit.
func (d *Dispatcher) post(ctx context.Context, callbackURL string, payload []byte) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, task.CallbackMessageLimit))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("failed to read callback response: %w", err)
	}
	return resp.StatusCode, string(body), nil
}
