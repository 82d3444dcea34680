// Package events fans task status changes out to in-process
// subscribers. The update worker publishes one event per applied status
// change; the HTTP layer bridges subscriptions onto websockets.
package events

import (
	"sync"
	"time"

	"github.com/mozenebula/mini-asr-backend/pkg/logging"
	"github.com/mozenebula/mini-asr-backend/pkg/task"
)

// subscriberBuffer bounds the per-subscriber queue. Publishing never
// blocks: subscribers that fall this far behind lose events.
const subscriberBuffer = 16

// Event is one observable task state change.
type Event struct {
	TaskID       int64       `json:"task_id"`
	Status       task.Status `json:"status"`
	Language     string      `json:"language,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Subscription is one listener on a single task. C is closed after a
// terminal event has been delivered, after Cancel, or when the hub
// shuts down.
type Subscription struct {
	C <-chan Event

	hub    *Hub
	taskID int64
	ch     chan Event
}

// Cancel detaches the subscription and closes C. Safe to call more
// than once and safe to race with a terminal event.
func (s *Subscription) Cancel() {
	s.hub.remove(s)
}

// Hub routes task events to subscribers. Safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	subs   map[int64]map[*Subscription]struct{}
	closed bool
	logger *logging.Logger
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[int64]map[*Subscription]struct{}),
		logger: logging.GetGlobalLogger().WithComponent("events"),
	}
}

// Subscribe registers a listener for one task. On a closed hub the
// returned subscription starts out closed.
func (h *Hub) Subscribe(taskID int64) *Subscription {
	sub := &Subscription{
		hub:    h,
		taskID: taskID,
		ch:     make(chan Event, subscriberBuffer),
	}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}

	set, ok := h.subs[taskID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[taskID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Publish delivers evt to every subscriber of its task without ever
// blocking: full subscriber queues drop the event. Terminal events
// close all subscriptions for the task after delivery.
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	set := h.subs[evt.TaskID]
	for sub := range set {
		select {
		case sub.ch <- evt:
		default:
			h.logger.Warn("Dropping event for slow subscriber", map[string]interface{}{
				"task_id": evt.TaskID,
				"status":  string(evt.Status),
			})
		}
	}

	if evt.Status.Terminal() && len(set) > 0 {
		for sub := range set {
			close(sub.ch)
		}
		delete(h.subs, evt.TaskID)
	}
}

// Close shuts the hub down and closes every open subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	h.subs = nil
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[s.taskID]
	if !ok {
		return
	}
	if _, member := set[s]; !member {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.taskID)
	}
	close(s.ch)
}
