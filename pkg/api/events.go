package api

import (
	"net/http"

	"github.com/mozenebula/mini-asr-backend/pkg/events"
)

// handleTaskEvents upgrades to a websocket and streams status events for
// one task until it reaches a terminal state or the client disconnects.
// The task's current state is sent first, so a subscriber arriving after
// the terminal transition still sees it.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDFromRequest(r)
	if err != nil {
		sendError(w, err, http.StatusBadRequest)
		return
	}

	// Subscribe before the read so no transition lands in the gap.
	sub := s.hub.Subscribe(id)
	defer sub.Cancel()

	t, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", map[string]interface{}{
			"task_id": id,
			"error":   err.Error(),
		})
		return
	}
	defer conn.Close()

	snapshot := events.Event{
		TaskID:    t.ID,
		Status:    t.Status,
		Language:  t.Language,
		Timestamp: t.UpdatedAt,
	}
	if t.ErrorMessage != nil {
		snapshot.ErrorMessage = *t.ErrorMessage
	}
	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}
	if t.Status.Terminal() {
		return
	}

	// Reader loop detects client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
			if evt.Status.Terminal() {
				return
			}
		case <-done:
			return
		}
	}
}
