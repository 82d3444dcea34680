package task

import "net/http"

// Status texts surfaced by the read endpoints alongside the mapped HTTP code.
const (
	MessageQueued             = "Task is queued and not started yet"
	MessageProcessing         = "Task is currently being processed"
	MessageCompleted          = "Task has been completed"
	MessageFailed             = "Task failed during processing"
	MessageNotFound           = "Task not found or has been deleted or invalid task ID"
	MessageServiceUnavailable = "Database error occurred. Please try again later."
)

// HTTPStatusCode maps a task status to the HTTP code the read endpoints
// answer with: in-flight states are 202, success 200, failure 500.
func (s Status) HTTPStatusCode() int {
	switch s {
	case StatusQueued, StatusProcessing:
		return http.StatusAccepted
	case StatusCompleted:
		return http.StatusOK
	case StatusFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatusMessage returns the status text paired with HTTPStatusCode.
func (s Status) HTTPStatusMessage() string {
	switch s {
	case StatusQueued:
		return MessageQueued
	case StatusProcessing:
		return MessageProcessing
	case StatusCompleted:
		return MessageCompleted
	case StatusFailed:
		return MessageFailed
	default:
		return MessageNotFound
	}
}
