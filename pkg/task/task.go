// Package task defines the central task entity shared by the store, the
// processor, the callback dispatcher and the HTTP layer.
package task

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus parses a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("invalid task status: %s", s)
	}
	return st, nil
}

// Priority governs claim order among queued tasks.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// Rank returns the claim rank of the priority: lower ranks are claimed first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// ParsePriority parses a string into a Priority. Empty input means normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("invalid task priority: %s", s)
	}
	return p, nil
}

// Type selects the engine operation.
type Type string

const (
	TypeTranscribe Type = "transcribe"
	TypeTranslate  Type = "translate"
)

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	return t == TypeTranscribe || t == TypeTranslate
}

// ParseType parses a string into a Type. Empty input means transcribe.
func ParseType(s string) (Type, error) {
	if s == "" {
		return TypeTranscribe, nil
	}
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("invalid task type: %s", s)
	}
	return t, nil
}

// Result is the structured transcription output of a completed task.
type Result struct {
	Text     string                 `json:"text"`
	Segments []interface{}          `json:"segments"`
	Info     map[string]interface{} `json:"info"`
}

// Task is one unit of transcription work. Exactly one of FilePath and
// FileURL is set at creation; the rest is filled in as the task moves
// through its lifecycle.
type Task struct {
	ID                 int64                  `json:"id"`
	Status             Status                 `json:"status"`
	Priority           Priority               `json:"priority"`
	EngineName         string                 `json:"engine_name"`
	TaskType           Type                   `json:"task_type"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	TaskProcessingTime float64                `json:"task_processing_time"`
	FilePath           string                 `json:"file_path"`
	FileURL            string                 `json:"file_url"`
	FileName           string                 `json:"file_name"`
	FileSizeBytes      *int64                 `json:"file_size_bytes"`
	FileDuration       *float64               `json:"file_duration"`
	Platform           string                 `json:"platform"`
	DecodeOptions      map[string]interface{} `json:"decode_options"`
	Language           string                 `json:"language"`
	Result             *Result                `json:"result"`
	ErrorMessage       *string                `json:"error_message"`
	OutputURL          string                 `json:"output_url"`
	CallbackURL        string                 `json:"callback_url"`
	CallbackStatusCode *int                   `json:"callback_status_code"`
	CallbackMessage    *string                `json:"callback_message"`
	CallbackTime       *time.Time             `json:"callback_time"`
}

// CallbackMessageLimit caps the stored callback response body.
const CallbackMessageLimit = 512

// TruncateCallbackMessage trims a callback response body to the stored cap.
func TruncateCallbackMessage(body string) string {
	if len(body) > CallbackMessageLimit {
		return body[:CallbackMessageLimit]
	}
	return body
}

// Update carries a partial mutation of a task. Nil fields are left
// untouched by the store.
type Update struct {
	Status             *Status
	EngineName         *string
	Language           *string
	Result             *Result
	ErrorMessage       *string
	FilePath           *string
	FileName           *string
	FileSizeBytes      *int64
	FileDuration       *float64
	TaskProcessingTime *float64
	OutputURL          *string
}
