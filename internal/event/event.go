package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types carried on the task streams.
const (
	TypeTaskCreate    = "task.create"
	TypeTaskProgress  = "task.progress"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"
	TypeTaskTimeout   = "task.timeout"
)

// Envelope is the wire form shared by every event: an immutable message
// with a correlation id, a type tag, and a type-specific data payload.
type Envelope struct {
	EventID      string            `json:"event_id"`
	EventType    string            `json:"event_type"`
	Timestamp    string            `json:"timestamp"` // RFC3339
	Data         json.RawMessage   `json:"data"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// New wraps data in an envelope with a fresh correlation id.
func New(eventType string, data any) (Envelope, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s data: %w", eventType, err)
	}
	return Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      b,
	}, nil
}

// Decode parses an envelope from raw message bytes.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event_type")
	}
	return env, nil
}

// CreateData is the task.create payload consumed by backend services.
type CreateData struct {
	TaskID    string          `json:"task_id"`
	TaskType  string          `json:"task_type"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"session_id"`
	Timeout   int             `json:"timeout"`
	Priority  int             `json:"priority"`
	CreatedBy string          `json:"created_by"`
}

// ProgressData is the task.progress payload a backend service publishes
// when it starts working on a task.
type ProgressData struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"` // "processing"
	WorkerID string `json:"worker_id"`
}

// CompletedData is the task.completed payload published by backend services.
type CompletedData struct {
	TaskID      string          `json:"task_id"`
	Status      string          `json:"status"` // "success"
	Result      json.RawMessage `json:"result"`
	DurationMS  int64           `json:"duration_ms"`
	CompletedBy string          `json:"completed_by"`
}

// FailedData is the task.failed payload.
type FailedData struct {
	TaskID     string      `json:"task_id"`
	Status     string      `json:"status"` // "failed"
	Error      ErrorDetail `json:"error"`
	DurationMS int64       `json:"duration_ms"`
	FailedBy   string      `json:"failed_by"`
}

// ErrorDetail mirrors the error payload shape on failure events.
type ErrorDetail struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// TimeoutData is the task.timeout payload. The sweeper synthesizes these;
// backend services may also publish them for work they abandoned.
type TimeoutData struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"` // "timeout"
	Message   string `json:"message"`
	ElapsedMS int64  `json:"elapsed_ms"`
}
