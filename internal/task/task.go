package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTimeout    Status = "TIMEOUT"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from s to next.
// PENDING → PROCESSING → {COMPLETED, FAILED}, and PENDING/PROCESSING → TIMEOUT.
// Terminal states accept nothing.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusProcessing:
		return s == StatusPending
	case StatusCompleted, StatusFailed, StatusTimeout:
		return s == StatusPending || s == StatusProcessing
	}
	return false
}

// Error codes recorded on tasks that failed inside the orchestration layer
// rather than in the backend service.
const (
	CodePublishExhausted = "PUBLISH_EXHAUSTED"
	CodeRetryExhausted   = "RETRY_EXHAUSTED"
	CodeTimeout          = "TIMEOUT"
)

// ErrorDetail is the structured error payload stored on a FAILED task.
type ErrorDetail struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Task is the unit of delegated work tracked by the orchestrator.
//
// params is opaque to this layer and never mutated; result and error are
// mutually exclusive and set exactly once, on the terminal transition.
type Task struct {
	ID             string          `json:"task_id"`
	Type           string          `json:"task_type"`
	Status         Status          `json:"status"`
	SessionID      string          `json:"session_id"`
	Params         json.RawMessage `json:"params"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *ErrorDetail    `json:"error,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`

	// Creation-event bookkeeping for the compensating republish sweep.
	PublishAttempts int        `json:"-"`
	PublishedAt     *time.Time `json:"-"`
}

// NewID mints a task identifier. Assigned exactly once, at submission.
func NewID() string {
	return uuid.NewString()
}

// Deadline is the instant after which the task is overdue.
func (t *Task) Deadline() time.Time {
	return t.CreatedAt.Add(time.Duration(t.TimeoutSeconds) * time.Second)
}

// Overdue reports whether the task has outlived its timeout at the given
// instant. Terminal tasks are never overdue.
func (t *Task) Overdue(now time.Time) bool {
	if t.Status.Terminal() {
		return false
	}
	return now.After(t.Deadline())
}

// View is the caller-facing projection of a task returned by result
// retrieval. Elapsed is populated for non-terminal and timed-out tasks.
type View struct {
	TaskID         string          `json:"task_id"`
	Type           string          `json:"task_type"`
	Status         Status          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *ErrorDetail    `json:"error,omitempty"`
	ElapsedMS      int64           `json:"elapsed_ms,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ViewOf builds the status-dependent projection of t as of now.
func ViewOf(t *Task, now time.Time) View {
	v := View{
		TaskID:    t.ID,
		Type:      t.Type,
		Status:    t.Status,
		Priority:  t.Priority,
		CreatedAt: t.CreatedAt,
	}
	switch t.Status {
	case StatusPending, StatusProcessing:
		v.ElapsedMS = now.Sub(t.CreatedAt).Milliseconds()
	case StatusCompleted:
		v.Result = t.Result
		v.CompletedAt = t.CompletedAt
	case StatusFailed:
		v.Error = t.Error
		v.CompletedAt = t.CompletedAt
	case StatusTimeout:
		v.TimeoutSeconds = t.TimeoutSeconds
		v.CompletedAt = t.CompletedAt
		if t.CompletedAt != nil {
			v.ElapsedMS = t.CompletedAt.Sub(t.CreatedAt).Milliseconds()
		} else {
			v.ElapsedMS = now.Sub(t.CreatedAt).Milliseconds()
		}
	}
	return v
}
