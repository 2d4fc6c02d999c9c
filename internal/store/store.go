// Package store is the single source of truth for task state. All terminal
// transitions go through a conditional update guarded on non-terminal
// status; the rows-affected result of that update is the tie-break
// authority when a completion event races the timeout sweep.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kbellamy/taskpilot/internal/event"
	"github.com/kbellamy/taskpilot/internal/task"
)

// Notification is a deferred "surface on next interaction" marker for a
// session.
type Notification struct {
	SessionID string      `json:"session_id"`
	TaskID    string      `json:"task_id"`
	Status    task.Status `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// DeadLetterRecord is an archived dead-letter envelope, kept for the review
// window.
type DeadLetterRecord struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Reason    string          `json:"reason"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	Envelope  json.RawMessage `json:"envelope"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store holds task metadata, the per-session task index, deferred
// notification markers, the session connection registry and the dead-letter
// archive.
type Store interface {
	// CreateTask inserts a PENDING task. The expires_at safety window is
	// set from the task's creation time; the task also becomes a member of
	// its session's index.
	CreateTask(ctx context.Context, t *task.Task, safetyRetention time.Duration) error

	// GetTask returns a task by id, or task.ErrTaskNotFound.
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// GetSessionTask returns the task only if it belongs to the session's
	// index; otherwise task.ErrTaskNotFound.
	GetSessionTask(ctx context.Context, id, sessionID string) (*task.Task, error)

	// ListSessionTasks enumerates the session's index ordered by created_at
	// descending. A zero filter returns every status.
	ListSessionTasks(ctx context.Context, sessionID string, filter task.Status) ([]*task.Task, error)

	// MarkProcessing transitions PENDING → PROCESSING. Returns
	// task.ErrTerminalState when the task is already terminal.
	MarkProcessing(ctx context.Context, id string) error

	// Finish applies a terminal transition if and only if the task is still
	// non-terminal, writing result or error and stamping completed_at and
	// the post-terminal retention window. Returns the updated task, or
	// task.ErrTerminalState when the guard refuses the write (the
	// idempotent-discard path), or task.ErrTaskNotFound.
	Finish(ctx context.Context, id string, st task.Status, result json.RawMessage, errDetail *task.ErrorDetail, retention time.Duration) (*task.Task, error)

	// RecordPublish stamps published_at and increments publish_attempts
	// after a creation event was handed to the broker.
	RecordPublish(ctx context.Context, id string) error

	// FindUnpublished returns PENDING tasks created before cutoff whose
	// creation event was never recorded as published, limited to max rows.
	FindUnpublished(ctx context.Context, cutoff time.Time, max int) ([]*task.Task, error)

	// FindOverdue returns non-terminal tasks past created_at +
	// timeout_seconds as of now, limited to max rows.
	FindOverdue(ctx context.Context, now time.Time, max int) ([]*task.Task, error)

	// PurgeExpired deletes tasks (and their notification markers) past
	// expires_at. Returns the number of tasks removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	// AddNotification records a deferred notification marker for a session.
	AddNotification(ctx context.Context, n Notification) error

	// DrainNotifications returns and clears the session's markers, oldest
	// first.
	DrainNotifications(ctx context.Context, sessionID string) ([]Notification, error)

	// TouchSession refreshes the session's connection-registry entry.
	TouchSession(ctx context.Context, sessionID string, now time.Time) error

	// SessionActive reports whether the session interacted after since.
	SessionActive(ctx context.Context, sessionID string, since time.Time) (bool, error)

	// ArchiveDeadLetter records a dead letter for the review window.
	ArchiveDeadLetter(ctx context.Context, dl event.DeadLetter) error

	// ListDeadLetters returns archived dead letters, newest first.
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error)
}
