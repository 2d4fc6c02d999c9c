package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbellamy/taskpilot/internal/event"
	"github.com/kbellamy/taskpilot/internal/task"
)

func newTestTask(sessionID string) *task.Task {
	now := time.Now().UTC()
	return &task.Task{
		ID:             task.NewID(),
		Type:           "report.generate",
		Status:         task.StatusPending,
		SessionID:      sessionID,
		Params:         json.RawMessage(`{"quarter":"Q3"}`),
		TimeoutSeconds: 300,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestMemoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	tk := newTestTask("sess-1")

	require.NoError(t, s.CreateTask(ctx, tk, 72*time.Hour))

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, task.StatusPending, got.Status)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestMemorySessionIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	tk := newTestTask("sess-1")
	require.NoError(t, s.CreateTask(ctx, tk, time.Hour))

	_, err := s.GetSessionTask(ctx, tk.ID, "sess-1")
	require.NoError(t, err)

	// A foreign session sees the same result as a missing task.
	_, err = s.GetSessionTask(ctx, tk.ID, "sess-2")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestMemoryListSessionTasks(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	older := newTestTask("sess-1")
	older.CreatedAt = older.CreatedAt.Add(-time.Minute)
	newer := newTestTask("sess-1")
	other := newTestTask("sess-2")
	require.NoError(t, s.CreateTask(ctx, older, time.Hour))
	require.NoError(t, s.CreateTask(ctx, newer, time.Hour))
	require.NoError(t, s.CreateTask(ctx, other, time.Hour))

	got, err := s.ListSessionTasks(ctx, "sess-1", "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID, "newest first")
	assert.Equal(t, older.ID, got[1].ID)

	_, err = s.Finish(ctx, newer.ID, task.StatusCompleted, json.RawMessage(`{}`), nil, time.Hour)
	require.NoError(t, err)

	done, err := s.ListSessionTasks(ctx, "sess-1", task.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, newer.ID, done[0].ID)
}

func TestMemoryFinishGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	tk := newTestTask("sess-1")
	require.NoError(t, s.CreateTask(ctx, tk, time.Hour))
	require.NoError(t, s.MarkProcessing(ctx, tk.ID))

	got, err := s.Finish(ctx, tk.ID, task.StatusCompleted, json.RawMessage(`{"n":1}`), nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"n":1}`, string(got.Result))

	// Second terminal write refuses: first writer wins.
	_, err = s.Finish(ctx, tk.ID, task.StatusTimeout, nil, nil, time.Hour)
	assert.ErrorIs(t, err, task.ErrTerminalState)

	// Status is unchanged by the losing write.
	cur, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, cur.Status)

	_, err = s.Finish(ctx, "missing", task.StatusCompleted, nil, nil, time.Hour)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestMemoryMarkProcessing(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	tk := newTestTask("sess-1")
	require.NoError(t, s.CreateTask(ctx, tk, time.Hour))

	require.NoError(t, s.MarkProcessing(ctx, tk.ID))
	// Repeat is refused once the task left PENDING.
	assert.ErrorIs(t, s.MarkProcessing(ctx, tk.ID), task.ErrTerminalState)
	assert.ErrorIs(t, s.MarkProcessing(ctx, "missing"), task.ErrTaskNotFound)
}

func TestMemoryPublishBookkeeping(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	stuck := newTestTask("sess-1")
	stuck.CreatedAt = time.Now().UTC().Add(-time.Minute)
	published := newTestTask("sess-1")
	published.CreatedAt = stuck.CreatedAt
	fresh := newTestTask("sess-1")

	require.NoError(t, s.CreateTask(ctx, stuck, time.Hour))
	require.NoError(t, s.CreateTask(ctx, published, time.Hour))
	require.NoError(t, s.CreateTask(ctx, fresh, time.Hour))
	require.NoError(t, s.RecordPublish(ctx, published.ID))

	cutoff := time.Now().UTC().Add(-30 * time.Second)
	got, err := s.FindUnpublished(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, got, 1, "only the old, never-published task qualifies")
	assert.Equal(t, stuck.ID, got[0].ID)

	p, err := s.GetTask(ctx, published.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.PublishAttempts)
	assert.NotNil(t, p.PublishedAt)
}

func TestMemoryFindOverdue(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	overdue := newTestTask("sess-1")
	overdue.TimeoutSeconds = 60
	overdue.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	fine := newTestTask("sess-1")
	done := newTestTask("sess-1")
	done.TimeoutSeconds = 60
	done.CreatedAt = overdue.CreatedAt

	require.NoError(t, s.CreateTask(ctx, overdue, time.Hour))
	require.NoError(t, s.CreateTask(ctx, fine, time.Hour))
	require.NoError(t, s.CreateTask(ctx, done, time.Hour))
	_, err := s.Finish(ctx, done.ID, task.StatusCompleted, nil, nil, time.Hour)
	require.NoError(t, err)

	got, err := s.FindOverdue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, overdue.ID, got[0].ID)
}

func TestMemoryPurgeExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	old := newTestTask("sess-1")
	old.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	keep := newTestTask("sess-1")
	require.NoError(t, s.CreateTask(ctx, old, time.Hour))
	require.NoError(t, s.CreateTask(ctx, keep, time.Hour))
	require.NoError(t, s.AddNotification(ctx, Notification{
		SessionID: "sess-1", TaskID: old.ID, Status: task.StatusCompleted, CreatedAt: time.Now().UTC(),
	}))

	n, err := s.PurgeExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetTask(ctx, old.ID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	_, err = s.GetTask(ctx, keep.ID)
	assert.NoError(t, err)

	// The purged task's markers are gone too.
	ns, err := s.DrainNotifications(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, ns)
}

func TestMemoryNotifications(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Now().UTC()

	require.NoError(t, s.AddNotification(ctx, Notification{SessionID: "sess-1", TaskID: "t2", Status: task.StatusFailed, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.AddNotification(ctx, Notification{SessionID: "sess-1", TaskID: "t1", Status: task.StatusCompleted, CreatedAt: base}))
	require.NoError(t, s.AddNotification(ctx, Notification{SessionID: "sess-2", TaskID: "t3", Status: task.StatusCompleted, CreatedAt: base}))

	got, err := s.DrainNotifications(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].TaskID, "oldest first")
	assert.Equal(t, "t2", got[1].TaskID)

	// Drained means drained.
	again, err := s.DrainNotifications(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, again)

	// Other sessions untouched.
	other, err := s.DrainNotifications(ctx, "sess-2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestMemorySessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	active, err := s.SessionActive(ctx, "sess-1", now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.False(t, active, "unknown session is inactive")

	require.NoError(t, s.TouchSession(ctx, "sess-1", now))
	active, err = s.SessionActive(ctx, "sess-1", now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.True(t, active)

	active, err = s.SessionActive(ctx, "sess-1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, active, "stale touch is inactive")
}

func TestMemoryDeadLetters(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	env, err := event.New(event.TypeTaskCompleted, event.CompletedData{TaskID: "t1"})
	require.NoError(t, err)
	require.NoError(t, s.ArchiveDeadLetter(ctx, event.NewDeadLetter(env, 5, "store down", "max attempts reached (5)")))
	env2, err := event.New(event.TypeTaskFailed, event.FailedData{TaskID: "t2"})
	require.NoError(t, err)
	require.NoError(t, s.ArchiveDeadLetter(ctx, event.NewDeadLetter(env2, 1, "", "malformed event data")))

	got, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, env2.EventID, got[0].EventID, "newest first")
	assert.Equal(t, 5, got[1].Attempts)

	one, err := s.ListDeadLetters(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}
