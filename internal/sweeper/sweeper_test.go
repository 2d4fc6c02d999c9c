package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbellamy/taskpilot/internal/config"
	"github.com/kbellamy/taskpilot/internal/event"
	"github.com/kbellamy/taskpilot/internal/logging"
	"github.com/kbellamy/taskpilot/internal/store"
	"github.com/kbellamy/taskpilot/internal/task"
)

type fakePublisher struct {
	events []published
	err    error
}

type published struct {
	stream string
	env    event.Envelope
}

func (p *fakePublisher) Publish(stream string, env event.Envelope) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, published{stream: stream, env: env})
	return nil
}

type fakeNotifier struct {
	notified []*task.Task
}

func (n *fakeNotifier) Notify(_ context.Context, t *task.Task) {
	n.notified = append(n.notified, t)
}

func testConfig() config.Tasks {
	return config.Tasks{
		Namespace:          "test",
		Retention:          24 * time.Hour,
		SafetyRetention:    72 * time.Hour,
		SweepInterval:      time.Minute,
		PublishGrace:       30 * time.Second,
		MaxPublishAttempts: 3,
	}
}

func newTestSweeper(st store.Store, pub *fakePublisher) (*Sweeper, *fakeNotifier) {
	notifier := &fakeNotifier{}
	sw := New(st, pub, notifier, event.Streams{Namespace: "test"}, testConfig(), logging.New("test"))
	return sw, notifier
}

func seedTask(t *testing.T, st store.Store, age time.Duration, timeoutSeconds int) *task.Task {
	t.Helper()
	now := time.Now().UTC()
	tk := &task.Task{
		ID:             task.NewID(),
		Type:           "report.generate",
		Status:         task.StatusPending,
		SessionID:      "sess-1",
		Params:         json.RawMessage(`{}`),
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      now.Add(-age),
		UpdatedAt:      now.Add(-age),
	}
	require.NoError(t, st.CreateTask(context.Background(), tk, 72*time.Hour))
	return tk
}

func TestSweepPublishesTimeoutForOverdue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	pub := &fakePublisher{}
	sw, _ := newTestSweeper(st, pub)

	overdue := seedTask(t, st, 2*time.Minute, 60)
	require.NoError(t, st.RecordPublish(ctx, overdue.ID))
	fine := seedTask(t, st, time.Second, 300)
	require.NoError(t, st.RecordPublish(ctx, fine.ID))

	sw.Sweep(ctx)

	var timeouts []published
	for _, p := range pub.events {
		if p.stream == "test.task.timeout" {
			timeouts = append(timeouts, p)
		}
	}
	require.Len(t, timeouts, 1)

	var data event.TimeoutData
	require.NoError(t, json.Unmarshal(timeouts[0].env.Data, &data))
	assert.Equal(t, overdue.ID, data.TaskID)
	assert.Greater(t, data.ElapsedMS, int64(60_000))

	// The sweeper publishes; it does not transition. The completion
	// pipeline owns the guarded write.
	got, err := st.GetTask(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
}

func TestSweepRepublishesStuckCreation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	pub := &fakePublisher{}
	sw, _ := newTestSweeper(st, pub)

	// Never published, past the grace window, not yet overdue.
	stuck := seedTask(t, st, time.Minute, 600)

	sw.Sweep(ctx)

	var creates []published
	for _, p := range pub.events {
		if p.stream == "test.task.create" {
			creates = append(creates, p)
		}
	}
	require.Len(t, creates, 1)

	var data event.CreateData
	require.NoError(t, json.Unmarshal(creates[0].env.Data, &data))
	assert.Equal(t, stuck.ID, data.TaskID)
	assert.Equal(t, "sweeper", data.CreatedBy)

	got, err := st.GetTask(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PublishAttempts)
	assert.NotNil(t, got.PublishedAt)
}

func TestSweepFailsTaskAfterPublishAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	pub := &fakePublisher{}
	sw, notifier := newTestSweeper(st, pub)

	// Three republish rounds already happened and none ever stuck.
	stuck := seedTask(t, st, time.Minute, 600)
	stuck.PublishAttempts = 3
	require.NoError(t, st.CreateTask(ctx, stuck, 72*time.Hour))

	sw.Sweep(ctx)

	got, err := st.GetTask(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, task.CodePublishExhausted, got.Error.Code)

	require.Len(t, notifier.notified, 1)
	assert.Equal(t, stuck.ID, notifier.notified[0].ID)

	for _, p := range pub.events {
		assert.NotEqual(t, "test.task.create", p.stream, "no republish after exhaustion")
	}
}

func TestSweepPurgesExpired(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	pub := &fakePublisher{}
	sw, _ := newTestSweeper(st, pub)

	old := seedTask(t, st, time.Minute, 600)
	_, err := st.Finish(ctx, old.ID, task.StatusCompleted, nil, nil, -time.Minute)
	require.NoError(t, err)

	sw.Sweep(ctx)

	_, err = st.GetTask(ctx, old.ID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestSweepSurvivesPublishFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	pub := &fakePublisher{err: errors.New("broker down")}
	sw, _ := newTestSweeper(st, pub)

	overdue := seedTask(t, st, 2*time.Minute, 60)
	require.NoError(t, st.RecordPublish(ctx, overdue.ID))

	sw.Sweep(ctx)

	// Nothing transitions, nothing is lost: the next sweep retries.
	got, err := st.GetTask(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 1, got.PublishAttempts)
}
