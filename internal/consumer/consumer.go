// Package consumer processes completion, failure, progress and timeout
// events from the stream broker and applies them to the task store.
// Handlers are idempotent: the store's terminal-state guard makes
// redelivered and duplicate events safe to discard.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kbellamy/taskpilot/internal/event"
	"github.com/kbellamy/taskpilot/internal/logging"
	"github.com/kbellamy/taskpilot/internal/metrics"
	"github.com/kbellamy/taskpilot/internal/store"
	"github.com/kbellamy/taskpilot/internal/task"
	"github.com/kbellamy/taskpilot/internal/tracing"
)

// Notifier dispatches a notification for a finalized task.
type Notifier interface {
	Notify(ctx context.Context, t *task.Task)
}

// RawPublisher appends pre-encoded bytes to a stream; used for dead
// letters.
type RawPublisher interface {
	PublishRaw(stream string, body []byte) error
}

// Consumer is one member of the orchestrator consumer group. The same
// instance handles every event stream; the event type tag selects the
// transition.
type Consumer struct {
	store     store.Store
	dlqPub    RawPublisher // nil disables stream-side dead letters
	notifier  Notifier
	gov       Governor
	retention time.Duration
	streams   event.Streams
	logger    *logging.Logger
}

func New(st store.Store, dlqPub RawPublisher, notifier Notifier, gov Governor, retention time.Duration, streams event.Streams, logger *logging.Logger) *Consumer {
	return &Consumer{
		store:     st,
		dlqPub:    dlqPub,
		notifier:  notifier,
		gov:       gov,
		retention: retention,
		streams:   streams,
		logger:    logger,
	}
}

// HandleMessage implements nsq.Handler. Acknowledgment policy: malformed
// events are finished and dead-lettered (redelivery cannot fix them);
// transient store failures are requeued with governed backoff until the
// attempt cap, then dead-lettered with the task marked FAILED.
func (c *Consumer) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()

	env, err := event.Decode(m.Body)
	if err != nil {
		c.logger.Plain().WithError(err).Error("undecodable event body")
		// The body is not valid JSON; quote it so the dead-letter
		// envelope still marshals.
		raw := json.RawMessage(strconv.AppendQuote(nil, string(m.Body)))
		c.deadLetter(context.Background(), event.Envelope{EventType: "unknown", Data: raw},
			int(m.Attempts), err, "undecodable event body", "malformed")
		m.Finish()
		return nil
	}

	ctx := tracing.ExtractTraceFromStream(context.Background(), env.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "consumer.handle",
		attribute.String("event_id", env.EventID),
		attribute.String("event_type", env.EventType),
		attribute.Int("attempt", int(m.Attempts)),
	)
	defer span.End()

	taskID, retryable, err := c.apply(ctx, env)
	if err == nil {
		m.Finish()
		return nil
	}
	tracing.SetSpanError(ctx, err)

	if !retryable {
		c.deadLetter(ctx, env, int(m.Attempts), err, "malformed event data", "malformed")
		m.Finish()
		return nil
	}

	metrics.RecordRetry("store_unavailable")
	if c.gov.Exhausted(int(m.Attempts)) {
		c.deadLetter(ctx, env, int(m.Attempts), err,
			fmt.Sprintf("max attempts reached (%d)", m.Attempts), "retry_exhausted")
		c.failExhausted(ctx, taskID)
		m.Finish()
		return nil
	}

	delay := c.gov.Delay(int(m.Attempts))
	c.logger.WithContext(ctx).WithEvent(env.EventID).WithTask(taskID).WithFields(map[string]any{
		"attempt": m.Attempts,
		"delay":   delay.String(),
	}).Info("requeue event")
	m.Requeue(delay)
	return nil
}

// apply routes the envelope to its transition. The returned bool reports
// whether the error is worth a redelivery.
func (c *Consumer) apply(ctx context.Context, env event.Envelope) (taskID string, retryable bool, err error) {
	switch env.EventType {
	case event.TypeTaskProgress:
		var data event.ProgressData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.TaskID == "" {
			return "", false, fmt.Errorf("malformed %s data: %w", env.EventType, errOrMissing(err))
		}
		retryable, err := c.markProcessing(ctx, data.TaskID)
		return data.TaskID, retryable, err

	case event.TypeTaskCompleted:
		var data event.CompletedData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.TaskID == "" {
			return "", false, fmt.Errorf("malformed %s data: %w", env.EventType, errOrMissing(err))
		}
		retryable, err := c.finish(ctx, data.TaskID, task.StatusCompleted, data.Result, nil)
		return data.TaskID, retryable, err

	case event.TypeTaskFailed:
		var data event.FailedData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.TaskID == "" {
			return "", false, fmt.Errorf("malformed %s data: %w", env.EventType, errOrMissing(err))
		}
		detail := &task.ErrorDetail{
			Code:    data.Error.Code,
			Message: data.Error.Message,
			Details: data.Error.Details,
		}
		retryable, err := c.finish(ctx, data.TaskID, task.StatusFailed, nil, detail)
		return data.TaskID, retryable, err

	case event.TypeTaskTimeout:
		var data event.TimeoutData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.TaskID == "" {
			return "", false, fmt.Errorf("malformed %s data: %w", env.EventType, errOrMissing(err))
		}
		retryable, err := c.finish(ctx, data.TaskID, task.StatusTimeout, nil, nil)
		return data.TaskID, retryable, err
	}
	return "", false, fmt.Errorf("unexpected event type %q", env.EventType)
}

func errOrMissing(err error) error {
	if err != nil {
		return err
	}
	return errors.New("missing task_id")
}

func (c *Consumer) markProcessing(ctx context.Context, taskID string) (bool, error) {
	err := c.store.MarkProcessing(ctx, taskID)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, task.ErrTaskNotFound):
		metrics.RecordDiscarded("unknown_task")
		return false, nil
	case errors.Is(err, task.ErrTerminalState):
		metrics.RecordDiscarded("already_terminal")
		return false, nil
	}
	return true, err
}

// finish applies a terminal transition and dispatches the notification.
// Absent and already-terminal tasks are acknowledged discards; that is
// what makes redelivery and duplicate terminal events safe.
func (c *Consumer) finish(ctx context.Context, taskID string, st task.Status, result json.RawMessage, detail *task.ErrorDetail) (bool, error) {
	t, err := c.store.Finish(ctx, taskID, st, result, detail, c.retention)
	switch {
	case err == nil:
	case errors.Is(err, task.ErrTaskNotFound):
		metrics.RecordDiscarded("unknown_task")
		c.logger.WithContext(ctx).WithTask(taskID).Debug("event for unknown task discarded")
		return false, nil
	case errors.Is(err, task.ErrTerminalState):
		metrics.RecordDiscarded("already_terminal")
		c.logger.WithContext(ctx).WithTask(taskID).Debug("event for terminal task discarded")
		return false, nil
	default:
		return true, err
	}

	tracing.AddSpanEvent(ctx, "task.finished",
		attribute.String("task_id", t.ID),
		attribute.String("status", string(t.Status)),
	)
	if t.CompletedAt != nil {
		metrics.RecordFinished(string(t.Status), t.Type, t.CompletedAt.Sub(t.CreatedAt))
	}
	c.logger.WithContext(ctx).WithTask(t.ID).WithSession(t.SessionID).
		WithField("status", t.Status).Info("task finished")
	c.notifier.Notify(ctx, t)
	return false, nil
}

// failExhausted marks the task FAILED after its event exhausted processing
// retries. Best-effort: the guard may refuse if something else finished
// the task meanwhile.
func (c *Consumer) failExhausted(ctx context.Context, taskID string) {
	if taskID == "" {
		return
	}
	t, err := c.store.Finish(ctx, taskID, task.StatusFailed, nil, &task.ErrorDetail{
		Code:    task.CodeRetryExhausted,
		Message: "event processing retries exhausted",
	}, c.retention)
	if err != nil {
		if !errors.Is(err, task.ErrTerminalState) && !errors.Is(err, task.ErrTaskNotFound) {
			c.logger.WithContext(ctx).WithTask(taskID).WithError(err).Error("mark retry-exhausted failed")
		}
		return
	}
	if t.CompletedAt != nil {
		metrics.RecordFinished(string(t.Status), t.Type, t.CompletedAt.Sub(t.CreatedAt))
	}
	c.notifier.Notify(ctx, t)
}

// deadLetter archives the envelope and, when a publisher is configured,
// appends it to the dead-letter stream for the review window.
func (c *Consumer) deadLetter(ctx context.Context, env event.Envelope, attempts int, cause error, reason, metricReason string) {
	dl := event.NewDeadLetter(env, attempts, errString(cause), reason)
	if err := c.store.ArchiveDeadLetter(ctx, dl); err != nil {
		c.logger.WithContext(ctx).WithEvent(env.EventID).WithError(err).Error("dead letter archive failed")
	}
	if c.dlqPub != nil {
		b, err := json.Marshal(dl)
		if err == nil {
			err = c.dlqPub.PublishRaw(c.streams.DLQ(), b)
		}
		if err != nil {
			c.logger.WithContext(ctx).WithEvent(env.EventID).WithError(err).Error("dead letter publish failed")
		}
	}
	metrics.RecordDLQ(metricReason)
	c.logger.WithContext(ctx).WithEvent(env.EventID).WithStream(c.streams.DLQ()).
		WithField("reason", reason).Warn("event dead-lettered")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
