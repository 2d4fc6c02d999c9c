// Package notify delivers task-completion notifications to owning sessions.
// Delivery is best-effort: push when the session has a live channel, defer
// to the next interaction otherwise. The task store stays the source of
// truth either way.
package notify

import (
	"context"
	"time"

	"github.com/kbellamy/taskpilot/internal/event"
	"github.com/kbellamy/taskpilot/internal/logging"
	"github.com/kbellamy/taskpilot/internal/metrics"
	"github.com/kbellamy/taskpilot/internal/store"
	"github.com/kbellamy/taskpilot/internal/task"
)

const (
	ModePush     = "push"
	ModeDeferred = "deferred"
)

// Dispatcher implements the hybrid push/defer policy as an explicit
// capability check against the session connection registry.
type Dispatcher struct {
	store          store.Store
	pub            transportPublisher
	streams        event.Streams
	activityWindow time.Duration
	logger         *logging.Logger
}

// transportPublisher is the slice of transport.Publisher the dispatcher
// needs; declared locally so tests can fake the push channel.
type transportPublisher interface {
	Publish(stream string, env event.Envelope) error
}

func NewDispatcher(st store.Store, pub transportPublisher, streams event.Streams, activityWindow time.Duration, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		store:          st,
		pub:            pub,
		streams:        streams,
		activityWindow: activityWindow,
		logger:         logger,
	}
}

// Notify dispatches a notification for a finalized task. It never fails
// the caller: every failure path degrades to the deferred marker, and a
// failed marker write is only logged because the task remains retrievable
// on demand.
func (d *Dispatcher) Notify(ctx context.Context, t *task.Task) {
	now := time.Now().UTC()

	active, err := d.store.SessionActive(ctx, t.SessionID, now.Add(-d.activityWindow))
	if err != nil {
		d.logger.WithContext(ctx).WithTask(t.ID).WithSession(t.SessionID).
			WithError(err).Warn("session registry check failed, deferring")
		active = false
	}

	if active && d.push(ctx, t, now) {
		metrics.RecordNotification(ModePush)
		return
	}

	if err := d.store.AddNotification(ctx, store.Notification{
		SessionID: t.SessionID,
		TaskID:    t.ID,
		Status:    t.Status,
		CreatedAt: now,
	}); err != nil {
		d.logger.WithContext(ctx).WithTask(t.ID).WithSession(t.SessionID).
			WithError(err).Error("deferred notification write failed")
		return
	}
	metrics.RecordNotification(ModeDeferred)
}

// push attempts immediate delivery on the session's ephemeral channel.
func (d *Dispatcher) push(ctx context.Context, t *task.Task, now time.Time) bool {
	eventType, ok := eventTypeFor(t.Status)
	if !ok {
		return false
	}
	env, err := event.New(eventType, task.ViewOf(t, now))
	if err != nil {
		d.logger.WithContext(ctx).WithTask(t.ID).WithError(err).Error("build notification event")
		return false
	}
	stream := d.streams.Notify(t.SessionID)
	if err := d.pub.Publish(stream, env); err != nil {
		d.logger.WithContext(ctx).WithTask(t.ID).WithSession(t.SessionID).WithStream(stream).
			WithError(err).Warn("push failed, falling back to deferred")
		return false
	}
	return true
}

func eventTypeFor(st task.Status) (string, bool) {
	switch st {
	case task.StatusCompleted:
		return event.TypeTaskCompleted, true
	case task.StatusFailed:
		return event.TypeTaskFailed, true
	case task.StatusTimeout:
		return event.TypeTaskTimeout, true
	}
	return "", false
}
