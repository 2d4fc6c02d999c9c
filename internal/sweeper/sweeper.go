// Package sweeper runs the periodic maintenance passes: timeout detection
// for overdue tasks, republish of creation events that never reached the
// broker, and retention purge of expired rows.
package sweeper

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kbellamy/taskpilot/internal/config"
	"github.com/kbellamy/taskpilot/internal/event"
	"github.com/kbellamy/taskpilot/internal/logging"
	"github.com/kbellamy/taskpilot/internal/metrics"
	"github.com/kbellamy/taskpilot/internal/store"
	"github.com/kbellamy/taskpilot/internal/task"
	"github.com/kbellamy/taskpilot/internal/tracing"
	"github.com/kbellamy/taskpilot/internal/transport"
)

// Notifier dispatches a notification for a finalized task.
type Notifier interface {
	Notify(ctx context.Context, t *task.Task)
}

// batchLimit caps the rows examined per pass so a backlog cannot turn one
// sweep into a full table scan.
const batchLimit = 500

// Sweeper owns the maintenance ticker. It only ever publishes events and
// applies guarded store writes, so running one per orchestrator instance is
// safe: whichever write lands first wins and the rest discard.
type Sweeper struct {
	store   store.Store
	pub     transport.Publisher
	notify  Notifier
	streams event.Streams
	cfg     config.Tasks
	logger  *logging.Logger
}

func New(st store.Store, pub transport.Publisher, notify Notifier, streams event.Streams, cfg config.Tasks, logger *logging.Logger) *Sweeper {
	return &Sweeper{
		store:   st,
		pub:     pub,
		notify:  notify,
		streams: streams,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run ticks until the context is canceled. One pass runs immediately so a
// restart doesn't wait a full interval to notice overdue tasks.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs all three passes once.
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "sweeper.sweep")
	defer span.End()

	start := time.Now()
	now := start.UTC()
	s.sweepOverdue(ctx, now)
	s.sweepUnpublished(ctx, now)
	s.purge(ctx, now)
	metrics.SweepDurationSeconds.Observe(time.Since(start).Seconds())
}

// sweepOverdue publishes a synthetic timeout event for each task past its
// deadline. The event rides the normal completion pipeline, so the store
// guard (not the sweeper) decides the race against a late completion and
// notification happens exactly once, in one place.
func (s *Sweeper) sweepOverdue(ctx context.Context, now time.Time) {
	overdue, err := s.store.FindOverdue(ctx, now, batchLimit)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("overdue scan failed")
		return
	}
	metrics.OverdueTasks.Set(float64(len(overdue)))

	for _, t := range overdue {
		env, err := event.New(event.TypeTaskTimeout, event.TimeoutData{
			TaskID:    t.ID,
			Status:    "timeout",
			Message:   "task exceeded its timeout",
			ElapsedMS: now.Sub(t.CreatedAt).Milliseconds(),
		})
		if err != nil {
			s.logger.WithContext(ctx).WithTask(t.ID).WithError(err).Error("build timeout event")
			continue
		}
		env.TraceHeaders = tracing.PropagateTraceToStream(ctx)
		if err := s.pub.Publish(s.streams.Timeout(), env); err != nil {
			// Next sweep finds the task again; nothing to compensate here.
			s.logger.WithContext(ctx).WithTask(t.ID).WithStream(s.streams.Timeout()).
				WithError(err).Warn("timeout event publish failed")
			continue
		}
		tracing.AddSpanEvent(ctx, "timeout.published", attribute.String("task_id", t.ID))
		s.logger.WithContext(ctx).WithTask(t.ID).WithSession(t.SessionID).WithFields(map[string]any{
			"timeout_seconds": t.TimeoutSeconds,
			"elapsed_ms":      now.Sub(t.CreatedAt).Milliseconds(),
		}).Info("overdue task flagged")
	}
}

// sweepUnpublished is the compensating path for the create-then-publish
// ordering: a PENDING task whose creation event never reached the broker
// gets the event republished, up to the attempt bound, after which the
// task fails with PUBLISH_EXHAUSTED.
func (s *Sweeper) sweepUnpublished(ctx context.Context, now time.Time) {
	stuck, err := s.store.FindUnpublished(ctx, now.Add(-s.cfg.PublishGrace), batchLimit)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("unpublished scan failed")
		return
	}

	for _, t := range stuck {
		if t.PublishAttempts >= s.cfg.MaxPublishAttempts {
			s.failPublishExhausted(ctx, t)
			continue
		}

		env, err := event.New(event.TypeTaskCreate, event.CreateData{
			TaskID:    t.ID,
			TaskType:  t.Type,
			Params:    t.Params,
			SessionID: t.SessionID,
			Timeout:   t.TimeoutSeconds,
			Priority:  t.Priority,
			CreatedBy: "sweeper",
		})
		if err != nil {
			s.logger.WithContext(ctx).WithTask(t.ID).WithError(err).Error("build creation event")
			continue
		}
		env.TraceHeaders = tracing.PropagateTraceToStream(ctx)
		if err := s.pub.Publish(s.streams.Create(), env); err != nil {
			s.logger.WithContext(ctx).WithTask(t.ID).WithStream(s.streams.Create()).
				WithError(err).Warn("creation event republish failed")
			continue
		}
		if err := s.store.RecordPublish(ctx, t.ID); err != nil {
			s.logger.WithContext(ctx).WithTask(t.ID).WithError(err).Error("record republish failed")
		}
		metrics.RepublishTotal.Inc()
		s.logger.WithContext(ctx).WithTask(t.ID).
			WithField("publish_attempts", t.PublishAttempts+1).Info("creation event republished")
	}
}

func (s *Sweeper) failPublishExhausted(ctx context.Context, t *task.Task) {
	updated, err := s.store.Finish(ctx, t.ID, task.StatusFailed, nil, &task.ErrorDetail{
		Code:    task.CodePublishExhausted,
		Message: "creation event could not be delivered to the broker",
	}, s.cfg.Retention)
	if err != nil {
		s.logger.WithContext(ctx).WithTask(t.ID).WithError(err).Error("mark publish-exhausted failed")
		return
	}
	if updated.CompletedAt != nil {
		metrics.RecordFinished(string(updated.Status), updated.Type, updated.CompletedAt.Sub(updated.CreatedAt))
	}
	s.logger.WithContext(ctx).WithTask(t.ID).WithSession(t.SessionID).
		WithField("publish_attempts", t.PublishAttempts).Warn("task failed, publish attempts exhausted")
	s.notify.Notify(ctx, updated)
}

func (s *Sweeper) purge(ctx context.Context, now time.Time) {
	n, err := s.store.PurgeExpired(ctx, now)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("retention purge failed")
		return
	}
	if n > 0 {
		s.logger.WithContext(ctx).WithField("purged", n).Info("expired tasks purged")
	}
}
