// Package gateway is the synchronous edge of the orchestrator: task
// submission, result retrieval and notification draining. It validates,
// persists and publishes; it never waits for completion.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
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

// SubmitRequest is a task submission envelope. The session comes from the
// authenticated caller, not the body.
type SubmitRequest struct {
	TaskType       string          `json:"task_type" validate:"required"`
	Params         json.RawMessage `json:"params" validate:"required"`
	TimeoutSeconds int             `json:"timeout_seconds" validate:"gte=0"`
	Priority       int             `json:"priority" validate:"gte=0,lte=9"`
}

// SubmitResponse acknowledges an accepted task.
type SubmitResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

// Service implements submission, retrieval and notification draining on
// top of the task store and the stream transport.
type Service struct {
	store    store.Store
	pub      transport.Publisher
	streams  event.Streams
	cfg      config.Tasks
	activity time.Duration
	validate *validator.Validate
	logger   *logging.Logger
}

func NewService(st store.Store, pub transport.Publisher, cfg config.Tasks, activityWindow time.Duration, logger *logging.Logger) *Service {
	return &Service{
		store:    st,
		pub:      pub,
		streams:  event.Streams{Namespace: cfg.Namespace},
		cfg:      cfg,
		activity: activityWindow,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Submit validates the request, persists a PENDING task under the session's
// index and publishes the creation event. It returns the task id
// immediately; a failed publish is compensated by the republish sweep, so
// the caller still gets an acknowledgment.
func (s *Service) Submit(ctx context.Context, sessionID string, req SubmitRequest) (SubmitResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "gateway.Submit",
		attribute.String("task_type", req.TaskType),
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	if sessionID == "" {
		return SubmitResponse{}, &task.ValidationError{Field: "session_id", Message: "session is required"}
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return SubmitResponse{}, &task.ValidationError{
				Field:   verrs[0].Field(),
				Message: fmt.Sprintf("failed %q constraint", verrs[0].Tag()),
			}
		}
		return SubmitResponse{}, &task.ValidationError{Message: err.Error()}
	}
	if err := validateParams(req.TaskType, req.Params); err != nil {
		return SubmitResponse{}, err
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if timeout > s.cfg.MaxTimeout {
		return SubmitResponse{}, &task.ValidationError{
			Field:   "timeout_seconds",
			Message: fmt.Sprintf("exceeds maximum of %d", int(s.cfg.MaxTimeout.Seconds())),
		}
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:             task.NewID(),
		Type:           req.TaskType,
		Status:         task.StatusPending,
		SessionID:      sessionID,
		Params:         req.Params,
		TimeoutSeconds: int(timeout.Seconds()),
		Priority:       req.Priority,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	span.SetAttributes(attribute.String("task_id", t.ID))

	tracing.AddSpanEvent(ctx, "store.create_task")
	if err := s.store.CreateTask(ctx, t, s.cfg.SafetyRetention); err != nil {
		tracing.SetSpanError(ctx, err)
		return SubmitResponse{}, fmt.Errorf("create task: %w", err)
	}
	// Submission counts as an interaction for the connection registry.
	if err := s.store.TouchSession(ctx, sessionID, now); err != nil {
		s.logger.WithContext(ctx).WithSession(sessionID).WithError(err).Warn("touch session failed")
	}

	s.publishCreate(ctx, t)

	metrics.RecordSubmitted(t.Type)
	s.logger.WithContext(ctx).WithTask(t.ID).WithSession(sessionID).
		WithField("task_type", t.Type).Info("task submitted")
	return SubmitResponse{TaskID: t.ID, Status: t.Status}, nil
}

// publishCreate hands the creation event to the broker. Failure is logged,
// never surfaced: the task is already durable and the republish sweep picks
// it up after the grace period.
func (s *Service) publishCreate(ctx context.Context, t *task.Task) {
	env, err := event.New(event.TypeTaskCreate, event.CreateData{
		TaskID:    t.ID,
		TaskType:  t.Type,
		Params:    t.Params,
		SessionID: t.SessionID,
		Timeout:   t.TimeoutSeconds,
		Priority:  t.Priority,
		CreatedBy: "gateway",
	})
	if err != nil {
		s.logger.WithContext(ctx).WithTask(t.ID).WithError(err).Error("build creation event")
		return
	}
	env.TraceHeaders = tracing.PropagateTraceToStream(ctx)

	tracing.AddSpanEvent(ctx, "stream.publish_create")
	if err := s.pub.Publish(s.streams.Create(), env); err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordRetry("publish")
		s.logger.WithContext(ctx).WithTask(t.ID).WithStream(s.streams.Create()).
			WithError(err).Warn("creation event publish failed, republish sweep will retry")
		return
	}
	if err := s.store.RecordPublish(ctx, t.ID); err != nil {
		s.logger.WithContext(ctx).WithTask(t.ID).WithError(err).Warn("record publish failed")
	}
}

// GetResult returns the caller-facing view of a task. A task outside the
// session's index is an authorization failure, indistinguishable from a
// missing task.
func (s *Service) GetResult(ctx context.Context, taskID, sessionID string) (task.View, error) {
	t, err := s.store.GetSessionTask(ctx, taskID, sessionID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			return task.View{}, &task.AuthorizationError{TaskID: taskID, SessionID: sessionID}
		}
		return task.View{}, fmt.Errorf("get task: %w", err)
	}
	return task.ViewOf(t, time.Now().UTC()), nil
}

// ListTasks enumerates the session's task index, newest first, optionally
// filtered by status.
func (s *Service) ListTasks(ctx context.Context, sessionID string, filter task.Status) ([]task.View, error) {
	if filter != "" && !filter.Valid() {
		return nil, &task.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", filter)}
	}
	tasks, err := s.store.ListSessionTasks(ctx, sessionID, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	now := time.Now().UTC()
	views := make([]task.View, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, task.ViewOf(t, now))
	}
	return views, nil
}

// DrainNotifications returns and clears the session's deferred markers and
// refreshes its connection-registry entry; the front end calls this on
// every interaction.
func (s *Service) DrainNotifications(ctx context.Context, sessionID string) ([]store.Notification, error) {
	now := time.Now().UTC()
	if err := s.store.TouchSession(ctx, sessionID, now); err != nil {
		s.logger.WithContext(ctx).WithSession(sessionID).WithError(err).Warn("touch session failed")
	}
	ns, err := s.store.DrainNotifications(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("drain notifications: %w", err)
	}
	return ns, nil
}

// Heartbeat marks the session live in the connection registry.
func (s *Service) Heartbeat(ctx context.Context, sessionID string) error {
	if err := s.store.TouchSession(ctx, sessionID, time.Now().UTC()); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// ListDeadLetters exposes the dead-letter archive for operator review.
func (s *Service) ListDeadLetters(ctx context.Context, limit int) ([]store.DeadLetterRecord, error) {
	return s.store.ListDeadLetters(ctx, limit)
}
