package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/kbellamy/taskpilot/internal/event"
	"github.com/kbellamy/taskpilot/internal/task"
)

// Memory is an in-process Store used by tests and local development. The
// mutex plays the role of the database's conditional update: status checks
// and writes happen under one critical section.
type Memory struct {
	mu            sync.Mutex
	tasks         map[string]*task.Task
	expiries      map[string]time.Time
	notifications []Notification
	sessions      map[string]time.Time
	deadLetters   []DeadLetterRecord
	dlSeq         int64
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[string]*task.Task),
		expiries: make(map[string]time.Time),
		sessions: make(map[string]time.Time),
	}
}

func cloneTask(t *task.Task) *task.Task {
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.PublishedAt != nil {
		at := *t.PublishedAt
		c.PublishedAt = &at
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	c.Params = append(json.RawMessage(nil), t.Params...)
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &c
}

func (s *Memory) CreateTask(_ context.Context, t *task.Task, safetyRetention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = cloneTask(t)
	s.expiries[t.ID] = t.CreatedAt.Add(safetyRetention)
	return nil
}

func (s *Memory) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (s *Memory) GetSessionTask(_ context.Context, id, sessionID string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.SessionID != sessionID {
		return nil, task.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (s *Memory) ListSessionTasks(_ context.Context, sessionID string, filter task.Status) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.SessionID != sessionID {
			continue
		}
		if filter != "" && t.Status != filter {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Memory) MarkProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrTaskNotFound
	}
	if t.Status != task.StatusPending {
		return task.ErrTerminalState
	}
	t.Status = task.StatusProcessing
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) Finish(_ context.Context, id string, st task.Status, result json.RawMessage, errDetail *task.ErrorDetail, retention time.Duration) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return nil, task.ErrTerminalState
	}
	now := time.Now().UTC()
	t.Status = st
	if result != nil {
		t.Result = append(json.RawMessage(nil), result...)
	}
	if errDetail != nil {
		e := *errDetail
		t.Error = &e
	}
	t.CompletedAt = &now
	t.UpdatedAt = now
	s.expiries[id] = now.Add(retention)
	return cloneTask(t), nil
}

func (s *Memory) RecordPublish(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrTaskNotFound
	}
	now := time.Now().UTC()
	t.PublishedAt = &now
	t.PublishAttempts++
	t.UpdatedAt = now
	return nil
}

func (s *Memory) FindUnpublished(_ context.Context, cutoff time.Time, max int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status != task.StatusPending || t.PublishedAt != nil {
			continue
		}
		if !t.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (s *Memory) FindOverdue(_ context.Context, now time.Time, max int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Overdue(now) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (s *Memory) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, exp := range s.expiries {
		if exp.After(now) {
			continue
		}
		delete(s.tasks, id)
		delete(s.expiries, id)
		purged++
		kept := s.notifications[:0]
		for _, n := range s.notifications {
			if n.TaskID != id {
				kept = append(kept, n)
			}
		}
		s.notifications = kept
	}
	return purged, nil
}

func (s *Memory) AddNotification(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *Memory) DrainNotifications(_ context.Context, sessionID string) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var drained []Notification
	kept := s.notifications[:0]
	for _, n := range s.notifications {
		if n.SessionID == sessionID {
			drained = append(drained, n)
		} else {
			kept = append(kept, n)
		}
	}
	s.notifications = kept
	sort.Slice(drained, func(i, j int) bool {
		return drained[i].CreatedAt.Before(drained[j].CreatedAt)
	})
	return drained, nil
}

func (s *Memory) TouchSession(_ context.Context, sessionID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = now
	return nil
}

func (s *Memory) SessionActive(_ context.Context, sessionID string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.sessions[sessionID]
	return ok && !seen.Before(since), nil
}

func (s *Memory) ArchiveDeadLetter(_ context.Context, dl event.DeadLetter) error {
	envJSON, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlSeq++
	s.deadLetters = append(s.deadLetters, DeadLetterRecord{
		ID:        s.dlSeq,
		EventID:   dl.Event.EventID,
		EventType: dl.Event.EventType,
		Reason:    dl.Reason,
		Attempts:  dl.Attempts,
		LastError: dl.LastError,
		Envelope:  envJSON,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *Memory) ListDeadLetters(_ context.Context, limit int) ([]DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.deadLetters) {
		limit = len(s.deadLetters)
	}
	out := make([]DeadLetterRecord, 0, limit)
	for i := len(s.deadLetters) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.deadLetters[i])
	}
	return out, nil
}
