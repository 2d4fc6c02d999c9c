package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kbellamy/taskpilot/internal/event"
	"github.com/kbellamy/taskpilot/internal/task"
)

const taskColumns = `id, task_type, status, session_id, params, result, error,
	timeout_seconds, priority, publish_attempts, published_at,
	created_at, updated_at, completed_at`

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t         task.Task
		result    []byte
		errDetail []byte
	)
	err := row.Scan(
		&t.ID, &t.Type, &t.Status, &t.SessionID, &t.Params, &result, &errDetail,
		&t.TimeoutSeconds, &t.Priority, &t.PublishAttempts, &t.PublishedAt,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, err
	}
	if result != nil {
		t.Result = json.RawMessage(result)
	}
	if errDetail != nil {
		var ed task.ErrorDetail
		if err := json.Unmarshal(errDetail, &ed); err != nil {
			return nil, fmt.Errorf("decode task error payload: %w", err)
		}
		t.Error = &ed
	}
	return &t, nil
}

func (s *Postgres) CreateTask(ctx context.Context, t *task.Task, safetyRetention time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO taskpilot.tasks
			(id, task_type, status, session_id, params, timeout_seconds, priority,
			 created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $8 + $9)`,
		t.ID, t.Type, t.Status, t.SessionID, []byte(t.Params),
		t.TimeoutSeconds, t.Priority, t.CreatedAt, safetyRetention,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Postgres) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM taskpilot.tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *Postgres) GetSessionTask(ctx context.Context, id, sessionID string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM taskpilot.tasks
		WHERE id = $1 AND session_id = $2`, id, sessionID)
	return scanTask(row)
}

func (s *Postgres) ListSessionTasks(ctx context.Context, sessionID string, filter task.Status) ([]*task.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM taskpilot.tasks WHERE session_id = $1`
	args := []any{sessionID}
	if filter != "" {
		q += ` AND status = $2`
		args = append(args, filter)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkProcessing(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE taskpilot.tasks
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3`,
		id, task.StatusProcessing, task.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return s.classifyGuardMiss(ctx, id)
	}
	return nil
}

// Finish is the conditional-update primitive every terminal transition goes
// through. The WHERE clause on non-terminal status is what makes concurrent
// completed/timeout events resolve to exactly one terminal state.
func (s *Postgres) Finish(ctx context.Context, id string, st task.Status, result json.RawMessage, errDetail *task.ErrorDetail, retention time.Duration) (*task.Task, error) {
	if !st.Terminal() {
		return nil, fmt.Errorf("finish with non-terminal status %s", st)
	}
	var errJSON []byte
	if errDetail != nil {
		b, err := json.Marshal(errDetail)
		if err != nil {
			return nil, fmt.Errorf("encode error payload: %w", err)
		}
		errJSON = b
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE taskpilot.tasks
		SET status = $2, result = $3, error = $4,
		    completed_at = now(), updated_at = now(), expires_at = now() + $5
		WHERE id = $1 AND status IN ($6, $7)
		RETURNING `+taskColumns,
		id, st, []byte(result), errJSON, retention,
		task.StatusPending, task.StatusProcessing,
	)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			return nil, s.classifyGuardMiss(ctx, id)
		}
		return nil, err
	}
	return t, nil
}

// classifyGuardMiss distinguishes "no such task" from "guard refused the
// write because the task is already terminal".
func (s *Postgres) classifyGuardMiss(ctx context.Context, id string) error {
	var status task.Status
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM taskpilot.tasks WHERE id = $1`, id,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	if status.Terminal() {
		return task.ErrTerminalState
	}
	// Non-terminal but the guarded update missed: a concurrent writer got
	// there first. Treat as terminal-equivalent; the caller re-reads if it
	// cares.
	return task.ErrTerminalState
}

func (s *Postgres) RecordPublish(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE taskpilot.tasks
		SET published_at = now(), publish_attempts = publish_attempts + 1, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record publish: %w", err)
	}
	return nil
}

func (s *Postgres) FindUnpublished(ctx context.Context, cutoff time.Time, max int) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM taskpilot.tasks
		WHERE status = $1 AND published_at IS NULL AND created_at < $2
		ORDER BY created_at
		LIMIT $3`,
		task.StatusPending, cutoff, max,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) FindOverdue(ctx context.Context, now time.Time, max int) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM taskpilot.tasks
		WHERE status IN ($1, $2)
		  AND created_at + make_interval(secs => timeout_seconds) < $3
		ORDER BY created_at
		LIMIT $4`,
		task.StatusPending, task.StatusProcessing, now, max,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM taskpilot.pending_notifications pn
		USING taskpilot.tasks t
		WHERE pn.task_id = t.id AND t.expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge notification markers: %w", err)
	}
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM taskpilot.tasks WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (s *Postgres) AddNotification(ctx context.Context, n Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO taskpilot.pending_notifications (session_id, task_id, status, created_at)
		VALUES ($1, $2, $3, $4)`,
		n.SessionID, n.TaskID, n.Status, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification marker: %w", err)
	}
	return nil
}

func (s *Postgres) DrainNotifications(ctx context.Context, sessionID string) ([]Notification, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM taskpilot.pending_notifications
		WHERE session_id = $1
		RETURNING session_id, task_id, status, created_at`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.SessionID, &n.TaskID, &n.Status, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Postgres) TouchSession(ctx context.Context, sessionID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO taskpilot.sessions (session_id, last_seen)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET last_seen = EXCLUDED.last_seen`,
		sessionID, now,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *Postgres) SessionActive(ctx context.Context, sessionID string, since time.Time) (bool, error) {
	var active bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM taskpilot.sessions
			WHERE session_id = $1 AND last_seen >= $2)`,
		sessionID, since,
	).Scan(&active)
	if err != nil {
		return false, err
	}
	return active, nil
}

func (s *Postgres) ArchiveDeadLetter(ctx context.Context, dl event.DeadLetter) error {
	envJSON, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO taskpilot.dead_letters (event_id, event_type, reason, attempts, last_error, envelope)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		dl.Event.EventID, dl.Event.EventType, dl.Reason, dl.Attempts, dl.LastError, envJSON,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *Postgres) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, event_type, reason, attempts, COALESCE(last_error, ''), envelope, created_at
		FROM taskpilot.dead_letters
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetterRecord
	for rows.Next() {
		var r DeadLetterRecord
		if err := rows.Scan(&r.ID, &r.EventID, &r.EventType, &r.Reason, &r.Attempts, &r.LastError, &r.Envelope, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
