package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/chrislombaard/letterd/internal/domain"
	"github.com/chrislombaard/letterd/internal/store"
)

const taskColumns = `id, type, payload, status, attempts, run_at, last_error, created_at, updated_at`

const staleRecoveredMsg = "stale processing task recovered"

func scanTask(row scanner) (domain.Task, error) {
	var (
		t       domain.Task
		payload []byte
		lastErr sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Type, &payload, &t.Status, &t.Attempts, &t.RunAt, &lastErr, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	t.Payload = payload
	if lastErr.Valid {
		msg := lastErr.String
		t.LastError = &msg
	}
	t.RunAt = t.RunAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func normalizeTask(t domain.Task) domain.Task {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = store.NewID("tsk")
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	if len(t.Payload) == 0 {
		t.Payload = []byte("null")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.RunAt.IsZero() {
		t.RunAt = t.CreatedAt
	}
	t.RunAt = t.RunAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t
}

func (s *Store) insertTask(ctx context.Context, q querier, t domain.Task) (domain.Task, error) {
	t = normalizeTask(t)
	_, err := q.ExecContext(ctx, s.q(`
INSERT INTO tasks (id, type, payload, status, attempts, run_at, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.Type, string(t.Payload), string(t.Status), t.Attempts, t.RunAt, t.LastError, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return domain.Task{}, s.wrap("create task", err)
	}
	return t, nil
}

func (s *Store) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	return s.insertTask(ctx, s.db, t)
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id))
	if err != nil {
		return domain.Task{}, s.wrap("get task", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, f store.TaskFilter) ([]domain.Task, error) {
	limit := store.ClampLimit(f.Limit)
	if f.Status != "" {
		return s.listTasks(ctx, "list tasks", `
SELECT `+taskColumns+` FROM tasks WHERE status = ?
ORDER BY created_at DESC, id DESC LIMIT ?`, string(f.Status), limit)
	}
	return s.listTasks(ctx, "list tasks", `
SELECT `+taskColumns+` FROM tasks
ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (s *Store) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	return s.listTasks(ctx, "list due tasks", `
SELECT `+taskColumns+` FROM tasks
WHERE status = 'pending' AND run_at <= ?
ORDER BY run_at ASC, created_at ASC LIMIT ?`, now.UTC(), limit)
}

func (s *Store) listTasks(ctx context.Context, op, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.wrap(op, err)
	}
	defer rows.Close()

	tasks := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, s.wrap(op, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, s.wrap(op, rows.Err())
}

// ClaimTask moves a due pending task to processing. A task that is not
// pending, or whose run_at is still in the future, is a conflict.
func (s *Store) ClaimTask(ctx context.Context, id string, now time.Time) (domain.Task, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE tasks SET status = 'processing', attempts = attempts + 1, updated_at = ?
WHERE id = ? AND status = 'pending' AND run_at <= ?`), now, id, now)
	if err != nil {
		return domain.Task{}, s.wrap("claim task", err)
	}
	if err := s.affected(ctx, s.db, "claim task", res, `SELECT 1 FROM tasks WHERE id = ?`, id); err != nil {
		return domain.Task{}, err
	}
	return s.GetTask(ctx, id)
}

func (s *Store) CompleteTask(ctx context.Context, id string, now time.Time) error {
	return s.finishTask(ctx, "complete task", id, domain.TaskDone, nil, "", now)
}

func (s *Store) RetryTask(ctx context.Context, id string, runAt time.Time, errMsg string, now time.Time) error {
	return s.finishTask(ctx, "retry task", id, domain.TaskPending, &runAt, errMsg, now)
}

func (s *Store) FailTask(ctx context.Context, id string, errMsg string, now time.Time) error {
	return s.finishTask(ctx, "fail task", id, domain.TaskFailed, nil, errMsg, now)
}

// finishTask moves a processing task to its next status and appends the
// attempt log row in one transaction.
func (s *Store) finishTask(ctx context.Context, op, id string, status domain.TaskStatus, runAt *time.Time, errMsg string, now time.Time) error {
	now = now.UTC()
	success := status == domain.TaskDone
	var lastErr *string
	if !success {
		lastErr = &errMsg
	}

	return s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var (
			res sql.Result
			err error
		)
		if runAt != nil {
			res, err = tx.ExecContext(ctx, s.q(`
UPDATE tasks SET status = ?, run_at = ?, last_error = ?, updated_at = ?
WHERE id = ? AND status = 'processing'`), string(status), runAt.UTC(), lastErr, now, id)
		} else {
			res, err = tx.ExecContext(ctx, s.q(`
UPDATE tasks SET status = ?, last_error = ?, updated_at = ?
WHERE id = ? AND status = 'processing'`), string(status), lastErr, now, id)
		}
		if err != nil {
			return s.wrap(op, err)
		}
		if err := s.affected(ctx, tx, op, res, `SELECT 1 FROM tasks WHERE id = ?`, id); err != nil {
			return err
		}

		var attempts int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT attempts FROM tasks WHERE id = ?`), id).Scan(&attempts); err != nil {
			return s.wrap(op, err)
		}
		_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO task_attempts (task_id, attempt, success, error, finished_at)
VALUES (?, ?, ?, ?, ?)`), id, attempts, success, errMsg, now)
		return s.wrap(op, err)
	})
}

func (s *Store) RecoverStale(ctx context.Context, cutoff time.Time, maxAttempts int, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE tasks
SET status = CASE WHEN attempts >= ? THEN 'failed' ELSE 'pending' END,
    run_at = ?, last_error = ?, updated_at = ?
WHERE status = 'processing' AND updated_at < ?`),
		maxAttempts, now.UTC(), staleRecoveredMsg, now.UTC(), cutoff.UTC())
	if err != nil {
		return 0, s.wrap("recover stale tasks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.wrap("recover stale tasks", err)
	}
	return int(n), nil
}

func (s *Store) CountTasks(ctx context.Context) (map[domain.TaskStatus]int, error) {
	counts := make(map[domain.TaskStatus]int)
	err := s.countBy(ctx, "count tasks", `SELECT status, COUNT(*) FROM tasks GROUP BY status`, func(status string, n int) {
		counts[domain.TaskStatus(status)] = n
	})
	return counts, err
}

func (s *Store) ListAttempts(ctx context.Context, taskID string) ([]domain.TaskAttempt, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT task_id, attempt, success, error, finished_at FROM task_attempts
WHERE task_id = ? ORDER BY attempt ASC, id ASC`), taskID)
	if err != nil {
		return nil, s.wrap("list attempts", err)
	}
	defer rows.Close()

	out := make([]domain.TaskAttempt, 0)
	for rows.Next() {
		var (
			a      domain.TaskAttempt
			errMsg sql.NullString
		)
		if err := rows.Scan(&a.TaskID, &a.Attempt, &a.Success, &errMsg, &a.FinishedAt); err != nil {
			return nil, s.wrap("list attempts", err)
		}
		a.Error = errMsg.String
		a.FinishedAt = a.FinishedAt.UTC()
		out = append(out, a)
	}
	return out, s.wrap("list attempts", rows.Err())
}

// countBy runs a two-column GROUP BY query.
func (s *Store) countBy(ctx context.Context, op, query string, fn func(key string, n int)) error {
	rows, err := s.db.QueryContext(ctx, s.q(query))
	if err != nil {
		return s.wrap(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return s.wrap(op, err)
		}
		fn(key, n)
	}
	return s.wrap(op, rows.Err())
}
