package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/agentflow/internal/priority"
	"github.com/aristath/agentflow/internal/scheduler"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("task not found")

const taskColumns = `id, type, name, priority, status, created_at, started_at, completed_at,
	retry_count, max_retries, timeout_ns, payload, result, error, metadata`

// Upsert saves or replaces a task and its dependency list in one transaction.
// Uses ON CONFLICT so repeated writes of the same id are idempotent.
func (s *SQLiteStore) Upsert(ctx context.Context, task *scheduler.Task) error {
	metadata, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if task.Metadata == nil {
		metadata = []byte("{}")
	}

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			priority = excluded.priority,
			status = excluded.status,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			timeout_ns = excluded.timeout_ns,
			payload = excluded.payload,
			result = excluded.result,
			error = excluded.error,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`,
		task.ID, task.Type, task.Name, int(task.Priority), string(task.Status),
		task.CreatedAt.UnixNano(), nullTime(task.StartedAt), nullTime(task.CompletedAt),
		task.RetryCount, task.MaxRetries, int64(task.Timeout),
		nullBytes(task.Payload), nullBytes(task.Result), task.Error, string(metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	// Replace the dependency list
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}
	for i, depID := range task.Dependencies {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id, position)
			VALUES (?, ?, ?)
			ON CONFLICT(task_id, depends_on_id) DO NOTHING
		`, task.ID, depID, i)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Get retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) Get(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if err := s.loadDependencies(ctx, []*scheduler.Task{task}); err != nil {
		return nil, err
	}
	return task, nil
}

// List returns stored tasks matching filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter scheduler.ListFilter) ([]*scheduler.Task, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryTasks(ctx, query, args...)
}

// LoadActive returns every record that still needs work: pending, executing and paused.
func (s *SQLiteStore) LoadActive(ctx context.Context) ([]*scheduler.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN (?, ?, ?)
		ORDER BY created_at, id
	`, string(scheduler.StatusPending), string(scheduler.StatusExecuting), string(scheduler.StatusPaused))
}

// PurgeOlderThan deletes terminal tasks whose completed_at is before cutoff.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	terminal := []any{
		string(scheduler.StatusCompleted),
		string(scheduler.StatusFailed),
		string(scheduler.StatusCancelled),
		cutoff.UnixNano(),
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM task_dependencies WHERE task_id IN (
			SELECT id FROM tasks
			WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
		)
	`, terminal...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dependencies: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
	`, terminal...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tasks: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	if err := s.loadDependencies(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, tasks []*scheduler.Task) error {
	for _, task := range tasks {
		rows, err := s.db.QueryContext(ctx, `
			SELECT depends_on_id
			FROM task_dependencies
			WHERE task_id = ?
			ORDER BY position
		`, task.ID)
		if err != nil {
			return fmt.Errorf("failed to query dependencies: %w", err)
		}

		for rows.Next() {
			var depID string
			if err := rows.Scan(&depID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan dependency: %w", err)
			}
			task.Dependencies = append(task.Dependencies, depID)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("error iterating dependencies: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	var (
		task                 scheduler.Task
		prio                 int
		status               string
		createdAt            int64
		startedAt, completed sql.NullInt64
		timeout              int64
		payload, result      []byte
		metadata             string
	)

	err := row.Scan(
		&task.ID, &task.Type, &task.Name, &prio, &status,
		&createdAt, &startedAt, &completed,
		&task.RetryCount, &task.MaxRetries, &timeout,
		&payload, &result, &task.Error, &metadata,
	)
	if err != nil {
		return nil, err
	}

	task.Priority = priority.Priority(prio)
	task.Status = scheduler.Status(status)
	task.CreatedAt = time.Unix(0, createdAt)
	task.StartedAt = fromNullTime(startedAt)
	task.CompletedAt = fromNullTime(completed)
	task.Timeout = time.Duration(timeout)
	if len(payload) > 0 {
		task.Payload = json.RawMessage(payload)
	}
	if len(result) > 0 {
		task.Result = json.RawMessage(result)
	}
	if metadata != "" && metadata != "{}" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &task.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", task.ID, err)
		}
	}

	return &task, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
