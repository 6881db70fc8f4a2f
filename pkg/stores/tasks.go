package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fourclicks/deployd/pkg/engine"
)

// CreateTask inserts the task with its IP and host-group targets in one
// transaction and assigns task.ID.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *engine.Task) error {
	if task.Status == "" {
		task.Status = engine.TaskStatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	params := task.Parameters
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return engine.NewPermanentError("task parameters are not serializable", err).WithCode(engine.ErrCodeValidation)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO tasks (name, template_id, credential_id, parameters, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id
		`
		err := tx.QueryRowContext(ctx, query,
			task.Name,
			task.TemplateID,
			task.CredentialID,
			string(paramsJSON),
			task.Status,
			task.CreatedAt,
		).Scan(&task.ID)
		if err != nil {
			return mapWriteError("task", err)
		}

		for i, id := range task.IPAddressIDs {
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO task_ip_targets (task_id, ip_address_id, position) VALUES (?, ?, ?)`,
				task.ID, id, i)
			if err != nil {
				return mapWriteError("task target", err)
			}
		}
		for i, id := range task.HostGroupIDs {
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO task_group_targets (task_id, host_group_id, position) VALUES (?, ?, ?)`,
				task.ID, id, i)
			if err != nil {
				return mapWriteError("task target", err)
			}
		}
		return nil
	})
}

// SetTaskStatus moves a task to status. The update only applies when the
// current status is an allowed predecessor, so terminal tasks never change.
func (s *SQLiteStore) SetTaskStatus(ctx context.Context, id int64, status engine.TaskStatus, result *engine.TaskResult) error {
	if err := status.Validate(); err != nil {
		return engine.NewPermanentError("invalid status", err).WithCode(engine.ErrCodeValidation)
	}
	from := engine.PredecessorsOf(status)
	if len(from) == 0 {
		return engine.NewConflictError(fmt.Sprintf("no task can move to %s", status), nil).
			WithCode(engine.ErrCodeInvalidTransition)
	}

	now := time.Now().UTC()
	sets := []string{"status = ?"}
	args := []any{status}
	switch {
	case status == engine.TaskStatusRunning:
		sets = append(sets, "started_at = ?")
		args = append(args, now)
	case status.IsTerminal():
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	if result != nil {
		if result.Log != "" {
			sets = append(sets, "log = ?")
			args = append(args, result.Log)
		}
		if result.ExitCode != nil {
			sets = append(sets, "exit_code = ?")
			args = append(args, *result.ExitCode)
		}
	}

	placeholders := make([]string, len(from))
	args = append(args, id)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, st)
	}

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ? AND status IN (%s)`,
		strings.Join(sets, ", "), strings.Join(placeholders, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapWriteError("task", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	current, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return engine.NewConflictError(fmt.Sprintf("task cannot move from %s to %s", current.Status, status), nil).
		WithCode(engine.ErrCodeInvalidTransition).
		WithResource(fmt.Sprintf("task/%d", id))
}

const taskColumns = `id, name, template_id, credential_id, parameters, status, log, exit_code, created_at, started_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*engine.Task, error) {
	t := &engine.Task{}
	var (
		credID      sql.NullInt64
		params      string
		log         sql.NullString
		exitCode    sql.NullInt64
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Name, &t.TemplateID, &credID, &params, &t.Status, &log, &exitCode,
		&t.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if credID.Valid {
		t.CredentialID = &credID.Int64
	}
	if err := json.Unmarshal([]byte(params), &t.Parameters); err != nil {
		return nil, fmt.Errorf("failed to decode parameters of task %d: %w", t.ID, err)
	}
	t.Log = log.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		t.ExitCode = &code
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

// GetTask retrieves a task with its targets
func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*engine.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	t.IPAddressIDs, err = s.queryIDs(ctx,
		`SELECT ip_address_id FROM task_ip_targets WHERE task_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task targets: %w", err)
	}
	t.HostGroupIDs, err = s.queryIDs(ctx,
		`SELECT host_group_id FROM task_group_targets WHERE task_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task targets: %w", err)
	}
	return t, nil
}

// ListTasks lists tasks with pagination, newest first
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*engine.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*engine.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
