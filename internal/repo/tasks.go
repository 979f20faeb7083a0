package repo

import (
	"context"
	"database/sql"
	"fmt"

	"taskline/internal/domain"
)

const taskColumns = `t.id, t.project_id, t.title, t.status, t.task_status_id, t.engine_blocked, t.created_by_id, t.completed_at, t.updated_at,
  s.id, s.name, s.color, s.is_default, s.is_final, s.is_blocking, s.order_index, s.is_active`

const taskFrom = ` FROM tasks t LEFT JOIN task_statuses s ON s.id=t.task_status_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t           domain.Task
		projectID   sql.NullInt64
		statusRef   sql.NullInt64
		completedAt sql.NullString
		sID         sql.NullInt64
		sName       sql.NullString
		sColor      sql.NullString
		sDefault    sql.NullBool
		sFinal      sql.NullBool
		sBlocking   sql.NullBool
		sOrder      sql.NullInt64
		sActive     sql.NullBool
	)
	err := row.Scan(&t.ID, &projectID, &t.Title, &t.Status, &statusRef, &t.EngineBlocked, &t.CreatedByID, &completedAt, &t.UpdatedAt,
		&sID, &sName, &sColor, &sDefault, &sFinal, &sBlocking, &sOrder, &sActive)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ProjectID = int64Ptr(projectID)
	t.TaskStatusID = int64Ptr(statusRef)
	if completedAt.Valid {
		v := completedAt.String
		t.CompletedAt = &v
	}
	if sID.Valid {
		t.TaskStatus = &domain.TaskStatus{
			ID:         sID.Int64,
			Name:       sName.String,
			Color:      sColor.String,
			IsDefault:  sDefault.Bool,
			IsFinal:    sFinal.Bool,
			IsBlocking: sBlocking.Bool,
			OrderIndex: int(sOrder.Int64),
			IsActive:   sActive.Bool,
		}
	}
	return t, nil
}

// InsertTask stores a task and its assignees, returning the new id.
func (r Repo) InsertTask(ctx context.Context, t domain.Task) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	id, err := r.InsertTaskTx(ctx, tx, t)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	status := t.Status
	if status == "" {
		status = domain.StatusPending
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(project_id, title, status, task_status_id, engine_blocked, created_by_id, completed_at, updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		nullableInt64Ptr(t.ProjectID), t.Title, status, nullableInt64Ptr(t.TaskStatusID), boolInt(t.EngineBlocked), t.CreatedByID, nullableStringPtr(t.CompletedAt), t.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, fmt.Errorf("task status: %w", ErrNotFound)
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, uid := range t.AssigneeIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_assignees(task_id, user_id) VALUES (?,?)`, id, uid); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q querier, id int64) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+taskFrom+` WHERE t.id=?`, id))
	if err != nil {
		return t, err
	}
	rows, err := q.QueryContext(ctx, `SELECT user_id FROM task_assignees WHERE task_id=? ORDER BY user_id`, id)
	if err != nil {
		return t, err
	}
	t.AssigneeIDs, err = scanInt64s(rows)
	return t, err
}

// TaskExistsTx reports whether a task row exists.
func (r Repo) TaskExistsTx(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// WriteTaskState is the only place the legacy status string, the dynamic status
// reference and the engine flag are written together.
func (r Repo) WriteTaskState(ctx context.Context, tx *sql.Tx, taskID int64, state domain.TaskState, now string) error {
	status, statusID, engineBlocked := state.Columns()
	var completedAt any
	if state.Kind == domain.StateCustom {
		final, err := r.stateIsFinal(ctx, tx, status, statusID)
		if err != nil {
			return err
		}
		if final {
			completedAt = now
		}
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, task_status_id=?, engine_blocked=?, completed_at=?, updated_at=? WHERE id=?`,
		status, nullableInt64Ptr(statusID), boolInt(engineBlocked), completedAt, now, taskID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("task status: %w", ErrNotFound)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) stateIsFinal(ctx context.Context, tx *sql.Tx, status string, statusID *int64) (bool, error) {
	if statusID == nil {
		return status == domain.StatusCompleted, nil
	}
	st, err := getTaskStatus(ctx, tx, *statusID)
	if err != nil {
		return false, err
	}
	return st.IsFinal, nil
}

// DeleteTaskTx removes a task; its edges and assignees cascade.
func (r Repo) DeleteTaskTx(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveBlockingStatus picks the active blocking status with the lowest
// order_index, then lowest id. It returns nil when none is configured.
func (r Repo) ActiveBlockingStatus(ctx context.Context, tx *sql.Tx) (*domain.TaskStatus, error) {
	st, err := scanTaskStatus(tx.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM task_statuses
WHERE is_active=1 AND is_blocking=1 ORDER BY order_index ASC, id ASC LIMIT 1`))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

const statusColumns = `id, name, color, is_default, is_final, is_blocking, order_index, is_active`

func scanTaskStatus(row rowScanner) (domain.TaskStatus, error) {
	var st domain.TaskStatus
	err := row.Scan(&st.ID, &st.Name, &st.Color, &st.IsDefault, &st.IsFinal, &st.IsBlocking, &st.OrderIndex, &st.IsActive)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	return st, err
}

func (r Repo) GetTaskStatus(ctx context.Context, id int64) (domain.TaskStatus, error) {
	return getTaskStatus(ctx, r.DB, id)
}

func getTaskStatus(ctx context.Context, q querier, id int64) (domain.TaskStatus, error) {
	return scanTaskStatus(q.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM task_statuses WHERE id=?`, id))
}

func (r Repo) GetTaskStatusByName(ctx context.Context, name string) (domain.TaskStatus, error) {
	return scanTaskStatus(r.DB.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM task_statuses WHERE lower(name)=lower(?)`, name))
}

func (r Repo) ListTaskStatuses(ctx context.Context, includeInactive bool) ([]domain.TaskStatus, error) {
	query := `SELECT ` + statusColumns + ` FROM task_statuses`
	if !includeInactive {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY order_index ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskStatus
	for rows.Next() {
		st, err := scanTaskStatus(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// SetTaskStatusActive toggles whether a status can be picked.
func (r Repo) SetTaskStatusActive(ctx context.Context, id int64, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE task_statuses SET is_active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEngineBlocked returns ids of tasks whose blocking state was set by the engine.
func (r Repo) ListEngineBlocked(ctx context.Context) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE engine_blocked=1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanInt64s(rows)
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
