package repo

import (
	"context"
	"database/sql"

	"taskline/internal/domain"
)

// AddEdge records that taskID depends on dependsOnID.
func (r Repo) AddEdge(ctx context.Context, tx *sql.Tx, taskID, dependsOnID int64, now string) error {
	if taskID == dependsOnID {
		return ErrSelfDependency
	}
	for _, id := range []int64{taskID, dependsOnID} {
		ok, err := r.TaskExistsTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO task_dependencies(task_id, depends_on_task_id, created_at) VALUES (?,?,?)`, taskID, dependsOnID, now)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return ErrDuplicateEdge
	case isForeignKeyViolation(err):
		return ErrNotFound
	case isCheckViolation(err):
		return ErrSelfDependency
	}
	return err
}

func (r Repo) RemoveEdge(ctx context.Context, tx *sql.Tx, taskID, dependsOnID int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id=? AND depends_on_task_id=?`, taskID, dependsOnID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) HasEdge(ctx context.Context, q querier, taskID, dependsOnID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM task_dependencies WHERE task_id=? AND depends_on_task_id=?`, taskID, dependsOnID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListOutgoing returns the tasks taskID depends on.
func (r Repo) ListOutgoing(ctx context.Context, q querier, taskID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_task_id FROM task_dependencies WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	return scanInt64s(rows)
}

// ListIncoming returns the dependents of taskID.
func (r Repo) ListIncoming(ctx context.Context, q querier, taskID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT task_id FROM task_dependencies WHERE depends_on_task_id=? ORDER BY task_id`, taskID)
	if err != nil {
		return nil, err
	}
	return scanInt64s(rows)
}

// UnresolvedDependencies lists the dependencies of taskID that are neither in a
// final dynamic status nor legacy "completed".
// q may be r.DB or an open transaction.
func (r Repo) UnresolvedDependencies(ctx context.Context, q querier, taskID int64) ([]domain.BlockingDependency, error) {
	rows, err := q.QueryContext(ctx, `
SELECT d.id, d.title, COALESCE(s.name, d.status)
FROM task_dependencies td
JOIN tasks d ON d.id=td.depends_on_task_id
LEFT JOIN task_statuses s ON s.id=d.task_status_id
WHERE td.task_id=?
  AND NOT (CASE WHEN s.id IS NOT NULL THEN s.is_final=1 ELSE d.status='completed' END)
ORDER BY d.id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BlockingDependency
	for rows.Next() {
		var b domain.BlockingDependency
		if err := rows.Scan(&b.ID, &b.Title, &b.Status); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) HasUnresolvedDependencies(ctx context.Context, tx *sql.Tx, taskID int64) (bool, error) {
	deps, err := r.UnresolvedDependencies(ctx, tx, taskID)
	if err != nil {
		return false, err
	}
	return len(deps) > 0, nil
}
