package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"planline/internal/domain"
)

const taskCols = `id,project_id,title,type,description,status,work_items_json,plan_version,rev,created_at,updated_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	items, err := json.Marshal(t.WorkItems)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,project_id,title,type,description,status,work_items_json,plan_version,rev,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,1,?,?)`,
		t.ID, t.ProjectID, t.Title, t.Type, nullable(t.Description), t.Status, string(items), t.PlanVersion, t.CreatedAt, t.UpdatedAt)
	return err
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var desc sql.NullString
	var items string
	err := scan(&t.ID, &t.ProjectID, &t.Title, &t.Type, &desc, &t.Status, &items, &t.PlanVersion, &t.Rev, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if desc.Valid {
		t.Description = desc.String
	}
	_ = json.Unmarshal([]byte(items), &t.WorkItems)
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, tx, id)
	return t, err
}

type TaskFilters struct {
	ProjectID string
	Status    string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + buildWhere(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTaskStatus moves a task under rev CAS and bumps plan_version when
// planVersion is positive.
func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, id, status string, planVersion int, updatedAt string, expectedRev int64) (int64, error) {
	query := `UPDATE tasks SET status=?, updated_at=?, rev=rev+1 WHERE id=? AND rev=?`
	args := []any{status, updatedAt, id, expectedRev}
	if planVersion > 0 {
		query = `UPDATE tasks SET status=?, plan_version=?, updated_at=?, rev=rev+1 WHERE id=? AND rev=?`
		args = []any{status, planVersion, updatedAt, id, expectedRev}
	}
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrStaleRev
	}
	return expectedRev + 1, nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
