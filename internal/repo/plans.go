package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"planline/internal/domain"
)

const planCols = `id,task_id,version,status,assignments_json,decided_by,decided_at,rejection_reason,rev,created_at`

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	assignments, err := json.Marshal(p.Assignments)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO plans(id,task_id,version,status,assignments_json,decided_by,decided_at,rejection_reason,rev,created_at) VALUES (?,?,?,?,?,?,?,?,1,?)`,
		p.ID, p.TaskID, p.Version, p.Status, string(assignments), nullableStringPtr(p.DecidedBy), nullableStringPtr(p.DecidedAt), nullableStringPtr(p.RejectionReason), p.CreatedAt)
	return err
}

func scanPlan(scan func(dest ...any) error) (domain.Plan, error) {
	var p domain.Plan
	var assignments string
	var decidedBy, decidedAt, reason sql.NullString
	err := scan(&p.ID, &p.TaskID, &p.Version, &p.Status, &assignments, &decidedBy, &decidedAt, &reason, &p.Rev, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	_ = json.Unmarshal([]byte(assignments), &p.Assignments)
	if decidedBy.Valid {
		p.DecidedBy = &decidedBy.String
	}
	if decidedAt.Valid {
		p.DecidedAt = &decidedAt.String
	}
	if reason.Valid {
		p.RejectionReason = &reason.String
	}
	return p, nil
}

func (r Repo) GetPlan(ctx context.Context, tx *sql.Tx, id string) (domain.Plan, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+planCols+` FROM plans WHERE id=?`, id)
	return scanPlan(row.Scan)
}

// ListPlans returns the full version history for a task, oldest first.
func (r Repo) ListPlans(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Plan, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+planCols+` FROM plans WHERE task_id=? ORDER BY version ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// LatestPlanVersion returns the highest plan version for a task, 0 if none.
func (r Repo) LatestPlanVersion(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var v int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM plans WHERE task_id=?`, taskID).Scan(&v)
	return v, err
}

// PendingPlan returns the task's plan in pending_pm_approval, if any.
func (r Repo) PendingPlan(ctx context.Context, tx *sql.Tx, taskID string) (domain.Plan, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+planCols+` FROM plans WHERE task_id=? AND status=? LIMIT 1`, taskID, domain.PlanPending)
	return scanPlan(row.Scan)
}

// DecidePlan transitions a plan out of pending_pm_approval under rev CAS.
// The status guard keeps the transition legal even if the rev matches.
func (r Repo) DecidePlan(ctx context.Context, tx *sql.Tx, id, status, decidedBy, decidedAt string, reason *string, expectedRev int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE plans SET status=?, decided_by=?, decided_at=?, rejection_reason=?, rev=rev+1 WHERE id=? AND status=? AND rev=?`,
		status, decidedBy, decidedAt, nullableStringPtr(reason), id, domain.PlanPending, expectedRev)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrStaleRev
	}
	return expectedRev + 1, nil
}

// SupersedePlan terminally displaces a pending plan in favor of a newer
// version.
func (r Repo) SupersedePlan(ctx context.Context, tx *sql.Tx, id string, expectedRev int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE plans SET status=?, rev=rev+1 WHERE id=? AND status=? AND rev=?`,
		domain.PlanSuperseded, id, domain.PlanPending, expectedRev)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrStaleRev
	}
	return expectedRev + 1, nil
}
