package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"planline/internal/domain"
)

func (r Repo) InsertFinding(ctx context.Context, tx *sql.Tx, f domain.Finding) error {
	resolved := 0
	if f.Resolved {
		resolved = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO findings(id,task_id,source_subtask,score,rationale,source,resolved,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		f.ID, f.TaskID, nullable(f.SourceSubtask), f.Score, f.Rationale, nullable(f.Source), resolved, f.CreatedAt)
	return err
}

func (r Repo) ListFindings(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Finding, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,task_id,source_subtask,score,rationale,source,resolved,created_at FROM findings WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Finding
	for rows.Next() {
		var f domain.Finding
		var subtask, source sql.NullString
		var resolved int
		if err := rows.Scan(&f.ID, &f.TaskID, &subtask, &f.Score, &f.Rationale, &source, &resolved, &f.CreatedAt); err != nil {
			return nil, err
		}
		if subtask.Valid {
			f.SourceSubtask = subtask.String
		}
		if source.Valid {
			f.Source = source.String
		}
		f.Resolved = resolved != 0
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) GetFinding(ctx context.Context, tx *sql.Tx, id string) (domain.Finding, error) {
	var f domain.Finding
	var subtask, source sql.NullString
	var resolved int
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,task_id,source_subtask,score,rationale,source,resolved,created_at FROM findings WHERE id=?`, id).
		Scan(&f.ID, &f.TaskID, &subtask, &f.Score, &f.Rationale, &source, &resolved, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if subtask.Valid {
		f.SourceSubtask = subtask.String
	}
	if source.Valid {
		f.Source = source.String
	}
	f.Resolved = resolved != 0
	return f, nil
}

// SetFindingResolved marks a finding resolved. Zero rows affected means it
// was already resolved (or gone).
func (r Repo) SetFindingResolved(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE findings SET resolved=1 WHERE id=? AND resolved=0`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleRev
	}
	return nil
}

func (r Repo) InsertReviewResult(ctx context.Context, tx *sql.Tx, rr domain.ReviewResult) error {
	findings, err := json.Marshal(rr.Findings)
	if err != nil {
		return err
	}
	var override any
	if rr.PMOverride != nil {
		b, err := json.Marshal(rr.PMOverride)
		if err != nil {
			return err
		}
		override = string(b)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO review_results(id,task_id,findings_json,decision,enacted_decision,override_json,rev,created_at) VALUES (?,?,?,?,?,?,1,?)`,
		rr.ID, rr.TaskID, string(findings), rr.Decision, rr.EnactedDecision, override, rr.CreatedAt)
	return err
}

func (r Repo) GetReviewResult(ctx context.Context, tx *sql.Tx, taskID string) (domain.ReviewResult, error) {
	var rr domain.ReviewResult
	var findings string
	var override sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,task_id,findings_json,decision,enacted_decision,override_json,rev,created_at FROM review_results WHERE task_id=?`, taskID).
		Scan(&rr.ID, &rr.TaskID, &findings, &rr.Decision, &rr.EnactedDecision, &override, &rr.Rev, &rr.CreatedAt)
	if err == sql.ErrNoRows {
		return rr, ErrNotFound
	}
	if err != nil {
		return rr, err
	}
	if err := json.Unmarshal([]byte(findings), &rr.Findings); err != nil {
		return rr, fmt.Errorf("review findings: %w", err)
	}
	if override.Valid {
		var o domain.PMOverride
		if err := json.Unmarshal([]byte(override.String), &o); err != nil {
			return rr, fmt.Errorf("review override: %w", err)
		}
		rr.PMOverride = &o
	}
	return rr, nil
}

// ReplaceReviewVerdict rewrites a blocked verdict after its findings
// changed, under rev CAS. The guard on override_json keeps an enacted
// override from being silently rewritten.
func (r Repo) ReplaceReviewVerdict(ctx context.Context, tx *sql.Tx, id string, findings []domain.ScoredFinding, decision string, expectedRev int64) (int64, error) {
	b, err := json.Marshal(findings)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE review_results SET findings_json=?, decision=?, enacted_decision=?, rev=rev+1 WHERE id=? AND rev=? AND override_json IS NULL`,
		string(b), decision, decision, id, expectedRev)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrStaleRev
	}
	return expectedRev + 1, nil
}

// SetReviewOverride records a PM override under rev CAS. The findings column
// is deliberately untouched.
func (r Repo) SetReviewOverride(ctx context.Context, tx *sql.Tx, id string, o domain.PMOverride, enacted string, expectedRev int64) (int64, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE review_results SET override_json=?, enacted_decision=?, rev=rev+1 WHERE id=? AND rev=?`,
		string(b), enacted, id, expectedRev)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrStaleRev
	}
	return expectedRev + 1, nil
}

// --- audit log reads ---

// LatestEvents returns audit events newest first with an id cursor.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, projectID, evtType string) ([]domain.AuditEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := `SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,before_rev,after_rev,payload_json FROM events ` + buildWhere(clauses) + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns audit events with ids greater than the cursor in
// ascending order. Feeds the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := `SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,before_rev,after_rev,payload_json FROM events ` + buildWhere(clauses) + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the newest audit event id for a project, 0 when the
// log is empty.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.AuditEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var projectID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &e.BeforeRev, &e.AfterRev, &payload); err != nil {
			return nil, err
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
