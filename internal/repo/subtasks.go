package repo

import (
	"context"
	"database/sql"
	"strings"

	"planline/internal/domain"
)

const subtaskCols = `id,task_id,plan_id,title,kind,assignee_id,agent_id,draft_status,sync_status,last_event_version,updated_seq,rev,created_at,updated_at`

func (r Repo) InsertSubtask(ctx context.Context, tx *sql.Tx, s domain.Subtask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO subtasks(id,task_id,plan_id,title,kind,assignee_id,agent_id,draft_status,sync_status,last_event_version,updated_seq,rev,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,1,?,?)`,
		s.ID, s.TaskID, s.PlanID, s.Title, s.Kind, s.AssigneeID, nullableStringPtr(s.AgentID), s.DraftStatus, s.SyncStatus, s.LastEventVersion, s.UpdatedSeq, s.CreatedAt, s.UpdatedAt)
	return err
}

func scanSubtask(scan func(dest ...any) error) (domain.Subtask, error) {
	var s domain.Subtask
	var agentID sql.NullString
	err := scan(&s.ID, &s.TaskID, &s.PlanID, &s.Title, &s.Kind, &s.AssigneeID, &agentID, &s.DraftStatus, &s.SyncStatus, &s.LastEventVersion, &s.UpdatedSeq, &s.Rev, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if agentID.Valid {
		s.AgentID = &agentID.String
	}
	return s, nil
}

func (r Repo) GetSubtask(ctx context.Context, tx *sql.Tx, id string) (domain.Subtask, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+subtaskCols+` FROM subtasks WHERE id=?`, id)
	return scanSubtask(row.Scan)
}

func (r Repo) ListSubtasksByTask(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Subtask, error) {
	return r.listSubtasks(ctx, tx, `SELECT `+subtaskCols+` FROM subtasks WHERE task_id=? ORDER BY id ASC`, taskID)
}

// ListAssignments returns the outbound delta for one developer: subtasks
// whose updated_seq advanced past the daemon's cursor, ordered by subtask id
// then last_event_version. Identical cursors return identical sets.
func (r Repo) ListAssignments(ctx context.Context, developerID string, sinceSeq int64) ([]domain.Subtask, error) {
	return r.listSubtasks(ctx, nil, `SELECT `+subtaskCols+` FROM subtasks WHERE assignee_id=? AND updated_seq>? ORDER BY id ASC, last_event_version ASC`, developerID, sinceSeq)
}

// ListUnsyncedSubtasks returns one project's subtasks the reconciler should
// probe.
func (r Repo) ListUnsyncedSubtasks(ctx context.Context, projectID string) ([]domain.Subtask, error) {
	cols := "s." + strings.ReplaceAll(subtaskCols, ",", ",s.")
	return r.listSubtasks(ctx, nil, `SELECT `+cols+` FROM subtasks s JOIN tasks t ON t.id=s.task_id WHERE t.project_id=? AND s.sync_status<>? ORDER BY s.id ASC`,
		projectID, domain.SyncSynced)
}

func (r Repo) listSubtasks(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Subtask, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subtask
	for rows.Next() {
		s, err := scanSubtask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// AdvanceSubtask applies one accepted sync event: the last_event_version
// guard in the WHERE clause is the per-subtask serialization point — at most
// one event wins each version slot.
func (r Repo) AdvanceSubtask(ctx context.Context, tx *sql.Tx, id, draftStatus string, fromVersion int64, updatedSeq int64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE subtasks SET draft_status=?, sync_status=?, last_event_version=?, updated_seq=?, updated_at=?, rev=rev+1 WHERE id=? AND last_event_version=?`,
		draftStatus, domain.SyncSynced, fromVersion+1, updatedSeq, updatedAt, id, fromVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleRev
	}
	return nil
}

// MarkSubtaskSynced records that the daemon's view matches the server's.
// Draft state and event version stay untouched.
func (r Repo) MarkSubtaskSynced(ctx context.Context, tx *sql.Tx, id string, expectedRev int64, updatedSeq int64, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE subtasks SET sync_status=?, updated_seq=?, updated_at=?, rev=rev+1 WHERE id=? AND rev=?`,
		domain.SyncSynced, updatedSeq, updatedAt, id, expectedRev)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleRev
	}
	return nil
}

// FlagSubtaskConflict marks a subtask for operator attention without
// touching draft_status or last_event_version.
func (r Repo) FlagSubtaskConflict(ctx context.Context, tx *sql.Tx, id string, expectedRev int64, updatedSeq int64, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE subtasks SET sync_status=?, updated_seq=?, updated_at=?, rev=rev+1 WHERE id=? AND rev=?`,
		domain.SyncConflict, updatedSeq, updatedAt, id, expectedRev)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleRev
	}
	return nil
}

// CountIncompleteSubtasks counts subtasks of a task not yet completed.
func (r Repo) CountIncompleteSubtasks(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT count(*) FROM subtasks WHERE task_id=? AND draft_status<>?`, taskID, domain.DraftCompleted).Scan(&n)
	return n, err
}

// --- sync events (idempotency records) ---

// InsertSyncEvent records the idempotency row for an accepted event. A
// unique-constraint violation (concurrent submissions sharing an id, or a
// lost race for a version slot) comes back as ErrDuplicate so the caller can
// surface the winner's outcome instead of a raw SQL error.
func (r Repo) InsertSyncEvent(ctx context.Context, tx *sql.Tx, e domain.SyncEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sync_events(id,subtask_id,kind,event_version,payload_json,outcome,received_at) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.SubtaskID, e.Kind, e.EventVersion, nullable(e.PayloadJSON), e.Outcome, e.ReceivedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

func (r Repo) GetSyncEvent(ctx context.Context, tx *sql.Tx, id string) (domain.SyncEvent, error) {
	var e domain.SyncEvent
	var payload sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,subtask_id,kind,event_version,payload_json,outcome,received_at FROM sync_events WHERE id=?`, id).
		Scan(&e.ID, &e.SubtaskID, &e.Kind, &e.EventVersion, &payload, &e.Outcome, &e.ReceivedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if payload.Valid {
		e.PayloadJSON = payload.String
	}
	return e, nil
}

// AgentCompletionRate returns completed/total applied subtask_completed
// ratio for an agent's historical assignments; 0 with no history.
func (r Repo) AgentCompletionRate(ctx context.Context, agentID string) (float64, error) {
	var total, completed int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*), coalesce(sum(CASE WHEN draft_status=? THEN 1 ELSE 0 END),0) FROM subtasks WHERE agent_id=?`,
		domain.DraftCompleted, agentID).Scan(&total, &completed)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return float64(completed) / float64(total), nil
}

// --- daemon cursors ---

func (r Repo) UpsertDaemonCursor(ctx context.Context, tx *sql.Tx, c domain.DaemonCursor) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO daemon_cursors(developer_id,acked_seq,last_poll_at) VALUES (?,?,?)
ON CONFLICT(developer_id) DO UPDATE SET acked_seq=MAX(acked_seq, excluded.acked_seq), last_poll_at=excluded.last_poll_at`,
		c.DeveloperID, c.AckedSeq, c.LastPollAt)
	return err
}

func (r Repo) GetDaemonCursor(ctx context.Context, developerID string) (domain.DaemonCursor, error) {
	var c domain.DaemonCursor
	err := r.DB.QueryRowContext(ctx, `SELECT developer_id,acked_seq,last_poll_at FROM daemon_cursors WHERE developer_id=?`, developerID).
		Scan(&c.DeveloperID, &c.AckedSeq, &c.LastPollAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}
