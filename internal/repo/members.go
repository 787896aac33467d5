package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"planline/internal/domain"
)

func (r Repo) InsertMember(ctx context.Context, tx *sql.Tx, m domain.TeamMember) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO team_members(id,project_id,role,capacity,current_load,rev,created_at) VALUES (?,?,?,?,?,1,?)`,
		m.ID, m.ProjectID, m.Role, m.Capacity, m.CurrentLoad, m.CreatedAt)
	return err
}

func (r Repo) GetMember(ctx context.Context, tx *sql.Tx, projectID, id string) (domain.TeamMember, error) {
	var m domain.TeamMember
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,project_id,role,capacity,current_load,rev,created_at FROM team_members WHERE project_id=? AND id=?`, projectID, id).
		Scan(&m.ID, &m.ProjectID, &m.Role, &m.Capacity, &m.CurrentLoad, &m.Rev, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMembers(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.TeamMember, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,project_id,role,capacity,current_load,rev,created_at FROM team_members WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TeamMember
	for rows.Next() {
		var m domain.TeamMember
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Role, &m.Capacity, &m.CurrentLoad, &m.Rev, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MemberRoles returns the roles an actor holds across all projects. Used by
// the auth layer to map config roles to permissions.
func (r Repo) MemberRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT role FROM team_members WHERE id=? ORDER BY role`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// AdjustMemberLoad shifts current_load by delta under rev CAS.
func (r Repo) AdjustMemberLoad(ctx context.Context, tx *sql.Tx, projectID, id string, delta int, expectedRev int64) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE team_members SET current_load=current_load+?, rev=rev+1 WHERE project_id=? AND id=? AND rev=?`,
		delta, projectID, id, expectedRev)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrStaleRev
	}
	return expectedRev + 1, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.LocalAgent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO local_agents(id,project_id,owner_id,capabilities_json,version,endpoint,status,heartbeat_at,rev,created_at) VALUES (?,?,?,?,?,?,?,?,1,?)`,
		a.ID, a.ProjectID, a.OwnerID, string(caps), nullable(a.Version), nullable(a.Endpoint), a.Status, nullable(a.HeartbeatAt), a.CreatedAt)
	return err
}

func scanAgent(scan func(dest ...any) error) (domain.LocalAgent, error) {
	var a domain.LocalAgent
	var caps string
	var version, endpoint, heartbeat sql.NullString
	err := scan(&a.ID, &a.ProjectID, &a.OwnerID, &caps, &version, &endpoint, &a.Status, &heartbeat, &a.Rev, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	_ = json.Unmarshal([]byte(caps), &a.Capabilities)
	if version.Valid {
		a.Version = version.String
	}
	if endpoint.Valid {
		a.Endpoint = endpoint.String
	}
	if heartbeat.Valid {
		a.HeartbeatAt = heartbeat.String
	}
	return a, nil
}

const agentCols = `id,project_id,owner_id,capabilities_json,version,endpoint,status,heartbeat_at,rev,created_at`

func (r Repo) GetAgent(ctx context.Context, tx *sql.Tx, id string) (domain.LocalAgent, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+agentCols+` FROM local_agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

func (r Repo) ListAgents(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.LocalAgent, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+agentCols+` FROM local_agents WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LocalAgent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SetAgentHeartbeat records a heartbeat and the status the agent reported.
func (r Repo) SetAgentHeartbeat(ctx context.Context, tx *sql.Tx, id, status, ts string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE local_agents SET status=?, heartbeat_at=?, rev=rev+1 WHERE id=?`, status, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAgentStatus force-sets status (reconciler marking stale agents offline).
func (r Repo) SetAgentStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE local_agents SET status=?, rev=rev+1 WHERE id=? AND status<>?`, status, id, status)
	if err != nil {
		return err
	}
	_, _ = res.RowsAffected()
	return nil
}
