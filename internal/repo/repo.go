package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"planline/internal/config"
	"planline/internal/domain"

	"gopkg.in/yaml.v3"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	goals, err := marshalStrings(p.Goals)
	if err != nil {
		return err
	}
	milestones, err := marshalStrings(p.Milestones)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,status,description,goals_json,milestones_json,start_at,end_at,external_ref,rev,created_at) VALUES (?,?,?,?,?,?,?,?,1,?)`,
		p.ID, p.Status, nullable(p.Description), goals, milestones, nullableStringPtr(p.StartAt), nullableStringPtr(p.EndAt), nullableStringPtr(p.ExternalRef), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return r.GetProjectTx(ctx, nil, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	var p domain.Project
	var desc, goals, milestones, startAt, endAt, extRef sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,status,description,goals_json,milestones_json,start_at,end_at,external_ref,rev,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Status, &desc, &goals, &milestones, &startAt, &endAt, &extRef, &p.Rev, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if desc.Valid {
		p.Description = desc.String
	}
	if goals.Valid {
		_ = json.Unmarshal([]byte(goals.String), &p.Goals)
	}
	if milestones.Valid {
		_ = json.Unmarshal([]byte(milestones.String), &p.Milestones)
	}
	if startAt.Valid {
		p.StartAt = &startAt.String
	}
	if endAt.Valid {
		p.EndAt = &endAt.String
	}
	if extRef.Valid {
		p.ExternalRef = &extRef.String
	}
	return p, nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var res []domain.Project
	for _, id := range ids {
		p, err := r.GetProject(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// UpdateProjectStatus archives or reactivates a project via rev CAS.
// Returns the new rev, or ErrStaleRev when the expected rev lost the race.
func (r Repo) UpdateProjectStatus(ctx context.Context, tx *sql.Tx, id, status string, expectedRev int64) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE projects SET status=?, rev=rev+1 WHERE id=? AND rev=?`, status, id, expectedRev)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrStaleRev
	}
	return expectedRev + 1, nil
}

// ErrStaleRev signals an optimistic concurrency miss at the SQL layer;
// the engine wraps it with the authoritative entity state.
var ErrStaleRev = errors.New("stale rev")

// ErrDuplicate signals a unique-constraint violation on insert.
var ErrDuplicate = errors.New("duplicate row")

func (r Repo) UpsertProjectConfig(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO project_configs(project_id,config_yaml,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(payload))
	if err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return cfg, nil
}

// --- helpers shared by the repo files ---

func marshalStrings(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func buildWhere(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(clauses, " AND ")
}
