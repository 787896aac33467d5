package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/repo"
)

// CapabilityProber queries a local agent's capability-detail endpoint.
// Implemented by internal/probe; nil disables probing (agents are then
// treated as unavailable for capability refresh).
type CapabilityProber interface {
	Capabilities(ctx context.Context, endpoint string, timeout time.Duration) ([]string, error)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Probe  CapabilityProber
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Log:    zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

// ProjectConfig returns the stored config for a project, falling back to
// defaults when none was imported yet.
func (e Engine) ProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return config.Default(projectID), nil
		}
		return nil, err
	}
	return cfg, nil
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID          string
	Description string
	Goals       []string
	Milestones  []string
	StartAt     string
	EndAt       string
	ExternalRef string
	ActorID     string
}

func (e Engine) InitProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.ID == "" {
		return domain.Project{}, validationf("project id is required")
	}
	p := domain.Project{
		ID:          opts.ID,
		Status:      "active",
		Description: opts.Description,
		Goals:       opts.Goals,
		Milestones:  opts.Milestones,
		StartAt:     optionalString(opts.StartAt),
		EndAt:       optionalString(opts.EndAt),
		ExternalRef: optionalString(opts.ExternalRef),
		Rev:         1,
		CreatedAt:   e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfig(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, opts.ActorID, 0, 1, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ArchiveProject soft-deletes; projects are never removed.
func (e Engine) ArchiveProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	newRev, err := e.Repo.UpdateProjectStatus(ctx, tx, projectID, "archived", p.Rev)
	if err != nil {
		if errors.Is(err, repo.ErrStaleRev) {
			current, _ := e.Repo.GetProject(ctx, projectID)
			return current, VersionConflictError{Msg: "project was modified concurrently"}
		}
		return p, err
	}
	if _, err := e.Events.Append(ctx, tx, "project.archived", p.ID, "project", p.ID, actorID, p.Rev, newRev, nil); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.Status = "archived"
	p.Rev = newRev
	return p, nil
}

func (e Engine) AddMember(ctx context.Context, m domain.TeamMember, actorID string) (domain.TeamMember, error) {
	if m.ID == "" || m.ProjectID == "" {
		return m, validationf("member id and project are required")
	}
	switch m.Role {
	case "pm", "developer", "reviewer":
	default:
		return m, validationf("unknown role %q", m.Role)
	}
	if m.Capacity <= 0 {
		m.Capacity = 1
	}
	if _, err := e.Repo.GetProject(ctx, m.ProjectID); err != nil {
		return m, err
	}
	m.CurrentLoad = 0
	m.Rev = 1
	m.CreatedAt = e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMember(ctx, tx, m); err != nil {
		return m, err
	}
	if _, err := e.Events.Append(ctx, tx, "member.added", m.ProjectID, "member", m.ID, actorID, 0, 1, events.EventPayload{"role": m.Role, "capacity": m.Capacity}); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

// RegisterAgent registers a local agent as online with a fresh heartbeat.
func (e Engine) RegisterAgent(ctx context.Context, a domain.LocalAgent, actorID string) (domain.LocalAgent, error) {
	if a.ProjectID == "" || a.OwnerID == "" {
		return a, validationf("agent project and owner are required")
	}
	if len(a.Capabilities) == 0 {
		return a, validationf("agent must declare at least one capability")
	}
	if _, err := e.Repo.GetMember(ctx, nil, a.ProjectID, a.OwnerID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return a, validationf("owner %s is not a member of project %s", a.OwnerID, a.ProjectID)
		}
		return a, err
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Status = domain.AgentOnline
	a.HeartbeatAt = e.nowRFC3339()
	a.Rev = 1
	a.CreatedAt = a.HeartbeatAt
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return a, err
	}
	if _, err := e.Events.Append(ctx, tx, "agent.registered", a.ProjectID, "agent", a.ID, actorID, 0, 1, events.EventPayload{
		"owner":        a.OwnerID,
		"capabilities": a.Capabilities,
		"version":      a.Version,
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// Heartbeat records agent liveness. An offline agent reporting in comes
// back online unless it declares itself degraded.
func (e Engine) Heartbeat(ctx context.Context, agentID, reportedStatus string) (domain.LocalAgent, error) {
	switch reportedStatus {
	case "":
		reportedStatus = domain.AgentOnline
	case domain.AgentOnline, domain.AgentDegraded:
	default:
		return domain.LocalAgent{}, validationf("heartbeat status must be online or degraded")
	}
	a, err := e.Repo.GetAgent(ctx, nil, agentID)
	if err != nil {
		return a, err
	}
	ts := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetAgentHeartbeat(ctx, tx, agentID, reportedStatus, ts); err != nil {
		return a, err
	}
	if _, err := e.Events.Append(ctx, tx, "agent.heartbeat", a.ProjectID, "agent", a.ID, a.OwnerID, a.Rev, a.Rev+1, events.EventPayload{"status": reportedStatus}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Status = reportedStatus
	a.HeartbeatAt = ts
	a.Rev++
	return a, nil
}

// EffectiveAgent applies the heartbeat staleness rule: an agent whose last
// heartbeat is older than the configured threshold is served as offline and
// flagged stale (last-known state, degraded mode).
func (e Engine) EffectiveAgent(a domain.LocalAgent, cfg *config.Config) domain.LocalAgent {
	if a.HeartbeatAt == "" {
		a.Status = domain.AgentOffline
		a.Stale = true
		return a
	}
	hb, err := time.Parse(time.RFC3339, a.HeartbeatAt)
	if err != nil {
		a.Status = domain.AgentOffline
		a.Stale = true
		return a
	}
	if e.now().Sub(hb) > cfg.HeartbeatStale() {
		a.Status = domain.AgentOffline
		a.Stale = true
	}
	return a
}

// ListAgents returns project agents with effective (staleness-adjusted)
// status. Never fails on agent unavailability.
func (e Engine) ListAgents(ctx context.Context, projectID string) ([]domain.LocalAgent, error) {
	cfg, err := e.ProjectConfig(ctx, projectID)
	if err != nil {
		return nil, err
	}
	agents, err := e.Repo.ListAgents(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	for i := range agents {
		agents[i] = e.EffectiveAgent(agents[i], cfg)
	}
	return agents, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	ProjectID   string
	Title       string
	Type        string
	Description string
	DependsOn   []string
	WorkItems   []domain.WorkItem
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, validationf("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, validationf("project is required")
	}
	if opts.Type == "" {
		opts.Type = "technical"
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	for _, dep := range opts.DependsOn {
		if dep == id {
			return domain.Task{}, validationf("task cannot depend on itself")
		}
		depTask, err := e.Repo.GetTask(ctx, nil, dep)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, validationf("dependency %s does not exist", dep)
			}
			return domain.Task{}, err
		}
		if depTask.ProjectID != opts.ProjectID {
			return domain.Task{}, validationf("dependency %s not in project %s", dep, opts.ProjectID)
		}
		if err := e.ensureAcyclic(ctx, dep, id); err != nil {
			return domain.Task{}, err
		}
	}
	items := opts.WorkItems
	if len(items) == 0 {
		items = []domain.WorkItem{{Title: opts.Title, Kind: opts.Type}}
	}
	for i, it := range items {
		if it.Title == "" {
			return domain.Task{}, validationf("work item %d has no title", i)
		}
		if it.Kind == "" {
			items[i].Kind = opts.Type
		}
	}
	now := e.nowRFC3339()
	t := domain.Task{
		ID:          id,
		ProjectID:   opts.ProjectID,
		Title:       opts.Title,
		Type:        opts.Type,
		Description: opts.Description,
		Status:      domain.TaskSubmitted,
		WorkItems:   items,
		Rev:         1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return t, err
	}
	if len(opts.DependsOn) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.DependsOn); err != nil {
			return t, err
		}
	}
	if _, err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "task", t.ID, opts.ActorID, 0, 1, events.EventPayload{"title": t.Title, "status": t.Status}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.DependsOn = opts.DependsOn
	return t, nil
}

// ensureAcyclic walks the dependency closure from start and fails if it
// reaches target.
func (e Engine) ensureAcyclic(ctx context.Context, start, target string) error {
	seen := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return validationf("dependency cycle through %s", target)
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		deps, err := e.Repo.ListTaskDependencies(ctx, nil, cur)
		if err != nil {
			return err
		}
		stack = append(stack, deps...)
	}
	return nil
}

func ensureTaskTransition(oldStatus, newStatus string) error {
	allowed := map[string][]string{
		domain.TaskSubmitted:       {domain.TaskPlanning, domain.TaskPendingApproval, domain.TaskRejected},
		domain.TaskPlanning:        {domain.TaskPendingApproval, domain.TaskRejected},
		domain.TaskPendingApproval: {domain.TaskApproved, domain.TaskPlanning, domain.TaskPendingApproval, domain.TaskRejected},
		domain.TaskApproved:        {domain.TaskInProgress, domain.TaskUnderReview},
		domain.TaskInProgress:      {domain.TaskUnderReview},
		domain.TaskUnderReview:     {domain.TaskDone},
	}
	for _, s := range allowed[oldStatus] {
		if s == newStatus {
			return nil
		}
	}
	return InvalidTransitionError{Msg: fmt.Sprintf("invalid task status transition %s -> %s", oldStatus, newStatus)}
}

// moveTask transitions a task within tx under rev CAS and writes the audit
// event.
func (e Engine) moveTask(ctx context.Context, tx *sql.Tx, t domain.Task, newStatus string, planVersion int, actorID string) (domain.Task, error) {
	if err := ensureTaskTransition(t.Status, newStatus); err != nil {
		return t, err
	}
	now := e.nowRFC3339()
	newRev, err := e.Repo.UpdateTaskStatus(ctx, tx, t.ID, newStatus, planVersion, now, t.Rev)
	if err != nil {
		if errors.Is(err, repo.ErrStaleRev) {
			current, gerr := e.Repo.GetTask(ctx, nil, t.ID)
			if gerr != nil {
				return t, gerr
			}
			return current, VersionConflictError{Msg: fmt.Sprintf("task %s was modified concurrently", t.ID)}
		}
		return t, err
	}
	if _, err := e.Events.Append(ctx, tx, "task.status", t.ProjectID, "task", t.ID, actorID, t.Rev, newRev, events.EventPayload{
		"from_status": t.Status,
		"to_status":   newStatus,
	}); err != nil {
		return t, err
	}
	t.Status = newStatus
	t.Rev = newRev
	t.UpdatedAt = now
	if planVersion > 0 {
		t.PlanVersion = planVersion
	}
	return t, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
