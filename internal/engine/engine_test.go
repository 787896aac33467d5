package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, engine.ProjectCreateOptions{ID: "proj-1", ActorID: "tester"}); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx}
}

func (env *testEnv) addDeveloper(t *testing.T, id string, capacity int) domain.TeamMember {
	t.Helper()
	m, err := env.Engine.AddMember(env.Ctx, domain.TeamMember{
		ID:        id,
		ProjectID: "proj-1",
		Role:      "developer",
		Capacity:  capacity,
	}, "tester")
	if err != nil {
		t.Fatalf("add developer %s: %v", id, err)
	}
	return m
}

func (env *testEnv) createTask(t *testing.T, title string, items ...domain.WorkItem) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     title,
		WorkItems: items,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// approvedSubtasks plans a task and approves the plan, returning the
// activated subtasks.
func (env *testEnv) approvedSubtasks(t *testing.T, taskID string) []domain.Subtask {
	t.Helper()
	p, err := env.Engine.GeneratePlan(env.Ctx, taskID, "pm-1")
	if err != nil {
		t.Fatalf("generate plan: %v", err)
	}
	_, subtasks, err := env.Engine.ApprovePlan(env.Ctx, p.ID, "pm-1")
	if err != nil {
		t.Fatalf("approve plan: %v", err)
	}
	return subtasks
}

func TestInitAndArchiveProject(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.Status != "active" || p.Rev != 1 {
		t.Fatalf("unexpected project state: %+v", p)
	}
	archived, err := env.Engine.ArchiveProject(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.Status != "archived" || archived.Rev != 2 {
		t.Fatalf("unexpected archived state: %+v", archived)
	}
}

func TestAddMemberRejectsUnknownRole(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AddMember(env.Ctx, domain.TeamMember{
		ID:        "x",
		ProjectID: "proj-1",
		Role:      "intern",
	}, "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "Ship search")
	if task.Status != domain.TaskSubmitted {
		t.Fatalf("expected submitted, got %s", task.Status)
	}
	if task.Type != "technical" {
		t.Fatalf("expected default type, got %s", task.Type)
	}
	if len(task.WorkItems) != 1 || task.WorkItems[0].Title != "Ship search" {
		t.Fatalf("expected a default work item, got %+v", task.WorkItems)
	}
}

func TestCreateTaskDependencyChecks(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     "dependent",
		DependsOn: []string{"missing"},
		ActorID:   "tester",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for missing dep, got %v", err)
	}

	a := env.createTask(t, "a")
	b, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     "b",
		DependsOn: []string{a.ID},
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	// a -> b would close the cycle
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ID:        a.ID,
		ProjectID: "proj-1",
		Title:     "a again",
		DependsOn: []string{b.ID},
		ActorID:   "tester",
	})
	if err == nil {
		t.Fatalf("expected cycle rejection")
	}
}

func TestRegisterAgentRequiresMemberOwner(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterAgent(env.Ctx, domain.LocalAgent{
		ProjectID:    "proj-1",
		OwnerID:      "ghost",
		Capabilities: []string{"backend"},
	}, "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}

	env.addDeveloper(t, "dev-1", 2)
	a, err := env.Engine.RegisterAgent(env.Ctx, domain.LocalAgent{
		ProjectID:    "proj-1",
		OwnerID:      "dev-1",
		Capabilities: []string{"backend"},
	}, "tester")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.Status != domain.AgentOnline || a.ID == "" {
		t.Fatalf("unexpected agent: %+v", a)
	}
}

func TestHeartbeatStalenessMarksAgentOffline(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-1", 2)
	a, err := env.Engine.RegisterAgent(env.Ctx, domain.LocalAgent{
		ProjectID:    "proj-1",
		OwnerID:      "dev-1",
		Capabilities: []string{"backend"},
	}, "tester")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	agents, err := env.Engine.ListAgents(env.Ctx, "proj-1")
	if err != nil || len(agents) != 1 {
		t.Fatalf("list agents: %v", err)
	}
	if agents[0].Status != domain.AgentOnline || agents[0].Stale {
		t.Fatalf("expected fresh agent online, got %+v", agents[0])
	}

	// Default staleness threshold is 90s.
	env.Engine.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC) }
	agents, err = env.Engine.ListAgents(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if agents[0].Status != domain.AgentOffline || !agents[0].Stale {
		t.Fatalf("expected stale agent offline, got %+v", agents[0])
	}

	// A heartbeat brings it back.
	if _, err := env.Engine.Heartbeat(env.Ctx, a.ID, ""); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	agents, _ = env.Engine.ListAgents(env.Ctx, "proj-1")
	if agents[0].Status != domain.AgentOnline || agents[0].Stale {
		t.Fatalf("expected agent back online, got %+v", agents[0])
	}
}

func TestHeartbeatRejectsOfflineReport(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-1", 2)
	a, err := env.Engine.RegisterAgent(env.Ctx, domain.LocalAgent{
		ProjectID:    "proj-1",
		OwnerID:      "dev-1",
		Capabilities: []string{"backend"},
	}, "tester")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := env.Engine.Heartbeat(env.Ctx, a.ID, "offline"); err == nil {
		t.Fatalf("expected rejection of offline heartbeat")
	}
	if _, err := env.Engine.Heartbeat(env.Ctx, a.ID, domain.AgentDegraded); err != nil {
		t.Fatalf("degraded heartbeat: %v", err)
	}
}

func TestAuditEventsAppended(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "audited")
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, 0, "proj-1", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	found := false
	for _, evt := range events {
		if evt.Type == "task.created" && evt.EntityID == task.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected task.created event, got %+v", events)
	}
}
