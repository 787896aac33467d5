package engine_test

import (
	"errors"
	"testing"

	"planline/internal/domain"
	"planline/internal/engine"
)

func TestApprovePlanActivatesSubtasks(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := env.createTask(t, "build it",
		domain.WorkItem{Title: "one", Kind: "backend"},
		domain.WorkItem{Title: "two", Kind: "backend"},
	)
	p, err := env.Engine.GeneratePlan(env.Ctx, task.ID, "pm-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	approved, subtasks, err := env.Engine.ApprovePlan(env.Ctx, p.ID, "pm-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.PlanApproved {
		t.Fatalf("expected approved plan, got %s", approved.Status)
	}
	if len(subtasks) != 2 {
		t.Fatalf("expected a subtask per assignment, got %d", len(subtasks))
	}
	for _, s := range subtasks {
		if s.DraftStatus != domain.DraftNone || s.SyncStatus != domain.SyncPending {
			t.Fatalf("expected fresh subtask state, got %+v", s)
		}
		if s.UpdatedSeq == 0 {
			t.Fatalf("expected updated_seq from activation event, got %+v", s)
		}
	}

	got, _ := env.Engine.Repo.GetTask(env.Ctx, nil, task.ID)
	if got.Status != domain.TaskApproved {
		t.Fatalf("expected task approved, got %s", got.Status)
	}
	m, err := env.Engine.Repo.GetMember(env.Ctx, nil, "proj-1", "dev-a")
	if err != nil {
		t.Fatalf("get member: %v", err)
	}
	if m.CurrentLoad != 2 {
		t.Fatalf("expected load bumped to 2, got %d", m.CurrentLoad)
	}
}

func TestApproveDecidedPlanFails(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := env.createTask(t, "once")
	p, err := env.Engine.GeneratePlan(env.Ctx, task.ID, "pm-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, _, err := env.Engine.ApprovePlan(env.Ctx, p.ID, "pm-1"); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	_, _, err = env.Engine.ApprovePlan(env.Ctx, p.ID, "pm-1")
	var it engine.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestRejectPlanRequiresReasonAndReplans(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := env.createTask(t, "rework")
	p, err := env.Engine.GeneratePlan(env.Ctx, task.ID, "pm-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	_, err = env.Engine.RejectPlan(env.Ctx, p.ID, "", "pm-1")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error without reason, got %v", err)
	}

	rejected, err := env.Engine.RejectPlan(env.Ctx, p.ID, "wrong split", "pm-1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.PlanRejected || rejected.RejectionReason == nil || *rejected.RejectionReason != "wrong split" {
		t.Fatalf("unexpected rejected plan: %+v", rejected)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, nil, task.ID)
	if got.Status != domain.TaskPlanning {
		t.Fatalf("expected task back in planning, got %s", got.Status)
	}

	// Regeneration produces the next version.
	p2, err := env.Engine.GeneratePlan(env.Ctx, task.ID, "pm-1")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if p2.Version != p.Version+1 {
		t.Fatalf("expected version %d, got %d", p.Version+1, p2.Version)
	}
}

func TestRejectDecidedPlanFails(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := env.createTask(t, "settled")
	p, err := env.Engine.GeneratePlan(env.Ctx, task.ID, "pm-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, _, err := env.Engine.ApprovePlan(env.Ctx, p.ID, "pm-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, err = env.Engine.RejectPlan(env.Ctx, p.ID, "too late", "pm-1")
	var it engine.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}
