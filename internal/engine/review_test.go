package engine_test

import (
	"errors"
	"testing"

	"planline/internal/domain"
	"planline/internal/engine"
)

func (env *testEnv) completeSubtask(t *testing.T, s domain.Subtask) {
	t.Helper()
	kinds := []string{domain.EventDraftCreated, domain.EventDeveloperApproved, domain.EventSubtaskCompleted}
	for i, kind := range kinds {
		_, err := env.Engine.ApplySyncEvent(env.Ctx, domain.SyncEvent{
			ID:           s.ID + "/" + kind,
			SubtaskID:    s.ID,
			Kind:         kind,
			EventVersion: s.LastEventVersion + int64(i) + 1,
		}, s.AssigneeID)
		if err != nil {
			t.Fatalf("apply %s on %s: %v", kind, s.ID, err)
		}
	}
}

func TestFinalizeRefusesIncompleteSubtasks(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := env.createTask(t, "unfinished")
	env.approvedSubtasks(t, task.ID)

	_, err := env.Engine.FinalizeReview(env.Ctx, task.ID, "rev-1")
	var si engine.SubtasksIncompleteError
	if !errors.As(err, &si) {
		t.Fatalf("expected incomplete subtasks error, got %v", err)
	}
	if si.Remaining != 1 {
		t.Fatalf("expected one remaining, got %d", si.Remaining)
	}
}

func TestFinalizeRefusesTaskWithoutSubtasks(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "never planned")
	_, err := env.Engine.FinalizeReview(env.Ctx, task.ID, "rev-1")
	var si engine.SubtasksIncompleteError
	if !errors.As(err, &si) {
		t.Fatalf("expected incomplete subtasks error, got %v", err)
	}
}

func TestFinalizeReadyMovesTaskDone(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := env.createTask(t, "clean work")
	for _, s := range env.approvedSubtasks(t, task.ID) {
		env.completeSubtask(t, s)
	}

	// A low-score finding is not a blocker at the default 0.7 threshold.
	if _, err := env.Engine.AddFinding(env.Ctx, domain.Finding{
		TaskID:    task.ID,
		Score:     0.2,
		Rationale: "nit: naming",
	}, "rev-1"); err != nil {
		t.Fatalf("add finding: %v", err)
	}

	rr, err := env.Engine.FinalizeReview(env.Ctx, task.ID, "rev-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if rr.Decision != "ready" || rr.EnactedDecision != "ready" {
		t.Fatalf("expected ready verdict, got %+v", rr)
	}
	if len(rr.Findings) != 1 || rr.Findings[0].Severity != "non_blocker" {
		t.Fatalf("expected one non-blocker finding, got %+v", rr.Findings)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, nil, task.ID)
	if got.Status != domain.TaskDone {
		t.Fatalf("expected task done, got %s", got.Status)
	}
}

func TestFinalizeBlockedByFinding(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := env.createTask(t, "risky work")
	subtasks := env.approvedSubtasks(t, task.ID)
	for _, s := range subtasks {
		env.completeSubtask(t, s)
	}
	if _, err := env.Engine.AddFinding(env.Ctx, domain.Finding{
		TaskID:        task.ID,
		SourceSubtask: subtasks[0].ID,
		Score:         0.9,
		Rationale:     "data loss on retry",
	}, "rev-1"); err != nil {
		t.Fatalf("add finding: %v", err)
	}

	rr, err := env.Engine.FinalizeReview(env.Ctx, task.ID, "rev-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if rr.Decision != "blocked" {
		t.Fatalf("expected blocked verdict, got %s", rr.Decision)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, nil, task.ID)
	if got.Status != domain.TaskUnderReview {
		t.Fatalf("expected task held under review, got %s", got.Status)
	}

	// A blocked verdict can be finalized again; with nothing resolved it
	// stays blocked on the same verdict record.
	again, err := env.Engine.FinalizeReview(env.Ctx, task.ID, "rev-1")
	if err != nil {
		t.Fatalf("repeat finalize: %v", err)
	}
	if again.Decision != "blocked" || again.ID != rr.ID || again.Rev <= rr.Rev {
		t.Fatalf("expected same verdict re-evaluated, got %+v", again)
	}
}

func TestResolveFindingUnblocksRepeatFinalize(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := blockedReview(t, env)

	findings, err := env.Engine.Repo.ListFindings(env.Ctx, nil, task.ID)
	if err != nil || len(findings) != 1 {
		t.Fatalf("expected one finding, got %v %v", findings, err)
	}
	f, err := env.Engine.ResolveFinding(env.Ctx, findings[0].ID, "dev-a")
	if err != nil {
		t.Fatalf("resolve finding: %v", err)
	}
	if !f.Resolved {
		t.Fatalf("expected resolved finding, got %+v", f)
	}

	// Resolving twice is a state violation.
	_, err = env.Engine.ResolveFinding(env.Ctx, findings[0].ID, "dev-a")
	var it engine.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	rr, err := env.Engine.FinalizeReview(env.Ctx, task.ID, "rev-1")
	if err != nil {
		t.Fatalf("finalize after resolve: %v", err)
	}
	if rr.Decision != "ready" || rr.EnactedDecision != "ready" {
		t.Fatalf("expected ready verdict, got %+v", rr)
	}
	if len(rr.Findings) != 1 || rr.Findings[0].Severity != "non_blocker" {
		t.Fatalf("expected resolved finding downgraded, got %+v", rr.Findings)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, nil, task.ID)
	if got.Status != domain.TaskDone {
		t.Fatalf("expected task done, got %s", got.Status)
	}

	// An enacted verdict is final.
	_, err = env.Engine.FinalizeReview(env.Ctx, task.ID, "rev-1")
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition on enacted verdict, got %v", err)
	}
}

func TestFindingValidation(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := env.createTask(t, "findings")
	other := env.createTask(t, "other")
	otherSubtasks := env.approvedSubtasks(t, other.ID)

	var ve engine.ValidationError
	if _, err := env.Engine.AddFinding(env.Ctx, domain.Finding{TaskID: task.ID, Score: 1.2, Rationale: "r"}, "rev-1"); !errors.As(err, &ve) {
		t.Fatalf("expected score range error, got %v", err)
	}
	if _, err := env.Engine.AddFinding(env.Ctx, domain.Finding{TaskID: task.ID, Score: 0.5}, "rev-1"); !errors.As(err, &ve) {
		t.Fatalf("expected rationale error, got %v", err)
	}
	if _, err := env.Engine.AddFinding(env.Ctx, domain.Finding{
		TaskID:        task.ID,
		SourceSubtask: otherSubtasks[0].ID,
		Score:         0.5,
		Rationale:     "wrong task",
	}, "rev-1"); !errors.As(err, &ve) {
		t.Fatalf("expected cross-task subtask rejection, got %v", err)
	}
}

func blockedReview(t *testing.T, env *testEnv) domain.Task {
	t.Helper()
	task := env.createTask(t, "blocked work")
	for _, s := range env.approvedSubtasks(t, task.ID) {
		env.completeSubtask(t, s)
	}
	if _, err := env.Engine.AddFinding(env.Ctx, domain.Finding{
		TaskID:    task.ID,
		Score:     0.95,
		Rationale: "broken migration",
	}, "rev-1"); err != nil {
		t.Fatalf("add finding: %v", err)
	}
	if _, err := env.Engine.FinalizeReview(env.Ctx, task.ID, "rev-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return task
}

func TestOverrideEnactsBlockedVerdict(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := blockedReview(t, env)

	_, err := env.Engine.OverrideReview(env.Ctx, task.ID, "pm-1", "", nil)
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected reason requirement, got %v", err)
	}

	rr, err := env.Engine.OverrideReview(env.Ctx, task.ID, "pm-1", "accepted risk, hotfix scheduled", nil)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if rr.Decision != "blocked" || rr.EnactedDecision != "ready" {
		t.Fatalf("expected original verdict kept with ready enacted, got %+v", rr)
	}
	if rr.PMOverride == nil || rr.PMOverride.Approver != "pm-1" {
		t.Fatalf("expected recorded override, got %+v", rr.PMOverride)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, nil, task.ID)
	if got.Status != domain.TaskDone {
		t.Fatalf("expected task done after override, got %s", got.Status)
	}

	// Overriding twice is a state violation.
	_, err = env.Engine.OverrideReview(env.Ctx, task.ID, "pm-1", "again", nil)
	var it engine.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestOverrideRequiresSecondApproverWhenConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	cfg, err := env.Engine.ProjectConfig(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Reviewer.OverrideRequiresSecondApprover = true
	if err := env.Engine.Repo.UpsertProjectConfig(env.Ctx, nil, "proj-1", cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	task := blockedReview(t, env)

	var ve engine.ValidationError
	if _, err := env.Engine.OverrideReview(env.Ctx, task.ID, "pm-1", "risk accepted", nil); !errors.As(err, &ve) {
		t.Fatalf("expected second approver requirement, got %v", err)
	}
	same := "pm-1"
	if _, err := env.Engine.OverrideReview(env.Ctx, task.ID, "pm-1", "risk accepted", &same); !errors.As(err, &ve) {
		t.Fatalf("expected distinct approver requirement, got %v", err)
	}
	second := "pm-2"
	rr, err := env.Engine.OverrideReview(env.Ctx, task.ID, "pm-1", "risk accepted", &second)
	if err != nil {
		t.Fatalf("override with second approver: %v", err)
	}
	if rr.PMOverride == nil || rr.PMOverride.SecondApprover == nil || *rr.PMOverride.SecondApprover != "pm-2" {
		t.Fatalf("expected second approver recorded, got %+v", rr.PMOverride)
	}
}

func TestOverrideWithoutVerdictFails(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := env.createTask(t, "no verdict")
	_, err := env.Engine.OverrideReview(env.Ctx, task.ID, "pm-1", "nothing to override", nil)
	var it engine.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}
