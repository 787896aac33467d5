package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/repo"
)

// AddFinding records one reviewer finding against a task. Findings are
// append-only; severity is assigned at finalize time from the configured
// threshold.
func (e Engine) AddFinding(ctx context.Context, f domain.Finding, actorID string) (domain.Finding, error) {
	if f.TaskID == "" {
		return f, validationf("finding task_id is required")
	}
	if f.Score < 0 || f.Score > 1 {
		return f, validationf("finding score must be within [0,1]")
	}
	if f.Rationale == "" {
		return f, validationf("finding rationale is required")
	}
	t, err := e.Repo.GetTask(ctx, nil, f.TaskID)
	if err != nil {
		return f, err
	}
	if f.SourceSubtask != "" {
		s, err := e.Repo.GetSubtask(ctx, nil, f.SourceSubtask)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return f, validationf("source subtask %s does not exist", f.SourceSubtask)
			}
			return f, err
		}
		if s.TaskID != f.TaskID {
			return f, validationf("subtask %s does not belong to task %s", s.ID, f.TaskID)
		}
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.CreatedAt = e.nowRFC3339()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return f, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertFinding(ctx, tx, f); err != nil {
		return f, err
	}
	if _, err := e.Events.Append(ctx, tx, "review.finding", t.ProjectID, "finding", f.ID, actorID, 0, 1, events.EventPayload{
		"task_id": f.TaskID,
		"score":   f.Score,
	}); err != nil {
		return f, err
	}
	return f, tx.Commit()
}

// ResolveFinding marks a finding as addressed. Resolved findings stop
// counting as blockers, so a blocked task can reach ready through a repeat
// finalize instead of a PM override.
func (e Engine) ResolveFinding(ctx context.Context, findingID, actorID string) (domain.Finding, error) {
	f, err := e.Repo.GetFinding(ctx, nil, findingID)
	if err != nil {
		return f, err
	}
	if f.Resolved {
		return f, InvalidTransitionError{Msg: fmt.Sprintf("finding %s is already resolved", findingID)}
	}
	t, err := e.Repo.GetTask(ctx, nil, f.TaskID)
	if err != nil {
		return f, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return f, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetFindingResolved(ctx, tx, findingID); err != nil {
		if errors.Is(err, repo.ErrStaleRev) {
			return f, InvalidTransitionError{Msg: fmt.Sprintf("finding %s is already resolved", findingID)}
		}
		return f, err
	}
	if _, err := e.Events.Append(ctx, tx, "review.finding_resolved", t.ProjectID, "finding", f.ID, actorID, 0, 1, events.EventPayload{
		"task_id": f.TaskID,
	}); err != nil {
		return f, err
	}
	if err := tx.Commit(); err != nil {
		return f, err
	}
	f.Resolved = true
	return f, nil
}

// FinalizeReview is the final gate. It refuses while any subtask is
// incomplete, buckets the task's findings against the blocker threshold,
// and records the verdict. A clean verdict moves the task to done; a
// blocked one leaves it under review for fixes or a PM override. A blocked,
// non-overridden verdict may be finalized again once findings were resolved;
// an enacted verdict is final.
func (e Engine) FinalizeReview(ctx context.Context, taskID, actorID string) (domain.ReviewResult, error) {
	t, err := e.Repo.GetTask(ctx, nil, taskID)
	if err != nil {
		return domain.ReviewResult{}, err
	}
	var prior *domain.ReviewResult
	switch existing, err := e.Repo.GetReviewResult(ctx, nil, taskID); {
	case err == nil:
		if existing.EnactedDecision == "ready" {
			return domain.ReviewResult{}, InvalidTransitionError{Msg: fmt.Sprintf("review for task %s was already enacted as ready", taskID)}
		}
		prior = &existing
	case errors.Is(err, repo.ErrNotFound):
	default:
		return domain.ReviewResult{}, err
	}
	cfg, err := e.ProjectConfig(ctx, t.ProjectID)
	if err != nil {
		return domain.ReviewResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewResult{}, err
	}
	defer tx.Rollback()

	subtasks, err := e.Repo.ListSubtasksByTask(ctx, tx, taskID)
	if err != nil {
		return domain.ReviewResult{}, err
	}
	if len(subtasks) == 0 {
		return domain.ReviewResult{}, SubtasksIncompleteError{TaskID: taskID, Remaining: 0}
	}
	remaining, err := e.Repo.CountIncompleteSubtasks(ctx, tx, taskID)
	if err != nil {
		return domain.ReviewResult{}, err
	}
	if remaining > 0 {
		return domain.ReviewResult{}, SubtasksIncompleteError{TaskID: taskID, Remaining: remaining}
	}

	findings, err := e.Repo.ListFindings(ctx, tx, taskID)
	if err != nil {
		return domain.ReviewResult{}, err
	}
	scored := make([]domain.ScoredFinding, 0, len(findings))
	blockers := 0
	for _, f := range findings {
		sev := "non_blocker"
		if !f.Resolved && f.Score >= cfg.Reviewer.BlockerThreshold {
			sev = "blocker"
			blockers++
		}
		scored = append(scored, domain.ScoredFinding{Finding: f, Severity: sev})
	}
	decision := "ready"
	if blockers > 0 {
		decision = "blocked"
	}

	rr := domain.ReviewResult{
		ID:              uuid.New().String(),
		TaskID:          taskID,
		Findings:        scored,
		Decision:        decision,
		EnactedDecision: decision,
		Rev:             1,
		CreatedAt:       e.nowRFC3339(),
	}
	if prior != nil {
		rr.ID = prior.ID
		rr.CreatedAt = prior.CreatedAt
		newRev, err := e.Repo.ReplaceReviewVerdict(ctx, tx, prior.ID, scored, decision, prior.Rev)
		if err != nil {
			if errors.Is(err, repo.ErrStaleRev) {
				current, _ := e.Repo.GetReviewResult(ctx, nil, taskID)
				return current, VersionConflictError{Msg: fmt.Sprintf("review for task %s was modified concurrently", taskID)}
			}
			return rr, err
		}
		rr.Rev = newRev
	} else if err := e.Repo.InsertReviewResult(ctx, tx, rr); err != nil {
		return rr, err
	}
	if _, err := e.Events.Append(ctx, tx, "review.finalized", t.ProjectID, "review", rr.ID, actorID, rr.Rev-1, rr.Rev, events.EventPayload{
		"task_id":  taskID,
		"decision": decision,
		"blockers": blockers,
	}); err != nil {
		return rr, err
	}
	if decision == "ready" {
		if _, err := e.moveTask(ctx, tx, t, domain.TaskDone, 0, actorID); err != nil {
			return rr, err
		}
	}
	if err := tx.Commit(); err != nil {
		return rr, err
	}
	e.log().Info("review finalized",
		zap.String("task", taskID),
		zap.String("decision", decision),
		zap.Int("blockers", blockers))
	return rr, nil
}

// OverrideReview lets a PM enact a blocked verdict as ready. The reason is
// mandatory and, when the project requires it, a distinct second approver
// too. The recorded findings and original decision are never rewritten;
// only the enacted decision changes.
func (e Engine) OverrideReview(ctx context.Context, taskID, approver, reason string, secondApprover *string) (domain.ReviewResult, error) {
	if reason == "" {
		return domain.ReviewResult{}, validationf("override reason is required")
	}
	t, err := e.Repo.GetTask(ctx, nil, taskID)
	if err != nil {
		return domain.ReviewResult{}, err
	}
	cfg, err := e.ProjectConfig(ctx, t.ProjectID)
	if err != nil {
		return domain.ReviewResult{}, err
	}
	if cfg.Reviewer.OverrideRequiresSecondApprover {
		if secondApprover == nil || *secondApprover == "" {
			return domain.ReviewResult{}, validationf("project requires a second approver for overrides")
		}
		if *secondApprover == approver {
			return domain.ReviewResult{}, validationf("second approver must differ from the approver")
		}
	}
	rr, err := e.Repo.GetReviewResult(ctx, nil, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return rr, InvalidTransitionError{Msg: fmt.Sprintf("task %s has no review verdict to override", taskID)}
		}
		return rr, err
	}
	if rr.Decision != "blocked" {
		return rr, InvalidTransitionError{Msg: fmt.Sprintf("review for task %s is %s, nothing to override", taskID, rr.Decision)}
	}
	if rr.PMOverride != nil {
		return rr, InvalidTransitionError{Msg: fmt.Sprintf("review for task %s was already overridden", taskID)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rr, err
	}
	defer tx.Rollback()

	o := domain.PMOverride{
		Approver:       approver,
		Reason:         reason,
		SecondApprover: secondApprover,
		TS:             e.nowRFC3339(),
	}
	newRev, err := e.Repo.SetReviewOverride(ctx, tx, rr.ID, o, "ready", rr.Rev)
	if err != nil {
		if errors.Is(err, repo.ErrStaleRev) {
			current, _ := e.Repo.GetReviewResult(ctx, nil, taskID)
			return current, VersionConflictError{Msg: fmt.Sprintf("review for task %s was modified concurrently", taskID)}
		}
		return rr, err
	}
	if _, err := e.Events.Append(ctx, tx, "review.overridden", t.ProjectID, "review", rr.ID, approver, rr.Rev, newRev, events.EventPayload{
		"task_id": taskID,
		"reason":  reason,
	}); err != nil {
		return rr, err
	}
	if _, err := e.moveTask(ctx, tx, t, domain.TaskDone, 0, approver); err != nil {
		return rr, err
	}
	if err := tx.Commit(); err != nil {
		return rr, err
	}

	rr.EnactedDecision = "ready"
	rr.PMOverride = &o
	rr.Rev = newRev
	e.log().Warn("review override enacted",
		zap.String("task", taskID),
		zap.String("approver", approver))
	return rr, nil
}
