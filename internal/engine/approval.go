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

// ApprovePlan enacts a pending plan: the decision is recorded, one subtask
// per assignment is activated for sync, assignee loads are bumped, and the
// task moves to approved. All of it commits atomically.
func (e Engine) ApprovePlan(ctx context.Context, planID, actorID string) (domain.Plan, []domain.Subtask, error) {
	p, err := e.Repo.GetPlan(ctx, nil, planID)
	if err != nil {
		return p, nil, err
	}
	if p.Status != domain.PlanPending {
		return p, nil, InvalidTransitionError{Msg: fmt.Sprintf("plan %s is %s, not pending approval", p.ID, p.Status)}
	}
	t, err := e.Repo.GetTask(ctx, nil, p.TaskID)
	if err != nil {
		return p, nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, nil, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	newRev, err := e.Repo.DecidePlan(ctx, tx, p.ID, domain.PlanApproved, actorID, now, nil, p.Rev)
	if err != nil {
		if errors.Is(err, repo.ErrStaleRev) {
			return e.planConflict(ctx, p.ID)
		}
		return p, nil, err
	}
	if _, err := e.Events.Append(ctx, tx, "plan.approved", t.ProjectID, "plan", p.ID, actorID, p.Rev, newRev, events.EventPayload{"task_id": t.ID, "version": p.Version}); err != nil {
		return p, nil, err
	}

	subtasks := make([]domain.Subtask, 0, len(p.Assignments))
	bumped := map[string]int64{}
	for _, a := range p.Assignments {
		s := domain.Subtask{
			ID:          uuid.New().String(),
			TaskID:      t.ID,
			PlanID:      p.ID,
			Title:       a.Title,
			Kind:        a.Kind,
			AssigneeID:  a.Assignee,
			AgentID:     a.AgentID,
			DraftStatus: domain.DraftNone,
			SyncStatus:  domain.SyncPending,
			Rev:         1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		seq, err := e.Events.Append(ctx, tx, "subtask.activated", t.ProjectID, "subtask", s.ID, actorID, 0, 1, events.EventPayload{
			"task_id":  t.ID,
			"assignee": s.AssigneeID,
		})
		if err != nil {
			return p, nil, err
		}
		s.UpdatedSeq = seq
		if err := e.Repo.InsertSubtask(ctx, tx, s); err != nil {
			return p, nil, err
		}
		subtasks = append(subtasks, s)

		if _, seen := bumped[a.Assignee]; !seen {
			m, err := e.Repo.GetMember(ctx, tx, t.ProjectID, a.Assignee)
			if err != nil {
				return p, nil, err
			}
			bumped[a.Assignee] = m.Rev
		}
		rev, err := e.Repo.AdjustMemberLoad(ctx, tx, t.ProjectID, a.Assignee, 1, bumped[a.Assignee])
		if err != nil {
			return p, nil, err
		}
		bumped[a.Assignee] = rev
	}

	if _, err := e.moveTask(ctx, tx, t, domain.TaskApproved, p.Version, actorID); err != nil {
		return p, nil, err
	}
	if err := tx.Commit(); err != nil {
		return p, nil, err
	}

	p.Status = domain.PlanApproved
	p.DecidedBy = &actorID
	p.DecidedAt = &now
	p.Rev = newRev
	e.log().Info("plan approved",
		zap.String("task", t.ID),
		zap.String("plan", p.ID),
		zap.Int("subtasks", len(subtasks)))
	return p, subtasks, nil
}

// RejectPlan records the decision with its mandatory reason and sends the
// task back to planning for regeneration.
func (e Engine) RejectPlan(ctx context.Context, planID, reason, actorID string) (domain.Plan, error) {
	if reason == "" {
		return domain.Plan{}, validationf("rejection reason is required")
	}
	p, err := e.Repo.GetPlan(ctx, nil, planID)
	if err != nil {
		return p, err
	}
	if p.Status != domain.PlanPending {
		return p, InvalidTransitionError{Msg: fmt.Sprintf("plan %s is %s, not pending approval", p.ID, p.Status)}
	}
	t, err := e.Repo.GetTask(ctx, nil, p.TaskID)
	if err != nil {
		return p, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	newRev, err := e.Repo.DecidePlan(ctx, tx, p.ID, domain.PlanRejected, actorID, now, &reason, p.Rev)
	if err != nil {
		if errors.Is(err, repo.ErrStaleRev) {
			conflicted, _, cerr := e.planConflict(ctx, p.ID)
			return conflicted, cerr
		}
		return p, err
	}
	if _, err := e.Events.Append(ctx, tx, "plan.rejected", t.ProjectID, "plan", p.ID, actorID, p.Rev, newRev, events.EventPayload{"reason": reason}); err != nil {
		return p, err
	}
	if _, err := e.moveTask(ctx, tx, t, domain.TaskPlanning, 0, actorID); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}

	p.Status = domain.PlanRejected
	p.DecidedBy = &actorID
	p.DecidedAt = &now
	p.RejectionReason = &reason
	p.Rev = newRev
	e.log().Info("plan rejected", zap.String("task", t.ID), zap.String("plan", p.ID))
	return p, nil
}

// planConflict rereads after a lost CAS: an already-decided plan is an
// invalid transition, anything else a retryable conflict carrying the
// authoritative plan.
func (e Engine) planConflict(ctx context.Context, planID string) (domain.Plan, []domain.Subtask, error) {
	current, err := e.Repo.GetPlan(ctx, nil, planID)
	if err != nil {
		return current, nil, err
	}
	if current.Status != domain.PlanPending {
		return current, nil, InvalidTransitionError{Msg: fmt.Sprintf("plan %s already %s", current.ID, current.Status)}
	}
	return current, nil, VersionConflictError{Msg: fmt.Sprintf("plan %s was modified concurrently", current.ID), Plan: &current}
}
