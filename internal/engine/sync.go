package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/repo"
)

// draftRank orders subtask draft statuses; sync events may only move a
// subtask forward through it.
func draftRank(status string) int {
	switch status {
	case domain.DraftNone:
		return 0
	case domain.DraftDrafted:
		return 1
	case domain.DraftDeveloperApproved:
		return 2
	case domain.DraftCompleted:
		return 3
	}
	return -1
}

// eventTarget maps a sync event kind to the draft status it establishes.
func eventTarget(kind string) (string, error) {
	switch kind {
	case domain.EventDraftCreated:
		return domain.DraftDrafted, nil
	case domain.EventDeveloperApproved:
		return domain.DraftDeveloperApproved, nil
	case domain.EventSubtaskCompleted:
		return domain.DraftCompleted, nil
	}
	return "", ValidationError{Msg: fmt.Sprintf("unknown sync event kind %q", kind)}
}

// ApplyResult is the outcome of submitting one sync event.
type ApplyResult struct {
	Subtask   domain.Subtask
	Duplicate bool
}

// ApplySyncEvent is the inbound half of the sync protocol. The event id is
// the idempotency key: a replay of an already-applied event returns the
// stored outcome without reapplying. An event is accepted only when its
// version is exactly the subtask's last applied version plus one; stale or
// gapped versions come back as a version conflict carrying the
// authoritative subtask state so the daemon can rebase.
func (e Engine) ApplySyncEvent(ctx context.Context, ev domain.SyncEvent, actorID string) (ApplyResult, error) {
	if ev.ID == "" {
		return ApplyResult{}, validationf("sync event id is required")
	}
	if ev.SubtaskID == "" {
		return ApplyResult{}, validationf("sync event subtask_id is required")
	}
	if ev.EventVersion < 1 {
		return ApplyResult{}, validationf("sync event version must be >= 1")
	}
	target, err := eventTarget(ev.Kind)
	if err != nil {
		return ApplyResult{}, err
	}

	if stored, err := e.Repo.GetSyncEvent(ctx, nil, ev.ID); err == nil {
		return e.replayOutcome(ctx, stored)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return ApplyResult{}, err
	}

	s, err := e.Repo.GetSubtask(ctx, nil, ev.SubtaskID)
	if err != nil {
		return ApplyResult{}, err
	}
	if s.DraftStatus == domain.DraftCompleted {
		return ApplyResult{Subtask: s}, AlreadyCompletedError{Subtask: s}
	}
	if ev.EventVersion <= s.LastEventVersion {
		return ApplyResult{Subtask: s}, VersionConflictError{
			Msg:     fmt.Sprintf("event version %d already applied, subtask at %d", ev.EventVersion, s.LastEventVersion),
			Subtask: &s,
		}
	}
	if ev.EventVersion > s.LastEventVersion+1 {
		return ApplyResult{Subtask: s}, VersionConflictError{
			Msg:     fmt.Sprintf("event version %d skips ahead of %d", ev.EventVersion, s.LastEventVersion),
			Subtask: &s,
			Gap:     true,
		}
	}
	if draftRank(target) <= draftRank(s.DraftStatus) {
		return ApplyResult{Subtask: s}, InvalidTransitionError{
			Msg: fmt.Sprintf("event %s cannot move subtask %s from %s", ev.Kind, s.ID, s.DraftStatus),
		}
	}

	t, err := e.Repo.GetTask(ctx, nil, s.TaskID)
	if err != nil {
		return ApplyResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	seq, err := e.Events.Append(ctx, tx, "subtask.sync", t.ProjectID, "subtask", s.ID, actorID, s.Rev, s.Rev+1, events.EventPayload{
		"event_id":      ev.ID,
		"kind":          ev.Kind,
		"event_version": ev.EventVersion,
		"draft_status":  target,
	})
	if err != nil {
		return ApplyResult{}, err
	}
	if err := e.Repo.AdvanceSubtask(ctx, tx, s.ID, target, s.LastEventVersion, seq, now); err != nil {
		if errors.Is(err, repo.ErrStaleRev) {
			current, gerr := e.Repo.GetSubtask(ctx, nil, s.ID)
			if gerr != nil {
				return ApplyResult{}, gerr
			}
			return ApplyResult{Subtask: current}, VersionConflictError{
				Msg:     fmt.Sprintf("subtask %s advanced concurrently", s.ID),
				Subtask: &current,
			}
		}
		return ApplyResult{}, err
	}
	ev.Outcome = "applied"
	ev.ReceivedAt = now
	if err := e.Repo.InsertSyncEvent(ctx, tx, ev); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// A concurrent submission won the idempotency key or the
			// version slot; discard our work and surface the winner's
			// outcome.
			tx.Rollback()
			stored, gerr := e.Repo.GetSyncEvent(ctx, nil, ev.ID)
			if gerr == nil {
				return e.replayOutcome(ctx, stored)
			}
			if !errors.Is(gerr, repo.ErrNotFound) {
				return ApplyResult{}, gerr
			}
			current, gerr := e.Repo.GetSubtask(ctx, nil, s.ID)
			if gerr != nil {
				return ApplyResult{}, gerr
			}
			return ApplyResult{Subtask: current}, VersionConflictError{
				Msg:     fmt.Sprintf("event version %d was claimed concurrently on subtask %s", ev.EventVersion, s.ID),
				Subtask: &current,
			}
		}
		return ApplyResult{}, err
	}

	switch target {
	case domain.DraftDrafted:
		if t.Status == domain.TaskApproved {
			if _, err := e.moveTask(ctx, tx, t, domain.TaskInProgress, 0, actorID); err != nil {
				return ApplyResult{}, err
			}
		}
	case domain.DraftCompleted:
		m, err := e.Repo.GetMember(ctx, tx, t.ProjectID, s.AssigneeID)
		if err == nil && m.CurrentLoad > 0 {
			if _, err := e.Repo.AdjustMemberLoad(ctx, tx, t.ProjectID, m.ID, -1, m.Rev); err != nil {
				return ApplyResult{}, err
			}
		} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return ApplyResult{}, err
		}
		remaining, err := e.Repo.CountIncompleteSubtasks(ctx, tx, t.ID)
		if err != nil {
			return ApplyResult{}, err
		}
		if remaining == 0 {
			if _, err := e.moveTask(ctx, tx, t, domain.TaskUnderReview, 0, actorID); err != nil {
				return ApplyResult{}, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, err
	}

	s.DraftStatus = target
	s.SyncStatus = domain.SyncSynced
	s.LastEventVersion = ev.EventVersion
	s.UpdatedSeq = seq
	s.Rev++
	s.UpdatedAt = now
	e.log().Info("sync event applied",
		zap.String("subtask", s.ID),
		zap.String("kind", ev.Kind),
		zap.Int64("version", ev.EventVersion))
	return ApplyResult{Subtask: s}, nil
}

// replayOutcome rebuilds the originally accepted result for a replayed
// idempotency key. The stored event pins the draft status and version the
// acceptance established, no matter how far the subtask has advanced since.
func (e Engine) replayOutcome(ctx context.Context, stored domain.SyncEvent) (ApplyResult, error) {
	s, err := e.Repo.GetSubtask(ctx, nil, stored.SubtaskID)
	if err != nil {
		return ApplyResult{}, err
	}
	if target, err := eventTarget(stored.Kind); err == nil {
		s.DraftStatus = target
	}
	s.LastEventVersion = stored.EventVersion
	s.SyncStatus = domain.SyncSynced
	return ApplyResult{Subtask: s, Duplicate: true}, nil
}

// AssignmentsPage is one outbound poll response.
type AssignmentsPage struct {
	Subtasks []domain.Subtask
	// NextSince is the cursor the daemon should present on its next poll.
	NextSince int64
}

// PollAssignments returns the subtasks whose state advanced past the
// daemon's cursor. Presenting a cursor acknowledges everything at or below
// it; polls are idempotent for an unchanged cursor.
func (e Engine) PollAssignments(ctx context.Context, developerID string, since int64) (AssignmentsPage, error) {
	if developerID == "" {
		return AssignmentsPage{}, validationf("developer id is required")
	}
	subtasks, err := e.Repo.ListAssignments(ctx, developerID, since)
	if err != nil {
		return AssignmentsPage{}, err
	}
	next := since
	for _, s := range subtasks {
		if s.UpdatedSeq > next {
			next = s.UpdatedSeq
		}
	}
	if err := e.Repo.UpsertDaemonCursor(ctx, nil, domain.DaemonCursor{
		DeveloperID: developerID,
		AckedSeq:    since,
		LastPollAt:  e.nowRFC3339(),
	}); err != nil {
		return AssignmentsPage{}, err
	}
	return AssignmentsPage{Subtasks: subtasks, NextSince: next}, nil
}
