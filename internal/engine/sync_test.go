package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/repo"
)

func TestSyncEventLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := env.createTask(t, "synced work")
	subtasks := env.approvedSubtasks(t, task.ID)
	require.Len(t, subtasks, 1)
	s := subtasks[0]

	// First daemon event drafts the subtask and starts the task.
	res, err := env.Engine.ApplySyncEvent(env.Ctx, domain.SyncEvent{
		ID: "e1", SubtaskID: s.ID, Kind: domain.EventDraftCreated, EventVersion: 1,
	}, "dev-a")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, domain.DraftDrafted, res.Subtask.DraftStatus)
	assert.Equal(t, domain.SyncSynced, res.Subtask.SyncStatus)
	assert.EqualValues(t, 1, res.Subtask.LastEventVersion)

	got, _ := env.Engine.Repo.GetTask(env.Ctx, nil, task.ID)
	assert.Equal(t, domain.TaskInProgress, got.Status)

	// Replaying the same event id returns the stored outcome.
	res, err = env.Engine.ApplySyncEvent(env.Ctx, domain.SyncEvent{
		ID: "e1", SubtaskID: s.ID, Kind: domain.EventDraftCreated, EventVersion: 1,
	}, "dev-a")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, domain.DraftDrafted, res.Subtask.DraftStatus)

	_, err = env.Engine.ApplySyncEvent(env.Ctx, domain.SyncEvent{
		ID: "e2", SubtaskID: s.ID, Kind: domain.EventDeveloperApproved, EventVersion: 2,
	}, "dev-a")
	require.NoError(t, err)

	// Replaying e1 after the subtask advanced still returns the outcome e1
	// originally established, not the current state.
	res, err = env.Engine.ApplySyncEvent(env.Ctx, domain.SyncEvent{
		ID: "e1", SubtaskID: s.ID, Kind: domain.EventDraftCreated, EventVersion: 1,
	}, "dev-a")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, domain.DraftDrafted, res.Subtask.DraftStatus)
	assert.EqualValues(t, 1, res.Subtask.LastEventVersion)

	// Completion finishes the only subtask: task goes under review and the
	// assignee's load is released.
	res, err = env.Engine.ApplySyncEvent(env.Ctx, domain.SyncEvent{
		ID: "e3", SubtaskID: s.ID, Kind: domain.EventSubtaskCompleted, EventVersion: 3,
	}, "dev-a")
	require.NoError(t, err)
	assert.Equal(t, domain.DraftCompleted, res.Subtask.DraftStatus)

	got, _ = env.Engine.Repo.GetTask(env.Ctx, nil, task.ID)
	assert.Equal(t, domain.TaskUnderReview, got.Status)
	m, err := env.Engine.Repo.GetMember(env.Ctx, nil, "proj-1", "dev-a")
	require.NoError(t, err)
	assert.Equal(t, 0, m.CurrentLoad)

	// A completed subtask accepts nothing further.
	_, err = env.Engine.ApplySyncEvent(env.Ctx, domain.SyncEvent{
		ID: "e4", SubtaskID: s.ID, Kind: domain.EventSubtaskCompleted, EventVersion: 4,
	}, "dev-a")
	var ac engine.AlreadyCompletedError
	require.ErrorAs(t, err, &ac)
	assert.Equal(t, s.ID, ac.Subtask.ID)
}

func TestSyncEventVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := env.createTask(t, "conflicted")
	s := env.approvedSubtasks(t, task.ID)[0]

	_, err := env.Engine.ApplySyncEvent(env.Ctx, domain.SyncEvent{
		ID: "e1", SubtaskID: s.ID, Kind: domain.EventDraftCreated, EventVersion: 1,
	}, "dev-a")
	require.NoError(t, err)

	// Stale version with a new idempotency key: conflict with authoritative
	// state attached, no gap.
	_, err = env.Engine.ApplySyncEvent(env.Ctx, domain.SyncEvent{
		ID: "e2", SubtaskID: s.ID, Kind: domain.EventDeveloperApproved, EventVersion: 1,
	}, "dev-a")
	var vc engine.VersionConflictError
	require.ErrorAs(t, err, &vc)
	require.NotNil(t, vc.Subtask)
	assert.EqualValues(t, 1, vc.Subtask.LastEventVersion)
	assert.False(t, vc.Gap)

	// Skipping ahead is a gap: the daemon must rewind its queue.
	_, err = env.Engine.ApplySyncEvent(env.Ctx, domain.SyncEvent{
		ID: "e3", SubtaskID: s.ID, Kind: domain.EventSubtaskCompleted, EventVersion: 5,
	}, "dev-a")
	require.ErrorAs(t, err, &vc)
	assert.True(t, vc.Gap)
	require.NotNil(t, vc.Subtask)
	assert.EqualValues(t, 1, vc.Subtask.LastEventVersion)

	// Neither rejection was recorded as applied.
	cur, err := env.Engine.Repo.GetSubtask(env.Ctx, nil, s.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur.LastEventVersion)
	assert.Equal(t, domain.DraftDrafted, cur.DraftStatus)
}

func TestSyncEventCannotMoveDraftBackward(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := env.createTask(t, "forward only")
	s := env.approvedSubtasks(t, task.ID)[0]

	for i, kind := range []string{domain.EventDraftCreated, domain.EventDeveloperApproved} {
		_, err := env.Engine.ApplySyncEvent(env.Ctx, domain.SyncEvent{
			ID: kind, SubtaskID: s.ID, Kind: kind, EventVersion: int64(i + 1),
		}, "dev-a")
		require.NoError(t, err)
	}

	// Correct next version but a regressive kind.
	_, err := env.Engine.ApplySyncEvent(env.Ctx, domain.SyncEvent{
		ID: "regress", SubtaskID: s.ID, Kind: domain.EventDraftCreated, EventVersion: 3,
	}, "dev-a")
	var it engine.InvalidTransitionError
	require.ErrorAs(t, err, &it)
}

func TestSyncEventValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []domain.SyncEvent{
		{SubtaskID: "s", Kind: domain.EventDraftCreated, EventVersion: 1},
		{ID: "e", Kind: domain.EventDraftCreated, EventVersion: 1},
		{ID: "e", SubtaskID: "s", Kind: domain.EventDraftCreated, EventVersion: 0},
		{ID: "e", SubtaskID: "s", Kind: "weird", EventVersion: 1},
	}
	for _, ev := range cases {
		_, err := env.Engine.ApplySyncEvent(env.Ctx, ev, "dev-a")
		var ve engine.ValidationError
		assert.ErrorAs(t, err, &ve, "event %+v", ev)
	}
}

func TestSyncEventInsertCollisionIsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := env.createTask(t, "raced")
	s := env.approvedSubtasks(t, task.ID)[0]

	ev := domain.SyncEvent{
		ID: "race-1", SubtaskID: s.ID, Kind: domain.EventDraftCreated,
		EventVersion: 1, Outcome: "applied", ReceivedAt: "2026-01-01T00:00:00Z",
	}
	tx, err := env.Engine.DB.Begin()
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.InsertSyncEvent(env.Ctx, tx, ev))
	require.NoError(t, tx.Commit())

	// Same idempotency key again.
	tx, err = env.Engine.DB.Begin()
	require.NoError(t, err)
	err = env.Engine.Repo.InsertSyncEvent(env.Ctx, tx, ev)
	assert.ErrorIs(t, err, repo.ErrDuplicate)
	require.NoError(t, tx.Rollback())

	// A different key claiming the same applied version slot.
	ev.ID = "race-2"
	tx, err = env.Engine.DB.Begin()
	require.NoError(t, err)
	err = env.Engine.Repo.InsertSyncEvent(env.Ctx, tx, ev)
	assert.ErrorIs(t, err, repo.ErrDuplicate)
	require.NoError(t, tx.Rollback())
}

func TestPollAssignmentsCursor(t *testing.T) {
	env := newTestEnv(t)
	env.addDeveloper(t, "dev-a", 3)
	task := env.createTask(t, "polled")
	s := env.approvedSubtasks(t, task.ID)[0]

	page, err := env.Engine.PollAssignments(env.Ctx, "dev-a", 0)
	require.NoError(t, err)
	require.Len(t, page.Subtasks, 1)
	assert.Equal(t, s.ID, page.Subtasks[0].ID)
	assert.Equal(t, s.UpdatedSeq, page.NextSince)

	// Nothing changed: the same cursor yields an empty delta.
	page2, err := env.Engine.PollAssignments(env.Ctx, "dev-a", page.NextSince)
	require.NoError(t, err)
	assert.Empty(t, page2.Subtasks)
	assert.Equal(t, page.NextSince, page2.NextSince)

	// A state change bumps updated_seq past the cursor.
	_, err = env.Engine.ApplySyncEvent(env.Ctx, domain.SyncEvent{
		ID: "e1", SubtaskID: s.ID, Kind: domain.EventDraftCreated, EventVersion: 1,
	}, "dev-a")
	require.NoError(t, err)

	page3, err := env.Engine.PollAssignments(env.Ctx, "dev-a", page.NextSince)
	require.NoError(t, err)
	require.Len(t, page3.Subtasks, 1)
	assert.Equal(t, domain.DraftDrafted, page3.Subtasks[0].DraftStatus)
	assert.Greater(t, page3.NextSince, page.NextSince)

	// The daemon's acknowledged cursor is recorded.
	cur, err := env.Engine.Repo.GetDaemonCursor(env.Ctx, "dev-a")
	require.NoError(t, err)
	assert.Equal(t, page.NextSince, cur.AckedSeq)
}
