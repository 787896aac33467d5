package engine

import (
	"fmt"

	"planline/internal/domain"
)

// ValidationError rejects malformed input. Not retryable.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// VersionConflictError means an optimistic write lost, a sync event arrived
// out of sequence, or a stale replay used an unknown idempotency key. The
// caller must rebase on the carried authoritative state and retry.
type VersionConflictError struct {
	Msg string
	// Exactly one of these carries the authoritative state.
	Subtask *domain.Subtask
	Plan    *domain.Plan
	// Gap is set when the event version skipped past current+1.
	Gap bool
}

func (e VersionConflictError) Error() string { return e.Msg }

// InvalidTransitionError is a state machine violation. Not retryable.
type InvalidTransitionError struct {
	Msg string
}

func (e InvalidTransitionError) Error() string { return e.Msg }

// AlreadyCompletedError rejects sync events against a terminal subtask.
type AlreadyCompletedError struct {
	Subtask domain.Subtask
}

func (e AlreadyCompletedError) Error() string {
	return fmt.Sprintf("subtask %s already completed", e.Subtask.ID)
}

// InsufficientCandidatesError means planning found no assignable team member
// for at least one work item.
type InsufficientCandidatesError struct {
	TaskID string
	Reason string
}

func (e InsufficientCandidatesError) Error() string {
	return fmt.Sprintf("insufficient candidates for task %s: %s", e.TaskID, e.Reason)
}

// SubtasksIncompleteError blocks review finalization.
type SubtasksIncompleteError struct {
	TaskID    string
	Remaining int
}

func (e SubtasksIncompleteError) Error() string {
	return fmt.Sprintf("task %s has %d incomplete subtasks", e.TaskID, e.Remaining)
}

// SourceUnavailableError wraps an unreachable upstream (local agent or sync
// daemon). Callers degrade to last-known state; it never fails a read.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e SourceUnavailableError) Unwrap() error { return e.Err }
