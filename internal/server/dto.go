package server

import (
	"planline/internal/domain"
)

// --- requests ---

type CreateProjectRequest struct {
	ID          string   `json:"id"`
	Description *string  `json:"description,omitempty"`
	Goals       []string `json:"goals,omitempty"`
	Milestones  []string `json:"milestones,omitempty"`
	StartAt     *string  `json:"start_at,omitempty"`
	EndAt       *string  `json:"end_at,omitempty"`
	ExternalRef *string  `json:"external_ref,omitempty"`
}

type AddMemberRequest struct {
	ID       string `json:"id"`
	Role     string `json:"role" enum:"pm,developer,reviewer"`
	Capacity int    `json:"capacity,omitempty"`
}

type RegisterAgentRequest struct {
	ID           *string  `json:"id,omitempty"`
	OwnerID      string   `json:"owner_id"`
	Capabilities []string `json:"capabilities"`
	Version      *string  `json:"version,omitempty"`
	Endpoint     *string  `json:"endpoint,omitempty"`
}

type HeartbeatRequest struct {
	Status *string `json:"status,omitempty" enum:"online,degraded"`
}

type CreateTaskRequest struct {
	ID          *string           `json:"id,omitempty"`
	Title       string            `json:"title"`
	Type        string            `json:"type,omitempty"`
	Description *string           `json:"description,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	WorkItems   []WorkItemRequest `json:"work_items,omitempty"`
}

type WorkItemRequest struct {
	Title string `json:"title"`
	Kind  string `json:"kind,omitempty"`
}

type GeneratePlanRequest struct {
	TaskID string `json:"task_id"`
}

type RejectPlanRequest struct {
	Reason string `json:"reason"`
}

type SubmitSyncEventRequest struct {
	ID           string  `json:"id"`
	SubtaskID    string  `json:"subtask_id"`
	Kind         string  `json:"kind" enum:"draft_created,developer_approved,subtask_completed"`
	EventVersion int64   `json:"event_version"`
	Payload      *string `json:"payload,omitempty"`
}

type AddFindingRequest struct {
	TaskID        string  `json:"task_id"`
	SourceSubtask *string `json:"source_subtask,omitempty"`
	Score         float64 `json:"score"`
	Rationale     string  `json:"rationale"`
	Source        *string `json:"source,omitempty"`
}

type OverrideReviewRequest struct {
	Reason         string  `json:"reason"`
	SecondApprover *string `json:"second_approver,omitempty"`
}

type MintKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// --- responses ---

// The domain structs carry JSON tags already; responses reuse them where no
// reshaping is needed.

type ProjectResponse = domain.Project
type MemberResponse = domain.TeamMember
type AgentResponse = domain.LocalAgent
type TaskResponse = domain.Task
type PlanResponse = domain.Plan
type SubtaskResponse = domain.Subtask
type FindingResponse = domain.Finding
type ReviewResponse = domain.ReviewResult
type EventResponse = domain.AuditEvent

type ApprovePlanResponse struct {
	Plan     PlanResponse      `json:"plan"`
	Subtasks []SubtaskResponse `json:"subtasks"`
}

type AssignmentsResponse struct {
	Subtasks  []SubtaskResponse `json:"subtasks"`
	NextSince int64             `json:"next_since"`
}

type SyncEventResponse struct {
	Subtask   SubtaskResponse `json:"subtask"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

type StatusResponse struct {
	ProjectID  string         `json:"project_id"`
	Status     string         `json:"status"`
	TaskCounts map[string]int `json:"task_counts"`
}

type MintKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	// Key is shown exactly once; only its hash is stored.
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func emptyIfNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
