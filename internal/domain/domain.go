package domain

// Task lifecycle statuses.
const (
	TaskSubmitted       = "submitted"
	TaskPlanning        = "planning"
	TaskPendingApproval = "pending_approval"
	TaskApproved        = "approved"
	TaskInProgress      = "in_progress"
	TaskUnderReview     = "under_review"
	TaskDone            = "done"
	TaskRejected        = "rejected"
)

// Plan statuses. Superseded marks a pending plan displaced by a newer
// version; it is terminal and keeps the history append-only.
const (
	PlanDraft      = "draft"
	PlanPending    = "pending_pm_approval"
	PlanApproved   = "approved"
	PlanRejected   = "rejected"
	PlanSuperseded = "superseded"
)

// Subtask draft statuses, in strictly increasing order.
const (
	DraftNone              = "none"
	DraftDrafted           = "drafted"
	DraftDeveloperApproved = "developer_approved"
	DraftCompleted         = "completed"
)

// Subtask sync statuses.
const (
	SyncPending  = "pending"
	SyncSynced   = "synced"
	SyncConflict = "conflict"
)

// Local agent statuses.
const (
	AgentOnline   = "online"
	AgentOffline  = "offline"
	AgentDegraded = "degraded"
)

// SyncEvent kinds.
const (
	EventDraftCreated      = "draft_created"
	EventDeveloperApproved = "developer_approved"
	EventSubtaskCompleted  = "subtask_completed"
)

type Project struct {
	ID          string   `json:"id"`
	Status      string   `json:"status" enum:"active,archived"`
	Description string   `json:"description,omitempty"`
	Goals       []string `json:"goals,omitempty"`
	Milestones  []string `json:"milestones,omitempty"`
	StartAt     *string  `json:"start_at,omitempty" format:"date-time"`
	EndAt       *string  `json:"end_at,omitempty" format:"date-time"`
	ExternalRef *string  `json:"external_ref,omitempty"`
	Rev         int64    `json:"rev"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type TeamMember struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Role        string `json:"role" enum:"pm,developer,reviewer"`
	Capacity    int    `json:"capacity"`
	CurrentLoad int    `json:"current_load"`
	Rev         int64  `json:"rev"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type LocalAgent struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	OwnerID      string   `json:"owner_id"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version,omitempty"`
	Endpoint     string   `json:"endpoint,omitempty"`
	Status       string   `json:"status" enum:"online,offline,degraded"`
	HeartbeatAt  string   `json:"heartbeat_at,omitempty" format:"date-time"`
	// Stale is derived at read time from the heartbeat threshold; it is
	// never persisted.
	Stale     bool   `json:"stale,omitempty"`
	Rev       int64  `json:"rev"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// WorkItem is one unit of the task breakdown the planner assigns.
type WorkItem struct {
	Title string `json:"title"`
	Kind  string `json:"kind"`
}

type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status" enum:"submitted,planning,pending_approval,approved,in_progress,under_review,done,rejected"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	WorkItems   []WorkItem `json:"work_items,omitempty"`
	PlanVersion int        `json:"plan_version"`
	Rev         int64      `json:"rev"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

// Assignment maps one work item of a plan to an assignee and, optionally,
// a local agent, with the scoring rationale.
type Assignment struct {
	WorkItem  int     `json:"work_item"`
	Title     string  `json:"title"`
	Kind      string  `json:"kind"`
	Assignee  string  `json:"assignee"`
	AgentID   *string `json:"agent_id,omitempty"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

type Plan struct {
	ID              string       `json:"id"`
	TaskID          string       `json:"task_id"`
	Version         int          `json:"version"`
	Status          string       `json:"status" enum:"draft,pending_pm_approval,approved,rejected,superseded"`
	Assignments     []Assignment `json:"assignments"`
	CreatedAt       string       `json:"created_at" format:"date-time"`
	DecidedBy       *string      `json:"decided_by,omitempty"`
	DecidedAt       *string      `json:"decided_at,omitempty" format:"date-time"`
	RejectionReason *string      `json:"rejection_reason,omitempty"`
	Rev             int64        `json:"rev"`
}

type Subtask struct {
	ID               string  `json:"id"`
	TaskID           string  `json:"task_id"`
	PlanID           string  `json:"plan_id"`
	Title            string  `json:"title"`
	Kind             string  `json:"kind"`
	AssigneeID       string  `json:"assignee_id"`
	AgentID          *string `json:"agent_id,omitempty"`
	DraftStatus      string  `json:"draft_status" enum:"none,drafted,developer_approved,completed"`
	SyncStatus       string  `json:"sync_status" enum:"pending,synced,conflict"`
	LastEventVersion int64   `json:"last_event_version"`
	// UpdatedSeq is the audit event id of the last mutation; it orders
	// outbound sync deltas.
	UpdatedSeq int64  `json:"updated_seq"`
	Rev        int64  `json:"rev"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// SyncEvent is the inbound envelope from a local sync daemon. ID doubles as
// the idempotency key.
type SyncEvent struct {
	ID           string `json:"id"`
	SubtaskID    string `json:"subtask_id"`
	Kind         string `json:"kind" enum:"draft_created,developer_approved,subtask_completed"`
	EventVersion int64  `json:"event_version"`
	PayloadJSON  string `json:"payload_json,omitempty"`
	Outcome      string `json:"outcome" enum:"applied,rejected"`
	ReceivedAt   string `json:"received_at" format:"date-time"`
}

// DaemonCursor records the last outbound cursor a developer's daemon
// acknowledged, plus when it last polled.
type DaemonCursor struct {
	DeveloperID string `json:"developer_id"`
	AckedSeq    int64  `json:"acked_seq"`
	LastPollAt  string `json:"last_poll_at" format:"date-time"`
}

type Finding struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	SourceSubtask string  `json:"source_subtask,omitempty"`
	Score         float64 `json:"score"`
	Rationale     string  `json:"rationale"`
	Source        string  `json:"source,omitempty"`
	Resolved      bool    `json:"resolved"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// ScoredFinding is a finding bucketed at finalize time.
type ScoredFinding struct {
	Finding
	Severity string `json:"severity" enum:"blocker,non_blocker"`
}

type PMOverride struct {
	Approver       string  `json:"approver"`
	Reason         string  `json:"reason"`
	SecondApprover *string `json:"second_approver,omitempty"`
	TS             string  `json:"ts" format:"date-time"`
}

type ReviewResult struct {
	ID       string          `json:"id"`
	TaskID   string          `json:"task_id"`
	Findings []ScoredFinding `json:"findings"`
	Decision string          `json:"decision" enum:"ready,blocked"`
	// EnactedDecision differs from Decision only after a PM override.
	EnactedDecision string      `json:"enacted_decision" enum:"ready,blocked"`
	PMOverride      *PMOverride `json:"pm_override,omitempty"`
	Rev             int64       `json:"rev"`
	CreatedAt       string      `json:"created_at" format:"date-time"`
}

// AuditEvent is one row of the append-only audit log.
type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	BeforeRev  int64  `json:"before_rev"`
	AfterRev   int64  `json:"after_rev"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
