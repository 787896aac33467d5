package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/repo"
)

// candidate is one (developer, optional agent) pairing the planner scores
// for a work item.
type candidate struct {
	member domain.TeamMember
	agent  *domain.LocalAgent
	// tentative counts work items already assigned to this member within
	// the plan being generated, so one run spreads work.
	tentative int
}

func (c candidate) agentID() string {
	if c.agent == nil {
		return ""
	}
	return c.agent.ID
}

// GeneratePlan scores every developer (paired with their usable local
// agents) against each work item of the task and proposes a plan version
// for PM approval. Any pending plan for the task is superseded. When a
// work item has no eligible candidate the task is rejected.
func (e Engine) GeneratePlan(ctx context.Context, taskID, actorID string) (domain.Plan, error) {
	t, err := e.Repo.GetTask(ctx, nil, taskID)
	if err != nil {
		return domain.Plan{}, err
	}
	switch t.Status {
	case domain.TaskSubmitted, domain.TaskPlanning, domain.TaskPendingApproval:
	default:
		return domain.Plan{}, InvalidTransitionError{Msg: fmt.Sprintf("cannot plan task in status %s", t.Status)}
	}
	if len(t.WorkItems) == 0 {
		return domain.Plan{}, validationf("task %s has no work items", t.ID)
	}
	cfg, err := e.ProjectConfig(ctx, t.ProjectID)
	if err != nil {
		return domain.Plan{}, err
	}

	cands, err := e.collectCandidates(ctx, t.ProjectID, cfg)
	if err != nil {
		return domain.Plan{}, err
	}

	assignments := make([]domain.Assignment, 0, len(t.WorkItems))
	for i, item := range t.WorkItems {
		best, score, rationale := e.pickCandidate(ctx, cands, item, cfg)
		if best == nil {
			if _, rerr := e.rejectTask(ctx, t, fmt.Sprintf("no candidate for work item %q", item.Title), actorID); rerr != nil {
				return domain.Plan{}, rerr
			}
			return domain.Plan{}, InsufficientCandidatesError{TaskID: t.ID, Reason: fmt.Sprintf("no eligible developer for work item %q", item.Title)}
		}
		best.tentative++
		a := domain.Assignment{
			WorkItem:  i,
			Title:     item.Title,
			Kind:      item.Kind,
			Assignee:  best.member.ID,
			Score:     score,
			Rationale: rationale,
		}
		if best.agent != nil {
			id := best.agent.ID
			a.AgentID = &id
		}
		assignments = append(assignments, a)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()

	if pending, err := e.Repo.PendingPlan(ctx, tx, t.ID); err == nil {
		if _, err := e.Repo.SupersedePlan(ctx, tx, pending.ID, pending.Rev); err != nil {
			if errors.Is(err, repo.ErrStaleRev) {
				return domain.Plan{}, VersionConflictError{Msg: fmt.Sprintf("plan %s was decided concurrently", pending.ID), Plan: &pending}
			}
			return domain.Plan{}, err
		}
		if _, err := e.Events.Append(ctx, tx, "plan.superseded", t.ProjectID, "plan", pending.ID, actorID, pending.Rev, pending.Rev+1, nil); err != nil {
			return domain.Plan{}, err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Plan{}, err
	}

	version, err := e.Repo.LatestPlanVersion(ctx, tx, t.ID)
	if err != nil {
		return domain.Plan{}, err
	}
	p := domain.Plan{
		ID:          uuid.New().String(),
		TaskID:      t.ID,
		Version:     version + 1,
		Status:      domain.PlanPending,
		Assignments: assignments,
		Rev:         1,
		CreatedAt:   e.nowRFC3339(),
	}
	if err := e.Repo.InsertPlan(ctx, tx, p); err != nil {
		return domain.Plan{}, err
	}
	if _, err := e.Events.Append(ctx, tx, "plan.generated", t.ProjectID, "plan", p.ID, actorID, 0, 1, events.EventPayload{
		"task_id": t.ID,
		"version": p.Version,
	}); err != nil {
		return domain.Plan{}, err
	}
	if _, err := e.moveTask(ctx, tx, t, domain.TaskPendingApproval, p.Version, actorID); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	e.log().Info("plan generated",
		zap.String("task", t.ID),
		zap.String("plan", p.ID),
		zap.Int("version", p.Version),
		zap.Int("assignments", len(assignments)))
	return p, nil
}

// collectCandidates builds the candidate pool: every developer of the
// project as a human-only candidate, plus one candidate per usable local
// agent they own. Offline (or heartbeat-stale) agents never enter the pool;
// an agent whose capability probe fails drops to its owner's human-only
// entry.
func (e Engine) collectCandidates(ctx context.Context, projectID string, cfg *config.Config) ([]*candidate, error) {
	members, err := e.Repo.ListMembers(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	agents, err := e.Repo.ListAgents(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	allowed := map[string]bool{}
	for _, id := range cfg.Agents.Allowlist {
		allowed[id] = true
	}

	byOwner := map[string][]domain.LocalAgent{}
	for _, a := range agents {
		a = e.EffectiveAgent(a, cfg)
		if a.Status == domain.AgentOffline {
			continue
		}
		if len(allowed) > 0 && !allowed[a.ID] {
			continue
		}
		if a.Endpoint != "" && e.Probe != nil {
			caps, perr := e.Probe.Capabilities(ctx, a.Endpoint, cfg.ProbeTimeout())
			if perr != nil {
				e.log().Warn("capability probe failed, excluding agent",
					zap.String("agent", a.ID),
					zap.Error(SourceUnavailableError{Source: a.ID, Err: perr}))
				continue
			}
			if len(caps) > 0 {
				a.Capabilities = caps
			}
		}
		byOwner[a.OwnerID] = append(byOwner[a.OwnerID], a)
	}

	var cands []*candidate
	for _, m := range members {
		if m.Role != "developer" {
			continue
		}
		cands = append(cands, &candidate{member: m})
		for i := range byOwner[m.ID] {
			a := byOwner[m.ID][i]
			cands = append(cands, &candidate{member: m, agent: &a})
		}
	}
	return cands, nil
}

// pickCandidate scores the pool against one work item and returns the
// winner. Ties break on lower effective load, then member id, then agent id.
func (e Engine) pickCandidate(ctx context.Context, cands []*candidate, item domain.WorkItem, cfg *config.Config) (*candidate, float64, string) {
	type scored struct {
		c         *candidate
		score     float64
		load      float64
		rationale string
	}
	var pool []scored
	for _, c := range cands {
		load := c.member.CurrentLoad + c.tentative
		if load >= c.member.Capacity {
			continue
		}
		capScore := 0.0
		history := 0.0
		penalty := 0.0
		if c.agent != nil {
			capScore = capabilityOverlap(c.agent.Capabilities, item.Kind)
			if rate, err := e.Repo.AgentCompletionRate(ctx, c.agent.ID); err == nil {
				history = rate
			}
			if c.agent.Status == domain.AgentDegraded {
				penalty = cfg.Planner.DegradedPenalty
			}
		}
		loadScore := 1 - float64(load)/float64(c.member.Capacity)
		total := capScore*cfg.Planner.Weights.Capability +
			loadScore*cfg.Planner.Weights.Load +
			history*cfg.Planner.Weights.History -
			penalty
		rationale := fmt.Sprintf("capability=%.2f load=%.2f history=%.2f penalty=%.2f", capScore, loadScore, history, penalty)
		pool = append(pool, scored{c: c, score: total, load: float64(load), rationale: rationale})
	}
	if len(pool) == 0 {
		return nil, 0, ""
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		if pool[i].load != pool[j].load {
			return pool[i].load < pool[j].load
		}
		if pool[i].c.member.ID != pool[j].c.member.ID {
			return pool[i].c.member.ID < pool[j].c.member.ID
		}
		return pool[i].c.agentID() < pool[j].c.agentID()
	})
	best := pool[0]
	return best.c, best.score, best.rationale
}

// capabilityOverlap is 1 when the agent declares the work item's kind, 0.5
// when it only declares the "*" wildcard, else 0.
func capabilityOverlap(caps []string, kind string) float64 {
	for _, c := range caps {
		if c == kind {
			return 1
		}
	}
	for _, c := range caps {
		if c == "*" {
			return 0.5
		}
	}
	return 0
}

// rejectTask terminally rejects a task in its own transaction and records
// the reason.
func (e Engine) rejectTask(ctx context.Context, t domain.Task, reason, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	moved, err := e.moveTask(ctx, tx, t, domain.TaskRejected, 0, actorID)
	if err != nil {
		return t, err
	}
	if _, err := e.Events.Append(ctx, tx, "task.rejected", t.ProjectID, "task", t.ID, actorID, t.Rev, moved.Rev, events.EventPayload{"reason": reason}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.log().Warn("task rejected", zap.String("task", t.ID), zap.String("reason", reason))
	return moved, nil
}
