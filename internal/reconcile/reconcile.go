// Package reconcile runs the periodic drift check between the server's
// subtask state and what each developer's sync daemon believes. It only
// observes and flags; divergent state is never force-written from either
// side.
package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/events"
	"planline/internal/repo"
)

// StateProber asks a daemon for its local view of a subtask.
type StateProber interface {
	SubtaskState(ctx context.Context, endpoint, subtaskID string, timeout time.Duration) (string, int64, error)
}

type Reconciler struct {
	Engine engine.Engine
	Probe  StateProber
	Log    *zap.Logger
}

// Run loops until the context is cancelled, reconciling every project on
// its configured interval. Projects share one ticker set to the smallest
// configured interval; per-project intervals gate inside runs.
func (r Reconciler) Run(ctx context.Context) error {
	interval, err := r.minInterval(ctx)
	if err != nil {
		return err
	}
	log := r.log()
	log.Info("reconciler started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r Reconciler) minInterval(ctx context.Context) (time.Duration, error) {
	projects, err := r.Engine.Repo.ListProjects(ctx)
	if err != nil {
		return 0, err
	}
	min := time.Duration(0)
	for _, p := range projects {
		cfg, err := r.Engine.ProjectConfig(ctx, p.ID)
		if err != nil {
			continue
		}
		if iv := cfg.ReconcileInterval(); min == 0 || iv < min {
			min = iv
		}
	}
	if min == 0 {
		min = 30 * time.Second
	}
	return min, nil
}

// RunOnce performs a single reconciliation sweep: stale agents are marked
// offline and every not-yet-synced subtask is probed against its daemon.
func (r Reconciler) RunOnce(ctx context.Context) {
	log := r.log()
	projects, err := r.Engine.Repo.ListProjects(ctx)
	if err != nil {
		log.Error("reconcile: list projects", zap.Error(err))
		return
	}
	for _, p := range projects {
		if p.Status != "active" {
			continue
		}
		if err := r.reconcileProject(ctx, p.ID); err != nil {
			log.Error("reconcile: project sweep", zap.String("project", p.ID), zap.Error(err))
		}
	}
}

func (r Reconciler) reconcileProject(ctx context.Context, projectID string) error {
	log := r.log()
	cfg, err := r.Engine.ProjectConfig(ctx, projectID)
	if err != nil {
		return err
	}

	agents, err := r.Engine.Repo.ListAgents(ctx, nil, projectID)
	if err != nil {
		return err
	}
	endpoints := map[string]string{}
	for _, a := range agents {
		eff := r.Engine.EffectiveAgent(a, cfg)
		if eff.Stale && a.Status != domain.AgentOffline {
			if err := r.Engine.Repo.SetAgentStatus(ctx, nil, a.ID, domain.AgentOffline); err != nil {
				log.Warn("reconcile: mark agent offline", zap.String("agent", a.ID), zap.Error(err))
			} else {
				log.Info("agent heartbeat stale, marked offline", zap.String("agent", a.ID))
			}
		}
		endpoints[a.ID] = a.Endpoint
	}

	subtasks, err := r.Engine.Repo.ListUnsyncedSubtasks(ctx, projectID)
	if err != nil {
		return err
	}
	for _, s := range subtasks {
		r.reconcileSubtask(ctx, projectID, s, endpoints, cfg.ProbeTimeout())
	}
	return nil
}

// reconcileSubtask probes the daemon side of one subtask. Unreachable
// daemons keep the last-known state; a daemon claiming versions the server
// never applied is a conflict for an operator to resolve.
func (r Reconciler) reconcileSubtask(ctx context.Context, projectID string, s domain.Subtask, endpoints map[string]string, timeout time.Duration) {
	log := r.log()
	if r.Probe == nil || s.AgentID == nil {
		return
	}
	endpoint := endpoints[*s.AgentID]
	if endpoint == "" {
		return
	}
	status, version, err := r.Probe.SubtaskState(ctx, endpoint, s.ID, timeout)
	if err != nil {
		log.Debug("reconcile: daemon unreachable, keeping last-known state",
			zap.String("subtask", s.ID),
			zap.Error(engine.SourceUnavailableError{Source: *s.AgentID, Err: err}))
		return
	}

	now := r.Engine.Now().UTC().Format(time.RFC3339)
	switch {
	case version == s.LastEventVersion && status == s.DraftStatus:
		tx, err := r.Engine.DB.BeginTx(ctx, nil)
		if err != nil {
			return
		}
		defer tx.Rollback()
		seq, err := r.Engine.Events.Append(ctx, tx, "sync.reconciled", projectID, "subtask", s.ID, "reconciler", s.Rev, s.Rev+1, nil)
		if err != nil {
			return
		}
		if err := r.Engine.Repo.MarkSubtaskSynced(ctx, tx, s.ID, s.Rev, seq, now); err != nil {
			if !errors.Is(err, repo.ErrStaleRev) {
				log.Warn("reconcile: mark synced", zap.String("subtask", s.ID), zap.Error(err))
			}
			return
		}
		_ = tx.Commit()
	case version > s.LastEventVersion:
		if s.SyncStatus == domain.SyncConflict {
			return
		}
		tx, err := r.Engine.DB.BeginTx(ctx, nil)
		if err != nil {
			return
		}
		defer tx.Rollback()
		seq, err := r.Engine.Events.Append(ctx, tx, "sync.conflict", projectID, "subtask", s.ID, "reconciler", s.Rev, s.Rev+1, events.EventPayload{
			"server_version": s.LastEventVersion,
			"daemon_version": version,
			"daemon_status":  status,
		})
		if err != nil {
			return
		}
		if err := r.Engine.Repo.FlagSubtaskConflict(ctx, tx, s.ID, s.Rev, seq, now); err != nil {
			if !errors.Is(err, repo.ErrStaleRev) {
				log.Warn("reconcile: flag conflict", zap.String("subtask", s.ID), zap.Error(err))
			}
			return
		}
		if err := tx.Commit(); err != nil {
			return
		}
		log.Warn("subtask diverged from daemon",
			zap.String("subtask", s.ID),
			zap.Int64("server_version", s.LastEventVersion),
			zap.Int64("daemon_version", version))
	default:
		// Daemon is behind; it will catch up on its next poll.
	}
}

func (r Reconciler) log() *zap.Logger {
	if r.Log != nil {
		return r.Log
	}
	return zap.NewNop()
}
