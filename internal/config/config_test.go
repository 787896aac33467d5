package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "proj-1" || cfg.Project.Kind != "delivery-project" {
		t.Fatalf("unexpected project block: %+v", cfg.Project)
	}
	if cfg.Reviewer.BlockerThreshold != 0.7 {
		t.Fatalf("unexpected blocker threshold: %v", cfg.Reviewer.BlockerThreshold)
	}
	if cfg.HeartbeatStale() != 90*time.Second {
		t.Fatalf("unexpected heartbeat staleness: %v", cfg.HeartbeatStale())
	}
	if cfg.ReconcileInterval() != 30*time.Second {
		t.Fatalf("unexpected reconcile interval: %v", cfg.ReconcileInterval())
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing id", func(c *Config) { c.Project.ID = "" }, "project.id"},
		{"wrong kind", func(c *Config) { c.Project.Kind = "sprint" }, "delivery-project"},
		{"negative weight", func(c *Config) { c.Planner.Weights.Load = -1 }, "weights"},
		{"zero probe timeout", func(c *Config) { c.Planner.CapabilityProbeTimeoutSecs = 0 }, "probe_timeout"},
		{"zero heartbeat", func(c *Config) { c.Sync.HeartbeatStaleSecs = 0 }, "heartbeat"},
		{"reconcile too slow", func(c *Config) { c.Sync.ReconcileIntervalSecs = 120 }, "reconcile_interval"},
		{"threshold out of range", func(c *Config) { c.Reviewer.BlockerThreshold = 1.5 }, "blocker_threshold"},
		{"roles without pm", func(c *Config) { delete(c.RBAC.Roles, "pm") }, "pm"},
		{"empty webhook url", func(c *Config) { c.Webhooks = []WebhookConfig{{}} }, "webhook"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("proj-1")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := FromYAML([]byte(`
project:
  id: acme
  kind: delivery-project
planner:
  weights:
    capability: 2.0
    load: 1.0
    history: 0.5
  degraded_penalty: 0.25
  capability_probe_timeout_seconds: 2
sync:
  heartbeat_stale_seconds: 60
  reconcile_interval_seconds: 15
reviewer:
  blocker_threshold: 0.5
  override_requires_second_approver: true
agents:
  allowlist: [agent-1]
webhooks:
  - url: https://example.com/hooks/planline
    events: [task.status, review.finalized]
    timeout_seconds: 10
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Planner.Weights.Capability != 2.0 || cfg.Planner.DegradedPenalty != 0.25 {
		t.Fatalf("unexpected planner block: %+v", cfg.Planner)
	}
	if !cfg.Reviewer.OverrideRequiresSecondApprover {
		t.Fatalf("expected second approver flag")
	}
	if len(cfg.Agents.Allowlist) != 1 || cfg.Agents.Allowlist[0] != "agent-1" {
		t.Fatalf("unexpected allowlist: %+v", cfg.Agents.Allowlist)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].TimeoutSeconds != 10 {
		t.Fatalf("unexpected webhooks: %+v", cfg.Webhooks)
	}

	if _, err := FromYAML([]byte("project: [")); err == nil {
		t.Fatalf("expected yaml error")
	}
}

func TestRolePermissionsFlatten(t *testing.T) {
	cfg := Default("proj-1")
	perms := cfg.RolePermissions([]string{"pm", "developer", "ghost"})
	seen := map[string]int{}
	for _, p := range perms {
		seen[p]++
	}
	// task.create appears in both roles but must come back once.
	if seen["task.create"] != 1 {
		t.Fatalf("expected deduped permissions, got %v", perms)
	}
	for _, want := range []string{"project.manage", "plan.decide", "review.override"} {
		if seen[want] != 1 {
			t.Fatalf("expected pm permission %s, got %v", want, perms)
		}
	}
	if len(cfg.RolePermissions([]string{"ghost"})) != 0 {
		t.Fatalf("unknown roles must grant nothing")
	}
}
