package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models planline.yml. One config per project, stored in the DB.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Planner struct {
		Weights struct {
			Capability float64 `yaml:"capability"`
			Load       float64 `yaml:"load"`
			History    float64 `yaml:"history"`
		} `yaml:"weights"`
		DegradedPenalty            float64 `yaml:"degraded_penalty"`
		CapabilityProbeTimeoutSecs int     `yaml:"capability_probe_timeout_seconds"`
	} `yaml:"planner"`
	Sync struct {
		HeartbeatStaleSecs    int `yaml:"heartbeat_stale_seconds"`
		ReconcileIntervalSecs int `yaml:"reconcile_interval_seconds"`
	} `yaml:"sync"`
	Reviewer struct {
		BlockerThreshold               float64 `yaml:"blocker_threshold"`
		OverrideRequiresSecondApprover bool    `yaml:"override_requires_second_approver"`
	} `yaml:"reviewer"`
	Agents struct {
		// Allowlist restricts which local agents the planner may pick.
		// Empty means every registered agent of the project is eligible.
		Allowlist []string `yaml:"allowlist"`
	} `yaml:"agents"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "delivery-project" {
		return fmt.Errorf("config.project.kind must be 'delivery-project'")
	}
	if c.Planner.Weights.Capability < 0 || c.Planner.Weights.Load < 0 || c.Planner.Weights.History < 0 {
		return fmt.Errorf("config.planner.weights must be non-negative")
	}
	if c.Planner.CapabilityProbeTimeoutSecs <= 0 {
		return fmt.Errorf("config.planner.capability_probe_timeout_seconds must be positive")
	}
	if c.Sync.HeartbeatStaleSecs <= 0 {
		return fmt.Errorf("config.sync.heartbeat_stale_seconds must be positive")
	}
	if c.Sync.ReconcileIntervalSecs <= 0 || c.Sync.ReconcileIntervalSecs >= 120 {
		return fmt.Errorf("config.sync.reconcile_interval_seconds must be within (0,120)")
	}
	if c.Reviewer.BlockerThreshold < 0 || c.Reviewer.BlockerThreshold > 1 {
		return fmt.Errorf("config.reviewer.blocker_threshold must be within [0,1]")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["pm"]; !ok {
			return fmt.Errorf("config.rbac.roles must include pm")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// ProbeTimeout returns the capability probe timeout as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Planner.CapabilityProbeTimeoutSecs) * time.Second
}

// HeartbeatStale returns the heartbeat staleness threshold as a duration.
func (c *Config) HeartbeatStale() time.Duration {
	return time.Duration(c.Sync.HeartbeatStaleSecs) * time.Second
}

// ReconcileInterval returns the reconciliation period as a duration.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Sync.ReconcileIntervalSecs) * time.Second
}

// RolePermissions flattens the permissions granted to a set of roles.
func (c *Config) RolePermissions(roles []string) []string {
	var perms []string
	seen := map[string]bool{}
	for _, role := range roles {
		r, ok := c.RBAC.Roles[role]
		if !ok {
			continue
		}
		for _, p := range r.Permissions {
			if !seen[p] {
				seen[p] = true
				perms = append(perms, p)
			}
		}
	}
	return perms
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: delivery-project

planner:
  weights:
    capability: 3.0
    load: 2.0
    history: 1.0
  degraded_penalty: 0.5
  capability_probe_timeout_seconds: 3

sync:
  heartbeat_stale_seconds: 90
  reconcile_interval_seconds: 30

reviewer:
  blocker_threshold: 0.7
  override_requires_second_approver: false

agents:
  allowlist: []

rbac:
  roles:
    pm:
      description: "Project manager"
      permissions:
        - project.manage
        - task.create
        - plan.generate
        - plan.decide
        - review.finalize
        - review.override
        - keys.mint
    developer:
      description: "Developer"
      permissions:
        - task.create
        - plan.generate
    reviewer:
      description: "Reviewer"
      permissions:
        - review.finalize
`
