package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/logging"
	"planline/internal/migrate"
	"planline/internal/probe"
	"planline/internal/reconcile"
	"planline/internal/repo"
	"planline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Planline CLI",
	Long: `Planline coordinates delivery work between a PM, developers, and their
local agents: tasks get planned into assignments, the PM approves the plan,
subtasks sync with each developer's daemon, and a reviewer gate decides
when a task is truly done.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PLANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reconcileCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectArchiveCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	var goals, milestones []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Goals = goals
			opts.Milestones = milestones
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.InitProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&goals, "goal", []string{}, "project goal (repeatable)")
	cmd.Flags().StringArrayVar(&milestones, "milestone", []string{}, "milestone (repeatable)")
	cmd.Flags().StringVar(&opts.StartAt, "start-at", "", "start timestamp (RFC3339)")
	cmd.Flags().StringVar(&opts.EndAt, "end-at", "", "end timestamp (RFC3339)")
	cmd.Flags().StringVar(&opts.ExternalRef, "external-ref", "", "external tracker reference")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ArchiveProject(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage project config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show <project>",
		Short: "Show project config stored in DB",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ProjectConfig(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})
	var filePath string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import planline.yml into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetProject(ctx, cfg.Project.ID); err != nil {
					return err
				}
				if err := r.UpsertProjectConfig(ctx, nil, cfg.Project.ID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	importCmd.Flags().StringVar(&filePath, "file", "planline.yml", "path to YAML config")
	cfg.AddCommand(importCmd)
	return cfg
}

func memberCmd() *cobra.Command {
	member := &cobra.Command{Use: "member", Short: "Manage team members"}
	var m domain.TeamMember
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a team member",
		RunE: func(cmd *cobra.Command, args []string) error {
			m.ProjectID = requireProject()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AddMember(ctx, m, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	add.Flags().StringVar(&m.ID, "id", "", "member id")
	add.Flags().StringVar(&m.Role, "role", "developer", "role (pm, developer, reviewer)")
	add.Flags().IntVar(&m.Capacity, "capacity", 3, "concurrent subtask capacity")
	_ = add.MarkFlagRequired("id")
	member.AddCommand(add)

	member.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List team members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMembers(ctx, nil, requireProject())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Load", "Capacity"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Role, m.CurrentLoad, m.Capacity})
				}
				tw.Render()
				return nil
			})
		},
	})
	return member
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage local agents"}
	var a domain.LocalAgent
	var caps []string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a local agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.ProjectID = requireProject()
			a.Capabilities = caps
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RegisterAgent(ctx, a, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	register.Flags().StringVar(&a.ID, "id", "", "agent id (optional)")
	register.Flags().StringVar(&a.OwnerID, "owner", "", "owning developer id")
	register.Flags().StringArrayVar(&caps, "capability", []string{}, "capability (repeatable)")
	register.Flags().StringVar(&a.Version, "version", "", "agent version")
	register.Flags().StringVar(&a.Endpoint, "endpoint", "", "agent probe endpoint")
	_ = register.MarkFlagRequired("owner")
	agent.AddCommand(register)

	agent.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List local agents with effective status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAgents(ctx, requireProject())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Owner", "Status", "Stale", "Capabilities", "Heartbeat"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.OwnerID, a.Status, a.Stale, strings.Join(a.Capabilities, ","), a.HeartbeatAt})
				}
				tw.Render()
				return nil
			})
		},
	})

	var hbStatus string
	heartbeat := &cobra.Command{
		Use:   "heartbeat <agent-id>",
		Short: "Record an agent heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Heartbeat(ctx, args[0], hbStatus)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	heartbeat.Flags().StringVar(&hbStatus, "status", "online", "reported status (online, degraded)")
	agent.AddCommand(heartbeat)
	return agent
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow submitted -> planning -> pending_approval -> approved -> in_progress -> under_review -> done. Planning breaks them into work items and the reviewer gate closes them.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskSubtasksCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var dependsOn, workItems []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.ProjectID = requireProject()
			opts.DependsOn = dependsOn
			for _, wi := range workItems {
				title, kind := wi, ""
				if i := strings.LastIndex(wi, ":"); i > 0 {
					title, kind = wi[:i], wi[i+1:]
				}
				opts.WorkItems = append(opts.WorkItems, domain.WorkItem{Title: title, Kind: kind})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Type, "type", "technical", "task type")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", []string{}, "dependency task id (repeatable)")
	cmd.Flags().StringArrayVar(&workItems, "work-item", []string{}, "work item as title[:kind] (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ProjectID = requireProject()
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Plan", "Items"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.PlanVersion, len(t.WorkItems)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskSubtasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subtasks <id>",
		Short: "List subtasks of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSubtasksByTask(ctx, nil, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Assignee", "Draft", "Sync", "Version"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Title, s.AssigneeID, s.DraftStatus, s.SyncStatus, s.LastEventVersion})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Generate and decide plans"}

	plan.AddCommand(&cobra.Command{
		Use:   "generate <task-id>",
		Short: "Generate a plan proposal for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GeneratePlan(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printPlan(p)
			})
		},
	})

	plan.AddCommand(&cobra.Command{
		Use:   "approve <plan-id>",
		Short: "Approve a pending plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, subtasks, err := e.ApprovePlan(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"plan": p, "subtasks": subtasks})
			})
		},
	})

	var reason string
	reject := &cobra.Command{
		Use:   "reject <plan-id>",
		Short: "Reject a pending plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RejectPlan(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = reject.MarkFlagRequired("reason")
	plan.AddCommand(reject)

	plan.AddCommand(&cobra.Command{
		Use:   "history <task-id>",
		Short: "Show plan version history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPlans(ctx, nil, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Status", "Decided By", "Assignments"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Version, p.Status, deref(p.DecidedBy), len(p.Assignments)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return plan
}

func syncCmd() *cobra.Command {
	sync := &cobra.Command{Use: "sync", Short: "Sync protocol operations"}

	var since int64
	assignments := &cobra.Command{
		Use:   "assignments <developer-id>",
		Short: "Poll assignment deltas for a developer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.PollAssignments(ctx, args[0], since)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"subtasks": page.Subtasks, "next_since": page.NextSince})
			})
		},
	}
	assignments.Flags().Int64Var(&since, "since", 0, "cursor from the previous poll")
	sync.AddCommand(assignments)

	var ev domain.SyncEvent
	event := &cobra.Command{
		Use:   "event",
		Short: "Submit a sync event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApplySyncEvent(ctx, ev, viper.GetString("actor-id"))
				if err != nil {
					var vc engine.VersionConflictError
					if errors.As(err, &vc) && vc.Subtask != nil {
						fmt.Printf("conflict: %s (authoritative version %d)\n", vc.Msg, vc.Subtask.LastEventVersion)
					}
					return err
				}
				return printJSONOrTable(res.Subtask)
			})
		},
	}
	event.Flags().StringVar(&ev.ID, "id", "", "idempotency key")
	event.Flags().StringVar(&ev.SubtaskID, "subtask", "", "subtask id")
	event.Flags().StringVar(&ev.Kind, "kind", "", "event kind (draft_created, developer_approved, subtask_completed)")
	event.Flags().Int64Var(&ev.EventVersion, "version", 0, "event version")
	_ = event.MarkFlagRequired("id")
	_ = event.MarkFlagRequired("subtask")
	_ = event.MarkFlagRequired("kind")
	_ = event.MarkFlagRequired("version")
	sync.AddCommand(event)
	return sync
}

func reviewCmd() *cobra.Command {
	review := &cobra.Command{Use: "review", Short: "Reviewer gate operations"}

	var f domain.Finding
	finding := &cobra.Command{
		Use:   "finding",
		Short: "Record a reviewer finding",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AddFinding(ctx, f, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	finding.Flags().StringVar(&f.TaskID, "task", "", "task id")
	finding.Flags().StringVar(&f.SourceSubtask, "subtask", "", "source subtask id")
	finding.Flags().Float64Var(&f.Score, "score", 0, "severity score in [0,1]")
	finding.Flags().StringVar(&f.Rationale, "rationale", "", "rationale")
	finding.Flags().StringVar(&f.Source, "source", "", "finding source")
	_ = finding.MarkFlagRequired("task")
	_ = finding.MarkFlagRequired("rationale")
	review.AddCommand(finding)

	review.AddCommand(&cobra.Command{
		Use:   "resolve <finding-id>",
		Short: "Mark a finding resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ResolveFinding(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})

	review.AddCommand(&cobra.Command{
		Use:   "finalize <task-id>",
		Short: "Finalize the review verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rr, err := e.FinalizeReview(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rr)
			})
		},
	})

	var reason, second string
	override := &cobra.Command{
		Use:   "override <task-id>",
		Short: "Enact a blocked verdict via PM override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rr, err := e.OverrideReview(ctx, args[0], viper.GetString("actor-id"), reason, optionalString(second))
				if err != nil {
					return err
				}
				return printJSONOrTable(rr)
			})
		},
	}
	override.Flags().StringVar(&reason, "reason", "", "override reason")
	override.Flags().StringVar(&second, "second-approver", "", "second approver id")
	_ = override.MarkFlagRequired("reason")
	review.AddCommand(override)

	review.AddCommand(&cobra.Command{
		Use:   "show <task-id>",
		Short: "Show the review verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rr, err := r.GetReviewResult(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rr)
			})
		},
	})
	return review
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := requireProject()
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := r.CountTasksByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":  p.ID,
					"status":      p.Status,
					"task_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Audit log"}
	var n int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, 0, viper.GetString("project"), evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	logRoot.AddCommand(tail)
	return logRoot
}

func serveCmd() *cobra.Command {
	var addr, basePath, logLevel string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			logger, err := logging.New(logLevel, true)
			if err != nil {
				return err
			}
			defer logger.Sync()
			e := engine.New(conn)
			e.Probe = probe.New()
			e.Log = logger
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PLANLINE_JWT_SECRET"), Logger: logger}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PLANLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Planline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var once bool
	var logLevel string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run the sync reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			logger, err := logging.New(logLevel, false)
			if err != nil {
				return err
			}
			defer logger.Sync()
			e := engine.New(conn)
			e.Log = logger
			rec := reconcile.Reconciler{Engine: e, Probe: probe.New(), Log: logger}
			if once {
				rec.RunOnce(cmd.Context())
				return nil
			}
			return rec.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn)
	e.Probe = probe.New()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func requireProject() string {
	return viper.GetString("project")
}

func printPlan(p domain.Plan) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("Plan %s (task %s, version %d, %s)\n", p.ID, p.TaskID, p.Version, p.Status)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Item", "Title", "Assignee", "Agent", "Score", "Rationale"})
	for _, a := range p.Assignments {
		tw.AppendRow(table.Row{a.WorkItem, a.Title, a.Assignee, deref(a.AgentID), fmt.Sprintf("%.2f", a.Score), a.Rationale})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
