package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_conflict"`
	Message string         `json:"message" example:"event version 3 skips ahead of 1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Planline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Planline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerMembers(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerPlans(group, cfg.Engine)
	registerSync(group, cfg.Engine)
	registerReview(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerDevAuth(group, cfg.Engine, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatchers(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine errors onto the envelope. Conflict responses carry
// the authoritative entity state so daemons can rebase without a second
// round trip.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Msg, nil)
	}
	var vc engine.VersionConflictError
	if errors.As(err, &vc) {
		details := map[string]any{}
		if vc.Subtask != nil {
			details["subtask"] = vc.Subtask
		}
		if vc.Plan != nil {
			details["plan"] = vc.Plan
		}
		if vc.Gap {
			details["gap"] = true
		}
		return newAPIError(http.StatusConflict, "version_conflict", vc.Msg, details)
	}
	var it engine.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusConflict, "invalid_transition", it.Msg, nil)
	}
	var ac engine.AlreadyCompletedError
	if errors.As(err, &ac) {
		return newAPIError(http.StatusConflict, "already_completed", ac.Error(), map[string]any{"subtask": ac.Subtask})
	}
	var ic engine.InsufficientCandidatesError
	if errors.As(err, &ic) {
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_candidates", ic.Error(), map[string]any{"task_id": ic.TaskID})
	}
	var si engine.SubtasksIncompleteError
	if errors.As(err, &si) {
		return newAPIError(http.StatusPreconditionFailed, "subtasks_incomplete", si.Error(), map[string]any{
			"task_id":   si.TaskID,
			"remaining": si.Remaining,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusPreconditionFailed:
		return "subtasks_incomplete"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// requirePermission resolves the caller's permissions: claims embedded in
// the token first, then the project config's role mapping applied to the
// roles the actor holds as a team member.
func requirePermission(ctx context.Context, e engine.Engine, projectID, perm string) error {
	principal, authErr := actorPrincipal(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	cfg, err := e.ProjectConfig(ctx, projectID)
	if err != nil {
		return err
	}
	roles := principal.Roles
	if len(roles) == 0 {
		roles, err = e.Repo.MemberRoles(ctx, principal.ActorID)
		if err != nil {
			return err
		}
	}
	if hasPermission(cfg.RolePermissions(roles), perm) {
		return nil
	}
	return newAPIError(http.StatusForbidden, "forbidden", fmt.Sprintf("permission %s required", perm), map[string]any{"permission": perm})
}

func actorPrincipal(ctx context.Context) (Principal, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return p, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Planline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{ProjectID: p.ID, Status: p.Status, TaskCounts: counts}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		p, err := e.InitProject(ctx, engine.ProjectCreateOptions{
			ID:          input.Body.ID,
			Description: stringOrEmpty(input.Body.Description),
			Goals:       input.Body.Goals,
			Milestones:  input.Body.Milestones,
			StartAt:     stringOrEmpty(input.Body.StartAt),
			EndAt:       stringOrEmpty(input.Body.EndAt),
			ExternalRef: stringOrEmpty(input.Body.ExternalRef),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: emptyIfNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Archive project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, input.ProjectID, "project.manage"); err != nil {
			return nil, handleError(err)
		}
		p, err := e.ArchiveProject(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cfg, err := e.ProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-project-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Replace project config",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      *config.Config `json:"body"`
	}) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, "project.manage"); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.UpsertProjectConfig(ctx, nil, input.ProjectID, input.Body); err != nil {
			return nil, handleError(engine.ValidationError{Msg: err.Error()})
		}
		cfg, err := e.ProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: cfg}, nil
	})
}

func registerMembers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-member",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/members",
		Summary:       "Add team member",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      AddMemberRequest `json:"body"`
	}) (*struct {
		Body MemberResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, input.ProjectID, "project.manage"); err != nil {
			return nil, handleError(err)
		}
		m, err := e.AddMember(ctx, domain.TeamMember{
			ID:        input.Body.ID,
			ProjectID: input.ProjectID,
			Role:      input.Body.Role,
			Capacity:  input.Body.Capacity,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MemberResponse `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/members",
		Summary:     "List team members",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []MemberResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListMembers(ctx, nil, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MemberResponse `json:"body"`
		}{Body: emptyIfNil(items)}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/agents",
		Summary:       "Register local agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a := domain.LocalAgent{
			ProjectID:    input.ProjectID,
			OwnerID:      input.Body.OwnerID,
			Capabilities: input.Body.Capabilities,
			Version:      stringOrEmpty(input.Body.Version),
			Endpoint:     stringOrEmpty(input.Body.Endpoint),
		}
		if input.Body.ID != nil {
			a.ID = *input.Body.ID
		}
		res, err := e.RegisterAgent(ctx, a, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/agents",
		Summary:     "List local agents",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListAgents(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: emptyIfNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-heartbeat",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/heartbeat",
		Summary:     "Agent heartbeat",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string           `path:"agent_id"`
		Body    HeartbeatRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.Heartbeat(ctx, input.AgentID, stringOrEmpty(input.Body.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: a}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, input.ProjectID, "task.create"); err != nil {
			return nil, handleError(err)
		}
		opts := engine.TaskCreateOptions{
			ProjectID:   input.ProjectID,
			Title:       input.Body.Title,
			Type:        input.Body.Type,
			Description: stringOrEmpty(input.Body.Description),
			DependsOn:   input.Body.DependsOn,
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		for _, wi := range input.Body.WorkItems {
			opts.WorkItems = append(opts.WorkItems, domain.WorkItem{Title: wi.Title, Kind: wi.Kind})
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: input.ProjectID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: emptyIfNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-subtasks",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/subtasks",
		Summary:     "List task subtasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []SubtaskResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetTask(ctx, nil, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListSubtasksByTask(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SubtaskResponse `json:"body"`
		}{Body: emptyIfNil(items)}, nil
	})
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-plan",
		Method:        http.MethodPost,
		Path:          "/plans/generate",
		Summary:       "Generate a plan for a task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body GeneratePlanRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.TaskID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id is required", nil)
		}
		t, err := e.Repo.GetTask(ctx, nil, input.Body.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, t.ProjectID, "plan.generate"); err != nil {
			return nil, handleError(err)
		}
		p, err := e.GeneratePlan(ctx, input.Body.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{id}",
		Summary:     "Get plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetPlan(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plan-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/plans",
		Summary:     "Plan version history for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []PlanResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetTask(ctx, nil, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPlans(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PlanResponse `json:"body"`
		}{Body: emptyIfNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{id}/approve",
		Summary:     "Approve a pending plan",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ApprovePlanResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetPlan(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTask(ctx, nil, p.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, t.ProjectID, "plan.decide"); err != nil {
			return nil, handleError(err)
		}
		plan, subtasks, err := e.ApprovePlan(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovePlanResponse `json:"body"`
		}{Body: ApprovePlanResponse{Plan: plan, Subtasks: emptyIfNil(subtasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{id}/reject",
		Summary:     "Reject a pending plan",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body RejectPlanRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetPlan(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTask(ctx, nil, p.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, t.ProjectID, "plan.decide"); err != nil {
			return nil, handleError(err)
		}
		plan, err := e.RejectPlan(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: plan}, nil
	})
}

func registerSync(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "poll-assignments",
		Method:      http.MethodGet,
		Path:        "/sync/assignments/{developer_id}",
		Summary:     "Poll assignment deltas for a developer's daemon",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		DeveloperID string `path:"developer_id"`
		Since       int64  `query:"since"`
	}) (*struct {
		Body AssignmentsResponse `json:"body"`
	}, error) {
		principal, authErr := actorPrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// A daemon only polls its own developer's queue.
		if principal.Source == "api_key" && principal.ActorID != input.DeveloperID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "key not valid for this developer", nil)
		}
		page, err := e.PollAssignments(ctx, input.DeveloperID, input.Since)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentsResponse `json:"body"`
		}{Body: AssignmentsResponse{Subtasks: emptyIfNil(page.Subtasks), NextSince: page.NextSince}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-sync-event",
		Method:      http.MethodPost,
		Path:        "/sync/events",
		Summary:     "Submit a sync event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitSyncEventRequest `json:"body"`
	}) (*struct {
		Body SyncEventResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev := domain.SyncEvent{
			ID:           input.Body.ID,
			SubtaskID:    input.Body.SubtaskID,
			Kind:         input.Body.Kind,
			EventVersion: input.Body.EventVersion,
			PayloadJSON:  stringOrEmpty(input.Body.Payload),
		}
		res, err := e.ApplySyncEvent(ctx, ev, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncEventResponse `json:"body"`
		}{Body: SyncEventResponse{Subtask: res.Subtask, Duplicate: res.Duplicate}}, nil
	})
}

func registerReview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-finding",
		Method:        http.MethodPost,
		Path:          "/reviewer/findings",
		Summary:       "Record a reviewer finding",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body AddFindingRequest `json:"body"`
	}) (*struct {
		Body FindingResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.AddFinding(ctx, domain.Finding{
			TaskID:        input.Body.TaskID,
			SourceSubtask: stringOrEmpty(input.Body.SourceSubtask),
			Score:         input.Body.Score,
			Rationale:     input.Body.Rationale,
			Source:        stringOrEmpty(input.Body.Source),
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FindingResponse `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-finding",
		Method:      http.MethodPost,
		Path:        "/reviewer/findings/{id}/resolve",
		Summary:     "Mark a finding resolved",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body FindingResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.Repo.GetFinding(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTask(ctx, nil, f.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, t.ProjectID, "review.finalize"); err != nil {
			return nil, handleError(err)
		}
		res, err := e.ResolveFinding(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FindingResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-findings",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/findings",
		Summary:     "List findings for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []FindingResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetTask(ctx, nil, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListFindings(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []FindingResponse `json:"body"`
		}{Body: emptyIfNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-review",
		Method:      http.MethodPost,
		Path:        "/reviewer/finalize/{task_id}",
		Summary:     "Finalize the review verdict for a task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusPreconditionFailed,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, nil, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, t.ProjectID, "review.finalize"); err != nil {
			return nil, handleError(err)
		}
		rr, err := e.FinalizeReview(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: rr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-review",
		Method:      http.MethodPost,
		Path:        "/reviewer/{task_id}/override",
		Summary:     "Enact a blocked verdict via PM override",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string                `path:"task_id"`
		Body   OverrideReviewRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, nil, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, t.ProjectID, "review.override"); err != nil {
			return nil, handleError(err)
		}
		rr, err := e.OverrideReview(ctx, input.TaskID, actorID, input.Body.Reason, input.Body.SecondApprover)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: rr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-review",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/review",
		Summary:     "Get review verdict",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		rr, err := e.Repo.GetReviewResult(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: rr}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    int64  `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, input.Cursor, input.ProjectID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		resp.Items = emptyIfNil(items)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "mint-api-key",
		Method:        http.MethodPost,
		Path:          "/auth/keys",
		Summary:       "Mint a daemon API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body MintKeyRequest `json:"body"`
	}) (*struct {
		Body MintKeyResponse `json:"body"`
	}, error) {
		principal, authErr := actorPrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		// Self-service keys are fine; minting for someone else needs the
		// keys.mint permission via token claims.
		if input.Body.ActorID != principal.ActorID && !hasPermission(principal.Permissions, "keys.mint") {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "cannot mint a key for another actor", nil)
		}
		raw := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			ActorID:   input.Body.ActorID,
			Name:      stringOrEmpty(input.Body.Name),
			KeyHash:   repo.HashAPIKey(raw),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MintKeyResponse `json:"body"`
		}{Body: MintKeyResponse{ID: key.ID, ActorID: key.ActorID, Key: raw, CreatedAt: key.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/auth/keys/{id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Dev login (local only)",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := MintToken(auth.JWTSecret, input.Body.ActorID, input.Body.Roles, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
