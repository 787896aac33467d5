package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/migrate"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	Token  string
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	e.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	token, err := MintToken(testJWTSecret, "pm-1", []string{"pm"}, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Token:  token,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func (s *testServer) doJSON(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %q: %v", string(data), err)
	}
	return env
}

// seedProject creates a project with one developer and a planned, approved
// task, returning the task id and its single subtask id.
func seedProject(t *testing.T, srv *testServer) (string, string) {
	t.Helper()
	res, data := srv.doJSON(t, http.MethodPost, "/v0/projects", map[string]any{"id": "proj-1"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	res, data = srv.doJSON(t, http.MethodPost, "/v0/projects/proj-1/members", map[string]any{
		"id": "dev-1", "role": "developer", "capacity": 3,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add member: %d %s", res.StatusCode, string(data))
	}
	res, data = srv.doJSON(t, http.MethodPost, "/v0/projects/proj-1/tasks", map[string]any{
		"title": "Ship feature",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	res, data = srv.doJSON(t, http.MethodPost, "/v0/plans/generate", map[string]any{"task_id": task.ID})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("generate plan: %d %s", res.StatusCode, string(data))
	}
	var plan domain.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if plan.Status != domain.PlanPending {
		t.Fatalf("expected pending plan, got %s", plan.Status)
	}

	res, data = srv.doJSON(t, http.MethodPost, "/v0/plans/"+plan.ID+"/approve", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve plan: %d %s", res.StatusCode, string(data))
	}
	var approved ApprovePlanResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("decode approval: %v", err)
	}
	if len(approved.Subtasks) != 1 {
		t.Fatalf("expected one subtask, got %d", len(approved.Subtasks))
	}
	return task.ID, approved.Subtasks[0].ID
}

func submitEvent(t *testing.T, srv *testServer, id, subtaskID, kind string, version int64) (*http.Response, []byte) {
	t.Helper()
	return srv.doJSON(t, http.MethodPost, "/v0/sync/events", map[string]any{
		"id":            id,
		"subtask_id":    subtaskID,
		"kind":          kind,
		"event_version": version,
	})
}

func TestRequestsWithoutCredentialsRejected(t *testing.T) {
	srv := newTestServer(t)
	anon := &testServer{URL: srv.URL, client: srv.client}
	res, data := anon.doJSON(t, http.MethodGet, "/v0/projects", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected code %s", env.Error.Code)
	}
	// Health stays open.
	res, _ = anon.doJSON(t, http.MethodGet, "/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", res.StatusCode)
	}
}

func TestPlanAndSyncFlow(t *testing.T) {
	srv := newTestServer(t)
	taskID, subtaskID := seedProject(t, srv)

	// First event drafts the subtask.
	res, data := submitEvent(t, srv, "e1", subtaskID, "draft_created", 1)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit event: %d %s", res.StatusCode, string(data))
	}
	var sync SyncEventResponse
	if err := json.Unmarshal(data, &sync); err != nil {
		t.Fatalf("decode sync response: %v", err)
	}
	if sync.Subtask.DraftStatus != domain.DraftDrafted || sync.Duplicate {
		t.Fatalf("unexpected sync response: %+v", sync)
	}

	res, data = srv.doJSON(t, http.MethodGet, "/v0/tasks/"+taskID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task: %d", res.StatusCode)
	}
	var task domain.Task
	_ = json.Unmarshal(data, &task)
	if task.Status != domain.TaskInProgress {
		t.Fatalf("expected in_progress, got %s", task.Status)
	}

	// Idempotent replay.
	res, data = submitEvent(t, srv, "e1", subtaskID, "draft_created", 1)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &sync)
	if !sync.Duplicate {
		t.Fatalf("expected duplicate flag, got %+v", sync)
	}

	// Stale version: 409 carrying the authoritative subtask.
	res, data = submitEvent(t, srv, "e2", subtaskID, "developer_approved", 1)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "version_conflict" {
		t.Fatalf("unexpected code %s", env.Error.Code)
	}
	if _, ok := env.Error.Details["subtask"]; !ok {
		t.Fatalf("expected authoritative subtask in details: %s", string(data))
	}

	// Gap: same code plus the gap marker.
	res, data = submitEvent(t, srv, "e3", subtaskID, "subtask_completed", 7)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 gap, got %d %s", res.StatusCode, string(data))
	}
	env = decodeError(t, data)
	if gap, _ := env.Error.Details["gap"].(bool); !gap {
		t.Fatalf("expected gap marker, got %s", string(data))
	}

	// Poll the outbound delta for the developer.
	res, data = srv.doJSON(t, http.MethodGet, "/v0/sync/assignments/dev-1?since=0", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("poll: %d %s", res.StatusCode, string(data))
	}
	var page AssignmentsResponse
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Subtasks) != 1 || page.NextSince == 0 {
		t.Fatalf("unexpected poll response: %+v", page)
	}
}

func TestReviewGateEndpoints(t *testing.T) {
	srv := newTestServer(t)
	taskID, subtaskID := seedProject(t, srv)

	// Finalizing before subtasks complete is a precondition failure.
	res, data := srv.doJSON(t, http.MethodPost, "/v0/reviewer/finalize/"+taskID, nil)
	if res.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "subtasks_incomplete" {
		t.Fatalf("unexpected code %s", env.Error.Code)
	}

	for i, kind := range []string{"draft_created", "developer_approved", "subtask_completed"} {
		res, data = submitEvent(t, srv, fmt.Sprintf("ev-%d", i), subtaskID, kind, int64(i+1))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("submit %s: %d %s", kind, res.StatusCode, string(data))
		}
	}

	// A blocker finding at the default threshold.
	res, data = srv.doJSON(t, http.MethodPost, "/v0/reviewer/findings", map[string]any{
		"task_id":        taskID,
		"source_subtask": subtaskID,
		"score":          0.9,
		"rationale":      "unbounded retry loop",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add finding: %d %s", res.StatusCode, string(data))
	}

	res, data = srv.doJSON(t, http.MethodPost, "/v0/reviewer/finalize/"+taskID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize: %d %s", res.StatusCode, string(data))
	}
	var verdict domain.ReviewResult
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if verdict.Decision != "blocked" {
		t.Fatalf("expected blocked verdict, got %s", verdict.Decision)
	}

	// A blocked verdict may be finalized again; unresolved blockers keep it
	// blocked.
	res, data = srv.doJSON(t, http.MethodPost, "/v0/reviewer/finalize/"+taskID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("repeat finalize: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &verdict)
	if verdict.Decision != "blocked" {
		t.Fatalf("expected verdict still blocked, got %s", verdict.Decision)
	}

	// Override requires a reason.
	res, data = srv.doJSON(t, http.MethodPost, "/v0/reviewer/"+taskID+"/override", map[string]any{"reason": ""})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	res, data = srv.doJSON(t, http.MethodPost, "/v0/reviewer/"+taskID+"/override", map[string]any{
		"reason": "risk accepted for launch",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("override: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &verdict)
	if verdict.EnactedDecision != "ready" || verdict.PMOverride == nil {
		t.Fatalf("unexpected override result: %+v", verdict)
	}

	res, data = srv.doJSON(t, http.MethodGet, "/v0/tasks/"+taskID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task: %d", res.StatusCode)
	}
	var task domain.Task
	_ = json.Unmarshal(data, &task)
	if task.Status != domain.TaskDone {
		t.Fatalf("expected done, got %s", task.Status)
	}
}

func TestFindingResolutionFlow(t *testing.T) {
	srv := newTestServer(t)
	taskID, subtaskID := seedProject(t, srv)
	for i, kind := range []string{"draft_created", "developer_approved", "subtask_completed"} {
		res, data := submitEvent(t, srv, fmt.Sprintf("fr-%d", i), subtaskID, kind, int64(i+1))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("submit %s: %d %s", kind, res.StatusCode, string(data))
		}
	}

	res, data := srv.doJSON(t, http.MethodPost, "/v0/reviewer/findings", map[string]any{
		"task_id":   taskID,
		"score":     0.95,
		"rationale": "missing rollback handling",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add finding: %d %s", res.StatusCode, string(data))
	}
	var finding domain.Finding
	if err := json.Unmarshal(data, &finding); err != nil {
		t.Fatalf("decode finding: %v", err)
	}

	res, data = srv.doJSON(t, http.MethodPost, "/v0/reviewer/finalize/"+taskID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize: %d %s", res.StatusCode, string(data))
	}
	var verdict domain.ReviewResult
	_ = json.Unmarshal(data, &verdict)
	if verdict.Decision != "blocked" {
		t.Fatalf("expected blocked verdict, got %s", verdict.Decision)
	}

	// Resolving the blocker reopens the path to ready.
	res, data = srv.doJSON(t, http.MethodPost, "/v0/reviewer/findings/"+finding.ID+"/resolve", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve finding: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &finding)
	if !finding.Resolved {
		t.Fatalf("expected resolved finding, got %+v", finding)
	}

	res, data = srv.doJSON(t, http.MethodPost, "/v0/reviewer/finalize/"+taskID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize after resolve: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &verdict)
	if verdict.Decision != "ready" || verdict.EnactedDecision != "ready" {
		t.Fatalf("expected ready verdict, got %+v", verdict)
	}

	res, data = srv.doJSON(t, http.MethodGet, "/v0/tasks/"+taskID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task: %d", res.StatusCode)
	}
	var task domain.Task
	_ = json.Unmarshal(data, &task)
	if task.Status != domain.TaskDone {
		t.Fatalf("expected done, got %s", task.Status)
	}

	// The enacted verdict is final.
	res, data = srv.doJSON(t, http.MethodPost, "/v0/reviewer/finalize/"+taskID, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on enacted verdict, got %d %s", res.StatusCode, string(data))
	}
}

func TestPermissionEnforcement(t *testing.T) {
	srv := newTestServer(t)
	seedProject(t, srv)

	// A reviewer token cannot archive the project.
	reviewerToken, err := MintToken(testJWTSecret, "rev-1", []string{"reviewer"}, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	reviewer := &testServer{URL: srv.URL, Token: reviewerToken, client: srv.client}
	res, data := reviewer.doJSON(t, http.MethodDelete, "/v0/projects/proj-1", nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "forbidden" {
		t.Fatalf("unexpected code %s", env.Error.Code)
	}

	// Team membership grants the same permissions without token roles.
	memberToken, err := MintToken(testJWTSecret, "dev-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	member := &testServer{URL: srv.URL, Token: memberToken, client: srv.client}
	res, data = member.doJSON(t, http.MethodPost, "/v0/projects/proj-1/tasks", map[string]any{
		"title": "Task from a developer",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected member-resolved permission, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyScopedToDeveloper(t *testing.T) {
	srv := newTestServer(t)
	seedProject(t, srv)

	res, data := srv.doJSON(t, http.MethodPost, "/v0/auth/keys", map[string]any{"actor_id": "pm-1"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("mint key: %d %s", res.StatusCode, string(data))
	}
	var minted MintKeyResponse
	if err := json.Unmarshal(data, &minted); err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if minted.Key == "" {
		t.Fatalf("expected raw key in response")
	}

	// The key authenticates as pm-1, so polling dev-1's queue is forbidden.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/sync/assignments/dev-1?since=0", nil)
	req.Header.Set("X-Api-Key", minted.Key)
	resp, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("poll with key: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign queue, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/sync/assignments/pm-1?since=0", nil)
	req.Header.Set("X-Api-Key", minted.Key)
	resp, err = srv.client.Do(req)
	if err != nil {
		t.Fatalf("poll own queue: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for own queue, got %d", resp.StatusCode)
	}
}
