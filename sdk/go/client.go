package planlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Planline HTTP API client, used by local sync daemons
// and tooling.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Subtask mirrors the API subtask model (partial).
type Subtask struct {
	ID               string  `json:"id"`
	TaskID           string  `json:"task_id"`
	Title            string  `json:"title"`
	Kind             string  `json:"kind"`
	AssigneeID       string  `json:"assignee_id"`
	AgentID          *string `json:"agent_id,omitempty"`
	DraftStatus      string  `json:"draft_status"`
	SyncStatus       string  `json:"sync_status"`
	LastEventVersion int64   `json:"last_event_version"`
	UpdatedSeq       int64   `json:"updated_seq"`
}

// SyncEvent is an event the daemon submits. ID is the idempotency key the
// daemon must keep stable across retries.
type SyncEvent struct {
	ID           string `json:"id"`
	SubtaskID    string `json:"subtask_id"`
	Kind         string `json:"kind"`
	EventVersion int64  `json:"event_version"`
	Payload      string `json:"payload,omitempty"`
}

// Assignments is one poll response.
type Assignments struct {
	Subtasks  []Subtask `json:"subtasks"`
	NextSince int64     `json:"next_since"`
}

// SubmitResult is a successful event submission.
type SubmitResult struct {
	Subtask   Subtask `json:"subtask"`
	Duplicate bool    `json:"duplicate,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// ConflictError is a 409 from the sync endpoint. The carried subtask is the
// server's authoritative state; Gap means the submitted version skipped
// ahead and the daemon must rewind its outbound queue.
type ConflictError struct {
	APIError
	Subtask *Subtask
	Gap     bool
}

// PollAssignments fetches subtasks whose state advanced past since.
func (c *Client) PollAssignments(ctx context.Context, developerID string, since int64) (Assignments, error) {
	var resp Assignments
	endpoint := fmt.Sprintf("v0/sync/assignments/%s?since=%d", url.PathEscape(developerID), since)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitEvent submits one sync event. On a 409 the returned error is a
// *ConflictError with the authoritative subtask state.
func (c *Client) SubmitEvent(ctx context.Context, ev SyncEvent) (SubmitResult, error) {
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, "v0/sync/events", ev, &resp)
	return resp, err
}

// Rebase reworks a pending event after a conflict: the idempotency key is
// regenerated by the caller; the version restarts from the authoritative
// state. Returns the version the next submission must carry.
func Rebase(conflict *ConflictError) int64 {
	if conflict == nil || conflict.Subtask == nil {
		return 1
	}
	return conflict.Subtask.LastEventVersion + 1
}

// Heartbeat reports agent liveness.
func (c *Client) Heartbeat(ctx context.Context, agentID, status string) error {
	body := map[string]any{}
	if status != "" {
		body["status"] = status
	}
	endpoint := fmt.Sprintf("v0/agents/%s/heartbeat", url.PathEscape(agentID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// Task mirrors the API task model (partial).
type Task struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	PlanVersion int    `json:"plan_version"`
}

// GetTask fetches a task.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

type errorEnvelope struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env errorEnvelope
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		if resp.StatusCode == http.StatusConflict {
			conflict := &ConflictError{APIError: *apiErr}
			var details struct {
				Subtask *Subtask `json:"subtask"`
				Gap     bool     `json:"gap"`
			}
			if len(env.Error.Details) > 0 && json.Unmarshal(env.Error.Details, &details) == nil {
				conflict.Subtask = details.Subtask
				conflict.Gap = details.Gap
			}
			return conflict
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
