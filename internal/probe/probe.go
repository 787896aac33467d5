// Package probe talks to local agents and sync daemons over their small
// HTTP surface. Every call carries its own timeout; an unreachable agent is
// an expected condition, not a failure of the caller.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	HTTPClient *http.Client
}

func New() *Client {
	return &Client{HTTPClient: &http.Client{}}
}

type capabilitiesResponse struct {
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version,omitempty"`
}

type stateResponse struct {
	SubtaskID        string `json:"subtask_id"`
	DraftStatus      string `json:"draft_status"`
	LastEventVersion int64  `json:"last_event_version"`
}

// Capabilities asks an agent what it can do right now. Used during planning
// to refresh the stored capability list.
func (c *Client) Capabilities(ctx context.Context, endpoint string, timeout time.Duration) ([]string, error) {
	var resp capabilitiesResponse
	if err := c.get(ctx, endpoint, "/capabilities", timeout, &resp); err != nil {
		return nil, err
	}
	return resp.Capabilities, nil
}

// SubtaskState asks a daemon for its local view of a subtask. The
// reconciler compares it against the server's copy.
func (c *Client) SubtaskState(ctx context.Context, endpoint, subtaskID string, timeout time.Duration) (string, int64, error) {
	var resp stateResponse
	path := "/subtasks/" + subtaskID + "/state"
	if err := c.get(ctx, endpoint, path, timeout, &resp); err != nil {
		return "", 0, err
	}
	return resp.DraftStatus, resp.LastEventVersion, nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, timeout time.Duration, out any) error {
	if endpoint == "" {
		return fmt.Errorf("no endpoint")
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	url := strings.TrimRight(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
