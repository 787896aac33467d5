package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher pushes audit events for one project to its configured
// webhook endpoints. Webhooks live in the project config, so the set is
// re-read every sweep.
type webhookDispatcher struct {
	engine  engine.Engine
	log     *zap.Logger
	client  *http.Client
	mu      sync.Mutex
	cursors map[string]int64
}

func startWebhookDispatchers(e engine.Engine) {
	d := &webhookDispatcher{
		engine:  e,
		log:     e.Log,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		cursors: make(map[string]int64),
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	ctx := context.Background()
	projects, err := d.engine.Repo.ListProjects(ctx)
	if err != nil {
		d.log.Error("webhook: list projects", zap.Error(err))
		return
	}
	for _, p := range projects {
		cfg, err := d.engine.ProjectConfig(ctx, p.ID)
		if err != nil || len(cfg.Webhooks) == 0 {
			continue
		}
		for i, hook := range cfg.Webhooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			d.dispatchWebhook(ctx, p.ID, i, hook)
		}
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, projectID string, idx int, hook config.WebhookConfig) {
	key := fmt.Sprintf("%s/%d", projectID, idx)
	cursor := d.cursorFor(ctx, key, projectID)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, projectID)
	if err != nil {
		d.log.Error("webhook: fetch events", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(key, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, projectID, hook, evt); err != nil {
			d.log.Warn("webhook: delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("event", evt.ID),
				zap.Error(err))
			return
		}
		d.setCursor(key, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, key, projectID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[key]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, projectID)
	if err != nil {
		d.log.Error("webhook: init cursor", zap.Error(err))
		cur = 0
	}
	d.cursors[key] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(key string, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, projectID string, hook config.WebhookConfig, evt domain.AuditEvent) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Planline-Event", evt.Type)
	req.Header.Set("X-Planline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Planline-Project", projectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Planline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
