package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentdash/internal/config"
	"agentdash/internal/events"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	webhookBuffer         = 512
)

// WebhookDispatcher forwards broadcast events to the configured webhooks.
// Delivery is best effort: a failed POST is logged and not retried.
type WebhookDispatcher struct {
	hub      *events.Hub
	webhooks []config.WebhookConfig
	filters  []eventFilter
	client   *http.Client
	logger   *zap.Logger
	sub      *events.Subscription
}

// NewWebhookDispatcher subscribes to hub immediately so no event published after
// construction is missed. It returns nil when no webhook is enabled.
func NewWebhookDispatcher(hub *events.Hub, hooks []config.WebhookConfig, logger *zap.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &WebhookDispatcher{
		hub:    hub,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		logger: logger,
	}
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.webhooks = append(d.webhooks, hook)
		d.filters = append(d.filters, newEventFilter(hook.Events))
	}
	if len(d.webhooks) == 0 {
		return nil
	}
	d.sub = hub.Subscribe(webhookBuffer)
	return d
}

// Run delivers events until ctx is done or the hub closes.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	defer d.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-d.sub.C():
			if !ok {
				return nil
			}
			d.dispatch(ctx, evt)
		}
	}
}

func (d *WebhookDispatcher) dispatch(ctx context.Context, evt events.Event) {
	for i, hook := range d.webhooks {
		if !d.filters[i].match(evt) {
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("webhook delivery failed",
				zap.String("url", hook.URL), zap.String("event", evt.Name()), zap.Error(err))
		}
	}
}

type webhookEvent struct {
	Event     string       `json:"event"`
	Delivery  string       `json:"delivery"`
	ProjectID *int64       `json:"projectId,omitempty"`
	Data      events.Event `json:"data"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt events.Event) error {
	body := webhookEvent{
		Event:    evt.Name(),
		Delivery: uuid.NewString(),
		Data:     evt,
	}
	if id, ok := evt.ProjectScope(); ok {
		body.ProjectID = &id
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agentdash-Event", body.Event)
	req.Header.Set("X-Agentdash-Delivery", body.Delivery)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Agentdash-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(names []string) eventFilter {
	if len(names) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		key := strings.TrimSpace(name)
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

// match accepts either the stream name (processing:failed) or the raw type (agent_query_processing).
func (f eventFilter) match(evt events.Event) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt.Name()]; ok {
		return true
	}
	_, ok := f.set[evt.Type]
	return ok
}
