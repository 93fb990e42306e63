package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher forwards audit events to configured endpoints. Delivery
// cursors are persisted per webhook, so a restart resumes where it left off
// instead of replaying history.
type webhookDispatcher struct {
	engine   engine.Engine
	tenantID string
	webhooks []config.Webhook
	client   *http.Client
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	tenantID := strings.TrimSpace(e.Config.Tenant.ID)
	if tenantID == "" {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		tenantID: tenantID,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
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
	for _, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(hook config.Webhook) {
	ctx := context.Background()
	cursor, err := d.engine.Repo.GetWebhookCursor(ctx, d.tenantID, hook.Name)
	if err != nil {
		log.Printf("webhook: read cursor for %s failed: %v", hook.Name, err)
		return
	}
	events, err := d.engine.Repo.AuditEventsAfter(ctx, d.tenantID, cursor, defaultWebhookBatch)
	if err != nil {
		log.Printf("webhook: fetch audit events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(eventKind(evt)) {
			d.setCursor(ctx, hook.Name, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(ctx, hook.Name, evt.ID)
	}
}

func (d *webhookDispatcher) setCursor(ctx context.Context, hookName string, value int64) {
	if err := d.engine.Repo.SetWebhookCursor(ctx, d.tenantID, hookName, value); err != nil {
		log.Printf("webhook: persist cursor for %s failed: %v", hookName, err)
	}
}

// eventKind classifies an audit event for webhook filtering.
func eventKind(evt domain.TransitionEvent) string {
	if evt.Allowed {
		return "transition.allowed"
	}
	return "transition.blocked"
}

type webhookEvent struct {
	Kind  string                 `json:"kind"`
	Event domain.TransitionEvent `json:"event"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.TransitionEvent) error {
	data, err := json.Marshal(webhookEvent{Kind: eventKind(evt), Event: evt})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stagegate-Event", eventKind(evt))
	req.Header.Set("X-Stagegate-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Stagegate-Tenant", d.tenantID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Stagegate-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
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
