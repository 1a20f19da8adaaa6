package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"stillpoint/internal/config"
	"stillpoint/internal/domain"
	"stillpoint/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookOptions configure event delivery to the hooks in stillpoint.yml.
type WebhookOptions struct {
	Events   repo.Repo
	Hooks    []config.Webhook
	Interval time.Duration
	Logger   *slog.Logger
}

type webhookDispatcher struct {
	events  repo.Repo
	hooks   []config.Webhook
	client  *http.Client
	logger  *slog.Logger
	mu      sync.Mutex
	cursors map[int]int64
}

func newWebhookDispatcher(opts WebhookOptions) *webhookDispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &webhookDispatcher{
		events:  opts.Events,
		hooks:   opts.Hooks,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		logger:  logger,
		cursors: make(map[int]int64),
	}
}

// StartWebhookDispatcher delivers events written from now on until ctx is
// done. It returns false when no hook is active.
func StartWebhookDispatcher(ctx context.Context, opts WebhookOptions) bool {
	active := false
	for _, h := range opts.Hooks {
		active = active || h.Active()
	}
	if !active || opts.Events.DB == nil {
		return false
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	d := newWebhookDispatcher(opts)
	d.primeCursors(ctx)
	go d.run(ctx, interval)
	return true
}

func (d *webhookDispatcher) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchAll(ctx)
		}
	}
}

func (d *webhookDispatcher) primeCursors(ctx context.Context) {
	cur, err := d.events.LatestEventID(ctx)
	if err != nil {
		d.logger.Warn("webhook: init cursor failed", "error", err)
	}
	d.mu.Lock()
	for i := range d.hooks {
		d.cursors[i] = cur
	}
	d.mu.Unlock()
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.hooks {
		if !hook.Active() {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.Webhook) {
	evs, err := d.events.EventsAfter(ctx, defaultWebhookBatch, d.cursor(idx))
	if err != nil {
		d.logger.Warn("webhook: fetch events failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evs {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			// Retried from the same event on the next pass.
			d.logger.Warn("webhook: delivery failed", "url", hook.URL, "event_id", evt.ID, "error", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *webhookDispatcher) cursor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[idx]
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stillpoint-Event", evt.Type)
	req.Header.Set("X-Stillpoint-Delivery", fmt.Sprintf("%d", evt.ID))
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Stillpoint-Signature", "sha256="+signPayload(secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
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
