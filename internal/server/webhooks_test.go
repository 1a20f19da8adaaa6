package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"stillpoint/internal/config"
	"stillpoint/internal/db"
	"stillpoint/internal/events"
	"stillpoint/internal/migrate"
	"stillpoint/internal/repo"
)

type hookRecorder struct {
	mu       sync.Mutex
	fail     bool
	received []webhookEvent
	sigs     []string
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var evt webhookEvent
	_ = json.Unmarshal(body, &evt)
	h.received = append(h.received, evt)
	h.sigs = append(h.sigs, r.Header.Get("X-Stillpoint-Signature"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *hookRecorder) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.received {
		out = append(out, e.Type)
	}
	return out
}

func newWebhookRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestWebhookDispatchFiltersSignsAndRetries(t *testing.T) {
	ctx := context.Background()
	r := newWebhookRepo(t)
	w := events.Writer{DB: r.DB}
	if err := w.Append(ctx, events.GoalCreated, "goal", "old", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, filtered := &hookRecorder{}, &hookRecorder{}
	allSrv, filteredSrv := httptest.NewServer(all), httptest.NewServer(filtered)
	defer allSrv.Close()
	defer filteredSrv.Close()

	disabled := false
	d := newWebhookDispatcher(WebhookOptions{
		Events: r,
		Hooks: []config.Webhook{
			{URL: allSrv.URL, Secret: "s3cret"},
			{URL: filteredSrv.URL, Events: []string{events.SessionEnded}},
			{URL: filteredSrv.URL, Enabled: &disabled},
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	d.primeCursors(ctx)

	_ = w.Append(ctx, events.SessionStarted, "session", "s1", events.EventPayload{"template": "quick"})
	_ = w.Append(ctx, events.SessionEnded, "session", "s1", events.EventPayload{"completed": true})
	d.dispatchAll(ctx)

	if got := all.types(); len(got) != 2 || got[0] != events.SessionStarted || got[1] != events.SessionEnded {
		t.Fatalf("unsubscribed hook got %v", got)
	}
	if got := filtered.types(); len(got) != 1 || got[0] != events.SessionEnded {
		t.Fatalf("filtered hook got %v", got)
	}
	body, _ := json.Marshal(all.received[0])
	if all.sigs[0] != "sha256="+signPayload("s3cret", body) {
		t.Fatalf("unexpected signature %q", all.sigs[0])
	}
	if filtered.sigs[0] != "" {
		t.Fatalf("hook without secret must not be signed")
	}
	if all.received[0].Payload == nil || string(all.received[0].Payload) != `{"template":"quick"}` {
		t.Fatalf("payload=%s", all.received[0].Payload)
	}

	all.mu.Lock()
	all.fail = true
	all.mu.Unlock()
	_ = w.Append(ctx, events.JournalAdded, "journal", "j1", nil)
	d.dispatchAll(ctx)
	if got := all.types(); len(got) != 2 {
		t.Fatalf("failed delivery must not be recorded, got %v", got)
	}
	all.mu.Lock()
	all.fail = false
	all.mu.Unlock()
	d.dispatchAll(ctx)
	if got := all.types(); len(got) != 3 || got[2] != events.JournalAdded {
		t.Fatalf("expected retry to deliver journal.added, got %v", got)
	}
}

func TestStartWebhookDispatcherSkipsInactiveHooks(t *testing.T) {
	disabled := false
	r := newWebhookRepo(t)
	if StartWebhookDispatcher(context.Background(), WebhookOptions{Events: r}) {
		t.Fatalf("no hooks should not start a dispatcher")
	}
	if StartWebhookDispatcher(context.Background(), WebhookOptions{Events: r, Hooks: []config.Webhook{{URL: "http://127.0.0.1:1", Enabled: &disabled}}}) {
		t.Fatalf("disabled hooks should not start a dispatcher")
	}
}
