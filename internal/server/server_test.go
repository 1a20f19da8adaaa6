package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"stillpoint/internal/config"
	"stillpoint/internal/db"
	"stillpoint/internal/domain"
	"stillpoint/internal/engine"
	"stillpoint/internal/events"
	"stillpoint/internal/migrate"
	"stillpoint/internal/repo"
	"stillpoint/internal/voice"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, provider voice.Provider) (*testServer, func()) {
	t.Helper()
	return newTestServerWithAuth(t, provider, AuthConfig{})
}

func newTestServerWithAuth(t *testing.T, provider voice.Provider, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }
	r := repo.Repo{DB: conn, Now: now}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.New(engine.Options{
		Config:            config.Default(),
		KV:                r,
		Provider:          provider,
		Events:            events.Writer{DB: conn},
		Logger:            logger,
		Now:               now,
		DefaultCredential: "pk-test-0000-0000-0000-000000",
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	handler, err := New(Config{Engine: e, Events: r, BasePath: "/v1", Auth: auth, Logger: logger})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			e.Close(context.Background())
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
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
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
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

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, &voice.Loopback{Hold: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/session/start", map[string]any{
		"template":    "quick",
		"voice":       "Hana",
		"mood_before": 3,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var st engine.State
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if st.Mode != engine.ModeSession || st.Timer.PhaseID != "breathing" || st.Session == nil {
		t.Fatalf("state=%+v", st)
	}

	for i := 0; i < 2; i++ {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/session/skip", nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("skip status %d: %s", res.StatusCode, string(data))
		}
	}
	_ = json.Unmarshal(data, &st)
	if st.Timer.Kind != domain.PhaseMainActivity || st.Connection.State != voice.StateConnecting {
		t.Fatalf("after skips: %+v", st)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/session/end", map[string]any{"mood_after": 7, "notes": "good"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status %d: %s", res.StatusCode, string(data))
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.EndTime == nil || rec.MoodAfter == nil || rec.MoodAfter.Value != 7 {
		t.Fatalf("record=%+v", rec)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/sessions", nil, nil)
	var list SessionsResponse
	if err := json.Unmarshal(data, &list); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("sessions status %d: %s", res.StatusCode, string(data))
	}
	if len(list.Items) != 1 || list.Items[0].ID != rec.ID {
		t.Fatalf("sessions=%+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stats", nil, nil)
	var stats domain.Stats
	_ = json.Unmarshal(data, &stats)
	if res.StatusCode != http.StatusOK || stats.TotalSessions != 1 {
		t.Fatalf("stats status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=session.ended", nil, nil)
	var evs paginatedEvents
	if err := json.Unmarshal(data, &evs); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	if len(evs.Items) != 1 || evs.Items[0].EntityID != rec.ID || evs.Items[0].Payload["mood_after"] != float64(7) {
		t.Fatalf("events=%+v", evs.Items)
	}
}

func TestErrorEnvelopeStatuses(t *testing.T) {
	srv, cleanup := newTestServer(t, &voice.Loopback{})
	defer cleanup()
	client := srv.Client()

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad mood", http.MethodPost, "/v1/session/start", map[string]any{"template": "quick", "mood_before": 0}, http.StatusBadRequest, "invalid_session_input"},
		{"unknown template", http.MethodPost, "/v1/session/start", map[string]any{"template": "nope", "mood_before": 5}, http.StatusBadRequest, "invalid_session_input"},
		{"end without session", http.MethodPost, "/v1/session/end", map[string]any{}, http.StatusBadRequest, "invalid_session_input"},
		{"bad goal", http.MethodPost, "/v1/goals", map[string]any{"title": "x", "target_sessions": 0}, http.StatusBadRequest, "invalid_goal_input"},
		{"missing journal", http.MethodDelete, "/v1/journal/does-not-exist", nil, http.StatusNotFound, "not_found"},
		{"bad cursor", http.MethodGet, "/v1/events?cursor=abc", nil, http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range cases {
		res, data := doJSON(t, client, tc.method, srv.URL+tc.path, tc.body, nil)
		if res.StatusCode != tc.status {
			t.Fatalf("%s: status %d, want %d: %s", tc.name, res.StatusCode, tc.status, string(data))
		}
		var env errorEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("%s: unmarshal error: %v", tc.name, err)
		}
		if env.Error.Code != tc.code {
			t.Fatalf("%s: code=%q, want %q", tc.name, env.Error.Code, tc.code)
		}
	}
}

func TestHandleErrorMapsConnectionKinds(t *testing.T) {
	cases := map[domain.ErrorKind]int{
		domain.InvalidCredential: http.StatusUnauthorized,
		domain.PaymentRequired:   http.StatusPaymentRequired,
		domain.SessionEjected:    http.StatusInternalServerError,
		domain.ProviderError:     http.StatusInternalServerError,
	}
	for kind, status := range cases {
		se := handleError(domain.NewError(kind, "boom"))
		if se.GetStatus() != status {
			t.Fatalf("%s: status %d, want %d", kind, se.GetStatus(), status)
		}
		ae := se.(*apiError)
		if ae.Body.Code != string(kind) || ae.Body.Details["user_message"] == "" {
			t.Fatalf("%s: body=%+v", kind, ae.Body)
		}
	}
}

func TestGoalsJournalAndCatalog(t *testing.T) {
	srv, cleanup := newTestServer(t, &voice.Loopback{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/goals", map[string]any{"title": "Daily calm", "target_sessions": 5}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create goal status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/goals", nil, nil)
	var goals GoalsResponse
	if err := json.Unmarshal(data, &goals); err != nil || len(goals.Items) != 1 || goals.Items[0].TargetSessions != 5 {
		t.Fatalf("goals status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/journal", map[string]any{"content": "quiet morning"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add journal status %d: %s", res.StatusCode, string(data))
	}
	var entry domain.JournalEntry
	_ = json.Unmarshal(data, &entry)
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/journal/"+entry.ID, nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete journal status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/templates", nil, nil)
	var catalog CatalogResponse
	if err := json.Unmarshal(data, &catalog); err != nil || len(catalog.Templates) != 3 {
		t.Fatalf("templates status %d: %s", res.StatusCode, string(data))
	}
	if catalog.Templates[0].TotalSeconds != 300 {
		t.Fatalf("quick total=%d", catalog.Templates[0].TotalSeconds)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/moods", nil, nil)
	var moods []domain.MoodLevel
	if err := json.Unmarshal(data, &moods); err != nil || len(moods) != 10 || moods[9].Label != "Outstanding" {
		t.Fatalf("moods status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ApiError") {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
}

func TestConnectionControlsWhileDisconnected(t *testing.T) {
	srv, cleanup := newTestServer(t, &voice.Loopback{})
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/connection/mute", map[string]any{"muted": true}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mute status %d: %s", res.StatusCode, string(data))
	}
	var snap voice.Status
	_ = json.Unmarshal(data, &snap)
	if snap.Muted || snap.State != voice.StateDisconnected {
		t.Fatalf("mute must be a no-op while disconnected: %+v", snap)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/connection/disconnect", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("disconnect status %d: %s", res.StatusCode, string(data))
	}
}
