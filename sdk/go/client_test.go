package stillpointsdk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stillpoint/internal/config"
	"stillpoint/internal/db"
	"stillpoint/internal/engine"
	"stillpoint/internal/events"
	"stillpoint/internal/migrate"
	"stillpoint/internal/repo"
	"stillpoint/internal/server"
	"stillpoint/internal/voice"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC) }
	r := repo.Repo{DB: conn, Now: now}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.New(engine.Options{
		Config:   config.Default(),
		KV:       r,
		Provider: &voice.Loopback{},
		Events:   events.Writer{DB: conn},
		Logger:   logger,
		Now:      now,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	handler, err := server.New(server.Config{Engine: e, Events: r, Logger: logger})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	st, err := c.StartSession(ctx, "quick", "", 5)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st.Mode != "session" || st.Session == nil || st.Session.Voice != "Elliot" || !st.Timer.Running {
		t.Fatalf("unexpected start state %+v", st)
	}
	if st.Session.MoodBefore.Label != "Neutral" {
		t.Fatalf("expected Neutral mood, got %+v", st.Session.MoodBefore)
	}

	paused, err := c.Control(ctx, "pause")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !paused.Timer.Paused {
		t.Fatalf("expected paused timer")
	}

	mood, notes := 7, "calm"
	rec, err := c.EndSession(ctx, &mood, &notes)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if rec.EndTime == nil || rec.MoodAfter == nil || rec.MoodAfter.Label != "Good" || rec.Notes == nil || *rec.Notes != "calm" {
		t.Fatalf("unexpected record %+v", rec)
	}

	_, err = c.EndSession(ctx, nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "invalid_session_input" {
		t.Fatalf("unexpected error %+v", apiErr)
	}

	sessions, err := c.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != rec.ID {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalSessions != 1 {
		t.Fatalf("expected 1 session in stats, got %+v", stats)
	}
}

func TestGoalsJournalAndEvents(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	g, err := c.CreateGoal(ctx, "Ten mornings", "", 10)
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	if g.TargetSessions != 10 || g.CompletedSessions != 0 {
		t.Fatalf("unexpected goal %+v", g)
	}
	if _, err := c.CreateGoal(ctx, "", "", 10); err == nil {
		t.Fatalf("expected empty title to be rejected")
	}
	goals, err := c.Goals(ctx)
	if err != nil || len(goals) != 1 {
		t.Fatalf("goals: %v %+v", err, goals)
	}

	entry, err := c.AddJournal(ctx, "felt settled", "")
	if err != nil {
		t.Fatalf("add journal: %v", err)
	}
	if entry.SessionID != nil {
		t.Fatalf("expected no session link without an open session, got %v", *entry.SessionID)
	}
	if err := c.DeleteJournal(ctx, entry.ID); err != nil {
		t.Fatalf("delete journal: %v", err)
	}
	err = c.DeleteJournal(ctx, entry.ID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %v", err)
	}

	page, err := c.EventsPage(ctx, 2, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with a cursor, got %+v", page)
	}
	rest, err := c.EventsPage(ctx, 10, page.NextCursor)
	if err != nil {
		t.Fatalf("events page 2: %v", err)
	}
	if len(rest.Items) != 1 || rest.Items[0].Type != "goal.created" {
		t.Fatalf("unexpected second page %+v", rest.Items)
	}
}
