package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"stillpoint/internal/domain"
)

var (
	ctx    = context.Background()
	t0     = time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	quiet  = slog.New(slog.NewTextHandler(io.Discard, nil))
	calm   = domain.MoodLevel{Value: 7, Label: "Good"}
	uneasy = domain.MoodLevel{Value: 3, Label: "Somewhat Low"}
)

func TestMalformedJSONRecoversToEmpty(t *testing.T) {
	kv := NewMemoryKV()
	_ = kv.Set(ctx, SessionsKey, "{not json")
	_ = kv.Set(ctx, GoalsKey, `[{"id":`)
	_ = kv.Set(ctx, JournalKey, `"a string"`)

	sessions := NewSessionStore(kv, quiet)
	if got := sessions.List(ctx); len(got) != 0 {
		t.Fatalf("expected empty sessions, got %v", got)
	}
	if got := NewGoalStore(kv, quiet).List(ctx); len(got) != 0 {
		t.Fatalf("expected empty goals, got %v", got)
	}
	if got := NewJournalStore(kv, quiet).List(ctx); len(got) != 0 {
		t.Fatalf("expected empty journal, got %v", got)
	}

	rec, err := sessions.Start(ctx, StartOptions{Voice: "Hana", MoodBefore: uneasy, StartTime: t0})
	if err != nil {
		t.Fatalf("write after corrupt data: %v", err)
	}
	if got := sessions.List(ctx); len(got) != 1 || got[0].ID != rec.ID {
		t.Fatalf("sessions=%v", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := NewSessionStore(NewMemoryKV(), quiet)
	rec, err := s.Start(ctx, StartOptions{Template: "standard", Voice: "Elliot", MoodBefore: uneasy, StartTime: t0})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.EndTime != nil || rec.DurationSeconds != 0 {
		t.Fatalf("new record should be open: %+v", rec)
	}
	open, ok := s.Open(ctx)
	if !ok || open.ID != rec.ID {
		t.Fatalf("open=%+v ok=%v", open, ok)
	}
	notes := "  felt settled "
	closed, err := s.End(ctx, EndOptions{ID: rec.ID, EndTime: t0.Add(10*time.Minute + 30*time.Second), MoodAfter: &calm, Notes: &notes})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if closed.DurationSeconds != 630 || closed.MoodAfter.Value != 7 || *closed.Notes != "felt settled" {
		t.Fatalf("closed=%+v", closed)
	}
	if _, ok := s.Open(ctx); ok {
		t.Fatalf("no open record expected")
	}
	_, err = s.End(ctx, EndOptions{ID: rec.ID, EndTime: t0.Add(time.Hour)})
	if !domain.IsKind(err, domain.InvalidSessionInput) {
		t.Fatalf("second end must be rejected, got %v", err)
	}
	got, _ := s.Get(ctx, rec.ID)
	if got.DurationSeconds != 630 {
		t.Fatalf("record mutated after close: %+v", got)
	}
	if _, err := s.End(ctx, EndOptions{ID: "nope", EndTime: t0}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionStartValidation(t *testing.T) {
	kv := NewMemoryKV()
	s := NewSessionStore(kv, quiet)
	if _, err := s.Start(ctx, StartOptions{Voice: "", MoodBefore: calm}); !domain.IsKind(err, domain.InvalidSessionInput) {
		t.Fatalf("missing voice: %v", err)
	}
	if _, err := s.Start(ctx, StartOptions{Voice: "Hana", MoodBefore: domain.MoodLevel{Value: 11}}); !domain.IsKind(err, domain.InvalidSessionInput) {
		t.Fatalf("bad mood: %v", err)
	}
	if len(kv.Keys()) != 0 {
		t.Fatalf("rejected input must not write: %v", kv.Keys())
	}
}

func TestGoalCreateValidation(t *testing.T) {
	g := NewGoalStore(NewMemoryKV(), quiet)
	if _, err := g.Create(ctx, GoalCreateOptions{Title: "x", TargetSessions: 0}); !domain.IsKind(err, domain.InvalidGoalInput) {
		t.Fatalf("zero target: %v", err)
	}
	if _, err := g.Create(ctx, GoalCreateOptions{Title: " ", TargetSessions: 3}); !domain.IsKind(err, domain.InvalidGoalInput) {
		t.Fatalf("blank title: %v", err)
	}
	goal, err := g.Create(ctx, GoalCreateOptions{Title: "Week of calm", TargetSessions: 7, CreatedAt: t0})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	updated, err := g.Update(ctx, func(items []domain.Goal) []domain.Goal {
		items[0].CompletedSessions = 2
		return items
	})
	if err != nil || updated[0].ID != goal.ID || g.List(ctx)[0].CompletedSessions != 2 {
		t.Fatalf("update: %v %+v", err, updated)
	}
}

func TestJournalAddListDelete(t *testing.T) {
	j := NewJournalStore(NewMemoryKV(), quiet)
	if _, err := j.Add(ctx, "   ", nil, t0); !domain.IsKind(err, domain.InvalidSessionInput) {
		t.Fatalf("empty content: %v", err)
	}
	sid := "session-1"
	first, _ := j.Add(ctx, "first", &sid, t0)
	second, _ := j.Add(ctx, "second", nil, t0.Add(time.Minute))
	list := j.List(ctx)
	if len(list) != 2 || list[0].ID != second.ID || *list[1].SessionID != sid {
		t.Fatalf("list=%+v", list)
	}
	if err := j.Delete(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := j.Delete(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(j.List(ctx)) != 1 {
		t.Fatalf("expected one entry left")
	}
}
