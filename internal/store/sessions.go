package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stillpoint/internal/domain"
)

// SessionStore is the single writer of session records.
type SessionStore struct {
	kv     KV
	logger *slog.Logger
	mu     sync.Mutex
}

func NewSessionStore(kv KV, logger *slog.Logger) *SessionStore {
	return &SessionStore{kv: kv, logger: defaultLogger(logger)}
}

type StartOptions struct {
	Template   string
	Voice      string
	MoodBefore domain.MoodLevel
	StartTime  time.Time
}

type EndOptions struct {
	ID        string
	EndTime   time.Time
	MoodAfter *domain.MoodLevel
	Notes     *string
}

// List returns every record ordered by start time, newest first.
func (s *SessionStore) List(ctx context.Context) []domain.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := loadCollection[domain.SessionRecord](ctx, s.kv, s.logger, SessionsKey)
	sort.SliceStable(items, func(i, j int) bool { return items[i].StartTime.After(items[j].StartTime) })
	return items
}

func (s *SessionStore) Get(ctx context.Context, id string) (domain.SessionRecord, error) {
	for _, r := range s.List(ctx) {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.SessionRecord{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
}

// Open returns the most recent record that has not been closed.
func (s *SessionStore) Open(ctx context.Context) (domain.SessionRecord, bool) {
	for _, r := range s.List(ctx) {
		if !r.Completed() {
			return r, true
		}
	}
	return domain.SessionRecord{}, false
}

// Start appends a new open record.
func (s *SessionStore) Start(ctx context.Context, opts StartOptions) (domain.SessionRecord, error) {
	if strings.TrimSpace(opts.Voice) == "" {
		return domain.SessionRecord{}, domain.NewError(domain.InvalidSessionInput, "voice is required")
	}
	if _, err := domain.NewMood(opts.MoodBefore.Value); err != nil {
		return domain.SessionRecord{}, err
	}
	rec := domain.SessionRecord{
		ID:            uuid.NewString(),
		Template:      opts.Template,
		StartTime:     opts.StartTime,
		VoiceIdentity: opts.Voice,
		MoodBefore:    opts.MoodBefore,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := loadCollection[domain.SessionRecord](ctx, s.kv, s.logger, SessionsKey)
	items = append(items, rec)
	if err := saveCollection(ctx, s.kv, SessionsKey, items); err != nil {
		return domain.SessionRecord{}, err
	}
	return rec, nil
}

// End closes an open record. A record is closed at most once.
func (s *SessionStore) End(ctx context.Context, opts EndOptions) (domain.SessionRecord, error) {
	if opts.MoodAfter != nil {
		if _, err := domain.NewMood(opts.MoodAfter.Value); err != nil {
			return domain.SessionRecord{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := loadCollection[domain.SessionRecord](ctx, s.kv, s.logger, SessionsKey)
	idx := -1
	for i, r := range items {
		if r.ID == opts.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.SessionRecord{}, fmt.Errorf("session %s: %w", opts.ID, ErrNotFound)
	}
	rec := items[idx]
	if rec.Completed() {
		return domain.SessionRecord{}, domain.NewError(domain.InvalidSessionInput, "session %s already ended", rec.ID)
	}
	end := opts.EndTime
	rec.EndTime = &end
	rec.DurationSeconds = int(end.Sub(rec.StartTime) / time.Second)
	if rec.DurationSeconds < 0 {
		rec.DurationSeconds = 0
	}
	rec.MoodAfter = opts.MoodAfter
	if opts.Notes != nil && strings.TrimSpace(*opts.Notes) != "" {
		n := strings.TrimSpace(*opts.Notes)
		rec.Notes = &n
	}
	items[idx] = rec
	if err := saveCollection(ctx, s.kv, SessionsKey, items); err != nil {
		return domain.SessionRecord{}, err
	}
	return rec, nil
}
