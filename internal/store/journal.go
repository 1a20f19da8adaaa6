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

type JournalStore struct {
	kv     KV
	logger *slog.Logger
	mu     sync.Mutex
}

func NewJournalStore(kv KV, logger *slog.Logger) *JournalStore {
	return &JournalStore{kv: kv, logger: defaultLogger(logger)}
}

// List returns entries newest first.
func (s *JournalStore) List(ctx context.Context) []domain.JournalEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := loadCollection[domain.JournalEntry](ctx, s.kv, s.logger, JournalKey)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Timestamp.After(items[j].Timestamp) })
	return items
}

func (s *JournalStore) Add(ctx context.Context, content string, sessionID *string, at time.Time) (domain.JournalEntry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.JournalEntry{}, domain.NewError(domain.InvalidSessionInput, "journal content is required")
	}
	e := domain.JournalEntry{ID: uuid.NewString(), Content: content, Timestamp: at}
	if sessionID != nil && *sessionID != "" {
		id := *sessionID
		e.SessionID = &id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := loadCollection[domain.JournalEntry](ctx, s.kv, s.logger, JournalKey)
	items = append(items, e)
	if err := saveCollection(ctx, s.kv, JournalKey, items); err != nil {
		return domain.JournalEntry{}, err
	}
	return e, nil
}

func (s *JournalStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := loadCollection[domain.JournalEntry](ctx, s.kv, s.logger, JournalKey)
	kept := items[:0]
	found := false
	for _, e := range items {
		if e.ID == id {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return fmt.Errorf("journal entry %s: %w", id, ErrNotFound)
	}
	return saveCollection(ctx, s.kv, JournalKey, kept)
}
