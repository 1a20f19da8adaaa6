package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"stillpoint/internal/domain"
	"stillpoint/internal/repo"
)

// KV is the opaque persistent store the collections are kept in.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

const (
	SessionsKey = "meditation_sessions"
	GoalsKey    = "meditation_goals"
	JournalKey  = "meditation_journal"
)

var ErrNotFound = repo.ErrNotFound

// MemoryKV keeps values in process memory.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: map[string]string{}}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryKV) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// loadCollection reads a JSON array stored under key. Missing, unreadable or
// corrupt data yields an empty collection; the failure is only logged.
func loadCollection[T any](ctx context.Context, kv KV, logger *slog.Logger, key string) []T {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		logger.Warn("stored collection unreadable, using empty", "key", key, "kind", domain.PersistenceReadError, "error", err)
		return nil
	}
	if !ok || raw == "" {
		return nil
	}
	var out []T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		logger.Warn("stored collection corrupt, using empty", "key", key, "kind", domain.PersistenceReadError, "error", err)
		return nil
	}
	return out
}

func saveCollection[T any](ctx context.Context, kv KV, key string, items []T) error {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := kv.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func defaultLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
