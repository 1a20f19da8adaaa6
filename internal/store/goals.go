package store

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stillpoint/internal/domain"
)

type GoalStore struct {
	kv     KV
	logger *slog.Logger
	mu     sync.Mutex
}

func NewGoalStore(kv KV, logger *slog.Logger) *GoalStore {
	return &GoalStore{kv: kv, logger: defaultLogger(logger)}
}

type GoalCreateOptions struct {
	Title          string
	Description    string
	TargetSessions int
	CreatedAt      time.Time
}

func (s *GoalStore) List(ctx context.Context) []domain.Goal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return loadCollection[domain.Goal](ctx, s.kv, s.logger, GoalsKey)
}

// Create validates and appends a goal with no progress.
func (s *GoalStore) Create(ctx context.Context, opts GoalCreateOptions) (domain.Goal, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Goal{}, domain.NewError(domain.InvalidGoalInput, "title is required")
	}
	if opts.TargetSessions <= 0 {
		return domain.Goal{}, domain.NewError(domain.InvalidGoalInput, "target sessions must be positive, got %d", opts.TargetSessions)
	}
	g := domain.Goal{
		ID:             uuid.NewString(),
		Title:          title,
		Description:    strings.TrimSpace(opts.Description),
		TargetSessions: opts.TargetSessions,
		CreatedAt:      opts.CreatedAt,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := loadCollection[domain.Goal](ctx, s.kv, s.logger, GoalsKey)
	items = append(items, g)
	if err := saveCollection(ctx, s.kv, GoalsKey, items); err != nil {
		return domain.Goal{}, err
	}
	return g, nil
}

// Update applies fn to the stored goals and persists the result.
func (s *GoalStore) Update(ctx context.Context, fn func([]domain.Goal) []domain.Goal) ([]domain.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := fn(loadCollection[domain.Goal](ctx, s.kv, s.logger, GoalsKey))
	if err := saveCollection(ctx, s.kv, GoalsKey, items); err != nil {
		return nil, err
	}
	return items, nil
}
