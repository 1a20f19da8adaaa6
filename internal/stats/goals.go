package stats

import (
	"time"

	"stillpoint/internal/domain"
)

// RecomputeGoals returns a copy of goals with progress set from the all-time
// completed session count. A goal's completion time is set once, the first
// time it reaches its target, and never cleared afterwards.
func RecomputeGoals(goals []domain.Goal, completedCount int, now time.Time) []domain.Goal {
	out := make([]domain.Goal, len(goals))
	for i, g := range goals {
		n := completedCount
		if n > g.TargetSessions {
			n = g.TargetSessions
		}
		if n < 0 {
			n = 0
		}
		g.CompletedSessions = n
		if g.CompletedAt == nil && g.TargetSessions > 0 && n >= g.TargetSessions {
			at := now
			g.CompletedAt = &at
		}
		out[i] = g
	}
	return out
}
