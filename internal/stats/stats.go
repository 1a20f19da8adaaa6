package stats

import (
	"sort"
	"time"

	"stillpoint/internal/domain"
)

// Compute derives aggregate statistics from the session and goal logs.
// Calendar days are taken in now's location. The result depends only on the
// arguments, not on their order.
func Compute(records []domain.SessionRecord, goals []domain.Goal, now time.Time) domain.Stats {
	loc := now.Location()
	var s domain.Stats
	seen := make(map[int64]struct{})
	for _, r := range records {
		if !r.Completed() {
			continue
		}
		s.TotalSessions++
		s.TotalMinutes += r.DurationSeconds / 60
		seen[dayNumber(r.StartTime.In(loc))] = struct{}{}
	}
	if s.TotalSessions > 0 {
		s.AverageSessionLength = float64(s.TotalMinutes) / float64(s.TotalSessions)
	}

	days := make([]int64, 0, len(seen))
	for d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] > days[j] })

	run := 0
	for i := range days {
		if i > 0 && days[i-1]-days[i] == 1 {
			run++
		} else {
			run = 1
		}
		if run > s.LongestStreak {
			s.LongestStreak = run
		}
	}

	if len(days) > 0 {
		if gap := dayNumber(now) - days[0]; gap == 0 || gap == 1 {
			s.CurrentStreak = 1
			for i := 1; i < len(days) && days[i-1]-days[i] == 1; i++ {
				s.CurrentStreak++
			}
		}
	}

	for _, g := range goals {
		if g.CompletedAt != nil {
			s.CompletedGoals++
		}
	}
	return s
}

// CountCompleted returns the number of closed session records.
func CountCompleted(records []domain.SessionRecord) int {
	n := 0
	for _, r := range records {
		if r.Completed() {
			n++
		}
	}
	return n
}

// dayNumber maps a local wall-clock date onto a day index, ignoring time of day
// and DST offsets.
func dayNumber(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}
