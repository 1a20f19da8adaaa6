package domain

import "time"

type PhaseKind string

const (
	PhaseBreathing    PhaseKind = "breathing"
	PhaseTransition   PhaseKind = "transition"
	PhaseMainActivity PhaseKind = "mainActivity"
)

// Valid reports whether k is one of the known phase kinds.
func (k PhaseKind) Valid() bool {
	switch k {
	case PhaseBreathing, PhaseTransition, PhaseMainActivity:
		return true
	}
	return false
}

type Phase struct {
	ID              string    `json:"id" yaml:"id"`
	Name            string    `json:"name" yaml:"name"`
	DurationSeconds int       `json:"duration_seconds" yaml:"duration"`
	Kind            PhaseKind `json:"kind" yaml:"kind" enum:"breathing,transition,mainActivity"`
}

type MoodLevel struct {
	Value int    `json:"value" minimum:"1" maximum:"10"`
	Label string `json:"label"`
}

type SessionRecord struct {
	ID              string     `json:"id"`
	Template        string     `json:"template,omitempty"`
	StartTime       time.Time  `json:"start_time" format:"date-time"`
	EndTime         *time.Time `json:"end_time,omitempty" format:"date-time"`
	DurationSeconds int        `json:"duration_seconds"`
	VoiceIdentity   string     `json:"voice"`
	MoodBefore      MoodLevel  `json:"mood_before"`
	MoodAfter       *MoodLevel `json:"mood_after,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
}

// Completed reports whether the record has been closed.
func (r SessionRecord) Completed() bool { return r.EndTime != nil }

type Goal struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	TargetSessions    int        `json:"target_sessions"`
	CompletedSessions int        `json:"completed_sessions"`
	CreatedAt         time.Time  `json:"created_at" format:"date-time"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" format:"date-time"`
}

type JournalEntry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp" format:"date-time"`
	SessionID *string   `json:"session_id,omitempty"`
}

type Stats struct {
	TotalSessions        int     `json:"total_sessions"`
	TotalMinutes         int     `json:"total_minutes"`
	AverageSessionLength float64 `json:"average_session_length"`
	CurrentStreak        int     `json:"current_streak"`
	LongestStreak        int     `json:"longest_streak"`
	CompletedGoals       int     `json:"completed_goals"`
}

type Transcript struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
