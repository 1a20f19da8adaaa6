package server

import (
	"encoding/json"

	"stillpoint/internal/config"
	"stillpoint/internal/domain"
)

type TemplateResponse struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	TotalSeconds int            `json:"total_seconds"`
	Phases       []domain.Phase `json:"phases"`
}

type BreathingPatternResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Inhale    int    `json:"inhale"`
	Hold      int    `json:"hold"`
	Exhale    int    `json:"exhale"`
	HoldEmpty int    `json:"hold_empty"`
	Cycles    int    `json:"cycles"`
}

type CatalogResponse struct {
	Templates []TemplateResponse         `json:"templates"`
	Breathing []BreathingPatternResponse `json:"breathing"`
}

type VoicesResponse struct {
	Voices  []string `json:"voices"`
	Default string   `json:"default"`
}

type StartSessionRequest struct {
	Template   string `json:"template" example:"standard"`
	Voice      string `json:"voice,omitempty" required:"false" example:"Elliot"`
	MoodBefore int    `json:"mood_before" example:"4"`
}

type EndSessionRequest struct {
	MoodAfter *int    `json:"mood_after,omitempty" required:"false" example:"7"`
	Notes     *string `json:"notes,omitempty" required:"false"`
}

type BreathingRequest struct {
	Pattern string `json:"pattern" example:"box"`
	Cycles  int    `json:"cycles,omitempty" required:"false" minimum:"0"`
}

type MuteRequest struct {
	Muted bool `json:"muted"`
}

type TextRequest struct {
	Message string `json:"message" minLength:"1"`
}

type GoalCreateRequest struct {
	Title          string `json:"title" example:"Ten calm mornings"`
	Description    string `json:"description,omitempty" required:"false"`
	TargetSessions int    `json:"target_sessions" example:"10"`
}

type JournalCreateRequest struct {
	Content   string  `json:"content"`
	SessionID *string `json:"session_id,omitempty" required:"false"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type SessionsResponse struct {
	Items []domain.SessionRecord `json:"items"`
}

type GoalsResponse struct {
	Items []domain.Goal `json:"items"`
}

type JournalResponse struct {
	Items []domain.JournalEntry `json:"items"`
}

func catalogResponse(cfg *config.Config) CatalogResponse {
	res := CatalogResponse{Templates: []TemplateResponse{}, Breathing: []BreathingPatternResponse{}}
	for _, t := range cfg.Templates {
		res.Templates = append(res.Templates, TemplateResponse{
			ID:           t.ID,
			Name:         t.Name,
			TotalSeconds: t.TotalSeconds(),
			Phases:       t.Phases,
		})
	}
	for _, b := range cfg.Breathing {
		res.Breathing = append(res.Breathing, BreathingPatternResponse(b))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
