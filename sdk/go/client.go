package stillpointsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stillpoint HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Mood struct {
	Value int    `json:"value"`
	Label string `json:"label"`
}

// SessionRecord is one meditation session, open until EndTime is set.
type SessionRecord struct {
	ID              string     `json:"id"`
	Template        string     `json:"template"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	Voice           string     `json:"voice"`
	MoodBefore      Mood       `json:"mood_before"`
	MoodAfter       *Mood      `json:"mood_after,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
}

type Timer struct {
	PhaseID   string `json:"phase_id"`
	PhaseName string `json:"phase"`
	Kind      string `json:"kind"`
	Index     int    `json:"index"`
	TimeLeft  int    `json:"time_left_seconds"`
	Running   bool   `json:"running"`
	Paused    bool   `json:"paused"`
	Cycle     int    `json:"cycle"`
}

type Connection struct {
	State        string  `json:"state"`
	Muted        bool    `json:"muted"`
	Speaking     bool    `json:"speaking"`
	VolumeLevel  float64 `json:"volume_level"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// State is the orchestrator snapshot returned by session controls.
type State struct {
	Mode       string         `json:"mode"`
	Template   string         `json:"template"`
	Pattern    string         `json:"pattern"`
	Timer      Timer          `json:"timer"`
	Connection Connection     `json:"connection"`
	Session    *SessionRecord `json:"session,omitempty"`
}

type Goal struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	TargetSessions    int        `json:"target_sessions"`
	CompletedSessions int        `json:"completed_sessions"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

type JournalEntry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
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

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartSession opens a session; voice may be empty to use the default.
func (c *Client) StartSession(ctx context.Context, template, voice string, moodBefore int) (State, error) {
	body := map[string]any{
		"template":    template,
		"mood_before": moodBefore,
	}
	if voice != "" {
		body["voice"] = voice
	}
	var resp State
	err := c.do(ctx, http.MethodPost, "session/start", body, &resp)
	return resp, err
}

func (c *Client) Session(ctx context.Context) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, "session", nil, &resp)
	return resp, err
}

// Control sends pause, resume, skip or reset.
func (c *Client) Control(ctx context.Context, action string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodPost, "session/"+url.PathEscape(action), nil, &resp)
	return resp, err
}

// EndSession closes the open session. Nil arguments are omitted.
func (c *Client) EndSession(ctx context.Context, moodAfter *int, notes *string) (SessionRecord, error) {
	body := map[string]any{}
	if moodAfter != nil {
		body["mood_after"] = *moodAfter
	}
	if notes != nil {
		body["notes"] = *notes
	}
	var resp SessionRecord
	err := c.do(ctx, http.MethodPost, "session/end", body, &resp)
	return resp, err
}

func (c *Client) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	endpoint := "sessions"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []SessionRecord `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) StartBreathing(ctx context.Context, pattern string, cycles int) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodPost, "breathing/start", map[string]any{"pattern": pattern, "cycles": cycles}, &resp)
	return resp, err
}

func (c *Client) SetMuted(ctx context.Context, muted bool) (Connection, error) {
	var resp Connection
	err := c.do(ctx, http.MethodPost, "connection/mute", map[string]any{"muted": muted}, &resp)
	return resp, err
}

func (c *Client) SendText(ctx context.Context, message string) (Connection, error) {
	var resp Connection
	err := c.do(ctx, http.MethodPost, "connection/text", map[string]any{"message": message}, &resp)
	return resp, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

func (c *Client) CreateGoal(ctx context.Context, title, description string, targetSessions int) (Goal, error) {
	body := map[string]any{
		"title":           title,
		"description":     description,
		"target_sessions": targetSessions,
	}
	var resp Goal
	err := c.do(ctx, http.MethodPost, "goals", body, &resp)
	return resp, err
}

func (c *Client) Goals(ctx context.Context) ([]Goal, error) {
	var resp struct {
		Items []Goal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "goals", nil, &resp)
	return resp.Items, err
}

// AddJournal stores an entry; an empty sessionID links it to the open session.
func (c *Client) AddJournal(ctx context.Context, content, sessionID string) (JournalEntry, error) {
	body := map[string]any{"content": content}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	var resp JournalEntry
	err := c.do(ctx, http.MethodPost, "journal", body, &resp)
	return resp, err
}

func (c *Client) Journal(ctx context.Context) ([]JournalEntry, error) {
	var resp struct {
		Items []JournalEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "journal", nil, &resp)
	return resp.Items, err
}

func (c *Client) DeleteJournal(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "journal/"+url.PathEscape(id), nil, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
