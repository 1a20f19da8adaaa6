package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"stillpoint/internal/config"
	"stillpoint/internal/domain"
	"stillpoint/internal/events"
	"stillpoint/internal/prefs"
	"stillpoint/internal/stats"
	"stillpoint/internal/store"
	"stillpoint/internal/telemetry"
	"stillpoint/internal/timer"
	"stillpoint/internal/voice"
)

// Mode names what the phase timer is currently driving.
type Mode string

const (
	ModeIdle      Mode = "idle"
	ModeSession   Mode = "session"
	ModeBreathing Mode = "breathing"
)

type Options struct {
	Config            *config.Config
	KV                store.KV
	Provider          voice.Provider
	Events            events.Writer
	Telemetry         telemetry.Recorder
	Logger            *slog.Logger
	Now               func() time.Time
	DefaultCredential string
}

// Engine is the session orchestrator. Ticks, provider events and caller
// operations are applied one at a time under mu.
type Engine struct {
	cfg       *config.Config
	now       func() time.Time
	logger    *slog.Logger
	events    events.Writer
	telemetry telemetry.Recorder

	sessions *store.SessionStore
	goals    *store.GoalStore
	journal  *store.JournalStore
	prefs    *prefs.Preferences

	mu       sync.Mutex
	ctx      context.Context
	timer    *timer.PhaseTimer
	conn     *voice.Controller
	mode     Mode
	template string
	pattern  string
	voice    string
	active   *domain.SessionRecord
	stats    domain.Stats
}

// State is the upward-facing view of the orchestrator.
type State struct {
	Mode       Mode                  `json:"mode"`
	Template   string                `json:"template,omitempty"`
	Pattern    string                `json:"pattern,omitempty"`
	Timer      timer.Snapshot        `json:"timer"`
	Connection voice.Status          `json:"connection"`
	Session    *domain.SessionRecord `json:"session,omitempty"`
	Stats      domain.Stats          `json:"stats"`
}

func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, errors.New("config not loaded")
	}
	if opts.KV == nil {
		return nil, errors.New("key-value store is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNoOp()
	}
	if opts.Events.Now == nil {
		opts.Events.Now = opts.Now
	}
	e := &Engine{
		cfg:       opts.Config,
		now:       opts.Now,
		logger:    opts.Logger,
		events:    opts.Events,
		telemetry: opts.Telemetry,
		sessions:  store.NewSessionStore(opts.KV, opts.Logger),
		goals:     store.NewGoalStore(opts.KV, opts.Logger),
		journal:   store.NewJournalStore(opts.KV, opts.Logger),
		prefs:     prefs.New(opts.KV, opts.DefaultCredential, opts.Logger),
		ctx:       context.Background(),
		mode:      ModeIdle,
	}
	e.timer = timer.New(timer.Hooks{
		OnEnter:    e.onPhaseEnter,
		OnExit:     e.onPhaseExit,
		OnComplete: e.onComplete,
	})
	e.conn = voice.NewController(voice.Options{
		Provider:  opts.Provider,
		Assistant: opts.Config.Assistant,
		Now:       opts.Now,
		Logger:    opts.Logger,
		Observer:  e.onNotice,
	})
	ctx := context.Background()
	if rec, ok := e.sessions.Open(ctx); ok {
		e.active = &rec
		e.template = rec.Template
		e.voice = rec.VoiceIdentity
	}
	e.stats = e.computeStats(ctx)
	return e, nil
}

// Close tears down the voice connection and flushes telemetry.
func (e *Engine) Close(ctx context.Context) error {
	e.conn.Close()
	return e.telemetry.Close(ctx)
}

func (e *Engine) Config() *config.Config { return e.cfg }

func (e *Engine) Prefs() *prefs.Preferences { return e.prefs }

// lock serializes an operation and makes ctx visible to timer hooks.
func (e *Engine) lock(ctx context.Context) func() {
	e.mu.Lock()
	e.ctx = ctx
	return func() {
		e.ctx = context.Background()
		e.mu.Unlock()
	}
}

// SessionStartOptions are parameters for starting a guided session.
type SessionStartOptions struct {
	Template   string
	Voice      string
	MoodBefore int
}

// StartSession opens a session record and starts the template's phases.
func (e *Engine) StartSession(ctx context.Context, opts SessionStartOptions) (State, error) {
	tpl, err := e.cfg.Template(opts.Template)
	if err != nil {
		return State{}, err
	}
	if opts.Voice == "" {
		opts.Voice = e.cfg.DefaultVoice
	}
	voiceName, ok := e.canonicalVoice(opts.Voice)
	if !ok {
		return State{}, domain.NewError(domain.InvalidSessionInput, "unknown voice %q", opts.Voice)
	}
	mood, err := domain.NewMood(opts.MoodBefore)
	if err != nil {
		return State{}, err
	}

	unlock := e.lock(ctx)
	defer unlock()
	if e.active != nil {
		return State{}, domain.NewError(domain.InvalidSessionInput, "session %s is already in progress", e.active.ID)
	}
	if e.mode != ModeIdle {
		return State{}, domain.NewError(domain.InvalidSessionInput, "a %s is already running", e.mode)
	}
	if err := e.timer.Select(tpl.Phases); err != nil {
		return State{}, err
	}
	rec, err := e.sessions.Start(ctx, store.StartOptions{
		Template:   tpl.ID,
		Voice:      voiceName,
		MoodBefore: mood,
		StartTime:  e.now(),
	})
	if err != nil {
		return State{}, err
	}
	e.active = &rec
	e.mode = ModeSession
	e.template = tpl.ID
	e.voice = voiceName
	e.telemetry.SessionStarted(ctx, tpl.ID)
	e.appendEvent(ctx, events.SessionStarted, "session", rec.ID, events.EventPayload{
		"template":    tpl.ID,
		"voice":       voiceName,
		"mood_before": mood.Value,
	})
	e.logger.Info("session started", "id", rec.ID, "template", tpl.ID, "voice", voiceName)
	if err := e.timer.Start(); err != nil {
		return State{}, err
	}
	return e.stateLocked(), nil
}

// StartBreathing runs a breathing pattern on the phase timer without a
// session record. cycles of 0 uses the pattern's own count; 0 there means
// the exercise runs until stopped.
func (e *Engine) StartBreathing(ctx context.Context, pattern string, cycles int) (State, error) {
	p, err := e.cfg.Pattern(pattern)
	if err != nil {
		return State{}, err
	}
	if cycles < 0 {
		return State{}, domain.NewError(domain.InvalidSessionInput, "cycles must not be negative")
	}
	if cycles == 0 {
		cycles = p.Cycles
	}
	unlock := e.lock(ctx)
	defer unlock()
	if e.mode != ModeIdle {
		return State{}, domain.NewError(domain.InvalidSessionInput, "a %s is already running", e.mode)
	}
	if err := e.timer.SelectCycles(p.Phases(), cycles); err != nil {
		return State{}, err
	}
	e.mode = ModeBreathing
	e.pattern = p.ID
	if err := e.timer.Start(); err != nil {
		return State{}, err
	}
	return e.stateLocked(), nil
}

// StopBreathing ends a breathing exercise early.
func (e *Engine) StopBreathing(ctx context.Context) {
	unlock := e.lock(ctx)
	defer unlock()
	if e.mode != ModeBreathing {
		return
	}
	e.timer.Reset()
	e.mode = ModeIdle
	e.pattern = ""
}

// Tick advances the timer by one second.
func (e *Engine) Tick(ctx context.Context) {
	unlock := e.lock(ctx)
	defer unlock()
	e.timer.Tick()
}

func (e *Engine) Pause(ctx context.Context) {
	unlock := e.lock(ctx)
	defer unlock()
	e.timer.Pause()
}

// Resume continues a paused timer, or restarts the phases after Reset.
func (e *Engine) Resume(ctx context.Context) error {
	unlock := e.lock(ctx)
	defer unlock()
	if e.mode == ModeIdle {
		return domain.NewError(domain.InvalidSessionInput, "nothing to resume")
	}
	if e.timer.Running() {
		e.timer.Resume()
		return nil
	}
	return e.timer.Start()
}

// Skip ends the current phase immediately.
func (e *Engine) Skip(ctx context.Context) {
	unlock := e.lock(ctx)
	defer unlock()
	e.timer.Skip()
}

// Reset rewinds the phases to the start and hangs up the voice call. An open
// session record stays open.
func (e *Engine) Reset(ctx context.Context) {
	unlock := e.lock(ctx)
	defer unlock()
	e.timer.Reset()
	e.conn.Disconnect()
}

// SessionEndOptions are parameters for closing the open session.
type SessionEndOptions struct {
	MoodAfter *int
	Notes     *string
}

// EndSession closes the open session record, recomputes goal progress and
// disconnects the voice call.
func (e *Engine) EndSession(ctx context.Context, opts SessionEndOptions) (domain.SessionRecord, error) {
	var moodAfter *domain.MoodLevel
	if opts.MoodAfter != nil {
		m, err := domain.NewMood(*opts.MoodAfter)
		if err != nil {
			return domain.SessionRecord{}, err
		}
		moodAfter = &m
	}
	unlock := e.lock(ctx)
	defer unlock()
	if e.active == nil {
		return domain.SessionRecord{}, domain.NewError(domain.InvalidSessionInput, "no session in progress")
	}
	if e.mode == ModeSession {
		e.timer.Reset()
	}
	return e.finishLocked(ctx, moodAfter, opts.Notes, false)
}

// finishLocked closes the active record and refreshes derived state.
func (e *Engine) finishLocked(ctx context.Context, moodAfter *domain.MoodLevel, notes *string, completed bool) (domain.SessionRecord, error) {
	active := e.active
	e.active = nil
	if e.mode == ModeSession {
		e.mode = ModeIdle
	}
	e.conn.Disconnect()

	rec, err := e.sessions.End(ctx, store.EndOptions{
		ID:        active.ID,
		EndTime:   e.now(),
		MoodAfter: moodAfter,
		Notes:     notes,
	})
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("close session %s: %w", active.ID, err)
	}
	e.telemetry.SessionEnded(ctx, rec.Template, rec.DurationSeconds, completed)
	payload := events.EventPayload{"duration_seconds": rec.DurationSeconds, "completed": completed}
	if moodAfter != nil {
		payload["mood_after"] = moodAfter.Value
	}
	e.appendEvent(ctx, events.SessionEnded, "session", rec.ID, payload)
	e.logger.Info("session ended", "id", rec.ID, "duration_seconds", rec.DurationSeconds, "completed", completed)

	if err := e.recomputeGoals(ctx); err != nil {
		e.logger.Warn("recompute goals", "error", err)
	}
	e.stats = e.computeStats(ctx)
	return rec, nil
}

func (e *Engine) recomputeGoals(ctx context.Context) error {
	count := stats.CountCompleted(e.sessions.List(ctx))
	now := e.now()
	var newlyCompleted []domain.Goal
	_, err := e.goals.Update(ctx, func(items []domain.Goal) []domain.Goal {
		out := stats.RecomputeGoals(items, count, now)
		for i := range out {
			if items[i].CompletedAt == nil && out[i].CompletedAt != nil {
				newlyCompleted = append(newlyCompleted, out[i])
			}
		}
		return out
	})
	if err != nil {
		return err
	}
	for _, g := range newlyCompleted {
		e.appendEvent(ctx, events.GoalCompleted, "goal", g.ID, events.EventPayload{"title": g.Title, "target_sessions": g.TargetSessions})
	}
	return nil
}

func (e *Engine) computeStats(ctx context.Context) domain.Stats {
	return stats.Compute(e.sessions.List(ctx), e.goals.List(ctx), e.now())
}

func (e *Engine) onPhaseEnter(p domain.Phase, index int) {
	e.telemetry.PhaseEntered(e.ctx, string(p.Kind))
	if e.mode != ModeSession {
		return
	}
	entity := ""
	if e.active != nil {
		entity = e.active.ID
	}
	e.appendEvent(e.ctx, events.PhaseEntered, "session", entity, events.EventPayload{"phase": p.ID, "kind": p.Kind, "index": index})
	e.logger.Debug("phase entered", "phase", p.ID, "kind", p.Kind, "index", index)
	if p.Kind != domain.PhaseMainActivity {
		return
	}
	switch e.conn.State() {
	case voice.StateConnected, voice.StateConnecting:
		return
	}
	credential := e.prefs.ResolveCredential(e.ctx)
	if err := e.conn.Connect(e.ctx, credential, e.voice); err != nil {
		// Stored as the controller's last error.
		e.logger.Warn("voice connect rejected", "error", err)
	}
}

func (e *Engine) onPhaseExit(p domain.Phase, index int) {
	e.logger.Debug("phase exited", "phase", p.ID, "index", index)
}

func (e *Engine) onComplete() {
	switch e.mode {
	case ModeSession:
		if e.active == nil {
			e.mode = ModeIdle
			return
		}
		if _, err := e.finishLocked(e.ctx, nil, nil, true); err != nil {
			e.logger.Error("complete session", "error", err)
		}
	case ModeBreathing:
		e.logger.Info("breathing exercise complete", "pattern", e.pattern)
		e.mode = ModeIdle
		e.pattern = ""
	}
}

// onNotice runs on controller notices. It must not take e.mu: notices are
// delivered while an engine operation may already hold it.
func (e *Engine) onNotice(n voice.Notice) {
	ctx := context.Background()
	switch n.Event {
	case "connecting", "connected", "disconnected":
		e.appendEvent(ctx, events.ConnectionChanged, "connection", "", events.EventPayload{"state": n.State, "epoch": n.Epoch})
	case "error", "credential_rejected":
		kind := domain.ProviderError
		msg := ""
		if n.Err != nil {
			kind = n.Err.Kind
			msg = n.Err.Message
		}
		e.telemetry.ConnectionFailed(ctx, string(kind))
		e.appendEvent(ctx, events.ConnectionFailed, "connection", "", events.EventPayload{"kind": kind, "message": msg, "epoch": n.Epoch})
	}
}

// HandleEnvelope applies one queued provider event.
func (e *Engine) HandleEnvelope(ctx context.Context, env voice.Envelope) {
	unlock := e.lock(ctx)
	defer unlock()
	e.conn.Handle(env)
}

// Drain applies all queued provider events.
func (e *Engine) Drain(ctx context.Context) int {
	unlock := e.lock(ctx)
	defer unlock()
	return e.conn.Drain()
}

// Run serializes clock ticks and provider events until ctx is done.
func (e *Engine) Run(ctx context.Context, ticks <-chan time.Time) error {
	inbox := e.conn.Inbox()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			e.Tick(ctx)
		case env := <-inbox:
			e.HandleEnvelope(ctx, env)
		}
	}
}

// SetMuted toggles the microphone of a live call.
func (e *Engine) SetMuted(ctx context.Context, muted bool) voice.Status {
	unlock := e.lock(ctx)
	defer unlock()
	e.conn.SetMuted(muted)
	return e.conn.Snapshot()
}

// SendText injects a message into a live call.
func (e *Engine) SendText(ctx context.Context, message string) voice.Status {
	unlock := e.lock(ctx)
	defer unlock()
	e.conn.SendText(message)
	return e.conn.Snapshot()
}

// Disconnect hangs up the voice call without ending the session.
func (e *Engine) Disconnect(ctx context.Context) voice.Status {
	unlock := e.lock(ctx)
	defer unlock()
	e.conn.Disconnect()
	return e.conn.Snapshot()
}

func (e *Engine) State(ctx context.Context) State {
	unlock := e.lock(ctx)
	defer unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() State {
	s := State{
		Mode:       e.mode,
		Timer:      e.timer.Snapshot(),
		Connection: e.conn.Snapshot(),
		Stats:      e.stats,
	}
	if e.mode == ModeBreathing {
		s.Pattern = e.pattern
	}
	if e.active != nil {
		rec := *e.active
		s.Session = &rec
		s.Template = e.template
	}
	return s
}

// Current returns the open session record, if any.
func (e *Engine) Current(ctx context.Context) (domain.SessionRecord, bool) {
	unlock := e.lock(ctx)
	defer unlock()
	if e.active == nil {
		return domain.SessionRecord{}, false
	}
	return *e.active, true
}

func (e *Engine) Sessions(ctx context.Context) []domain.SessionRecord {
	return e.sessions.List(ctx)
}

// Stats recomputes statistics from the stored records.
func (e *Engine) Stats(ctx context.Context) domain.Stats {
	unlock := e.lock(ctx)
	defer unlock()
	e.stats = e.computeStats(ctx)
	return e.stats
}

// GoalCreateOptions are parameters for creating a goal.
type GoalCreateOptions struct {
	Title          string
	Description    string
	TargetSessions int
}

func (e *Engine) CreateGoal(ctx context.Context, opts GoalCreateOptions) (domain.Goal, error) {
	unlock := e.lock(ctx)
	defer unlock()
	g, err := e.goals.Create(ctx, store.GoalCreateOptions{
		Title:          opts.Title,
		Description:    opts.Description,
		TargetSessions: opts.TargetSessions,
		CreatedAt:      e.now(),
	})
	if err != nil {
		return domain.Goal{}, err
	}
	e.appendEvent(ctx, events.GoalCreated, "goal", g.ID, events.EventPayload{"title": g.Title, "target_sessions": g.TargetSessions})
	return g, nil
}

func (e *Engine) Goals(ctx context.Context) []domain.Goal {
	return e.goals.List(ctx)
}

// AddJournal stores a journal entry. A nil sessionID links it to the open
// session when there is one.
func (e *Engine) AddJournal(ctx context.Context, content string, sessionID *string) (domain.JournalEntry, error) {
	unlock := e.lock(ctx)
	defer unlock()
	if sessionID != nil && strings.TrimSpace(*sessionID) == "" {
		sessionID = nil
	}
	if sessionID == nil && e.active != nil {
		id := e.active.ID
		sessionID = &id
	}
	entry, err := e.journal.Add(ctx, content, sessionID, e.now())
	if err != nil {
		return domain.JournalEntry{}, err
	}
	e.appendEvent(ctx, events.JournalAdded, "journal", entry.ID, nil)
	return entry, nil
}

func (e *Engine) Journal(ctx context.Context) []domain.JournalEntry {
	return e.journal.List(ctx)
}

func (e *Engine) DeleteJournal(ctx context.Context, id string) error {
	unlock := e.lock(ctx)
	defer unlock()
	if err := e.journal.Delete(ctx, id); err != nil {
		return err
	}
	e.appendEvent(ctx, events.JournalDeleted, "journal", id, nil)
	return nil
}

// VolumeUpdate changes a stored volume channel. Nil fields are left as is.
type VolumeUpdate struct {
	Level *int
	Muted *bool
}

func (e *Engine) UpdateVolume(ctx context.Context, key string, upd VolumeUpdate) (prefs.Volume, error) {
	unlock := e.lock(ctx)
	defer unlock()
	v := e.prefs.Volume(ctx, key)
	var err error
	if upd.Level != nil {
		if v, err = e.prefs.SetVolume(ctx, key, *upd.Level); err != nil {
			return prefs.Volume{}, err
		}
	}
	if upd.Muted != nil {
		if v, err = e.prefs.SetMuted(ctx, key, *upd.Muted); err != nil {
			return prefs.Volume{}, err
		}
	}
	if upd.Level != nil || upd.Muted != nil {
		e.appendEvent(ctx, events.PreferencesUpdated, "preferences", "volume-"+key, events.EventPayload{"volume": v.Volume, "muted": v.Muted})
	}
	return v, nil
}

// CredentialUpdate changes the stored custom credential and whether it is used.
type CredentialUpdate struct {
	Credential *string
	UseCustom  *bool
}

// CredentialStatus never carries the credential itself.
type CredentialStatus struct {
	UseCustom  bool   `json:"use_custom"`
	Stored     string `json:"stored,omitempty"`
	LooksValid bool   `json:"looks_valid"`
	Resolved   bool   `json:"resolved"`
}

func (e *Engine) UpdateCredential(ctx context.Context, upd CredentialUpdate) (CredentialStatus, error) {
	unlock := e.lock(ctx)
	defer unlock()
	if upd.Credential != nil {
		if err := e.prefs.SetCustomCredential(ctx, *upd.Credential); err != nil {
			return CredentialStatus{}, fmt.Errorf("store credential: %w", err)
		}
	}
	if upd.UseCustom != nil {
		if err := e.prefs.SetUseCustomCredential(ctx, *upd.UseCustom); err != nil {
			return CredentialStatus{}, fmt.Errorf("store credential toggle: %w", err)
		}
	}
	st := e.credentialStatus(ctx)
	if upd.Credential != nil || upd.UseCustom != nil {
		e.appendEvent(ctx, events.PreferencesUpdated, "preferences", "credential", events.EventPayload{"use_custom": st.UseCustom, "looks_valid": st.LooksValid})
	}
	return st, nil
}

func (e *Engine) credentialStatus(ctx context.Context) CredentialStatus {
	stored := e.prefs.CustomCredential(ctx)
	st := CredentialStatus{
		UseCustom:  e.prefs.UseCustomCredential(ctx),
		LooksValid: prefs.LooksValid(stored),
		Resolved:   e.prefs.ResolveCredential(ctx) != "",
	}
	if stored != "" {
		st.Stored = prefs.Mask(stored)
	}
	return st
}

func (e *Engine) canonicalVoice(name string) (string, bool) {
	for _, v := range e.cfg.Voices {
		if strings.EqualFold(v, strings.TrimSpace(name)) {
			return v, true
		}
	}
	return "", false
}

func (e *Engine) appendEvent(ctx context.Context, evtType, entityKind, entityID string, payload events.EventPayload) {
	if err := e.events.Append(ctx, evtType, entityKind, entityID, payload); err != nil {
		e.logger.Warn("append event", "type", evtType, "error", err)
	}
}
