package voice

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"stillpoint/internal/domain"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const (
	inboxSize      = 64
	maxTranscripts = 50
)

// Notice is delivered to the observer after each externally visible change.
type Notice struct {
	Event      string             `json:"event"`
	State      State              `json:"state"`
	Epoch      uint64             `json:"epoch"`
	Err        *domain.Error      `json:"error,omitempty"`
	Transcript *domain.Transcript `json:"transcript,omitempty"`
}

type Status struct {
	State        State               `json:"state"`
	Muted        bool                `json:"muted"`
	Speaking     bool                `json:"speaking"`
	VolumeLevel  float64             `json:"volume_level"`
	LastError    *domain.Error       `json:"last_error,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	StartedAt    *time.Time          `json:"started_at,omitempty" format:"date-time"`
	Epoch        uint64              `json:"epoch"`
	Transcripts  []domain.Transcript `json:"transcripts,omitempty"`
}

type Options struct {
	Provider  Provider
	Assistant domain.AssistantConfig
	Now       func() time.Time
	Logger    *slog.Logger
	Observer  func(Notice)
}

// Controller owns the lifecycle of a single voice connection. Provider events
// are queued on the inbox and only change state when passed to Handle, so the
// owner decides on which sequence they are applied.
type Controller struct {
	provider  Provider
	assistant domain.AssistantConfig
	now       func() time.Time
	logger    *slog.Logger
	observer  func(Notice)

	inbox chan Envelope
	done  chan struct{}
	once  sync.Once

	mu          sync.Mutex
	state       State
	muted       bool
	speaking    bool
	volume      float64
	lastError   *domain.Error
	startedAt   *time.Time
	epoch       uint64
	call        Call
	cancel      context.CancelFunc
	transcripts []domain.Transcript
}

func NewController(opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		provider:  opts.Provider,
		assistant: opts.Assistant,
		now:       opts.Now,
		logger:    opts.Logger,
		observer:  opts.Observer,
		inbox:     make(chan Envelope, inboxSize),
		done:      make(chan struct{}),
		state:     StateDisconnected,
	}
}

// SetObserver replaces the notice observer. The observer must not call back
// into the controller.
func (c *Controller) SetObserver(fn func(Notice)) {
	c.mu.Lock()
	c.observer = fn
	c.mu.Unlock()
}

// Inbox exposes queued provider events for the owner's event loop.
func (c *Controller) Inbox() <-chan Envelope { return c.inbox }

// Connect validates the credential and starts an asynchronous connection
// attempt. It is a no-op while a connection is already connecting or connected.
func (c *Controller) Connect(ctx context.Context, accessToken, voiceID string) error {
	if err := CheckCredential(accessToken, c.now()); err != nil {
		de, _ := err.(*domain.Error)
		c.mu.Lock()
		c.lastError = de
		n := c.noticeLocked("credential_rejected")
		c.mu.Unlock()
		c.notify(n)
		return err
	}
	if c.provider == nil {
		return domain.NewError(domain.ProviderError, "no voice provider configured")
	}

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.epoch++
	epoch := c.epoch
	c.state = StateConnecting
	c.lastError = nil
	c.muted = false
	c.speaking = false
	c.volume = 0
	c.startedAt = nil
	c.transcripts = nil
	cfg := c.assistant
	if voiceID != "" {
		cfg.Voice.VoiceID = voiceID
	}
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	n := c.noticeLocked("connecting")
	c.mu.Unlock()
	c.notify(n)

	go c.dial(dctx, epoch, strings.TrimSpace(accessToken), cfg)
	return nil
}

func (c *Controller) dial(ctx context.Context, epoch uint64, token string, cfg domain.AssistantConfig) {
	emit := func(ev ProviderEvent) { c.post(Envelope{Epoch: epoch, Event: ev}) }
	call, err := c.provider.Start(ctx, token, cfg, emit)
	if err != nil {
		f := failureFromError(err)
		c.post(Envelope{Epoch: epoch, Event: ProviderEvent{Type: EventError, Failure: &f}})
		return
	}
	c.post(Envelope{Epoch: epoch, Event: ProviderEvent{Type: eventAttached}, call: call})
}

func (c *Controller) post(env Envelope) {
	// Volume and transcript updates may be dropped under backpressure;
	// lifecycle and error events may not.
	if env.Event.Type == EventVolume || env.Event.Type == EventTranscript {
		select {
		case c.inbox <- env:
		default:
			c.logger.Debug("inbox full, dropping provider event", "type", env.Event.Type)
		}
		return
	}
	select {
	case c.inbox <- env:
	case <-c.done:
		if env.call != nil {
			_ = env.call.Stop()
		}
	}
}

// Handle applies one inbound envelope. Envelopes from a superseded attempt are
// dropped, and a call they carry is stopped.
func (c *Controller) Handle(env Envelope) {
	c.mu.Lock()
	if env.Epoch != c.epoch {
		c.mu.Unlock()
		c.logger.Debug("dropping stale provider event", "type", env.Event.Type, "epoch", env.Epoch)
		if env.call != nil {
			_ = env.call.Stop()
		}
		return
	}

	var notices []Notice
	var stop Call
	switch env.Event.Type {
	case eventAttached:
		c.call = env.call
		if c.state == StateConnected && c.muted {
			_ = c.call.SetMuted(true)
		}
	case EventCallStart:
		if c.state == StateConnecting {
			now := c.now()
			c.state = StateConnected
			c.startedAt = &now
			notices = append(notices, c.noticeLocked("connected"))
		}
	case EventCallEnd:
		stop = c.resetLocked()
		notices = append(notices, c.noticeLocked("disconnected"))
	case EventSpeechStart, EventSpeechEnd:
		if c.state == StateConnected {
			c.speaking = env.Event.Type == EventSpeechStart
			notices = append(notices, c.noticeLocked(string(env.Event.Type)))
		}
	case EventVolume:
		c.volume = clamp01(env.Event.Volume)
	case EventTranscript:
		tr := domain.Transcript{Role: env.Event.Role, Text: env.Event.Text}
		c.transcripts = append(c.transcripts, tr)
		if len(c.transcripts) > maxTranscripts {
			c.transcripts = c.transcripts[len(c.transcripts)-maxTranscripts:]
		}
		n := c.noticeLocked("transcript")
		n.Transcript = &tr
		notices = append(notices, n)
	case EventError:
		f := Failure{}
		if env.Event.Failure != nil {
			f = *env.Event.Failure
		}
		de := Classify(f)
		stop = c.call
		c.call = nil
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.epoch++
		c.state = StateError
		c.lastError = de
		c.speaking = false
		c.startedAt = nil
		notices = append(notices, c.noticeLocked("error"))
		c.logger.Warn("voice connection failed", "kind", de.Kind, "message", de.Message, "status", de.StatusCode)
	}
	c.mu.Unlock()

	if stop != nil {
		_ = stop.Stop()
	}
	for _, n := range notices {
		c.notify(n)
	}
}

// Drain applies every envelope currently queued and returns how many were handled.
func (c *Controller) Drain() int {
	n := 0
	for {
		select {
		case env := <-c.inbox:
			c.Handle(env)
			n++
		default:
			return n
		}
	}
}

// Disconnect tears down the connection from any state. It is a no-op while
// already disconnected.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected && c.call == nil {
		c.mu.Unlock()
		return
	}
	stop := c.resetLocked()
	c.lastError = nil
	n := c.noticeLocked("disconnected")
	c.mu.Unlock()
	if stop != nil {
		if err := stop.Stop(); err != nil {
			c.logger.Warn("stop voice call", "error", err)
		}
	}
	c.notify(n)
}

// resetLocked invalidates the current attempt and returns the call to stop.
func (c *Controller) resetLocked() Call {
	call := c.call
	c.call = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.epoch++
	c.state = StateDisconnected
	c.speaking = false
	c.volume = 0
	c.startedAt = nil
	return call
}

// SetMuted toggles the microphone. It only has an effect while connected.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.muted = muted
	call := c.call
	c.mu.Unlock()
	if call != nil {
		if err := call.SetMuted(muted); err != nil {
			c.logger.Warn("set muted", "error", err)
		}
	}
}

// SendText injects a message into the conversation. Dropped unless connected.
func (c *Controller) SendText(message string) {
	message = strings.TrimSpace(message)
	c.mu.Lock()
	if c.state != StateConnected || message == "" {
		c.mu.Unlock()
		return
	}
	call := c.call
	c.mu.Unlock()
	if call != nil {
		if err := call.Say(message); err != nil {
			c.logger.Warn("send text", "error", err)
		}
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		State:       c.state,
		Muted:       c.muted,
		Speaking:    c.speaking,
		VolumeLevel: c.volume,
		LastError:   c.lastError,
		StartedAt:   c.startedAt,
		Epoch:       c.epoch,
		Transcripts: append([]domain.Transcript(nil), c.transcripts...),
	}
	if c.lastError != nil {
		s.ErrorMessage = c.lastError.UserMessage()
	}
	return s
}

// Close disconnects and releases provider goroutines blocked on the inbox.
func (c *Controller) Close() {
	c.Disconnect()
	c.once.Do(func() { close(c.done) })
}

func (c *Controller) noticeLocked(event string) Notice {
	return Notice{Event: event, State: c.state, Epoch: c.epoch, Err: c.lastError}
}

func (c *Controller) notify(n Notice) {
	c.mu.Lock()
	fn := c.observer
	c.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
