package voice

import (
	"context"
	"sync"

	"stillpoint/internal/domain"
)

// Loopback is an in-process provider. It answers every call immediately,
// speaks the assistant's first message and echoes injected text back as
// user transcripts. Used for offline sessions and tests.
type Loopback struct {
	// Fail makes Start return this failure instead of a call.
	Fail *Failure
	// Hold suppresses the automatic call-start event.
	Hold bool

	mu    sync.Mutex
	calls []*LoopbackCall
}

func (l *Loopback) Start(ctx context.Context, credential string, cfg domain.AssistantConfig, emit func(ProviderEvent)) (Call, error) {
	l.mu.Lock()
	fail := l.Fail
	hold := l.Hold
	call := &LoopbackCall{emit: emit, Config: cfg}
	l.calls = append(l.calls, call)
	l.mu.Unlock()
	if fail != nil {
		f := *fail
		return nil, &f
	}
	if !hold {
		emit(ProviderEvent{Type: EventCallStart})
		if cfg.FirstMessage != "" {
			emit(ProviderEvent{Type: EventTranscript, Role: "assistant", Text: cfg.FirstMessage})
		}
	}
	return call, nil
}

// Starts reports how many times Start was invoked.
func (l *Loopback) Starts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *Loopback) Calls() []*LoopbackCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*LoopbackCall(nil), l.calls...)
}

type LoopbackCall struct {
	Config domain.AssistantConfig

	emit    func(ProviderEvent)
	mu      sync.Mutex
	muted   bool
	said    []string
	stopped bool
}

// Emit pushes an arbitrary provider event for this call.
func (c *LoopbackCall) Emit(ev ProviderEvent) { c.emit(ev) }

func (c *LoopbackCall) SetMuted(muted bool) error {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	return nil
}

func (c *LoopbackCall) Say(text string) error {
	c.mu.Lock()
	c.said = append(c.said, text)
	c.mu.Unlock()
	c.emit(ProviderEvent{Type: EventTranscript, Role: "user", Text: text})
	return nil
}

func (c *LoopbackCall) Stop() error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	return nil
}

func (c *LoopbackCall) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *LoopbackCall) Said() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.said...)
}

func (c *LoopbackCall) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
