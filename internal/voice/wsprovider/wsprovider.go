package wsprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"stillpoint/internal/domain"
	"stillpoint/internal/voice"
)

const defaultConnectTimeout = 15 * time.Second

// Provider speaks a JSON-over-websocket call protocol: the client sends a
// start frame with the assistant configuration, the server streams provider
// events back as text frames.
type Provider struct {
	Endpoint string
	Dialer   *websocket.Dialer
}

func New(endpoint string) *Provider {
	return &Provider{Endpoint: endpoint}
}

type startFrame struct {
	Type      string                 `json:"type"`
	Assistant domain.AssistantConfig `json:"assistant"`
}

type controlFrame struct {
	Type string `json:"type"`
	Op   string `json:"op,omitempty"`
	Text string `json:"text,omitempty"`
}

func (p *Provider) Start(ctx context.Context, credential string, cfg domain.AssistantConfig, emit func(voice.ProviderEvent)) (voice.Call, error) {
	if strings.TrimSpace(p.Endpoint) == "" {
		return nil, &voice.Failure{Message: "voice provider endpoint is not configured"}
	}
	dialer := p.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultConnectTimeout}
	}
	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+credential)

	conn, resp, err := dialer.DialContext(dialCtx, p.Endpoint, headers)
	if err != nil {
		if resp != nil {
			return nil, &voice.Failure{StatusCode: resp.StatusCode, Message: handshakeMessage(resp, err)}
		}
		return nil, &voice.Failure{Message: err.Error()}
	}
	if err := conn.WriteJSON(startFrame{Type: "start", Assistant: cfg}); err != nil {
		_ = conn.Close()
		return nil, &voice.Failure{Message: fmt.Sprintf("send start frame: %v", err)}
	}

	c := &call{conn: conn, emit: emit, done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

func handshakeMessage(resp *http.Response, err error) string {
	if resp.Body != nil {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var payload struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil {
			if payload.Message != "" {
				return payload.Message
			}
			if payload.Error != "" {
				return payload.Error
			}
		}
		if s := strings.TrimSpace(string(body)); s != "" {
			return s
		}
	}
	return fmt.Sprintf("websocket dial failed (status %d): %v", resp.StatusCode, err)
}

type call struct {
	conn *websocket.Conn
	emit func(voice.ProviderEvent)
	done chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *call) SetMuted(muted bool) error {
	op := "unmute"
	if muted {
		op = "mute"
	}
	return c.send(controlFrame{Type: "control", Op: op})
}

func (c *call) Say(text string) error {
	return c.send(controlFrame{Type: "say", Text: text})
}

func (c *call) send(v any) error {
	if c.closed.Load() {
		return fmt.Errorf("call is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Stop ends the call and waits briefly for the read loop to exit.
func (c *call) Stop() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteJSON(controlFrame{Type: "control", Op: "end-call"})
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.closed.Store(true)
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

func (c *call) readLoop() {
	defer close(c.done)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(voice.ProviderEvent{Type: voice.EventCallEnd})
				return
			}
			c.emit(voice.ProviderEvent{Type: voice.EventError, Failure: &voice.Failure{Message: err.Error()}})
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var ev voice.ProviderEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case voice.EventCallStart, voice.EventCallEnd, voice.EventSpeechStart, voice.EventSpeechEnd,
			voice.EventVolume, voice.EventTranscript:
			c.emit(ev)
		case voice.EventError:
			if ev.Failure == nil {
				ev.Failure = &voice.Failure{}
			}
			c.emit(ev)
		}
	}
}
