package wsprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"stillpoint/internal/domain"
	"stillpoint/internal/voice"
)

func newWebsocketTestServer(t *testing.T, handler func(r *http.Request, conn *websocket.Conn)) (string, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer rejected-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Invalid key"}`))
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(r, conn)
	}))
	return "ws" + strings.TrimPrefix(server.URL, "http"), server.Close
}

type collector struct {
	events chan voice.ProviderEvent
}

func (c collector) emit(ev voice.ProviderEvent) { c.events <- ev }

func (c collector) next(t *testing.T) voice.ProviderEvent {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return voice.ProviderEvent{}
}

func TestStartStreamsEvents(t *testing.T) {
	said := make(chan controlFrame, 1)
	url, closeServer := newWebsocketTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		defer conn.Close()
		var start startFrame
		if err := conn.ReadJSON(&start); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "call-start"})
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "role": "assistant", "transcript": "Welcome, " + start.Assistant.Voice.VoiceID})
		_ = conn.WriteJSON(map[string]any{"type": "volume-level", "volume": 0.4})
		var frame controlFrame
		if err := conn.ReadJSON(&frame); err == nil {
			said <- frame
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})
	defer closeServer()

	col := collector{events: make(chan voice.ProviderEvent, 16)}
	var cfg domain.AssistantConfig
	cfg.Voice.VoiceID = "Neha"
	call, err := New(url).Start(context.Background(), "good-key", cfg, col.emit)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if ev := col.next(t); ev.Type != voice.EventCallStart {
		t.Fatalf("first event=%s", ev.Type)
	}
	if ev := col.next(t); ev.Type != voice.EventTranscript || ev.Text != "Welcome, Neha" || ev.Role != "assistant" {
		t.Fatalf("transcript event=%+v", ev)
	}
	if ev := col.next(t); ev.Type != voice.EventVolume || ev.Volume != 0.4 {
		t.Fatalf("volume event=%+v", ev)
	}
	if err := call.Say("slow down"); err != nil {
		t.Fatalf("say: %v", err)
	}
	select {
	case frame := <-said:
		if frame.Type != "say" || frame.Text != "slow down" {
			t.Fatalf("frame=%+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received text")
	}
	if ev := col.next(t); ev.Type != voice.EventCallEnd {
		t.Fatalf("expected call-end after normal close, got %s", ev.Type)
	}
	_ = call.Stop()
}

func TestHandshakeRejectionCarriesStatus(t *testing.T) {
	url, closeServer := newWebsocketTestServer(t, func(r *http.Request, conn *websocket.Conn) { conn.Close() })
	defer closeServer()

	_, err := New(url).Start(context.Background(), "rejected-key", domain.AssistantConfig{}, func(voice.ProviderEvent) {})
	f, ok := err.(*voice.Failure)
	if !ok {
		t.Fatalf("expected *voice.Failure, got %T %v", err, err)
	}
	if f.StatusCode != http.StatusUnauthorized || f.Message != "Invalid key" {
		t.Fatalf("failure=%+v", f)
	}
	if voice.Classify(*f).Kind != domain.InvalidCredential {
		t.Fatalf("expected credential classification")
	}
}

func TestErrorFrameThroughController(t *testing.T) {
	url, closeServer := newWebsocketTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		defer conn.Close()
		var start json.RawMessage
		if err := conn.ReadJSON(&start); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "call-start"})
		_ = conn.WriteJSON(map[string]any{"type": "error", "error": map[string]any{"message": "Please add card details to continue"}})
		time.Sleep(200 * time.Millisecond)
	})
	defer closeServer()

	c := voice.NewController(voice.Options{Provider: New(url)})
	defer c.Close()
	if err := c.Connect(context.Background(), "good-key", "Cole"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for c.State() != voice.StateError {
		select {
		case env := <-c.Inbox():
			c.Handle(env)
		case <-deadline:
			t.Fatalf("never reached error state, state=%s", c.State())
		}
	}
	snap := c.Snapshot()
	if snap.LastError.Kind != domain.PaymentRequired {
		t.Fatalf("kind=%s", snap.LastError.Kind)
	}
}

func TestMissingEndpoint(t *testing.T) {
	_, err := New("").Start(context.Background(), "k", domain.AssistantConfig{}, func(voice.ProviderEvent) {})
	if err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}
