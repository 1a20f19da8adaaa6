package voice

import (
	"context"
	"fmt"

	"stillpoint/internal/domain"
)

type EventType string

const (
	EventCallStart   EventType = "call-start"
	EventCallEnd     EventType = "call-end"
	EventSpeechStart EventType = "speech-start"
	EventSpeechEnd   EventType = "speech-end"
	EventVolume      EventType = "volume-level"
	EventTranscript  EventType = "transcript"
	EventError       EventType = "error"

	// eventAttached carries the call handle once Provider.Start returns.
	eventAttached EventType = "attached"
)

// Failure is the raw error information reported by a provider.
type Failure struct {
	Type       string `json:"type,omitempty"`
	Message    string `json:"message,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}

func (f *Failure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("provider error (status %d): %s", f.StatusCode, f.Message)
	}
	return "provider error: " + f.Message
}

// ProviderEvent is one item of the provider's asynchronous event stream.
type ProviderEvent struct {
	Type    EventType `json:"type"`
	Volume  float64   `json:"volume,omitempty"`
	Role    string    `json:"role,omitempty"`
	Text    string    `json:"transcript,omitempty"`
	Failure *Failure  `json:"error,omitempty"`
}

// Call is a live provider call.
type Call interface {
	SetMuted(muted bool) error
	Say(text string) error
	Stop() error
}

// Provider starts calls against an external real-time voice service. Start may
// block until the call is established; events are delivered through emit from
// any goroutine, possibly before Start returns.
type Provider interface {
	Start(ctx context.Context, credential string, cfg domain.AssistantConfig, emit func(ProviderEvent)) (Call, error)
}

// Envelope tags an inbound event with the connection attempt it belongs to.
type Envelope struct {
	Epoch uint64
	Event ProviderEvent
	call  Call
}
