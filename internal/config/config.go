package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"stillpoint/internal/domain"
)

const (
	ProviderWebsocket = "websocket"
	ProviderLoopback  = "loopback"
)

// Config models stillpoint.yml.
type Config struct {
	Templates    []Template             `yaml:"templates" json:"templates"`
	Breathing    []BreathingPattern     `yaml:"breathing" json:"breathing"`
	Voices       []string               `yaml:"voices" json:"voices"`
	DefaultVoice string                 `yaml:"default_voice" json:"default_voice"`
	Assistant    domain.AssistantConfig `yaml:"assistant" json:"assistant"`
	Provider     struct {
		Kind       string `yaml:"kind" json:"kind"`
		Endpoint   string `yaml:"endpoint" json:"endpoint"`
		Credential string `yaml:"credential" json:"-"`
	} `yaml:"provider" json:"provider"`
	Telemetry struct {
		Enabled  bool   `yaml:"enabled" json:"enabled"`
		Endpoint string `yaml:"endpoint" json:"endpoint"`
		Insecure bool   `yaml:"insecure" json:"insecure"`
	} `yaml:"telemetry" json:"telemetry"`
	Webhooks []Webhook `yaml:"webhooks" json:"webhooks,omitempty"`
}

// Webhook receives event log entries as JSON POSTs. An empty Events list
// subscribes to every event type.
type Webhook struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

func (w Webhook) Active() bool {
	return (w.Enabled == nil || *w.Enabled) && strings.TrimSpace(w.URL) != ""
}

type Template struct {
	ID     string         `yaml:"id" json:"id"`
	Name   string         `yaml:"name" json:"name"`
	Phases []domain.Phase `yaml:"phases" json:"phases"`
}

// TotalSeconds is the sum of all phase durations.
func (t Template) TotalSeconds() int {
	total := 0
	for _, p := range t.Phases {
		total += p.DurationSeconds
	}
	return total
}

type BreathingPattern struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Inhale    int    `yaml:"inhale" json:"inhale"`
	Hold      int    `yaml:"hold" json:"hold"`
	Exhale    int    `yaml:"exhale" json:"exhale"`
	HoldEmpty int    `yaml:"hold_empty" json:"hold_empty"`
	Cycles    int    `yaml:"cycles" json:"cycles"`
}

// Phases expands one breathing cycle into timer phases.
func (b BreathingPattern) Phases() []domain.Phase {
	steps := []struct {
		id, name string
		secs     int
	}{
		{"inhale", "Breathe In", b.Inhale},
		{"hold", "Hold", b.Hold},
		{"exhale", "Breathe Out", b.Exhale},
		{"holdEmpty", "Hold Empty", b.HoldEmpty},
	}
	phases := make([]domain.Phase, 0, len(steps))
	for _, s := range steps {
		phases = append(phases, domain.Phase{ID: s.id, Name: s.name, DurationSeconds: s.secs, Kind: domain.PhaseBreathing})
	}
	return phases
}

// Template looks up a session template by id.
func (c *Config) Template(id string) (Template, error) {
	for _, t := range c.Templates {
		if t.ID == id {
			return t, nil
		}
	}
	return Template{}, domain.NewError(domain.InvalidSessionInput, "unknown template %q", id)
}

func (c *Config) Pattern(id string) (BreathingPattern, error) {
	for _, b := range c.Breathing {
		if b.ID == id {
			return b, nil
		}
	}
	return BreathingPattern{}, domain.NewError(domain.InvalidSessionInput, "unknown breathing pattern %q", id)
}

func (c *Config) HasVoice(v string) bool {
	for _, known := range c.Voices {
		if strings.EqualFold(known, v) {
			return true
		}
	}
	return false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Templates) == 0 {
		return fmt.Errorf("config.templates is required")
	}
	seen := map[string]bool{}
	for _, t := range c.Templates {
		if t.ID == "" {
			return fmt.Errorf("template with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate template %s", t.ID)
		}
		seen[t.ID] = true
		if len(t.Phases) == 0 {
			return fmt.Errorf("template %s has no phases", t.ID)
		}
		for _, p := range t.Phases {
			if !p.Kind.Valid() {
				return fmt.Errorf("template %s phase %s has invalid kind %q", t.ID, p.ID, p.Kind)
			}
			if p.DurationSeconds < 0 {
				return fmt.Errorf("template %s phase %s has negative duration", t.ID, p.ID)
			}
		}
	}
	for _, b := range c.Breathing {
		if b.ID == "" {
			return fmt.Errorf("breathing pattern with empty id")
		}
		if b.Inhale < 0 || b.Hold < 0 || b.Exhale < 0 || b.HoldEmpty < 0 || b.Cycles < 0 {
			return fmt.Errorf("breathing pattern %s has negative values", b.ID)
		}
		if b.Inhale+b.Hold+b.Exhale+b.HoldEmpty == 0 {
			return fmt.Errorf("breathing pattern %s has no duration", b.ID)
		}
	}
	if len(c.Voices) == 0 {
		return fmt.Errorf("config.voices is required")
	}
	if c.DefaultVoice != "" && !c.HasVoice(c.DefaultVoice) {
		return fmt.Errorf("default voice %s is not in config.voices", c.DefaultVoice)
	}
	switch c.Provider.Kind {
	case ProviderWebsocket, ProviderLoopback:
	default:
		return fmt.Errorf("config.provider.kind must be %q or %q", ProviderWebsocket, ProviderLoopback)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("config.telemetry.endpoint is required when telemetry is enabled")
	}
	for i, w := range c.Webhooks {
		u, err := url.Parse(w.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stillpoint.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `templates:
  - id: quick
    name: Quick Session (5 min)
    phases:
      - {id: breathing, name: Breathing Preparation, duration: 60, kind: breathing}
      - {id: transition, name: Settling In, duration: 30, kind: transition}
      - {id: meditation, name: Guided Meditation, duration: 210, kind: mainActivity}
  - id: standard
    name: Standard Session (10 min)
    phases:
      - {id: breathing, name: Breathing Preparation, duration: 120, kind: breathing}
      - {id: transition, name: Settling In, duration: 60, kind: transition}
      - {id: meditation, name: Guided Meditation, duration: 420, kind: mainActivity}
  - id: extended
    name: Extended Session (15 min)
    phases:
      - {id: breathing, name: Breathing Preparation, duration: 180, kind: breathing}
      - {id: transition, name: Settling In, duration: 90, kind: transition}
      - {id: meditation, name: Guided Meditation, duration: 630, kind: mainActivity}

breathing:
  - {id: "478", name: 4-7-8 Relaxing, inhale: 4, hold: 7, exhale: 8}
  - {id: box, name: Box Breathing, inhale: 4, hold: 4, exhale: 4, hold_empty: 4}
  - {id: simple, name: Simple (4-4), inhale: 4, hold: 0, exhale: 4}
  - {id: energizing, name: Energizing (6-2-6), inhale: 6, hold: 2, exhale: 6}
  - {id: warmup, name: Pre-session Warmup, inhale: 4, hold: 2, exhale: 6, cycles: 3}

voices: [Hana, Elliot, Rohan, Lily, Savannah, Neha, Cole, Harry, Paige, Spencer]
default_voice: Elliot

assistant:
  name: Peaceful Mind Assistant
  first_message: "Hello, I'm your meditation guide. How are you feeling today? I'm here to help you find peace and tranquility."
  system_prompt: |
    You are Peaceful Mind, a compassionate meditation and wellness guide. Help the user find
    tranquility, reduce stress and cultivate mindfulness through gentle guidance.
    Speak with a warm, soothing and patient tone. Keep responses conversational and naturally
    paced for voice, use simple language and include natural pauses ("...") in guided practices.
    Begin by checking in on the user's current state, offer guidance that fits, give practical
    exercises they can do right now, and close with encouragement.
  transcriber:
    provider: deepgram
    model: nova-3
    language: en
  model:
    provider: openai
    model: gpt-4o-mini
  voice:
    provider: vapi
    voice_id: Elliot

provider:
  kind: websocket
  endpoint: ""

telemetry:
  enabled: false
  endpoint: ""
  insecure: false

# webhooks:
#   - url: https://example.com/hooks/stillpoint
#     events: [session.ended, goal.completed]
#     secret: change-me
`
