package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stillpoint/internal/domain"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	want := map[string][3]int{
		"quick":    {60, 30, 210},
		"standard": {120, 60, 420},
		"extended": {180, 90, 630},
	}
	for id, durations := range want {
		tpl, err := cfg.Template(id)
		if err != nil {
			t.Fatalf("template %s: %v", id, err)
		}
		for i, d := range durations {
			if tpl.Phases[i].DurationSeconds != d {
				t.Fatalf("template %s phase %d duration=%d, want %d", id, i, tpl.Phases[i].DurationSeconds, d)
			}
		}
		if tpl.Phases[2].Kind != domain.PhaseMainActivity {
			t.Fatalf("template %s last phase kind=%s", id, tpl.Phases[2].Kind)
		}
	}
	if len(cfg.Voices) != 10 || !cfg.HasVoice("lily") {
		t.Fatalf("voices=%v", cfg.Voices)
	}
	if cfg.Assistant.Transcriber.Model != "nova-3" || cfg.Assistant.Model.Model != "gpt-4o-mini" {
		t.Fatalf("assistant=%+v", cfg.Assistant)
	}
}

func TestUnknownTemplateAndPattern(t *testing.T) {
	cfg := Default()
	if _, err := cfg.Template("marathon"); !domain.IsKind(err, domain.InvalidSessionInput) {
		t.Fatalf("expected InvalidSessionInput, got %v", err)
	}
	if _, err := cfg.Pattern("nope"); !domain.IsKind(err, domain.InvalidSessionInput) {
		t.Fatalf("expected InvalidSessionInput, got %v", err)
	}
}

func TestBreathingPatternPhases(t *testing.T) {
	cfg := Default()
	p, err := cfg.Pattern("478")
	if err != nil {
		t.Fatalf("pattern: %v", err)
	}
	phases := p.Phases()
	got := []int{phases[0].DurationSeconds, phases[1].DurationSeconds, phases[2].DurationSeconds, phases[3].DurationSeconds}
	if got[0] != 4 || got[1] != 7 || got[2] != 8 || got[3] != 0 {
		t.Fatalf("durations=%v", got)
	}
	warm, _ := cfg.Pattern("warmup")
	if warm.Cycles != 3 {
		t.Fatalf("warmup cycles=%d", warm.Cycles)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no templates":  "voices: [Hana]\nprovider: {kind: loopback}\n",
		"bad kind":      "templates: [{id: a, phases: [{id: x, duration: 1, kind: yoga}]}]\nvoices: [Hana]\nprovider: {kind: loopback}\n",
		"bad provider":  "templates: [{id: a, phases: [{id: x, duration: 1, kind: breathing}]}]\nvoices: [Hana]\nprovider: {kind: carrier-pigeon}\n",
		"unknown voice": "templates: [{id: a, phases: [{id: x, duration: 1, kind: breathing}]}]\nvoices: [Hana]\ndefault_voice: Bob\nprovider: {kind: loopback}\n",
		"bad webhook":   "templates: [{id: a, phases: [{id: x, duration: 1, kind: breathing}]}]\nvoices: [Hana]\nprovider: {kind: loopback}\nwebhooks: [{url: \"ftp://example.com\"}]\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file: cfg=%v err=%v", cfg, err)
	}
	doc := strings.Replace(GenerateDefault(), "kind: websocket", "kind: loopback", 1)
	if err := os.WriteFile(filepath.Join(dir, "stillpoint.yml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider.Kind != ProviderLoopback {
		t.Fatalf("provider kind=%s", cfg.Provider.Kind)
	}
}

func TestWebhooks(t *testing.T) {
	doc := GenerateDefault() + `
webhooks:
  - url: https://hooks.example.com/a
    events: [session.ended]
    secret: s3cret
  - url: https://hooks.example.com/b
    enabled: false
`
	cfg, err := FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Webhooks) != 2 {
		t.Fatalf("webhooks=%+v", cfg.Webhooks)
	}
	if !cfg.Webhooks[0].Active() || cfg.Webhooks[1].Active() {
		t.Fatalf("unexpected active flags: %+v", cfg.Webhooks)
	}
	if cfg.Webhooks[0].Secret != "s3cret" || cfg.Webhooks[0].Events[0] != "session.ended" {
		t.Fatalf("webhook a=%+v", cfg.Webhooks[0])
	}
}
