package prefs

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"stillpoint/internal/domain"
	"stillpoint/internal/store"
)

func newPrefs(def string) (*Preferences, *store.MemoryKV) {
	kv := store.NewMemoryKV()
	return New(kv, def, slog.New(slog.NewTextHandler(io.Discard, nil))), kv
}

func TestVolumeDefaultsAndMute(t *testing.T) {
	ctx := context.Background()
	p, kv := newPrefs("")
	if v := p.Volume(ctx, "ambient"); v.Volume != DefaultVolume || v.Muted {
		t.Fatalf("default volume=%+v", v)
	}
	if _, err := p.SetVolume(ctx, "ambient", 101); !domain.IsKind(err, domain.InvalidSessionInput) {
		t.Fatalf("expected range error, got %v", err)
	}
	v, err := p.SetVolume(ctx, "ambient", 35)
	if err != nil || v.Effective() != 35 {
		t.Fatalf("set volume: %+v %v", v, err)
	}
	v, _ = p.ToggleMute(ctx, "ambient")
	if !v.Muted || v.Effective() != 0 || v.Volume != 35 {
		t.Fatalf("muted volume=%+v", v)
	}
	raw, _, _ := kv.Get(ctx, "volume-ambient")
	if raw != `{"volume":35,"muted":true}` {
		t.Fatalf("stored=%s", raw)
	}
	_ = kv.Set(ctx, "volume-voice", "garbage")
	if v := p.Volume(ctx, "voice"); v.Volume != DefaultVolume {
		t.Fatalf("corrupt volume should fall back, got %+v", v)
	}
}

func TestResolveCredential(t *testing.T) {
	ctx := context.Background()
	p, _ := newPrefs("default-key-0000-0000-0000")
	if got := p.ResolveCredential(ctx); got != "default-key-0000-0000-0000" {
		t.Fatalf("got %q", got)
	}
	_ = p.SetCustomCredential(ctx, "  custom-key-1111-2222-3333 ")
	if got := p.ResolveCredential(ctx); got != "default-key-0000-0000-0000" {
		t.Fatalf("custom key used while disabled: %q", got)
	}
	_ = p.SetUseCustomCredential(ctx, true)
	if got := p.ResolveCredential(ctx); got != "custom-key-1111-2222-3333" {
		t.Fatalf("got %q", got)
	}
	_ = p.SetCustomCredential(ctx, "")
	if got := p.ResolveCredential(ctx); got != "default-key-0000-0000-0000" {
		t.Fatalf("empty custom key should fall back, got %q", got)
	}
}

func TestLooksValidAndMask(t *testing.T) {
	cases := map[string]bool{
		"":                            false,
		"short-key":                   false,
		"abcdefghijklmnopqrstuvwxyz":  false,
		"1b2c3d4e-5f6a-7b8c-9d0e-1f2": true,
	}
	for in, want := range cases {
		if got := LooksValid(in); got != want {
			t.Fatalf("LooksValid(%q)=%v, want %v", in, got, want)
		}
	}
	if got := Mask("abcdef123"); got != "*****f123" {
		t.Fatalf("mask=%q", got)
	}
}
