package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"stillpoint/internal/domain"
	"stillpoint/internal/store"
)

const (
	DefaultVolume = 70

	volumePrefix      = "volume-"
	useCustomKey      = "useCustomVoiceKey"
	customCredentialK = "customVoiceKey"
)

// Volume is a per-channel playback level on a 0-100 scale.
type Volume struct {
	Volume int  `json:"volume"`
	Muted  bool `json:"muted"`
}

// Effective is the level actually applied.
func (v Volume) Effective() int {
	if v.Muted {
		return 0
	}
	return v.Volume
}

// Preferences holds small user settings in the key-value store.
type Preferences struct {
	kv                store.KV
	logger            *slog.Logger
	defaultCredential string
}

func New(kv store.KV, defaultCredential string, logger *slog.Logger) *Preferences {
	if logger == nil {
		logger = slog.Default()
	}
	return &Preferences{kv: kv, logger: logger, defaultCredential: strings.TrimSpace(defaultCredential)}
}

func (p *Preferences) Volume(ctx context.Context, key string) Volume {
	def := Volume{Volume: DefaultVolume}
	raw, ok, err := p.kv.Get(ctx, volumePrefix+key)
	if err != nil || !ok {
		return def
	}
	var v Volume
	if err := json.Unmarshal([]byte(raw), &v); err != nil || v.Volume < 0 || v.Volume > 100 {
		p.logger.Warn("stored volume unreadable, using default", "key", key, "kind", domain.PersistenceReadError)
		return def
	}
	return v
}

func (p *Preferences) SetVolume(ctx context.Context, key string, level int) (Volume, error) {
	if level < 0 || level > 100 {
		return Volume{}, domain.NewError(domain.InvalidSessionInput, "volume must be between 0 and 100, got %d", level)
	}
	v := p.Volume(ctx, key)
	v.Volume = level
	return v, p.saveVolume(ctx, key, v)
}

func (p *Preferences) SetMuted(ctx context.Context, key string, muted bool) (Volume, error) {
	v := p.Volume(ctx, key)
	v.Muted = muted
	return v, p.saveVolume(ctx, key, v)
}

func (p *Preferences) ToggleMute(ctx context.Context, key string) (Volume, error) {
	return p.SetMuted(ctx, key, !p.Volume(ctx, key).Muted)
}

func (p *Preferences) saveVolume(ctx context.Context, key string, v Volume) error {
	if strings.TrimSpace(key) == "" {
		return domain.NewError(domain.InvalidSessionInput, "volume key is required")
	}
	data, _ := json.Marshal(v)
	if err := p.kv.Set(ctx, volumePrefix+key, string(data)); err != nil {
		return fmt.Errorf("save volume %s: %w", key, err)
	}
	return nil
}

func (p *Preferences) UseCustomCredential(ctx context.Context) bool {
	raw, ok, err := p.kv.Get(ctx, useCustomKey)
	if err != nil || !ok {
		return false
	}
	b, err := strconv.ParseBool(raw)
	return err == nil && b
}

func (p *Preferences) SetUseCustomCredential(ctx context.Context, use bool) error {
	return p.kv.Set(ctx, useCustomKey, strconv.FormatBool(use))
}

func (p *Preferences) CustomCredential(ctx context.Context) string {
	raw, ok, err := p.kv.Get(ctx, customCredentialK)
	if err != nil || !ok {
		return ""
	}
	return raw
}

// SetCustomCredential stores a user-supplied credential; an empty value clears it.
func (p *Preferences) SetCustomCredential(ctx context.Context, credential string) error {
	return p.kv.Set(ctx, customCredentialK, strings.TrimSpace(credential))
}

// ResolveCredential picks the custom credential when it is enabled and set,
// otherwise the configured default.
func (p *Preferences) ResolveCredential(ctx context.Context) string {
	if p.UseCustomCredential(ctx) {
		if c := p.CustomCredential(ctx); c != "" {
			return c
		}
	}
	return p.defaultCredential
}

// LooksValid is a shape check for provider keys, not a verification.
func LooksValid(credential string) bool {
	return len(credential) > 20 && strings.Contains(credential, "-")
}

// Mask hides all but the last four characters.
func Mask(credential string) string {
	if len(credential) <= 4 {
		return strings.Repeat("*", len(credential))
	}
	return strings.Repeat("*", len(credential)-4) + credential[len(credential)-4:]
}
