package core

import (
	"fmt"
	"strings"
)

// Provider is the tagged variant selecting a synthesis backend.
type Provider string

const (
	// ProviderLocal is the on-device Piper synthesizer.
	ProviderLocal Provider = "local"
	// ProviderCloud is the ElevenLabs cloud API.
	ProviderCloud Provider = "cloud"
)

// Volume bounds.
const (
	MinVolume = 0
	MaxVolume = 100
)

// Providers lists every provider variant in display order.
func Providers() []Provider {
	return []Provider{ProviderLocal, ProviderCloud}
}

// ParseProvider accepts the canonical names and the backend names used on the wire.
func ParseProvider(raw string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "local", "piper":
		return ProviderLocal, nil
	case "cloud", "elevenlabs":
		return ProviderCloud, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProvider, raw)
	}
}

// Label returns the operator-facing provider name.
func (p Provider) Label() string {
	switch p {
	case ProviderLocal:
		return "Piper (local)"
	case ProviderCloud:
		return "ElevenLabs"
	default:
		return string(p)
	}
}

// Voice is a catalog entry. Identity is (Provider, ID).
type Voice struct {
	ID       string   `json:"id"`
	Locale   string   `json:"locale"`
	Speaker  string   `json:"speaker"`
	Quality  string   `json:"quality"`
	Provider Provider `json:"provider"`
}

// Label renders "speaker (locale, quality)" like the voice picker shows it.
func (v Voice) Label() string {
	if v.Locale == "" {
		return fmt.Sprintf("%s (%s)", v.Speaker, v.Quality)
	}

	return fmt.Sprintf("%s (%s, %s)", v.Speaker, v.Locale, v.Quality)
}

// AnnouncementRequest is the immutable input to the orchestrator.
type AnnouncementRequest struct {
	Text          string   `json:"text"`
	VoiceID       string   `json:"voice"`
	VolumePercent int      `json:"volume"`
	Provider      Provider `json:"provider"`
}

// Normalize trims the text, rejects an empty one and clamps the volume.
func (r AnnouncementRequest) Normalize() (AnnouncementRequest, error) {
	r.Text = strings.TrimSpace(r.Text)
	if r.Text == "" {
		return r, ErrEmptyText
	}

	r.VoiceID = strings.TrimSpace(r.VoiceID)
	r.VolumePercent = ClampVolume(r.VolumePercent)

	return r, nil
}

// ClampVolume bounds a volume percentage to [0,100].
func ClampVolume(volume int) int {
	return min(MaxVolume, max(MinVolume, volume))
}
