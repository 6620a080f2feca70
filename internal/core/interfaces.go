// Package core defines the shared types, error taxonomy and capability interfaces of the
// announcement engine.
package core

import "context"

// Synthesizer turns text spoken by a voice into an audio file at outputPath.
// Implementations must not leave a usable partial file behind on failure.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID, outputPath string) error
}

// VoiceLister lists the voices a provider can speak with. Results are never cached.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Backend is the capability set every provider variant implements.
type Backend interface {
	Synthesizer
	VoiceLister

	Provider() Provider
	// DefaultVoice is the voice used when a request does not name one.
	DefaultVoice() string
	// ModelID takes part in the cache key. Local backends return "".
	ModelID() string
	// Configured reports whether the backend has the credentials it needs.
	Configured() bool
}

// Player plays an audio file through the system audio output.
type Player interface {
	Play(ctx context.Context, path string, volumePercent int) error
}

// ClipStore shares rendered clips between nodes under their cache key.
// Download reports ErrClipNotFound for an unknown key.
type ClipStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}
