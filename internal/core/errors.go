package core

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Typed errors below unwrap to these so callers use errors.Is.
var (
	// ErrVoiceNotFound indicates the requested voice has no model on disk.
	ErrVoiceNotFound = errors.New("voice not found")
	// ErrNotConfigured indicates missing cloud credentials or voice.
	ErrNotConfigured = errors.New("provider is not configured")
	// ErrUnsupportedFormat indicates an output format other than pcm_<rate>.
	ErrUnsupportedFormat = errors.New("unsupported output format")
	// ErrSpawnFailed indicates an external tool could not be launched.
	ErrSpawnFailed = errors.New("failed to launch tool")
	// ErrProcessFailed indicates an external tool ran but exited non-zero.
	ErrProcessFailed = errors.New("tool exited with an error")
	// ErrProviderAuth indicates the cloud API rejected the credential (401/403).
	ErrProviderAuth = errors.New("provider authentication failed")
	// ErrProviderRateLimited indicates the cloud API quota or rate limit was hit (429).
	ErrProviderRateLimited = errors.New("provider rate limit or quota exceeded")
	// ErrProviderUnavailable indicates the cloud API is down (5xx).
	ErrProviderUnavailable = errors.New("provider is unavailable")
	// ErrProvider is a generic upstream or network failure.
	ErrProvider = errors.New("provider request failed")
	// ErrNoOutputProduced indicates a tool exited zero without writing audio.
	ErrNoOutputProduced = errors.New("synthesis produced no output")
	// ErrPlaybackFailed indicates the audio player failed.
	ErrPlaybackFailed = errors.New("playback failed")
	// ErrBusy indicates the playback gate is already held.
	ErrBusy = errors.New("an announcement is already playing")
	// ErrRetryBudgetExhausted is internal to the scheduler and never returned to a caller.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrCatalogUnavailable indicates the voice catalog could not be read.
	ErrCatalogUnavailable = errors.New("voice catalog unavailable")
	// ErrClipNotFound indicates the shared clip store has no clip for a key.
	ErrClipNotFound = errors.New("clip not found")

	// ErrEmptyText indicates a request without text.
	ErrEmptyText = errors.New("text is required")
	// ErrTextTooLong indicates a request over the configured text limit.
	ErrTextTooLong = errors.New("text is too long")
	// ErrInvalidProvider indicates an unknown provider name.
	ErrInvalidProvider = errors.New("invalid provider")
	// ErrInvalidDelay indicates a schedule delay outside the accepted range.
	ErrInvalidDelay = errors.New("invalid delay")
)

// ProcessError describes an external tool failure.
type ProcessError struct {
	Tool     string
	ExitCode int
	Stderr   string
	// Spawn is true when the binary could not be launched at all.
	Spawn bool
	Err   error
}

func (e *ProcessError) Error() string {
	if e.Spawn {
		return fmt.Sprintf("failed to run %s: %v. Is %s installed?", e.Tool, e.Err, e.Tool)
	}

	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	}

	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, stderr)
}

// Unwrap exposes the taxonomy sentinel and the underlying cause.
func (e *ProcessError) Unwrap() []error {
	kind := ErrProcessFailed
	if e.Spawn {
		kind = ErrSpawnFailed
	}

	if e.Err == nil {
		return []error{kind}
	}

	return []error{kind, e.Err}
}

// ProviderError describes a failed cloud API call.
type ProviderError struct {
	// Kind is one of ErrProviderAuth, ErrProviderRateLimited, ErrProviderUnavailable, ErrProvider.
	Kind   error
	Status int
	Detail string
	Err    error
}

func (e *ProviderError) Error() string {
	var builder strings.Builder

	builder.WriteString(e.Kind.Error())

	if e.Status != 0 {
		fmt.Fprintf(&builder, " (status %d)", e.Status)
	}

	if e.Detail != "" {
		builder.WriteString(": ")
		builder.WriteString(e.Detail)
	}

	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}

	return builder.String()
}

// Unwrap exposes the taxonomy sentinel and the underlying cause.
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// Class groups errors by how a request layer should answer them.
type Class int

const (
	// ClassFailure is a synthesis, playback or upstream failure.
	ClassFailure Class = iota
	// ClassConflict means the speaker is busy.
	ClassConflict
	// ClassBadInput means the request itself is invalid.
	ClassBadInput
	// ClassNotConfigured means the selected provider lacks configuration.
	ClassNotConfigured
)

func (c Class) String() string {
	switch c {
	case ClassConflict:
		return "conflict"
	case ClassBadInput:
		return "bad_input"
	case ClassNotConfigured:
		return "not_configured"
	default:
		return "failure"
	}
}

// Classify maps an error onto a Class.
func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrBusy):
		return ClassConflict
	case errors.Is(err, ErrNotConfigured):
		return ClassNotConfigured
	case errors.Is(err, ErrEmptyText),
		errors.Is(err, ErrTextTooLong),
		errors.Is(err, ErrInvalidProvider),
		errors.Is(err, ErrInvalidDelay),
		errors.Is(err, ErrVoiceNotFound):
		return ClassBadInput
	default:
		return ClassFailure
	}
}
