// Package catalog resolves the voices each provider can speak with.
//
// Local voices are the Piper models found on disk. Cloud voices come from the live API
// and are shaped by a listing mode, an allow-list and a deny-list. Nothing is cached:
// every call re-reads its source.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"

	"github.com/ctf2009/castlecall/internal/core"
)

// Local model naming.
const (
	ModelExtension  = ".onnx"
	configExtension = ".onnx.json"
	nameSeparator   = "-"
)

// Cloud placeholder quality for ids that are configured but absent from the live catalog.
const placeholderQuality = "custom"

// ScanLocal lists the Piper models in dir. A missing directory is an empty catalog.
// Names are parsed as <locale>-<speaker>-<quality>; missing parts stay empty.
func ScanLocal(dir string) ([]core.Voice, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []core.Voice{}, nil
		}

		return nil, fmt.Errorf("%w: %w", core.ErrCatalogUnavailable, err)
	}

	voices := make([]core.Voice, 0, len(dirEntries))

	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if dirEntry.IsDir() || !strings.HasSuffix(name, ModelExtension) || strings.HasSuffix(name, configExtension) {
			continue
		}

		voices = append(voices, ParseLocalVoice(strings.TrimSuffix(name, ModelExtension)))
	}

	return voices, nil
}

// ParseLocalVoice splits a model name such as en_GB-alba-medium.
func ParseLocalVoice(id string) core.Voice {
	parts := strings.SplitN(id, nameSeparator, 3)
	parts = append(parts, "", "", "")

	return core.Voice{
		ID:       id,
		Locale:   parts[0],
		Speaker:  parts[1],
		Quality:  parts[2],
		Provider: core.ProviderLocal,
	}
}

// Mode selects how the cloud catalog is shaped.
type Mode string

const (
	// ModeAll lists every live voice plus configured ids missing from it.
	ModeAll Mode = "all"
	// ModeRestricted lists only the configured ids, in configured order.
	ModeRestricted Mode = "restricted"
)

// ErrInvalidMode indicates an unknown cloud listing mode.
var ErrInvalidMode = errors.New("invalid voice listing mode")

// ParseMode accepts "all" and "restricted". Empty means all.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeAll, "":
		return ModeAll, nil
	case ModeRestricted:
		return ModeRestricted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// CloudFilter shapes the live cloud catalog.
type CloudFilter struct {
	Mode Mode
	// AllowIDs are the configured voice ids: the whole catalog in restricted mode,
	// additions in all mode.
	AllowIDs []string
	// HiddenIDs are removed in every mode.
	HiddenIDs []string
}

// Apply returns the voices to show for a live catalog.
func (f CloudFilter) Apply(live []core.Voice) []core.Voice {
	byID := make(map[string]core.Voice, len(live))
	for _, voice := range live {
		byID[voice.ID] = voice
	}

	var shaped []core.Voice

	if f.Mode == ModeRestricted {
		shaped = make([]core.Voice, 0, len(f.AllowIDs))
	} else {
		shaped = make([]core.Voice, 0, len(live)+len(f.AllowIDs))
		shaped = append(shaped, live...)
	}

	seen := make(map[string]bool, len(shaped))
	for _, voice := range shaped {
		seen[voice.ID] = true
	}

	for _, id := range f.AllowIDs {
		if id == "" || seen[id] {
			continue
		}

		seen[id] = true

		voice, ok := byID[id]
		if !ok {
			voice = Placeholder(id)
		}

		shaped = append(shaped, voice)
	}

	return slices.DeleteFunc(shaped, func(voice core.Voice) bool {
		return slices.Contains(f.HiddenIDs, voice.ID)
	})
}

// Placeholder stands in for a configured cloud voice the live catalog does not return.
func Placeholder(id string) core.Voice {
	return core.Voice{
		ID:       id,
		Locale:   "",
		Speaker:  id,
		Quality:  placeholderQuality,
		Provider: core.ProviderCloud,
	}
}

// Resolver dispatches voice listing to the provider's lister.
type Resolver struct {
	listers map[core.Provider]core.VoiceLister
}

// NewResolver returns a resolver over the given listers.
func NewResolver(listers map[core.Provider]core.VoiceLister) *Resolver {
	return &Resolver{listers: listers}
}

// ListVoices re-queries the provider's catalog.
// Failures match core.ErrCatalogUnavailable and keep the underlying cause, so a cloud
// failure still matches its core.ProviderError kind.
func (r *Resolver) ListVoices(ctx context.Context, provider core.Provider) ([]core.Voice, error) {
	lister, ok := r.listers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidProvider, provider)
	}

	voices, err := lister.ListVoices(ctx)
	if err != nil {
		if errors.Is(err, core.ErrCatalogUnavailable) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w", core.ErrCatalogUnavailable, err)
	}

	return voices, nil
}
