// Package tts provides the synthesis backends: the local Piper subprocess and the
// ElevenLabs cloud API. Both write a WAV file to a caller-chosen path.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/logger"
	"github.com/ctf2009/castlecall/internal/catalog"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/ctf2009/castlecall/internal/proc"
)

const piperTool = "piper"

var _ core.Backend = (*Piper)(nil)

const (
	logFmtPiperStart = "Synthesizing %d characters with piper voice %s"
	logFmtPiperDone  = "Piper wrote %s"
)

// PiperConfig locates the Piper binary and its voice models.
type PiperConfig struct {
	BinaryPath   string
	VoicesDir    string
	DefaultVoice string
}

// Piper synthesizes speech with a local Piper subprocess.
type Piper struct {
	config PiperConfig
	log    *logger.Logger
}

// NewPiper creates a Piper backend.
func NewPiper(cfg PiperConfig, log *logger.Logger) *Piper {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = piperTool
	}

	return &Piper{
		config: cfg,
		log:    log,
	}
}

// Provider returns core.ProviderLocal.
func (p *Piper) Provider() core.Provider {
	return core.ProviderLocal
}

// DefaultVoice returns the configured local voice.
func (p *Piper) DefaultVoice() string {
	return p.config.DefaultVoice
}

// ModelID is empty: the voice id already names the model file.
func (p *Piper) ModelID() string {
	return ""
}

// Configured is always true. A missing binary surfaces as a spawn failure.
func (p *Piper) Configured() bool {
	return true
}

// ListVoices scans the voice directory.
func (p *Piper) ListVoices(_ context.Context) ([]core.Voice, error) {
	return catalog.ScanLocal(p.config.VoicesDir)
}

// ModelPath resolves a voice id to its model file and checks that it exists.
func (p *Piper) ModelPath(voiceID string) (string, error) {
	if voiceID == "" || voiceID == "." || voiceID == ".." || strings.ContainsAny(voiceID, `/\`) {
		return "", fmt.Errorf("%w: %q", core.ErrVoiceNotFound, voiceID)
	}

	modelPath := filepath.Join(p.config.VoicesDir, voiceID+catalog.ModelExtension)

	info, err := os.Stat(modelPath)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: voice model not found: %s", core.ErrVoiceNotFound, modelPath)
	}

	return modelPath, nil
}

// Synthesize runs piper with the text on stdin and the WAV written to outputPath.
// On failure outputPath is removed.
func (p *Piper) Synthesize(ctx context.Context, text, voiceID, outputPath string) error {
	modelPath, err := p.ModelPath(voiceID)
	if err != nil {
		return err
	}

	p.log.Info(logFmtPiperStart, len(text), voiceID)

	runErr := proc.Run(ctx, proc.Command{
		Tool:  piperTool,
		Path:  p.config.BinaryPath,
		Args:  []string{"--model", modelPath, "--output_file", outputPath},
		Stdin: strings.NewReader(text),
	})
	if runErr != nil {
		removeOutput(p.log, outputPath)

		return fmt.Errorf("piper synthesis failed: %w", runErr)
	}

	p.log.Info(logFmtPiperDone, outputPath)

	return nil
}

func removeOutput(log *logger.Logger, path string) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("Failed to remove partial output '%s': %v", path, err)
	}
}
