// Package playback plays audio files through the system output.
//
// Below full volume it uses sox's play with a gain factor. When play cannot be launched
// it falls back to aplay at full volume and says so once per process. At full volume
// aplay is used directly.
package playback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/book-expert/logger"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/ctf2009/castlecall/internal/proc"
)

// Tool names and defaults.
const (
	DefaultPlayPath  = "play"
	DefaultAplayPath = "aplay"
	DefaultDevice    = "default"

	playTool  = "play"
	aplayTool = "aplay"
)

const logMsgPlayMissing = "sox/play not found, using aplay (volume control unavailable). Install sox: sudo apt-get install sox"

var _ core.Player = (*Engine)(nil)

// Config names the player binaries and the aplay output device.
type Config struct {
	PlayPath  string
	AplayPath string
	// Device is passed to aplay with -D unless it is empty or "default".
	Device string
}

// Engine plays files with play or aplay.
type Engine struct {
	config       Config
	log          *logger.Logger
	fallbackOnce sync.Once
}

// New creates a playback engine.
func New(cfg Config, log *logger.Logger) *Engine {
	if cfg.PlayPath == "" {
		cfg.PlayPath = DefaultPlayPath
	}

	if cfg.AplayPath == "" {
		cfg.AplayPath = DefaultAplayPath
	}

	if cfg.Device == "" {
		cfg.Device = DefaultDevice
	}

	return &Engine{
		config: cfg,
		log:    log,
	}
}

// Play blocks until the file has finished playing. Volume is clamped to [0,100].
func (e *Engine) Play(ctx context.Context, path string, volumePercent int) error {
	volumePercent = core.ClampVolume(volumePercent)

	if volumePercent < core.MaxVolume {
		err := proc.Run(ctx, proc.Command{
			Tool: playTool,
			Path: e.config.PlayPath,
			Args: PlayArgs(path, volumePercent),
		})
		if err == nil {
			return nil
		}

		if !errors.Is(err, core.ErrSpawnFailed) {
			return fmt.Errorf("%w: %w", core.ErrPlaybackFailed, err)
		}

		e.fallbackOnce.Do(func() {
			e.log.Warn(logMsgPlayMissing)
		})
	}

	err := proc.Run(ctx, proc.Command{
		Tool: aplayTool,
		Path: e.config.AplayPath,
		Args: AplayArgs(path, e.config.Device),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrPlaybackFailed, err)
	}

	return nil
}

// PlayArgs builds "play <path> vol <factor>" with the factor printed to two decimals.
func PlayArgs(path string, volumePercent int) []string {
	return []string{path, "vol", strconv.FormatFloat(float64(volumePercent)/100, 'f', 2, 64)}
}

// AplayArgs builds the aplay arguments for a device.
func AplayArgs(path, device string) []string {
	if device == "" || device == DefaultDevice {
		return []string{path}
	}

	return []string{"-D", device, path}
}
