package main

import (
	"fmt"

	"github.com/book-expert/logger"
	"github.com/ctf2009/castlecall/internal/announcer"
	"github.com/ctf2009/castlecall/internal/cache"
	"github.com/ctf2009/castlecall/internal/config"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/ctf2009/castlecall/internal/gate"
	"github.com/ctf2009/castlecall/internal/playback"
	"github.com/ctf2009/castlecall/internal/tts"
)

// buildAnnouncer wires the synthesis backends, cache, player and gate into an
// orchestrator. Callers must Close it.
func buildAnnouncer(cfg *config.Config, log *logger.Logger) (*announcer.Announcer, error) {
	piper := tts.NewPiper(cfg.PiperBackend(), log)

	cloud, err := tts.NewElevenLabs(cfg.ElevenLabsBackend(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud backend: %w", err)
	}

	var audioCache *cache.Cache
	if cfg.Cache.Enabled {
		audioCache = cache.New(cfg.Cache.Dir, log)
	}

	orchestrator := announcer.New(
		[]core.Backend{piper, cloud},
		audioCache,
		playback.New(cfg.PlaybackEngine(), log),
		gate.New(),
		cfg.AnnouncerOptions(),
		log,
	)

	return orchestrator, nil
}
