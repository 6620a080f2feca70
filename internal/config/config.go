// Package config provides the configuration structure for castlecall.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/caarlos0/env/v11"
	"github.com/ctf2009/castlecall/internal/announcer"
	"github.com/ctf2009/castlecall/internal/catalog"
	"github.com/ctf2009/castlecall/internal/clipstore"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/ctf2009/castlecall/internal/history"
	"github.com/ctf2009/castlecall/internal/playback"
	"github.com/ctf2009/castlecall/internal/scheduler"
	"github.com/ctf2009/castlecall/internal/tts"
	"github.com/ctf2009/castlecall/internal/wav"
	"github.com/pelletier/go-toml/v2"
)

// Defaults.
const (
	DefaultPort         = 3000
	DefaultPiperPath    = "piper"
	DefaultVoicesDir    = "~/.local/share/piper/voices"
	DefaultVoice        = "en_GB-jenny_dioco-medium"
	DefaultCacheFiles   = 100
	DefaultCloudTimeout = 30000
	cacheDirName        = "castlecall-cache"
	logsDirName         = "castlecall-logs"
	configFilePerm      = 0o600
)

// ErrInvalidConfig marks a configuration that failed validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Listen string `env:"LISTEN" toml:"listen"`
	Port   int    `env:"PORT"   toml:"port"`
}

// TTSConfig holds provider-independent announcement settings.
type TTSConfig struct {
	Provider      string `env:"TTS_PROVIDER"    toml:"provider"`
	MaxTextLength int    `env:"MAX_TEXT_LENGTH" toml:"max_text_length"`
	DefaultVolume int    `env:"DEFAULT_VOLUME"  toml:"default_volume"`
}

// PiperConfig holds the local synthesizer settings.
type PiperConfig struct {
	Path         string `env:"PIPER_PATH"    toml:"path"`
	VoicesDir    string `env:"VOICES_DIR"    toml:"voices_dir"`
	DefaultVoice string `env:"DEFAULT_VOICE" toml:"default_voice"`
}

// ElevenLabsConfig holds the cloud synthesizer settings.
type ElevenLabsConfig struct {
	APIKey            string   `env:"ELEVENLABS_API_KEY"             toml:"api_key"`
	VoiceID           string   `env:"ELEVENLABS_VOICE_ID"            toml:"voice_id"`
	ModelID           string   `env:"ELEVENLABS_MODEL_ID"            toml:"model_id"`
	OutputFormat      string   `env:"ELEVENLABS_OUTPUT_FORMAT"       toml:"output_format"`
	TimeoutMS         int      `env:"ELEVENLABS_TIMEOUT_MS"          toml:"timeout_ms"`
	VoiceMode         string   `env:"ELEVENLABS_VOICE_MODE"          toml:"voice_mode"`
	VoiceIDs          []string `env:"ELEVENLABS_VOICE_IDS"           toml:"voice_ids"`
	HiddenVoiceIDs    []string `env:"ELEVENLABS_HIDDEN_VOICE_IDS"    toml:"hidden_voice_ids"`
	BaseURL           string   `env:"ELEVENLABS_BASE_URL"            toml:"base_url"`
	RequestsPerMinute int      `env:"ELEVENLABS_REQUESTS_PER_MINUTE" toml:"requests_per_minute"`
}

// PlaybackConfig holds the audio player settings.
type PlaybackConfig struct {
	PlayPath  string `env:"PLAY_PATH"    toml:"play_path"`
	AplayPath string `env:"APLAY_PATH"   toml:"aplay_path"`
	Device    string `env:"AUDIO_DEVICE" toml:"device"`
}

// CacheConfig holds the audio cache settings.
type CacheConfig struct {
	Enabled  bool   `env:"CACHE_ENABLED"   toml:"enabled"`
	MaxFiles int    `env:"CACHE_MAX_FILES" toml:"max_files"`
	Dir      string `env:"CACHE_DIR"       toml:"dir"`
}

// SchedulerConfig holds the busy-retry settings.
type SchedulerConfig struct {
	RetryIntervalMS int `env:"SCHEDULER_RETRY_INTERVAL_MS" toml:"retry_interval_ms"`
	MaxRetries      int `env:"SCHEDULER_MAX_RETRIES"       toml:"max_retries"`
}

// HistoryConfig bounds the announcement history.
type HistoryConfig struct {
	MaxEntries int `env:"HISTORY_MAX_ENTRIES" toml:"max_entries"`
}

// NATSConfig holds the configuration for NATS. An empty URL disables the transport;
// an empty ClipBucket disables clip sharing.
type NATSConfig struct {
	URL             string `env:"NATS_URL"                toml:"url"`
	AnnounceSubject string `env:"NATS_ANNOUNCE_SUBJECT"   toml:"announce_subject"`
	EventsSubject   string `env:"NATS_EVENTS_SUBJECT"     toml:"events_subject"`
	ClipBucket      string `env:"NATS_CLIP_BUCKET"        toml:"clip_bucket"`
	ClipMaxAgeHours int    `env:"NATS_CLIP_MAX_AGE_HOURS" toml:"clip_max_age_hours"`
}

// LoggingConfig holds the configuration for log files.
type LoggingConfig struct {
	Dir string `env:"LOG_DIR" toml:"dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	TTS        TTSConfig        `toml:"tts"`
	Piper      PiperConfig      `toml:"piper"`
	ElevenLabs ElevenLabsConfig `toml:"elevenlabs"`
	Playback   PlaybackConfig   `toml:"playback"`
	Cache      CacheConfig      `toml:"cache"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	History    HistoryConfig    `toml:"history"`
	NATS       NATSConfig       `toml:"nats"`
	Logging    LoggingConfig    `toml:"logging"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Listen: "", Port: DefaultPort},
		TTS: TTSConfig{
			Provider:      string(core.ProviderLocal),
			MaxTextLength: announcer.DefaultMaxTextLength,
			DefaultVolume: announcer.DefaultVolume,
		},
		Piper: PiperConfig{
			Path:         DefaultPiperPath,
			VoicesDir:    DefaultVoicesDir,
			DefaultVoice: DefaultVoice,
		},
		ElevenLabs: ElevenLabsConfig{
			APIKey:            "",
			VoiceID:           "",
			ModelID:           tts.DefaultElevenLabsModel,
			OutputFormat:      tts.DefaultElevenLabsFormat,
			TimeoutMS:         DefaultCloudTimeout,
			VoiceMode:         string(catalog.ModeAll),
			VoiceIDs:          nil,
			HiddenVoiceIDs:    nil,
			BaseURL:           tts.DefaultElevenLabsBaseURL,
			RequestsPerMinute: 0,
		},
		Playback: PlaybackConfig{
			PlayPath:  playback.DefaultPlayPath,
			AplayPath: playback.DefaultAplayPath,
			Device:    playback.DefaultDevice,
		},
		Cache: CacheConfig{
			Enabled:  true,
			MaxFiles: DefaultCacheFiles,
			Dir:      filepath.Join(os.TempDir(), cacheDirName),
		},
		Scheduler: SchedulerConfig{
			RetryIntervalMS: int(scheduler.DefaultRetryInterval / time.Millisecond),
			MaxRetries:      scheduler.DefaultMaxRetries,
		},
		History: HistoryConfig{MaxEntries: history.DefaultMaxEntries},
		NATS: NATSConfig{
			URL:             "",
			AnnounceSubject: "",
			EventsSubject:   "",
			ClipBucket:      "",
			ClipMaxAgeHours: 0,
		},
		Logging: LoggingConfig{Dir: filepath.Join(os.TempDir(), logsDirName)},
	}
}

// Load builds the configuration. A non-empty path is read as a TOML file; otherwise the
// shared project configuration is tried and defaults are kept when none is found.
// Environment variables override both, and the result is validated.
func Load(path string, log *logger.Logger) (*Config, error) {
	cfg := Default()

	if path != "" {
		err := cfg.readFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		err := configurator.Load(cfg, log)
		if err != nil {
			log.Warn("No project configuration loaded, using defaults: %v", err)
		}
	}

	err := env.Parse(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.expandPaths()

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	err = toml.Unmarshal(data, c)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}

	err = os.WriteFile(path, data, configFilePerm)
	if err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var problems []error

	_, err := core.ParseProvider(c.TTS.Provider)
	if err != nil {
		problems = append(problems, fmt.Errorf("tts.provider: %w", err))
	}

	if c.TTS.MaxTextLength <= 0 {
		problems = append(problems, fmt.Errorf("tts.max_text_length must be positive, got %d", c.TTS.MaxTextLength))
	}

	if c.TTS.DefaultVolume < 0 || c.TTS.DefaultVolume > 100 {
		problems = append(problems, fmt.Errorf("tts.default_volume must be 0-100, got %d", c.TTS.DefaultVolume))
	}

	_, err = wav.SampleRateFromFormat(c.ElevenLabs.OutputFormat)
	if err != nil {
		problems = append(problems, fmt.Errorf("elevenlabs.output_format: %w: %w", core.ErrUnsupportedFormat, err))
	}

	_, err = catalog.ParseMode(c.ElevenLabs.VoiceMode)
	if err != nil {
		problems = append(problems, fmt.Errorf("elevenlabs.voice_mode: %w", err))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	if c.NATS.ClipMaxAgeHours < 0 {
		problems = append(problems, fmt.Errorf("nats.clip_max_age_hours must not be negative, got %d", c.NATS.ClipMaxAgeHours))
	}

	if c.Cache.MaxFiles < 0 {
		problems = append(problems, fmt.Errorf("cache.max_files must not be negative, got %d", c.Cache.MaxFiles))
	}

	if len(problems) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Listen, strconv.Itoa(c.Server.Port))
}

// DefaultProvider returns the validated default provider.
func (c *Config) DefaultProvider() core.Provider {
	provider, err := core.ParseProvider(c.TTS.Provider)
	if err != nil {
		return core.ProviderLocal
	}

	return provider
}

// PiperBackend returns the local backend settings.
func (c *Config) PiperBackend() tts.PiperConfig {
	return tts.PiperConfig{
		BinaryPath:   c.Piper.Path,
		VoicesDir:    c.Piper.VoicesDir,
		DefaultVoice: c.Piper.DefaultVoice,
	}
}

// ElevenLabsBackend returns the cloud backend settings.
func (c *Config) ElevenLabsBackend() tts.ElevenLabsConfig {
	mode, err := catalog.ParseMode(c.ElevenLabs.VoiceMode)
	if err != nil {
		mode = catalog.ModeAll
	}

	return tts.ElevenLabsConfig{
		APIKey:            c.ElevenLabs.APIKey,
		VoiceID:           c.ElevenLabs.VoiceID,
		ModelID:           c.ElevenLabs.ModelID,
		OutputFormat:      c.ElevenLabs.OutputFormat,
		BaseURL:           c.ElevenLabs.BaseURL,
		Timeout:           time.Duration(c.ElevenLabs.TimeoutMS) * time.Millisecond,
		RequestsPerMinute: c.ElevenLabs.RequestsPerMinute,
		Filter: catalog.CloudFilter{
			Mode:      mode,
			AllowIDs:  trimAll(c.ElevenLabs.VoiceIDs),
			HiddenIDs: trimAll(c.ElevenLabs.HiddenVoiceIDs),
		},
	}
}

// PlaybackEngine returns the player settings.
func (c *Config) PlaybackEngine() playback.Config {
	return playback.Config{
		PlayPath:  c.Playback.PlayPath,
		AplayPath: c.Playback.AplayPath,
		Device:    c.Playback.Device,
	}
}

// ClipStore returns the shared clip bucket settings.
func (c *Config) ClipStore() clipstore.Config {
	return clipstore.Config{
		Bucket:   c.NATS.ClipBucket,
		MaxAge:   time.Duration(c.NATS.ClipMaxAgeHours) * time.Hour,
		MaxBytes: 0,
	}
}

// AnnouncerOptions returns the orchestrator settings.
func (c *Config) AnnouncerOptions() announcer.Options {
	return announcer.Options{
		DefaultProvider: c.DefaultProvider(),
		MaxTextLength:   c.TTS.MaxTextLength,
		CacheEnabled:    c.Cache.Enabled,
		CacheMaxEntries: c.Cache.MaxFiles,
		TempDir:         "",
		Scheduler: scheduler.Config{
			RetryInterval: time.Duration(c.Scheduler.RetryIntervalMS) * time.Millisecond,
			MaxRetries:    c.Scheduler.MaxRetries,
			OnDropped:     nil,
		},
	}
}

func (c *Config) expandPaths() {
	c.Piper.VoicesDir = expandHome(c.Piper.VoicesDir)
	c.Cache.Dir = expandHome(c.Cache.Dir)
	c.Logging.Dir = expandHome(c.Logging.Dir)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func trimAll(values []string) []string {
	trimmed := make([]string, 0, len(values))

	for _, value := range values {
		value = strings.TrimSpace(value)
		if value != "" {
			trimmed = append(trimmed, value)
		}
	}

	return trimmed
}
