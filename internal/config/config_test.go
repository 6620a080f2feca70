// Package config_test tests the configuration loading for castlecall.
package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctf2009/castlecall/internal/catalog"
	"github.com/ctf2009/castlecall/internal/config"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/ctf2009/castlecall/internal/testutil"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tomlData = `
[server]
listen = "127.0.0.1"
port = 8080

[tts]
provider = "elevenlabs"
max_text_length = 200

[piper]
path = "/opt/piper/piper"
voices_dir = "/srv/voices"
default_voice = "en_US-amy-low"

[elevenlabs]
api_key = "secret"
voice_id = "voice-1"
output_format = "pcm_44100"
timeout_ms = 5000
voice_mode = "restricted"
voice_ids = ["voice-1", " voice-2 "]
hidden_voice_ids = ["voice-3"]
requests_per_minute = 30

[cache]
enabled = false
max_files = 10

[scheduler]
retry_interval_ms = 250
max_retries = 3

[nats]
url = "nats://127.0.0.1:4222"
announce_subject = "home.announce"
clip_bucket = "HOME_CLIPS"
clip_max_age_hours = 48
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "castlecall.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	var cfg config.Config

	err := toml.Unmarshal([]byte(tomlData), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Listen)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "elevenlabs", cfg.TTS.Provider)
	assert.Equal(t, 200, cfg.TTS.MaxTextLength)
	assert.Equal(t, "/opt/piper/piper", cfg.Piper.Path)
	assert.Equal(t, "/srv/voices", cfg.Piper.VoicesDir)
	assert.Equal(t, "secret", cfg.ElevenLabs.APIKey)
	assert.Equal(t, []string{"voice-1", " voice-2 "}, cfg.ElevenLabs.VoiceIDs)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, "home.announce", cfg.NATS.AnnounceSubject)
}

func TestLoad_FileKeepsDefaultsForMissingKeys(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(writeConfig(t, tomlData), testutil.Logger(t))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Addr())
	assert.Equal(t, core.ProviderCloud, cfg.DefaultProvider())
	assert.Equal(t, config.DefaultVoice, config.Default().Piper.DefaultVoice)
	assert.Equal(t, "eleven_multilingual_v2", cfg.ElevenLabs.ModelID)
	assert.Equal(t, "default", cfg.Playback.Device)
	assert.Equal(t, 40, cfg.TTS.DefaultVolume)
	assert.Equal(t, 50, cfg.History.MaxEntries)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"), testutil.Logger(t))
	require.Error(t, err)
}

func TestLoad_MalformedFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(writeConfig(t, "[server\nport = "), testutil.Logger(t))
	require.Error(t, err)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("TTS_PROVIDER", "piper")
	t.Setenv("PIPER_PATH", "/usr/bin/piper")
	t.Setenv("AUDIO_DEVICE", "plughw:1,0")
	t.Setenv("CACHE_ENABLED", "true")
	t.Setenv("CACHE_MAX_FILES", "7")
	t.Setenv("ELEVENLABS_VOICE_IDS", "a,b")
	t.Setenv("ELEVENLABS_VOICE_MODE", "all")

	cfg, err := config.Load(writeConfig(t, tomlData), testutil.Logger(t))
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, core.ProviderLocal, cfg.DefaultProvider())
	assert.Equal(t, "/usr/bin/piper", cfg.Piper.Path)
	assert.Equal(t, "plughw:1,0", cfg.Playback.Device)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 7, cfg.Cache.MaxFiles)
	assert.Equal(t, []string{"a", "b"}, cfg.ElevenLabs.VoiceIDs)
	assert.Equal(t, "secret", cfg.ElevenLabs.APIKey, "keys without an override keep the file value")
}

func TestLoad_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("VOICES_DIR", "~/voices")

	cfg, err := config.Load(writeConfig(t, ""), testutil.Logger(t))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "voices"), cfg.Piper.VoicesDir)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, config.Default().Validate())

	testCases := map[string]func(*config.Config){
		"unknown provider":   func(c *config.Config) { c.TTS.Provider = "tape" },
		"zero text length":   func(c *config.Config) { c.TTS.MaxTextLength = 0 },
		"loud default":       func(c *config.Config) { c.TTS.DefaultVolume = 150 },
		"mp3 output":         func(c *config.Config) { c.ElevenLabs.OutputFormat = "mp3_44100_128" },
		"odd pcm rate":       func(c *config.Config) { c.ElevenLabs.OutputFormat = "pcm_11025" },
		"unknown voice mode": func(c *config.Config) { c.ElevenLabs.VoiceMode = "some" },
		"port out of range":  func(c *config.Config) { c.Server.Port = 70000 },
		"negative cache":     func(c *config.Config) { c.Cache.MaxFiles = -1 },
	}

	for name, mutate := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Default()
			mutate(cfg)

			err := cfg.Validate()
			require.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.TTS.Provider = "tape"
	cfg.ElevenLabs.OutputFormat = "mp3"

	err := cfg.Validate()
	require.ErrorIs(t, err, core.ErrInvalidProvider)
	require.ErrorIs(t, err, core.ErrUnsupportedFormat)
}

func TestComponentSettings(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(writeConfig(t, tomlData), testutil.Logger(t))
	require.NoError(t, err)

	cloud := cfg.ElevenLabsBackend()
	assert.Equal(t, 5*time.Second, cloud.Timeout)
	assert.Equal(t, catalog.ModeRestricted, cloud.Filter.Mode)
	assert.Equal(t, []string{"voice-1", "voice-2"}, cloud.Filter.AllowIDs)
	assert.Equal(t, []string{"voice-3"}, cloud.Filter.HiddenIDs)
	assert.Equal(t, 30, cloud.RequestsPerMinute)

	local := cfg.PiperBackend()
	assert.Equal(t, "en_US-amy-low", local.DefaultVoice)
	assert.Equal(t, "/srv/voices", local.VoicesDir)

	options := cfg.AnnouncerOptions()
	assert.Equal(t, core.ProviderCloud, options.DefaultProvider)
	assert.False(t, options.CacheEnabled)
	assert.Equal(t, 250*time.Millisecond, options.Scheduler.RetryInterval)
	assert.Equal(t, 3, options.Scheduler.MaxRetries)

	clips := cfg.ClipStore()
	assert.Equal(t, "HOME_CLIPS", clips.Bucket)
	assert.Equal(t, 48*time.Hour, clips.MaxAge)
}

func TestSave(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.ElevenLabs.VoiceIDs = []string{"x"}
	path := filepath.Join(t.TempDir(), "saved.toml")

	require.NoError(t, cfg.Save(path))

	loaded, err := config.Load(path, testutil.Logger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, loaded.ElevenLabs.VoiceIDs)
	assert.Equal(t, cfg.Cache.MaxFiles, loaded.Cache.MaxFiles)
}
