// Package cache_test tests the content-addressed audio cache.
package cache_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/ctf2009/castlecall/internal/cache"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "cache-test.log")
	require.NoError(t, err)

	return cache.New(filepath.Join(t.TempDir(), "audio"), testLogger)
}

func TestKeyFor_Deterministic(t *testing.T) {
	t.Parallel()

	first := cache.KeyFor(core.ProviderLocal, "en_GB-jenny_dioco-medium", "", "Dinner is ready")
	second := cache.KeyFor(core.ProviderLocal, "en_GB-jenny_dioco-medium", "", "Dinner is ready")

	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(string(first), "local-en_GB-jenny_dioco-medium-"))
	assert.Len(t, strings.TrimPrefix(string(first), "local-en_GB-jenny_dioco-medium-"), 64)
}

func TestKeyFor_EveryFieldMatters(t *testing.T) {
	t.Parallel()

	base := cache.KeyFor(core.ProviderCloud, "voice1", "eleven_multilingual_v2", "Dinner is ready")

	variants := map[string]cache.Key{
		"provider": cache.KeyFor(core.ProviderLocal, "voice1", "eleven_multilingual_v2", "Dinner is ready"),
		"voice":    cache.KeyFor(core.ProviderCloud, "voice2", "eleven_multilingual_v2", "Dinner is ready"),
		"model":    cache.KeyFor(core.ProviderCloud, "voice1", "eleven_turbo_v2", "Dinner is ready"),
		"text":     cache.KeyFor(core.ProviderCloud, "voice1", "eleven_multilingual_v2", "Dinner is ready!"),
		"spacing":  cache.KeyFor(core.ProviderCloud, "voice1", "eleven_multilingual_v2", "Dinner  is ready"),
	}

	for field, key := range variants {
		assert.NotEqual(t, base, key, field)
	}
}

func TestKeyFor_SanitizesVoice(t *testing.T) {
	t.Parallel()

	key := cache.KeyFor(core.ProviderLocal, "../../etc/passwd", "", "hello")

	assert.NotContains(t, string(key), "/")
	assert.True(t, strings.HasPrefix(string(key), "local-.._.._etc_passwd-"))
	assert.Equal(t, "a_b_c", cache.SanitizeVoiceID("a b/c"))
	assert.Equal(t, "Jenny-1.0_x", cache.SanitizeVoiceID("Jenny-1.0_x"))
}

func TestCache_MissThenHit(t *testing.T) {
	t.Parallel()

	audioCache := newTestCache(t)
	key := cache.KeyFor(core.ProviderLocal, "voice", "", "hello")

	_, hit := audioCache.Lookup(key)
	require.False(t, hit)

	path, err := audioCache.Insert(key, []byte("RIFF-audio"))
	require.NoError(t, err)
	assert.Equal(t, audioCache.Path(key), path)

	hitPath, hit := audioCache.Lookup(key)
	require.True(t, hit)
	assert.Equal(t, path, hitPath)

	data, err := os.ReadFile(hitPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF-audio"), data)
}

func TestCache_StagedFilesAreInvisible(t *testing.T) {
	t.Parallel()

	audioCache := newTestCache(t)
	key := cache.KeyFor(core.ProviderLocal, "voice", "", "hello")

	staged, err := audioCache.Stage()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(staged, []byte("partial"), 0o600))

	_, hit := audioCache.Lookup(key)
	assert.False(t, hit)
	assert.Equal(t, 0, audioCache.Len())

	audioCache.Discard(staged)
	assert.NoFileExists(t, staged)
}

func TestCache_EmptyEntryIsAMiss(t *testing.T) {
	t.Parallel()

	audioCache := newTestCache(t)
	key := cache.KeyFor(core.ProviderLocal, "voice", "", "hello")

	_, err := audioCache.Insert(key, nil)
	require.NoError(t, err)

	_, hit := audioCache.Lookup(key)
	assert.False(t, hit)
}

func TestCache_CommitMissingStagedFile(t *testing.T) {
	t.Parallel()

	audioCache := newTestCache(t)

	_, err := audioCache.Commit("key", filepath.Join(audioCache.Dir(), "nope.tmp"))
	require.ErrorIs(t, err, cache.ErrStagedFileMissing)
}

func TestCache_EvictKeepsMostRecent(t *testing.T) {
	t.Parallel()

	audioCache := newTestCache(t)
	base := time.Now().Add(-time.Hour)
	keys := make([]cache.Key, 0, 5)

	for index := range 5 {
		key := cache.KeyFor(core.ProviderLocal, "voice", "", strings.Repeat("x", index+1))
		path, err := audioCache.Insert(key, []byte("audio"))
		require.NoError(t, err)

		stamp := base.Add(time.Duration(index) * time.Minute)
		require.NoError(t, os.Chtimes(path, stamp, stamp))

		keys = append(keys, key)
	}

	removed := audioCache.Evict(3)

	assert.Equal(t, 2, removed)
	assert.Equal(t, 3, audioCache.Len())

	for _, evicted := range keys[:2] {
		assert.NoFileExists(t, audioCache.Path(evicted))
	}

	for _, kept := range keys[2:] {
		assert.FileExists(t, audioCache.Path(kept))
	}
}

func TestCache_LookupRefreshesRecency(t *testing.T) {
	t.Parallel()

	audioCache := newTestCache(t)
	old := time.Now().Add(-time.Hour)

	oldest := cache.KeyFor(core.ProviderLocal, "voice", "", "oldest")
	newer := cache.KeyFor(core.ProviderLocal, "voice", "", "newer")

	for index, key := range []cache.Key{oldest, newer} {
		path, err := audioCache.Insert(key, []byte("audio"))
		require.NoError(t, err)

		stamp := old.Add(time.Duration(index) * time.Minute)
		require.NoError(t, os.Chtimes(path, stamp, stamp))
	}

	_, hit := audioCache.Lookup(oldest)
	require.True(t, hit)

	assert.Equal(t, 1, audioCache.Evict(1))
	assert.FileExists(t, audioCache.Path(oldest))
	assert.NoFileExists(t, audioCache.Path(newer))
}

func TestCache_EvictNoop(t *testing.T) {
	t.Parallel()

	audioCache := newTestCache(t)

	assert.Equal(t, 0, audioCache.Evict(10), "missing directory is not an error")

	_, err := audioCache.Insert(cache.KeyFor(core.ProviderLocal, "v", "", "a"), []byte("audio"))
	require.NoError(t, err)

	assert.Equal(t, 0, audioCache.Evict(0))
	assert.Equal(t, 0, audioCache.Evict(-1))
	assert.Equal(t, 0, audioCache.Evict(1))
	assert.Equal(t, 1, audioCache.Len())
}
