// Package cache provides the content-addressed store of rendered announcement audio.
//
// Entries are write-once files named by a digest of the inputs that determine the audio.
// A lookup hit refreshes the file's modification time, which is the only recency signal
// eviction uses. Eviction and touch failures are logged and swallowed.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/ctf2009/castlecall/internal/core"
)

// File layout.
const (
	FileExtension = ".wav"

	stagingPattern  = ".staging-*.tmp"
	dirPermissions  = 0o750
	filePermissions = 0o600
)

// Log formats.
const (
	logFmtTouchFailed   = "Failed to touch cache entry '%s': %v"
	logFmtEvictFailed   = "Failed to evict cache entry '%s': %v"
	logFmtListFailed    = "Failed to list cache directory '%s': %v"
	logFmtEvicted       = "Evicted %d cache entries (kept %d)"
	logFmtDiscardFailed = "Failed to remove staged file '%s': %v"
)

// ErrStagedFileMissing indicates Commit was called for a file that does not exist.
var ErrStagedFileMissing = errors.New("staged file is missing")

// Key names a cache entry: <provider>-<sanitizedVoiceId>-<hexDigest>.
type Key string

// KeyFor derives the content address for a render. The digest covers the provider,
// the sanitized voice id, the model id (empty for local voices) and the literal text,
// each on its own line.
func KeyFor(provider core.Provider, voiceID, modelID, text string) Key {
	safeVoice := SanitizeVoiceID(voiceID)

	digest := sha256.Sum256([]byte(strings.Join(
		[]string{string(provider), safeVoice, modelID, text}, "\n",
	)))

	return Key(fmt.Sprintf("%s-%s-%s", provider, safeVoice, hex.EncodeToString(digest[:])))
}

// SanitizeVoiceID replaces every byte outside [A-Za-z0-9._-] with '_'.
func SanitizeVoiceID(voiceID string) string {
	out := []byte(voiceID)

	for index, char := range out {
		if !isSafeByte(char) {
			out[index] = '_'
		}
	}

	return string(out)
}

func isSafeByte(char byte) bool {
	switch {
	case char >= 'a' && char <= 'z', char >= 'A' && char <= 'Z', char >= '0' && char <= '9':
		return true
	case char == '.', char == '_', char == '-':
		return true
	default:
		return false
	}
}

// Cache is a directory of rendered audio files.
type Cache struct {
	dir string
	log *logger.Logger
	now func() time.Time
}

// New returns a cache rooted at dir. The directory is created lazily on first write.
func New(dir string, log *logger.Logger) *Cache {
	return &Cache{
		dir: dir,
		log: log,
		now: time.Now,
	}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns where the entry for key lives.
func (c *Cache) Path(key Key) string {
	return filepath.Join(c.dir, string(key)+FileExtension)
}

// Lookup returns the entry path on a hit and refreshes its access time.
func (c *Cache) Lookup(key Key) (string, bool) {
	path := c.Path(key)

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return "", false
	}

	c.touch(path)

	return path, true
}

// Stage reserves a private file in the cache directory for a synthesizer to write into.
// The file is invisible to Lookup and Evict until Commit renames it.
func (c *Cache) Stage() (string, error) {
	mkdirErr := os.MkdirAll(c.dir, dirPermissions)
	if mkdirErr != nil {
		return "", fmt.Errorf("failed to create cache directory %s: %w", c.dir, mkdirErr)
	}

	staged, err := os.CreateTemp(c.dir, stagingPattern)
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}

	closeErr := staged.Close()
	if closeErr != nil {
		c.Discard(staged.Name())

		return "", fmt.Errorf("failed to close staging file: %w", closeErr)
	}

	return staged.Name(), nil
}

// Commit atomically publishes a staged file as the entry for key.
// A concurrent commit of the same key is harmless: both files hold the same render.
func (c *Cache) Commit(key Key, stagedPath string) (string, error) {
	_, statErr := os.Stat(stagedPath)
	if statErr != nil {
		return "", fmt.Errorf("%w: %s", ErrStagedFileMissing, stagedPath)
	}

	path := c.Path(key)

	renameErr := os.Rename(stagedPath, path)
	if renameErr != nil {
		c.Discard(stagedPath)

		return "", fmt.Errorf("failed to publish cache entry %s: %w", path, renameErr)
	}

	c.touch(path)

	return path, nil
}

// Discard removes a staged file. Missing files are ignored.
func (c *Cache) Discard(stagedPath string) {
	err := os.Remove(stagedPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.log.Warn(logFmtDiscardFailed, stagedPath, err)
	}
}

// Insert writes data as the entry for key and returns its path.
func (c *Cache) Insert(key Key, data []byte) (string, error) {
	stagedPath, err := c.Stage()
	if err != nil {
		return "", err
	}

	writeErr := os.WriteFile(stagedPath, data, filePermissions)
	if writeErr != nil {
		c.Discard(stagedPath)

		return "", fmt.Errorf("failed to write cache entry: %w", writeErr)
	}

	return c.Commit(key, stagedPath)
}

type entry struct {
	path    string
	modTime time.Time
}

// Evict keeps the maxEntries most recently touched entries and deletes the rest.
// It returns the number of entries removed. A non-positive limit disables eviction.
func (c *Cache) Evict(maxEntries int) int {
	if maxEntries < 1 {
		return 0
	}

	entries, err := c.entries()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.log.Warn(logFmtListFailed, c.dir, err)
		}

		return 0
	}

	if len(entries) <= maxEntries {
		return 0
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].path < entries[j].path
		}

		return entries[i].modTime.After(entries[j].modTime)
	})

	removed := 0

	for _, stale := range entries[maxEntries:] {
		removeErr := os.Remove(stale.path)
		if removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			c.log.Warn(logFmtEvictFailed, stale.path, removeErr)

			continue
		}

		removed++
	}

	c.log.Info(logFmtEvicted, removed, maxEntries)

	return removed
}

// Len returns the number of committed entries.
func (c *Cache) Len() int {
	entries, err := c.entries()
	if err != nil {
		return 0
	}

	return len(entries)
}

func (c *Cache) entries() ([]entry, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}

	entries := make([]entry, 0, len(dirEntries))

	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if dirEntry.IsDir() || !strings.HasSuffix(name, FileExtension) {
			continue
		}

		info, infoErr := dirEntry.Info()
		if infoErr != nil {
			// Removed by a concurrent eviction pass.
			continue
		}

		entries = append(entries, entry{
			path:    filepath.Join(c.dir, name),
			modTime: info.ModTime(),
		})
	}

	return entries, nil
}

func (c *Cache) touch(path string) {
	now := c.now()

	err := os.Chtimes(path, now, now)
	if err != nil {
		c.log.Warn(logFmtTouchFailed, path, err)
	}
}
