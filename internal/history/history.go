// Package history keeps a bounded, newest-first log of announcements in memory.
package history

import (
	"slices"
	"sync"
	"time"

	"github.com/ctf2009/castlecall/internal/core"
	"github.com/google/uuid"
)

// DefaultMaxEntries bounds the log when no size is configured.
const DefaultMaxEntries = 50

// Entry is one logged announcement.
type Entry struct {
	ID           string        `json:"id"`
	Text         string        `json:"text"`
	Voice        string        `json:"voice"`
	Volume       int           `json:"volume"`
	Provider     core.Provider `json:"provider"`
	Timestamp    time.Time     `json:"timestamp"`
	ScheduledFor *time.Time    `json:"scheduledFor,omitempty"`
}

// Request rebuilds the announcement the entry records.
func (e Entry) Request() core.AnnouncementRequest {
	return core.AnnouncementRequest{
		Text:          e.Text,
		VoiceID:       e.Voice,
		VolumePercent: e.Volume,
		Provider:      e.Provider,
	}
}

// Log is safe for concurrent use.
type Log struct {
	mu         sync.RWMutex
	entries    []Entry
	maxEntries int
	now        func() time.Time
}

// New returns an empty log holding at most maxEntries entries.
func New(maxEntries int) *Log {
	if maxEntries < 1 {
		maxEntries = DefaultMaxEntries
	}

	return &Log{
		entries:    make([]Entry, 0, maxEntries),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Add records an announcement and returns the stored entry. A nil scheduledFor marks
// an immediate announcement. The oldest entry is dropped when the log is full.
func (l *Log) Add(req core.AnnouncementRequest, scheduledFor *time.Time) Entry {
	entry := Entry{
		ID:           uuid.NewString(),
		Text:         req.Text,
		Voice:        req.VoiceID,
		Volume:       req.VolumePercent,
		Provider:     req.Provider,
		Timestamp:    l.now().UTC(),
		ScheduledFor: scheduledFor,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = slices.Insert(l.entries, 0, entry)
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[:l.maxEntries]
	}

	return entry
}

// List returns a copy of the entries, newest first.
func (l *Log) List() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return slices.Clone(l.entries)
}

// Get returns the entry with the given id.
func (l *Log) Get(id string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	index := l.indexOf(id)
	if index < 0 {
		return Entry{}, false
	}

	return l.entries[index], true
}

// Remove deletes the entry with the given id and returns it.
func (l *Log) Remove(id string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := l.indexOf(id)
	if index < 0 {
		return Entry{}, false
	}

	removed := l.entries[index]
	l.entries = slices.Delete(l.entries, index, index+1)

	return removed, true
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.entries)
}

func (l *Log) indexOf(id string) int {
	return slices.IndexFunc(l.entries, func(entry Entry) bool { return entry.ID == id })
}
