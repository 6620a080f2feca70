// Package announcer composes the catalog, cache, synthesis backends, playback engine,
// playback gate and scheduler into the operations a request layer calls.
package announcer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/book-expert/logger"
	"github.com/ctf2009/castlecall/internal/cache"
	"github.com/ctf2009/castlecall/internal/catalog"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/ctf2009/castlecall/internal/gate"
	"github.com/ctf2009/castlecall/internal/scheduler"
	"github.com/google/uuid"
)

// Request limits.
const (
	DefaultMaxTextLength = 500
	DefaultVolume        = 40
	MaxDelayMinutes      = 60

	logPreviewLength = 50
	tempPattern      = "castlecall-*.wav"
)

// Log formats.
const (
	logFmtAnnouncing = "Announcing %q [provider=%s, voice=%s, vol=%d]"
	logFmtCacheHit   = "Cache hit for %s"
	logFmtCacheMiss  = "Cache miss for %s, synthesizing"
	logFmtFailed     = "Announcement %s failed: %v"
	logFmtTempRemove = "Failed to remove temporary audio '%s': %v"
	logFmtSinkPanic  = "Event sink panicked on %s event for %s: %v"
	logFmtSharedHit  = "Shared clip hit for %s"
	logFmtSharedMiss = "Shared clip lookup for %s failed: %v"
	logFmtSharedKeep = "Failed to keep shared clip %s: %v"
	logFmtSharedPut  = "Failed to share clip %s: %v"
)

// clipUploadTimeout bounds one background upload to the shared clip store.
const clipUploadTimeout = 30 * time.Second

// Options configures the orchestrator.
type Options struct {
	DefaultProvider core.Provider
	MaxTextLength   int
	CacheEnabled    bool
	// CacheMaxEntries bounds the cache after each insert. Values below 1 disable eviction.
	CacheMaxEntries int
	// TempDir holds throwaway audio when the cache is disabled.
	TempDir   string
	Scheduler scheduler.Config
}

// ProviderInfo describes one provider for a picker.
type ProviderInfo struct {
	ID         core.Provider `json:"id"`
	Label      string        `json:"label"`
	Configured bool          `json:"configured"`
	Default    bool          `json:"default"`
}

// ScheduleResult acknowledges a schedule request. Scheduled is false when a zero delay
// made the announcement run immediately.
type ScheduleResult struct {
	JobID     string                   `json:"jobId"`
	RunAt     time.Time                `json:"runAt"`
	Scheduled bool                     `json:"scheduled"`
	Request   core.AnnouncementRequest `json:"request"`
}

// Announcer is the announcement orchestrator.
type Announcer struct {
	backends  map[core.Provider]core.Backend
	resolver  *catalog.Resolver
	cache     *cache.Cache
	player    core.Player
	gate      *gate.Gate
	scheduler *scheduler.Scheduler
	options   Options
	log       *logger.Logger

	sinksMu sync.RWMutex
	sinks   []EventSink

	clips   core.ClipStore
	uploads sync.WaitGroup
}

// New wires an orchestrator. The cache may be nil when caching is disabled.
func New(
	backends []core.Backend,
	audioCache *cache.Cache,
	player core.Player,
	playbackGate *gate.Gate,
	opts Options,
	log *logger.Logger,
) *Announcer {
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = DefaultMaxTextLength
	}

	if opts.DefaultProvider == "" {
		opts.DefaultProvider = core.ProviderLocal
	}

	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}

	if audioCache == nil {
		opts.CacheEnabled = false
	}

	byProvider := make(map[core.Provider]core.Backend, len(backends))
	listers := make(map[core.Provider]core.VoiceLister, len(backends))

	for _, backend := range backends {
		byProvider[backend.Provider()] = backend
		listers[backend.Provider()] = backend
	}

	a := &Announcer{
		backends:  byProvider,
		resolver:  catalog.NewResolver(listers),
		cache:     audioCache,
		player:    player,
		gate:      playbackGate,
		scheduler: nil,
		options:   opts,
		log:       log,
		clips:     nil,
	}

	schedulerConfig := opts.Scheduler
	schedulerConfig.OnDropped = a.onDropped
	a.scheduler = scheduler.New(playbackGate, a.execute, schedulerConfig, log)

	return a
}

// AddSink registers an observer of announcement outcomes.
func (a *Announcer) AddSink(sink EventSink) {
	a.sinksMu.Lock()
	defer a.sinksMu.Unlock()

	a.sinks = append(a.sinks, sink)
}

// SetClipStore adds a shared tier behind the local cache: local misses are looked up
// there before synthesizing, and fresh clips are uploaded in the background. It must be
// called before the first announcement and has no effect while caching is disabled.
func (a *Announcer) SetClipStore(store core.ClipStore) {
	a.clips = store
}

// Close disarms scheduled jobs and waits for a running one and pending uploads to finish.
func (a *Announcer) Close() {
	a.scheduler.Stop()
	a.uploads.Wait()
}

// IsBusy reports whether an announcement holds the speaker.
func (a *Announcer) IsBusy() bool {
	return a.gate.IsBusy()
}

// DefaultProvider is used when a request names none.
func (a *Announcer) DefaultProvider() core.Provider {
	return a.options.DefaultProvider
}

// MaxTextLength is the longest accepted text, in characters.
func (a *Announcer) MaxTextLength() int {
	return a.options.MaxTextLength
}

// ListProviders describes every registered provider in display order.
func (a *Announcer) ListProviders() []ProviderInfo {
	infos := make([]ProviderInfo, 0, len(a.backends))

	for _, provider := range core.Providers() {
		backend, ok := a.backends[provider]
		if !ok {
			continue
		}

		infos = append(infos, ProviderInfo{
			ID:         provider,
			Label:      provider.Label(),
			Configured: backend.Configured(),
			Default:    provider == a.options.DefaultProvider,
		})
	}

	return infos
}

// ProviderConfigured reports whether the provider is registered and usable.
func (a *Announcer) ProviderConfigured(provider core.Provider) bool {
	backend, ok := a.backends[provider]

	return ok && backend.Configured()
}

// DefaultVoice returns the provider's default voice, or "" for an unknown provider.
func (a *Announcer) DefaultVoice(provider core.Provider) string {
	backend, ok := a.backends[provider]
	if !ok {
		return ""
	}

	return backend.DefaultVoice()
}

// ListVoices re-queries the provider's voice catalog.
func (a *Announcer) ListVoices(ctx context.Context, provider core.Provider) ([]core.Voice, error) {
	if provider == "" {
		provider = a.options.DefaultProvider
	}

	return a.resolver.ListVoices(ctx, provider)
}

// Resolve validates a request and fills in the default provider and voice.
func (a *Announcer) Resolve(req core.AnnouncementRequest) (core.AnnouncementRequest, error) {
	normalized, err := req.Normalize()
	if err != nil {
		return req, err
	}

	if utf8.RuneCountInString(normalized.Text) > a.options.MaxTextLength {
		return req, fmt.Errorf("%w: text must be %d characters or less", core.ErrTextTooLong, a.options.MaxTextLength)
	}

	if normalized.Provider == "" {
		normalized.Provider = a.options.DefaultProvider
	}

	backend, ok := a.backends[normalized.Provider]
	if !ok {
		return req, fmt.Errorf("%w: %q", core.ErrInvalidProvider, normalized.Provider)
	}

	if normalized.VoiceID == "" {
		normalized.VoiceID = backend.DefaultVoice()
	}

	return normalized, nil
}

// AnnounceNow synthesizes (or reuses) and plays the request, returning after playback.
// It fails with core.ErrBusy without waiting when another announcement holds the speaker.
func (a *Announcer) AnnounceNow(ctx context.Context, req core.AnnouncementRequest) (string, error) {
	resolved, err := a.resolveConfigured(req)
	if err != nil {
		return "", err
	}

	jobID := uuid.NewString()

	return jobID, a.execute(ctx, jobID, resolved)
}

// ScheduleAnnounce runs the request after delayMinutes. A zero delay runs it now.
func (a *Announcer) ScheduleAnnounce(
	ctx context.Context,
	req core.AnnouncementRequest,
	delayMinutes int,
) (ScheduleResult, error) {
	if delayMinutes < 0 {
		return ScheduleResult{}, fmt.Errorf("%w: %d minutes", core.ErrInvalidDelay, delayMinutes)
	}

	return a.ScheduleAfter(ctx, req, time.Duration(delayMinutes)*time.Minute)
}

// ScheduleAfter is ScheduleAnnounce with an exact delay.
func (a *Announcer) ScheduleAfter(
	ctx context.Context,
	req core.AnnouncementRequest,
	delay time.Duration,
) (ScheduleResult, error) {
	resolved, err := a.resolveConfigured(req)
	if err != nil {
		return ScheduleResult{}, err
	}

	if delay <= 0 {
		startedAt := time.Now()
		jobID := uuid.NewString()

		execErr := a.execute(ctx, jobID, resolved)

		return ScheduleResult{JobID: jobID, RunAt: startedAt, Scheduled: false, Request: resolved}, execErr
	}

	info := a.scheduler.Schedule(resolved, delay)

	a.publish(Event{Kind: EventScheduled, JobID: info.ID, Request: resolved, RunAt: info.RunAt, Err: nil})

	return ScheduleResult{JobID: info.ID, RunAt: info.RunAt, Scheduled: true, Request: resolved}, nil
}

// CancelScheduled removes a job that has not started. Unknown or started jobs report false.
func (a *Announcer) CancelScheduled(jobID string) bool {
	return a.scheduler.Cancel(jobID)
}

// ScheduledJobs lists the active scheduled jobs by run time.
func (a *Announcer) ScheduledJobs() []scheduler.JobInfo {
	return a.scheduler.Jobs()
}

func (a *Announcer) resolveConfigured(req core.AnnouncementRequest) (core.AnnouncementRequest, error) {
	resolved, err := a.Resolve(req)
	if err != nil {
		return resolved, err
	}

	if !a.backends[resolved.Provider].Configured() {
		return resolved, fmt.Errorf("%w: %s", core.ErrNotConfigured, resolved.Provider.Label())
	}

	return resolved, nil
}

// execute runs one resolved announcement and reports its outcome. A busy speaker is
// returned untouched and not reported, since the caller decides whether to retry.
func (a *Announcer) execute(ctx context.Context, jobID string, req core.AnnouncementRequest) error {
	err := a.announce(ctx, req)

	switch {
	case errors.Is(err, core.ErrBusy):
		return err
	case err != nil:
		a.log.Error(logFmtFailed, jobID, err)
		a.publish(Event{Kind: EventFailed, JobID: jobID, Request: req, RunAt: time.Now(), Err: err})

		return err
	default:
		a.publish(Event{Kind: EventCompleted, JobID: jobID, Request: req, RunAt: time.Now(), Err: nil})

		return nil
	}
}

func (a *Announcer) announce(ctx context.Context, req core.AnnouncementRequest) error {
	backend := a.backends[req.Provider]

	if !a.gate.TryAcquire() {
		return core.ErrBusy
	}
	defer a.gate.Release()

	a.log.Info(logFmtAnnouncing, preview(req.Text), req.Provider, req.VoiceID, req.VolumePercent)

	audioPath, cleanup, err := a.render(ctx, backend, req)
	if err != nil {
		return err
	}
	defer cleanup()

	return a.player.Play(ctx, audioPath, req.VolumePercent)
}

// render returns a playable file for the request and a function to call once playback
// is over.
func (a *Announcer) render(
	ctx context.Context,
	backend core.Backend,
	req core.AnnouncementRequest,
) (string, func(), error) {
	if !a.options.CacheEnabled {
		return a.renderThrowaway(ctx, backend, req)
	}

	key := cache.KeyFor(req.Provider, req.VoiceID, backend.ModelID(), req.Text)

	if path, hit := a.cache.Lookup(key); hit {
		a.log.Info(logFmtCacheHit, key)

		return path, func() {}, nil
	}

	if path, ok := a.fetchShared(ctx, key); ok {
		return path, func() {}, nil
	}

	a.log.Info(logFmtCacheMiss, key)

	staged, err := a.cache.Stage()
	if err != nil {
		return "", nil, err
	}

	err = a.synthesize(ctx, backend, req, staged)
	if err != nil {
		a.cache.Discard(staged)

		return "", nil, err
	}

	path, err := a.cache.Commit(key, staged)
	if err != nil {
		return "", nil, err
	}

	a.share(key, path)
	a.cache.Evict(a.options.CacheMaxEntries)

	return path, func() {}, nil
}

// fetchShared copies a clip from the shared store into the local cache.
func (a *Announcer) fetchShared(ctx context.Context, key cache.Key) (string, bool) {
	if a.clips == nil {
		return "", false
	}

	data, err := a.clips.Download(ctx, string(key))
	if err != nil {
		if !errors.Is(err, core.ErrClipNotFound) {
			a.log.Warn(logFmtSharedMiss, key, err)
		}

		return "", false
	}

	if len(data) == 0 {
		return "", false
	}

	path, err := a.cache.Insert(key, data)
	if err != nil {
		a.log.Warn(logFmtSharedKeep, key, err)

		return "", false
	}

	a.log.Info(logFmtSharedHit, key)
	a.cache.Evict(a.options.CacheMaxEntries)

	return path, true
}

// share uploads a freshly committed clip without holding up playback.
func (a *Announcer) share(key cache.Key, path string) {
	if a.clips == nil {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		a.log.Warn(logFmtSharedPut, key, err)

		return
	}

	a.uploads.Add(1)

	go func() {
		defer a.uploads.Done()

		ctx, cancel := context.WithTimeout(context.Background(), clipUploadTimeout)
		defer cancel()

		uploadErr := a.clips.Upload(ctx, string(key), data)
		if uploadErr != nil {
			a.log.Warn(logFmtSharedPut, key, uploadErr)
		}
	}()
}

func (a *Announcer) renderThrowaway(
	ctx context.Context,
	backend core.Backend,
	req core.AnnouncementRequest,
) (string, func(), error) {
	tempFile, err := os.CreateTemp(a.options.TempDir, tempPattern)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file for audio: %w", err)
	}

	path := tempFile.Name()
	cleanup := func() {
		removeErr := os.Remove(path)
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			a.log.Warn(logFmtTempRemove, path, removeErr)
		}
	}

	closeErr := tempFile.Close()
	if closeErr != nil {
		cleanup()

		return "", nil, fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	err = a.synthesize(ctx, backend, req, path)
	if err != nil {
		cleanup()

		return "", nil, err
	}

	return path, cleanup, nil
}

// synthesize runs the backend and confirms it left a non-empty file behind.
func (a *Announcer) synthesize(ctx context.Context, backend core.Backend, req core.AnnouncementRequest, path string) error {
	err := backend.Synthesize(ctx, req.Text, req.VoiceID, path)
	if err != nil {
		return err
	}

	info, statErr := os.Stat(path)
	if statErr != nil || info.Size() == 0 {
		return fmt.Errorf("%w: %s left no audio at %s", core.ErrNoOutputProduced, req.Provider.Label(), path)
	}

	return nil
}

func (a *Announcer) onDropped(info scheduler.JobInfo) {
	a.publish(Event{
		Kind:    EventDropped,
		JobID:   info.ID,
		Request: info.Request,
		RunAt:   info.RunAt,
		Err:     core.ErrRetryBudgetExhausted,
	})
}

func (a *Announcer) publish(event Event) {
	a.sinksMu.RLock()
	sinks := append([]EventSink(nil), a.sinks...)
	a.sinksMu.RUnlock()

	for _, sink := range sinks {
		a.publishTo(sink, event)
	}
}

func (a *Announcer) publishTo(sink EventSink, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			a.log.Error(logFmtSinkPanic, event.Kind, event.JobID, recovered)
		}
	}()

	sink.Publish(event)
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= logPreviewLength {
		return text
	}

	return string(runes[:logPreviewLength]) + "..."
}
