// Package api serves the announcement operations over HTTP, with a websocket stream
// of the speaker's busy state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/ctf2009/castlecall/internal/announcer"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/ctf2009/castlecall/internal/history"
	"github.com/ctf2009/castlecall/internal/scheduler"
	"github.com/gorilla/websocket"
)

const (
	// DefaultStatusPollInterval is how often the status stream samples the gate.
	DefaultStatusPollInterval = 250 * time.Millisecond

	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
	maxBodyBytes      = 64 << 10
	wsBufferSize      = 1024
	wsWriteTimeout    = 5 * time.Second
)

// Error messages.
const (
	errMsgInvalidBody     = "Invalid request body"
	errMsgInvalidProvider = "Invalid provider"
	errMsgHistoryMissing  = "History entry not found"
	errMsgJobMissing      = "Scheduled announcement not found"
	errMsgVoicesFailed    = "Failed to list voices"
	errFmtAnnounceFailed  = "Announcement failed: %v"
	errFmtReplayFailed    = "Replay failed: %v"
	errFmtDelayRange      = "Delay must be between 0 and %d minutes"
)

// Orchestrator is the announcement surface the server needs.
type Orchestrator interface {
	ListProviders() []announcer.ProviderInfo
	ListVoices(ctx context.Context, provider core.Provider) ([]core.Voice, error)
	DefaultProvider() core.Provider
	DefaultVoice(provider core.Provider) string
	ProviderConfigured(provider core.Provider) bool
	Resolve(req core.AnnouncementRequest) (core.AnnouncementRequest, error)
	ScheduleAnnounce(ctx context.Context, req core.AnnouncementRequest, delayMinutes int) (announcer.ScheduleResult, error)
	CancelScheduled(jobID string) bool
	ScheduledJobs() []scheduler.JobInfo
	IsBusy() bool
}

// Options tunes the server.
type Options struct {
	// DefaultVolume applies when a request carries no volume.
	DefaultVolume int
	// StatusPollInterval paces the websocket status stream.
	StatusPollInterval time.Duration
}

// Server is the HTTP request layer.
type Server struct {
	orchestrator Orchestrator
	history      *history.Log
	options      Options
	upgrader     websocket.Upgrader
	log          *logger.Logger
}

// AnnounceRequest is the body of POST /api/announce.
type AnnounceRequest struct {
	Text         string `json:"text"`
	Voice        string `json:"voice,omitempty"`
	Volume       *int   `json:"volume,omitempty"`
	Provider     string `json:"provider,omitempty"`
	DelayMinutes int    `json:"delayMinutes,omitempty"`
}

// AnnounceResponse acknowledges an announcement. ID is the history entry id.
type AnnounceResponse struct {
	Success   bool       `json:"success"`
	ID        string     `json:"id"`
	JobID     string     `json:"jobId,omitempty"`
	Scheduled bool       `json:"scheduled"`
	RunAt     *time.Time `json:"runAt,omitempty"`
}

// VoicesResponse lists one provider's voices.
type VoicesResponse struct {
	Voices   []core.Voice  `json:"voices"`
	Provider core.Provider `json:"provider"`
	Default  string        `json:"default"`
}

// StatusResponse reports whether the speaker is in use.
type StatusResponse struct {
	Playing   bool `json:"playing"`
	Scheduled int  `json:"scheduled"`
}

// ErrorResponse carries a user-facing failure message.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer creates the request layer.
func NewServer(orchestrator Orchestrator, announcements *history.Log, opts Options, log *logger.Logger) *Server {
	if opts.StatusPollInterval <= 0 {
		opts.StatusPollInterval = DefaultStatusPollInterval
	}

	if opts.DefaultVolume < 0 || opts.DefaultVolume > 100 {
		opts.DefaultVolume = announcer.DefaultVolume
	}

	return &Server{
		orchestrator: orchestrator,
		history:      announcements,
		options:      opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsBufferSize,
			WriteBufferSize: wsBufferSize,
		},
		log: log,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/providers", s.handleProviders)
	mux.HandleFunc("GET /api/voices", s.handleVoices)
	mux.HandleFunc("POST /api/announce", s.handleAnnounce)
	mux.HandleFunc("POST /api/replay/{id}", s.handleReplay)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("DELETE /api/history/{id}", s.handleDeleteHistory)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/status/ws", s.handleStatusStream)
	mux.HandleFunc("GET /api/scheduled", s.handleScheduled)
	mux.HandleFunc("DELETE /api/scheduled/{id}", s.handleCancelScheduled)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	s.log.Info("HTTP API listening on %s", addr)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}

	err = <-serveErr
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server stopped: %w", err)
	}

	return nil
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.ListProviders())
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	provider, err := s.provider(r.URL.Query().Get("provider"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errMsgInvalidProvider)

		return
	}

	if !s.orchestrator.ProviderConfigured(provider) {
		writeError(w, http.StatusBadRequest, notConfiguredMessage(provider))

		return
	}

	voices, err := s.orchestrator.ListVoices(r.Context(), provider)
	if err != nil {
		s.log.Error("Failed to list voices for %s: %v", provider, err)
		writeError(w, http.StatusInternalServerError, errMsgVoicesFailed)

		return
	}

	writeJSON(w, http.StatusOK, VoicesResponse{
		Voices:   voices,
		Provider: provider,
		Default:  s.orchestrator.DefaultVoice(provider),
	})
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var body AnnounceRequest

	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errMsgInvalidBody)

		return
	}

	if body.DelayMinutes < 0 || body.DelayMinutes > announcer.MaxDelayMinutes {
		writeError(w, http.StatusBadRequest, fmt.Sprintf(errFmtDelayRange, announcer.MaxDelayMinutes))

		return
	}

	req, ok := s.prepare(w, body)
	if !ok {
		return
	}

	immediate := body.DelayMinutes == 0
	if immediate && s.orchestrator.IsBusy() {
		writeError(w, http.StatusConflict, core.ErrBusy.Error())

		return
	}

	var scheduledFor *time.Time

	if !immediate {
		runAt := time.Now().Add(time.Duration(body.DelayMinutes) * time.Minute)
		scheduledFor = &runAt
	}

	entry := s.history.Add(req, scheduledFor)

	// Playback outlives a client that hangs up mid-announcement.
	result, err := s.orchestrator.ScheduleAnnounce(context.WithoutCancel(r.Context()), req, body.DelayMinutes)
	if errors.Is(err, core.ErrBusy) {
		// Another request took the speaker after the busy check above.
		s.history.Remove(entry.ID)
		writeError(w, http.StatusConflict, core.ErrBusy.Error())

		return
	}

	if err != nil {
		writeError(w, statusFor(err), fmt.Sprintf(errFmtAnnounceFailed, err))

		return
	}

	writeJSON(w, http.StatusOK, acknowledge(entry.ID, result))
}

// prepare validates the body and resolves defaults, answering the client on failure.
func (s *Server) prepare(w http.ResponseWriter, body AnnounceRequest) (core.AnnouncementRequest, bool) {
	var provider core.Provider

	if body.Provider != "" {
		parsed, err := core.ParseProvider(body.Provider)
		if err != nil {
			writeError(w, http.StatusBadRequest, errMsgInvalidProvider)

			return core.AnnouncementRequest{}, false
		}

		provider = parsed
	}

	volume := s.options.DefaultVolume
	if body.Volume != nil {
		volume = *body.Volume
	}

	req, err := s.orchestrator.Resolve(core.AnnouncementRequest{
		Text:          body.Text,
		VoiceID:       body.Voice,
		VolumePercent: volume,
		Provider:      provider,
	})
	if err != nil {
		writeError(w, statusFor(err), userMessage(err))

		return core.AnnouncementRequest{}, false
	}

	if !s.orchestrator.ProviderConfigured(req.Provider) {
		writeError(w, http.StatusBadRequest, notConfiguredMessage(req.Provider))

		return core.AnnouncementRequest{}, false
	}

	return req, true
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator.IsBusy() {
		writeError(w, http.StatusConflict, core.ErrBusy.Error())

		return
	}

	entry, ok := s.history.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errMsgHistoryMissing)

		return
	}

	if !s.orchestrator.ProviderConfigured(entry.Provider) {
		writeError(w, http.StatusBadRequest, notConfiguredMessage(entry.Provider))

		return
	}

	result, err := s.orchestrator.ScheduleAnnounce(context.WithoutCancel(r.Context()), entry.Request(), 0)
	if err != nil {
		writeError(w, statusFor(err), fmt.Sprintf(errFmtReplayFailed, err))

		return
	}

	writeJSON(w, http.StatusOK, acknowledge(entry.ID, result))
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]history.Entry{"history": s.history.List()})
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	removed, ok := s.history.Remove(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errMsgHistoryMissing)

		return
	}

	writeJSON(w, http.StatusOK, AnnounceResponse{Success: true, ID: removed.ID, JobID: "", Scheduled: false, RunAt: nil})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleScheduled(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]scheduler.JobInfo{"jobs": s.orchestrator.ScheduledJobs()})
}

func (s *Server) handleCancelScheduled(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	if !s.orchestrator.CancelScheduled(jobID) {
		writeError(w, http.StatusNotFound, errMsgJobMissing)

		return
	}

	writeJSON(w, http.StatusOK, AnnounceResponse{Success: true, ID: jobID, JobID: jobID, Scheduled: false, RunAt: nil})
}

// handleStatusStream pushes the status once on connect and again on every change.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Status stream upgrade failed: %v", err)

		return
	}
	defer conn.Close()

	closed := make(chan struct{})

	go func() {
		defer close(closed)

		for {
			_, _, readErr := conn.ReadMessage()
			if readErr != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.options.StatusPollInterval)
	defer ticker.Stop()

	last := s.status()

	err = writeStatus(conn, last)
	if err != nil {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			current := s.status()
			if current == last {
				continue
			}

			last = current

			err = writeStatus(conn, current)
			if err != nil {
				return
			}
		}
	}
}

func writeStatus(conn *websocket.Conn, status StatusResponse) error {
	err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	err = conn.WriteJSON(status)
	if err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}

	return nil
}

func (s *Server) status() StatusResponse {
	return StatusResponse{
		Playing:   s.orchestrator.IsBusy(),
		Scheduled: len(s.orchestrator.ScheduledJobs()),
	}
}

// provider parses a query or body provider; empty means the default provider.
func (s *Server) provider(raw string) (core.Provider, error) {
	if raw == "" {
		return s.orchestrator.DefaultProvider(), nil
	}

	return core.ParseProvider(raw)
}

func acknowledge(entryID string, result announcer.ScheduleResult) AnnounceResponse {
	response := AnnounceResponse{
		Success:   true,
		ID:        entryID,
		JobID:     result.JobID,
		Scheduled: result.Scheduled,
		RunAt:     nil,
	}

	if result.Scheduled {
		runAt := result.RunAt
		response.RunAt = &runAt
	}

	return response
}

// statusFor maps an error class onto an HTTP status.
func statusFor(err error) int {
	switch core.Classify(err) {
	case core.ClassConflict:
		return http.StatusConflict
	case core.ClassBadInput, core.ClassNotConfigured:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, core.ErrEmptyText):
		return "Text is required"
	case errors.Is(err, core.ErrInvalidProvider):
		return errMsgInvalidProvider
	default:
		return err.Error()
	}
}

func notConfiguredMessage(provider core.Provider) string {
	if provider == core.ProviderCloud {
		return "ElevenLabs is not configured (missing ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID)"
	}

	return fmt.Sprintf("%s is not configured", provider.Label())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
