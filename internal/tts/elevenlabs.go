package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/ctf2009/castlecall/internal/catalog"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/ctf2009/castlecall/internal/wav"
	"golang.org/x/time/rate"
)

// API endpoints and paths.
const (
	DefaultElevenLabsBaseURL = "https://api.elevenlabs.io"

	apiTextToSpeech = "/v1/text-to-speech/"
	apiVoices       = "/v1/voices"
)

// HTTP headers.
const (
	headerAPIKey      = "xi-api-key"
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypePCM    = "audio/pcm"
)

// Defaults.
const (
	DefaultElevenLabsModel   = "eleven_multilingual_v2"
	DefaultElevenLabsFormat  = "pcm_22050"
	DefaultElevenLabsTimeout = 30 * time.Second

	maxErrorBodyBytes = 2048
	outputPermissions = 0o600
)

const (
	logFmtCloudStart = "Synthesizing %d characters with cloud voice %s (model %s)"
	logFmtCloudDone  = "Cloud synthesis wrote %s (%d bytes of PCM at %d Hz)"
)

var _ core.Backend = (*ElevenLabs)(nil)

// ElevenLabsConfig configures the cloud backend.
type ElevenLabsConfig struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	BaseURL      string
	Timeout      time.Duration
	// RequestsPerMinute throttles calls client-side. Zero disables the limiter.
	RequestsPerMinute int
	Filter            catalog.CloudFilter
}

// ElevenLabs synthesizes speech through the ElevenLabs HTTP API.
type ElevenLabs struct {
	config     ElevenLabsConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	sampleRate int
	log        *logger.Logger
}

type speechRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

type voicesResponse struct {
	Voices []apiVoice `json:"voices"`
}

type apiVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

type apiErrorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

type apiErrorDetail struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewElevenLabs creates the cloud backend. It fails only on an unusable output format;
// missing credentials leave the backend constructed but not configured.
func NewElevenLabs(cfg ElevenLabsConfig, log *logger.Logger) (*ElevenLabs, error) {
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultElevenLabsModel
	}

	if cfg.OutputFormat == "" {
		cfg.OutputFormat = DefaultElevenLabsFormat
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultElevenLabsBaseURL
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultElevenLabsTimeout
	}

	sampleRate, err := wav.SampleRateFromFormat(cfg.OutputFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrUnsupportedFormat, err)
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}

	return &ElevenLabs{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		sampleRate: sampleRate,
		log:        log,
	}, nil
}

// Provider returns core.ProviderCloud.
func (e *ElevenLabs) Provider() core.Provider {
	return core.ProviderCloud
}

// DefaultVoice returns the configured cloud voice id.
func (e *ElevenLabs) DefaultVoice() string {
	return e.config.VoiceID
}

// ModelID returns the cloud model, which takes part in the cache key.
func (e *ElevenLabs) ModelID() string {
	return e.config.ModelID
}

// Configured reports whether both the API key and a default voice are set.
func (e *ElevenLabs) Configured() bool {
	return e.config.APIKey != "" && e.config.VoiceID != ""
}

// SampleRate is the rate of the PCM the API is asked for.
func (e *ElevenLabs) SampleRate() int {
	return e.sampleRate
}

// Synthesize requests raw PCM and writes it to outputPath wrapped in a WAV header.
func (e *ElevenLabs) Synthesize(ctx context.Context, text, voiceID, outputPath string) error {
	if !e.Configured() {
		return fmt.Errorf("%w: ElevenLabs requires an API key and a voice id", core.ErrNotConfigured)
	}

	if voiceID == "" {
		voiceID = e.config.VoiceID
	}

	e.log.Info(logFmtCloudStart, len(text), voiceID, e.config.ModelID)

	pcm, err := e.requestSpeech(ctx, text, voiceID)
	if err != nil {
		return err
	}

	if len(pcm) == 0 {
		return fmt.Errorf("%w: empty audio from ElevenLabs", core.ErrNoOutputProduced)
	}

	writeErr := os.WriteFile(outputPath, wav.FromPCM(pcm, e.sampleRate), outputPermissions)
	if writeErr != nil {
		removeOutput(e.log, outputPath)

		return fmt.Errorf("failed to write audio file: %w", writeErr)
	}

	e.log.Info(logFmtCloudDone, outputPath, len(pcm), e.sampleRate)

	return nil
}

func (e *ElevenLabs) requestSpeech(ctx context.Context, text, voiceID string) ([]byte, error) {
	requestBody, err := json.Marshal(speechRequest{Text: text, ModelID: e.config.ModelID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := e.config.BaseURL + apiTextToSpeech + url.PathEscape(voiceID) +
		"?output_format=" + url.QueryEscape(e.config.OutputFormat)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerAPIKey, e.config.APIKey)
	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypePCM)

	resp, err := e.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.ProviderError{Kind: core.ErrProvider, Status: resp.StatusCode, Detail: "reading audio", Err: err}
	}

	return pcm, nil
}

// ListVoices queries the live catalog and shapes it with the configured filter.
func (e *ElevenLabs) ListVoices(ctx context.Context) ([]core.Voice, error) {
	if e.config.APIKey == "" {
		return nil, fmt.Errorf("%w: ElevenLabs requires an API key", core.ErrNotConfigured)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.BaseURL+apiVoices, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerAPIKey, e.config.APIKey)
	httpReq.Header.Set(headerAccept, contentTypeJSON)

	resp, err := e.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	var decoded voicesResponse

	decodeErr := json.NewDecoder(resp.Body).Decode(&decoded)
	if decodeErr != nil {
		return nil, &core.ProviderError{Kind: core.ErrProvider, Status: resp.StatusCode, Detail: "decoding voices", Err: decodeErr}
	}

	live := make([]core.Voice, 0, len(decoded.Voices))
	for _, voice := range decoded.Voices {
		live = append(live, voice.toVoice())
	}

	return e.config.Filter.Apply(live), nil
}

func (v apiVoice) toVoice() core.Voice {
	locale := v.Labels["accent"]
	if locale == "" {
		locale = v.Labels["language"]
	}

	speaker := v.Name
	if speaker == "" {
		speaker = v.VoiceID
	}

	return core.Voice{
		ID:       v.VoiceID,
		Locale:   locale,
		Speaker:  speaker,
		Quality:  v.Category,
		Provider: core.ProviderCloud,
	}
}

func (e *ElevenLabs) do(ctx context.Context, httpReq *http.Request) (*http.Response, error) {
	waitErr := e.limiter.Wait(ctx)
	if waitErr != nil {
		return nil, &core.ProviderError{Kind: core.ErrProviderRateLimited, Detail: "client-side limiter", Err: waitErr}
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, &core.ProviderError{
			Kind:   core.ErrProvider,
			Detail: "request to " + e.config.BaseURL + " failed",
			Err:    err,
		}
	}

	return resp, nil
}

// parseErrorResponse classifies a non-200 reply by status and pulls a message out of
// either {"detail":{"status","message"}} or {"detail":"..."}, falling back to the raw body.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	return &core.ProviderError{
		Kind:   kindForStatus(resp.StatusCode),
		Status: resp.StatusCode,
		Detail: errorDetail(body),
		Err:    nil,
	}
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return core.ErrProviderAuth
	case status == http.StatusTooManyRequests:
		return core.ErrProviderRateLimited
	case status >= http.StatusInternalServerError:
		return core.ErrProviderUnavailable
	default:
		return core.ErrProvider
	}
}

func errorDetail(body []byte) string {
	var errorResp apiErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && len(errorResp.Detail) > 0 {
		var detail apiErrorDetail

		if json.Unmarshal(errorResp.Detail, &detail) == nil && detail.Message != "" {
			if detail.Status == "" {
				return detail.Message
			}

			return detail.Status + ": " + detail.Message
		}

		var message string
		if json.Unmarshal(errorResp.Detail, &message) == nil && message != "" {
			return message
		}
	}

	return strings.TrimSpace(string(body))
}
