// Package client talks to a running castlecall server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ctf2009/castlecall/internal/announcer"
	"github.com/ctf2009/castlecall/internal/api"
	"github.com/ctf2009/castlecall/internal/core"
)

// API endpoints and paths.
const (
	apiAnnounce  = "/api/announce"
	apiProviders = "/api/providers"
	apiVoices    = "/api/voices"
	apiStatus    = "/api/status"
	apiHealth    = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
)

// DefaultTimeout covers synthesis and playback, since an immediate announcement
// answers only after the audio finishes.
const DefaultTimeout = 2 * time.Minute

const maxErrorBodyBytes = 4096

// Error messages.
const (
	errFmtServiceError     = "castlecall server error (%s): %s"
	errFmtServiceNonOK     = "castlecall server returned non-OK status: %s, body: %s"
	errFmtRequestFailed    = "failed to send request to castlecall server at %s: %w"
	errFmtHealthCheckState = "health check failed with status: %s"
)

var (
	// ErrServer marks a failure reported by the server.
	ErrServer = errors.New("castlecall server error")
	// ErrInvalidInput marks a rejected or unknown request. Busy answers wrap core.ErrBusy.
	ErrInvalidInput = errors.New("request rejected")
)

// HTTPClient represents a client for the castlecall HTTP API.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPClient creates and configures an HTTP client for the server.
// The baseURL should include the protocol and port (e.g., "http://localhost:3000").
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Announce submits an announcement and returns the server's acknowledgement.
func (c *HTTPClient) Announce(ctx context.Context, req api.AnnounceRequest) (api.AnnounceResponse, error) {
	var response api.AnnounceResponse

	if strings.TrimSpace(req.Text) == "" {
		return response, core.ErrEmptyText
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return response, fmt.Errorf("failed to marshal request: %w", err)
	}

	err = c.do(ctx, http.MethodPost, apiAnnounce, requestBody, &response)

	return response, err
}

// Providers lists the server's providers.
func (c *HTTPClient) Providers(ctx context.Context) ([]announcer.ProviderInfo, error) {
	var providers []announcer.ProviderInfo

	err := c.do(ctx, http.MethodGet, apiProviders, nil, &providers)

	return providers, err
}

// Voices lists one provider's voices. An empty provider means the server default.
func (c *HTTPClient) Voices(ctx context.Context, provider string) (api.VoicesResponse, error) {
	var voices api.VoicesResponse

	path := apiVoices
	if provider != "" {
		path += "?" + url.Values{"provider": []string{provider}}.Encode()
	}

	err := c.do(ctx, http.MethodGet, path, nil, &voices)

	return voices, err
}

// Status reports whether the server's speaker is busy.
func (c *HTTPClient) Status(ctx context.Context) (api.StatusResponse, error) {
	var status api.StatusResponse

	err := c.do(ctx, http.MethodGet, apiStatus, nil, &status)

	return status, err
}

// HealthCheck verifies that the server is running.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf(errFmtHealthCheckState, resp.Status)
	}

	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set(headerContentType, contentTypeJSON)
	}

	httpReq.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf(errFmtRequestFailed, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// parseErrorResponse decodes the server's JSON error, falling back to the raw body.
func parseErrorResponse(resp *http.Response) error {
	kind := ErrServer

	switch resp.StatusCode {
	case http.StatusConflict:
		kind = core.ErrBusy
	case http.StatusBadRequest, http.StatusNotFound:
		kind = ErrInvalidInput
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var errorResp api.ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Error != "" {
		return fmt.Errorf("%w: "+errFmtServiceError, kind, resp.Status, errorResp.Error)
	}

	return fmt.Errorf("%w: "+errFmtServiceNonOK, kind, resp.Status, strings.TrimSpace(string(body)))
}
