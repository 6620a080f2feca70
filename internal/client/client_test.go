package client_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ctf2009/castlecall/internal/api"
	"github.com/ctf2009/castlecall/internal/client"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, handler http.HandlerFunc) *client.HTTPClient {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return client.NewHTTPClient(server.URL+"/", time.Second)
}

func TestAnnounce(t *testing.T) {
	t.Parallel()

	var received api.AnnounceRequest

	httpClient := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/announce", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		_ = json.NewEncoder(w).Encode(api.AnnounceResponse{Success: true, ID: "entry-1", JobID: "job-1"})
	})

	volume := 70

	response, err := httpClient.Announce(t.Context(), api.AnnounceRequest{
		Text:         "Dinner",
		Volume:       &volume,
		Provider:     "piper",
		DelayMinutes: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, "entry-1", response.ID)
	assert.Equal(t, "job-1", response.JobID)
	assert.Equal(t, "Dinner", received.Text)
	require.NotNil(t, received.Volume)
	assert.Equal(t, 70, *received.Volume)
	assert.Equal(t, 2, received.DelayMinutes)
}

func TestAnnounce_EmptyTextIsNotSent(t *testing.T) {
	t.Parallel()

	httpClient := newServer(t, func(http.ResponseWriter, *http.Request) {
		t.Error("request should not be sent")
	})

	_, err := httpClient.Announce(t.Context(), api.AnnounceRequest{Text: "  "})
	require.ErrorIs(t, err, core.ErrEmptyText)
}

func TestErrorResponses(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		status int
		body   string
		target error
		text   string
	}{
		{http.StatusConflict, `{"error":"an announcement is already playing"}`, core.ErrBusy, "already playing"},
		{http.StatusBadRequest, `{"error":"Text is required"}`, client.ErrInvalidInput, "Text is required"},
		{http.StatusInternalServerError, "upstream exploded", client.ErrServer, "upstream exploded"},
	}

	for _, testCase := range testCases {
		httpClient := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(testCase.status)
			_, _ = w.Write([]byte(testCase.body))
		})

		_, err := httpClient.Announce(t.Context(), api.AnnounceRequest{Text: "hi"})
		require.ErrorIs(t, err, testCase.target)
		assert.Contains(t, err.Error(), testCase.text)
	}
}

func TestVoicesAndProviders(t *testing.T) {
	t.Parallel()

	httpClient := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/voices":
			assert.Equal(t, "elevenlabs", r.URL.Query().Get("provider"))
			_, _ = w.Write([]byte(`{"voices":[{"id":"v1","locale":"en","speaker":"Rachel","quality":"premade","provider":"cloud"}],"provider":"cloud","default":"v1"}`))
		case "/api/providers":
			_, _ = w.Write([]byte(`[{"id":"local","label":"Piper (local)","configured":true,"default":true}]`))
		case "/api/status":
			_, _ = w.Write([]byte(`{"playing":true,"scheduled":2}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	voices, err := httpClient.Voices(t.Context(), "elevenlabs")
	require.NoError(t, err)
	require.Len(t, voices.Voices, 1)
	assert.Equal(t, "Rachel", voices.Voices[0].Speaker)
	assert.Equal(t, "v1", voices.Default)

	providers, err := httpClient.Providers(t.Context())
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, core.ProviderLocal, providers[0].ID)

	status, err := httpClient.Status(t.Context())
	require.NoError(t, err)
	assert.True(t, status.Playing)
	assert.Equal(t, 2, status.Scheduled)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	healthy := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, healthy.HealthCheck(t.Context()))

	unhealthy := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	require.Error(t, unhealthy.HealthCheck(t.Context()))

	unreachable := client.NewHTTPClient("http://127.0.0.1:1", time.Second)
	require.Error(t, unreachable.HealthCheck(t.Context()))
}
