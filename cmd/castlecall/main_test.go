package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctf2009/castlecall/internal/api"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig points every directory into the test's temp space.
func writeTestConfig(t *testing.T, voices ...string) string {
	t.Helper()

	root := t.TempDir()
	voicesDir := filepath.Join(root, "voices")
	require.NoError(t, os.MkdirAll(voicesDir, 0o700))

	for _, voice := range voices {
		require.NoError(t, os.WriteFile(filepath.Join(voicesDir, voice+".onnx"), []byte("ok"), 0o600))
	}

	body := fmt.Sprintf(`
[piper]
voices_dir = %q
default_voice = "en_GB-jenny_dioco-medium"

[cache]
dir = %q

[logging]
dir = %q
`, voicesDir, filepath.Join(root, "cache"), filepath.Join(root, "logs"))

	path := filepath.Join(root, "castlecall.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand()

	var out bytes.Buffer

	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(t.Context())

	return out.String(), err
}

func TestProvidersCommand(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "--config", writeTestConfig(t), "providers")
	require.NoError(t, err)

	assert.Contains(t, out, "Piper (local)")
	assert.Contains(t, out, "ElevenLabs")
	assert.Regexp(t, `\*\s+local`, out)
}

func TestVoicesCommand(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t, "en_GB-jenny_dioco-medium", "en_US-amy-low")

	out, err := execute(t, "--config", configPath, "voices")
	require.NoError(t, err)

	assert.Regexp(t, `\*\s+en_GB-jenny_dioco-medium\s+jenny_dioco\s+en_GB\s+medium`, out)
	assert.Contains(t, out, "en_US-amy-low")

	_, err = execute(t, "--config", configPath, "voices", "--provider", "tape")
	require.ErrorIs(t, err, core.ErrInvalidProvider)
}

func TestAnnounceCommand_Remote(t *testing.T) {
	t.Parallel()

	var received api.AnnounceRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		runAt := time.Date(2026, 1, 2, 18, 30, 0, 0, time.Local)
		_ = json.NewEncoder(w).Encode(api.AnnounceResponse{
			Success: true, ID: "entry-1", JobID: "job-1", Scheduled: true, RunAt: &runAt,
		})
	}))
	t.Cleanup(server.Close)

	out, err := execute(t, "announce", "--server", server.URL, "--text", "Dinner", "--delay", "5", "--provider", "piper")
	require.NoError(t, err)

	assert.Equal(t, "Scheduled job-1 for 18:30:00\n", out)
	assert.Equal(t, "Dinner", received.Text)
	assert.Equal(t, 5, received.DelayMinutes)
	assert.Nil(t, received.Volume, "an unset volume is left to the server default")
}

func TestAnnounceCommand_Rejections(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "announce")
	require.Error(t, err, "text is required")

	_, err = execute(t, "--config", writeTestConfig(t), "announce", "--text", "hi", "--delay", "61")
	require.ErrorIs(t, err, core.ErrInvalidDelay)

	_, err = execute(t, "--config", writeTestConfig(t), "announce", "--text", "hi", "--provider", "tape")
	require.ErrorIs(t, err, core.ErrInvalidProvider)
}
