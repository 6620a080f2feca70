// Package proc_test tests tool invocation and failure classification.
package proc_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ctf2009/castlecall/internal/core"
	"github.com/ctf2009/castlecall/internal/proc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Success(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "out.txt")

	err := proc.Run(context.Background(), proc.Command{
		Tool:  "sh",
		Path:  "sh",
		Args:  []string{"-c", "cat > " + out},
		Stdin: strings.NewReader("hello from stdin"),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello from stdin", string(data))
}

func TestRun_SpawnFailure(t *testing.T) {
	t.Parallel()

	err := proc.Run(context.Background(), proc.Command{
		Tool: "piper",
		Path: filepath.Join(t.TempDir(), "missing-binary"),
	})
	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrSpawnFailed)
	assert.NotErrorIs(t, err, core.ErrProcessFailed)
	assert.Contains(t, err.Error(), "Is piper installed?")
}

func TestRun_NonZeroExit(t *testing.T) {
	t.Parallel()

	err := proc.Run(context.Background(), proc.Command{
		Tool: "piper",
		Path: "sh",
		Args: []string{"-c", "echo model is broken >&2; exit 3"},
	})
	require.ErrorIs(t, err, core.ErrProcessFailed)

	var processErr *core.ProcessError
	require.True(t, errors.As(err, &processErr))
	assert.Equal(t, 3, processErr.ExitCode)
	assert.Equal(t, "model is broken", processErr.Stderr)
	assert.Contains(t, err.Error(), "piper exited with code 3: model is broken")
}

func TestRun_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := proc.Run(ctx, proc.Command{
		Tool: "play",
		Path: "sleep",
		Args: []string{"5"},
	})
	require.ErrorIs(t, err, core.ErrProcessFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
