// Package proc runs the external audio tools and classifies how they fail.
package proc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"

	"github.com/ctf2009/castlecall/internal/core"
)

// maxStderrBytes bounds how much diagnostic output is kept on failure.
const maxStderrBytes = 4096

// Command describes one tool invocation.
type Command struct {
	// Tool is the short name used in error messages, e.g. "piper".
	Tool string
	// Path is the executable to start.
	Path  string
	Args  []string
	Stdin io.Reader
}

// Run starts the command and waits for it.
//
// A tool that cannot be started yields a *core.ProcessError matching core.ErrSpawnFailed.
// A tool that exits non-zero, or is killed by ctx, yields one matching core.ErrProcessFailed
// and carrying the tail of its stderr.
func Run(ctx context.Context, command Command) error {
	// #nosec G204 -- executable and arguments come from configuration, not from request text
	cmd := exec.CommandContext(ctx, command.Path, command.Args...)
	cmd.Stdin = command.Stdin

	var stderr bytes.Buffer

	cmd.Stderr = &stderr

	startErr := cmd.Start()
	if startErr != nil {
		return &core.ProcessError{
			Tool:     command.Tool,
			ExitCode: -1,
			Stderr:   "",
			Spawn:    true,
			Err:      startErr,
		}
	}

	waitErr := cmd.Wait()
	if waitErr == nil {
		return nil
	}

	exitCode := -1

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		waitErr = errors.Join(waitErr, ctxErr)
	}

	return &core.ProcessError{
		Tool:     command.Tool,
		ExitCode: exitCode,
		Stderr:   tail(stderr.String()),
		Spawn:    false,
		Err:      waitErr,
	}
}

func tail(output string) string {
	output = strings.TrimSpace(output)
	if len(output) <= maxStderrBytes {
		return output
	}

	return output[len(output)-maxStderrBytes:]
}
