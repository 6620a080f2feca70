// Package testutil holds fixtures shared by package tests: a throwaway logger and
// shell-script stand-ins for the external audio tools.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/logger"
)

const (
	scriptPermissions = 0o700

	// LogFile is the file name test loggers write to.
	LogFile = "test.log"
)

// FakePiper reads the text from stdin and writes it to --output_file.
// The model file's content steers it: "fail" exits 2, "empty" writes nothing,
// "slow" sleeps for a second first. Every call appends a line to <model>.calls.
const FakePiper = `#!/bin/sh
model=""
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --model) model="$2"; shift 2 ;;
    --output_file) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
echo "$out" >> "$model.calls"
mode=$(cat "$model")
case "$mode" in
  fail) cat > /dev/null; echo "piper: model failed to load" >&2; exit 2 ;;
  empty) cat > /dev/null; : > "$out"; exit 0 ;;
  slow) sleep 1 ;;
esac
cat > "$out"
`

// FakePlay logs its arguments to play.log next to the audio file. An audio file
// containing "play-fail" makes it exit 2.
const FakePlay = `#!/bin/sh
dir=$(dirname "$1")
echo "$@" >> "$dir/play.log"
if grep -q play-fail "$1"; then
  echo "play: cannot open device" >&2
  exit 2
fi
`

// FakeAplay logs its arguments to aplay.log next to the audio file, which is its last
// argument. An audio file containing "aplay-fail" makes it exit 1.
const FakeAplay = `#!/bin/sh
for last; do :; done
dir=$(dirname "$last")
echo "$@" >> "$dir/aplay.log"
if grep -q aplay-fail "$last"; then
  echo "aplay: device busy" >&2
  exit 1
fi
`

// Logger returns a logger writing into a per-test directory.
func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()

	return LoggerIn(tb, tb.TempDir())
}

// LoggerIn writes the test log to LogFile in dir, so a test can read it back.
func LoggerIn(tb testing.TB, dir string) *logger.Logger {
	tb.Helper()

	testLogger, err := logger.New(dir, LogFile)
	if err != nil {
		tb.Fatalf("Failed to create test logger: %v", err)
	}

	tb.Cleanup(func() { _ = testLogger.Close() })

	return testLogger
}

// WriteScript writes an executable script. Call it from TestMain before any parallel
// test starts a subprocess, so no forked child inherits the open file.
func WriteScript(dir, name, body string) (string, error) {
	path := filepath.Join(dir, name)

	err := os.WriteFile(path, []byte(body), scriptPermissions)
	if err != nil {
		return "", err
	}

	return path, nil
}
