package main

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/ralph/internal/hub"
)

func writeEventLog(t *testing.T, envelopes []hub.Envelope) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.ndjson")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	for _, env := range envelopes {
		data, err := json.Marshal(env)
		require.NoError(t, err)
		_, err = f.Write(append(data, '\n'))
		require.NoError(t, err)
	}
	return path
}

func TestRunReplay_RequiresExactlyOneArgument(t *testing.T) {
	err := runReplay(replayCmd, nil)
	require.Error(t, err)
	require.Equal(t, 2, exitCode(err))

	err = runReplay(replayCmd, []string{"a", "b"})
	require.Error(t, err)
	require.Equal(t, 2, exitCode(err))
}

func TestRunReplay_MissingFileIsUsageError(t *testing.T) {
	err := runReplay(replayCmd, []string{filepath.Join(t.TempDir(), "missing.ndjson")})
	require.Error(t, err)
	require.Equal(t, 2, exitCode(err))
}

func TestRunReplay_OrdersByEventIndexWithinSession(t *testing.T) {
	out := hub.NewEnvelope("sess-a", "ws-1", "message", 2, json.RawMessage(`{"n":2}`))
	mid := hub.NewEnvelope("sess-a", "ws-1", "message", 0, json.RawMessage(`{"n":0}`))
	in := hub.NewEnvelope("sess-a", "ws-1", "message", 1, json.RawMessage(`{"n":1}`))

	path := writeEventLog(t, []hub.Envelope{out, mid, in})

	err := runReplay(replayCmd, []string{path})
	require.NoError(t, err)
}

func TestRunReplay_SkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	f, err := os.Create(path)
	require.NoError(t, err)
	env := hub.NewEnvelope("sess-a", "ws-1", "message", 0, json.RawMessage(`{}`))
	data, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = f.WriteString("\n" + string(data) + "\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, runReplay(replayCmd, []string{path}))
}

func TestRunReplay_MalformedLineIsRuntimeError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o644))

	err := runReplay(replayCmd, []string{path})
	require.Error(t, err)
	require.Equal(t, 1, exitCode(err))
}

func TestRunReplay_JSONFlagRoundTrips(t *testing.T) {
	env := hub.NewEnvelope("sess-a", "ws-1", "message", 0, json.RawMessage(`{"text":"hi"}`))
	path := writeEventLog(t, []hub.Envelope{env})

	prev := jsonFlag
	jsonFlag = true
	defer func() { jsonFlag = prev }()

	require.NoError(t, runReplay(replayCmd, []string{path}))
}

// ensure bufio scanning handles a well-formed single-line file without
// requiring a trailing newline.
func TestRunReplay_NoTrailingNewline(t *testing.T) {
	env := hub.NewEnvelope("sess-a", "ws-1", "message", 0, json.RawMessage(`{}`))
	data, err := json.Marshal(env)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "events.ndjson")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	scanner := bufio.NewScanner(mustOpen(t, path))
	require.True(t, scanner.Scan())
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}
