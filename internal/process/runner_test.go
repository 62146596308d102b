package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, h *Handle, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out draining events")
		}
	}
}

func TestRunner_CapturesStdoutLines(t *testing.T) {
	ctx := context.Background()
	h, err := Start(ctx, nil, "printf", []string{"one\ntwo\nthree\n"}, ".", nil)
	require.NoError(t, err)

	events := drain(t, h, 5*time.Second)

	var lines []string
	for _, ev := range events {
		if ev.Kind == EventStdoutLine {
			lines = append(lines, ev.Line)
		}
	}
	require.Equal(t, []string{"one", "two", "three"}, lines)

	last := events[len(events)-1]
	require.Equal(t, EventExit, last.Kind)
	require.Equal(t, 0, last.ExitCode)
}

func TestRunner_ExitEmittedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h, err := Start(ctx, nil, "true", nil, ".", nil)
	require.NoError(t, err)

	events := drain(t, h, 5*time.Second)

	exitCount := 0
	for _, ev := range events {
		if ev.Kind == EventExit {
			exitCount++
		}
	}
	require.Equal(t, 1, exitCount)
}

func TestRunner_NonZeroExitCode(t *testing.T) {
	ctx := context.Background()
	h, err := Start(ctx, nil, "sh", []string{"-c", "exit 7"}, ".", nil)
	require.NoError(t, err)

	events := drain(t, h, 5*time.Second)
	last := events[len(events)-1]
	require.Equal(t, EventExit, last.Kind)
	require.Equal(t, 7, last.ExitCode)
}

func TestRunner_WriteFailsAfterExit(t *testing.T) {
	ctx := context.Background()
	h, err := Start(ctx, nil, "true", nil, ".", nil)
	require.NoError(t, err)

	drain(t, h, 5*time.Second)

	_, err = h.Write([]byte("anything"))
	require.ErrorIs(t, err, ErrNotWritable)
}

func TestRunner_SignalIsIdempotentAfterExit(t *testing.T) {
	ctx := context.Background()
	h, err := Start(ctx, nil, "true", nil, ".", nil)
	require.NoError(t, err)

	drain(t, h, 5*time.Second)

	// Signalling a reaped process must not panic or block.
	h.Signal(SignalTerm)
	h.Signal(SignalKill)
}

func TestRunner_SpawnErrorOnMissingBinary(t *testing.T) {
	ctx := context.Background()
	_, err := Start(ctx, nil, "this-binary-does-not-exist-xyz", nil, ".", nil)
	require.ErrorIs(t, err, ErrSpawn)
}
