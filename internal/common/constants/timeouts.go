// Package constants centralizes timeout and retry defaults shared across
// the orchestrator, adapter, and worktree packages.
package constants

import "time"

const (
	// ClaimTaskTimeout bounds a single claimTask call against the external task store.
	ClaimTaskTimeout = 10 * time.Second
	// CloseTaskTimeout bounds a single closeTask call against the external task store.
	CloseTaskTimeout = 10 * time.Second
	// ExternalQueryTimeout bounds readyTasksCount/nextReadyTask calls.
	ExternalQueryTimeout = 10 * time.Second

	// TermKillGrace is how long a subprocess gets to exit after SIGTERM before SIGKILL.
	TermKillGrace = 2 * time.Second

	// HeartbeatInterval is the websocket ping/pong cadence on the Event Hub.
	HeartbeatInterval = 30 * time.Second
	// HeartbeatMissedLimit disconnects a client after this many missed heartbeats.
	HeartbeatMissedLimit = 2

	// StreamDedupWindow is how long a complete message is suppressed after a
	// matching streamed-delta sequence completed, to avoid double delivery.
	StreamDedupWindow = 1000 * time.Millisecond

	// GitFetchTimeout and GitPullTimeout bound best-effort remote sync before
	// worktree creation; failures here degrade to a local ref, not a hard error.
	GitFetchTimeout = 8 * time.Second
	GitPullTimeout  = 8 * time.Second
)

// RetryDefaults are the Agent Adapter's exponential-backoff-with-jitter parameters.
type RetryDefaults struct {
	InitialDelay   time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	MaxRetries     int
	JitterFraction float64
}

// DefaultRetry matches the adapter retry protocol's documented defaults.
var DefaultRetry = RetryDefaults{
	InitialDelay:   100 * time.Millisecond,
	Multiplier:     2,
	MaxDelay:       30 * time.Second,
	MaxRetries:     3,
	JitterFraction: 0.25,
}
