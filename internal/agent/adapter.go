package agent

import (
	"context"
	"errors"
)

var (
	// ErrNotAvailable is returned by Start when IsAvailable() would return false.
	ErrNotAvailable = errors.New("agent: adapter not available")
	// ErrUnsupported matches (via errors.Is) the *Unsupported error that
	// pause/resume return on adapters without the feature.
	ErrUnsupported = errors.New("agent: feature unsupported")
)

// Features describes what an adapter implementation supports.
type Features struct {
	Streaming      bool
	Tools          bool
	PauseResume    bool
	SystemPrompt   bool
}

// Info identifies an adapter implementation and its feature set.
type Info struct {
	ID       string
	Name     string
	Features Features
}

// StartOptions parameterizes Adapter.Start.
type StartOptions struct {
	Model        string
	SystemPrompt string
	Cwd          string
	AllowedTools []string
	RetryConfig  RetryConfig
	WorkerName   string
	TaskID       string
	WorkspaceID  string
}

// UserMessage is one prompt sent into a running session.
type UserMessage struct {
	Content string
}

// Adapter is the uniform contract every concrete agent executable
// implements (spec §4.2).
type Adapter interface {
	Info() Info
	IsAvailable(ctx context.Context) bool
	Start(ctx context.Context, opts StartOptions) (*Session, error)
	Send(ctx context.Context, sess *Session, msg UserMessage) error
	Pause(ctx context.Context, sess *Session) error
	Resume(ctx context.Context, sess *Session) error
	Stop(ctx context.Context, sess *Session) error
	StopAfterCurrent(ctx context.Context, sess *Session) error
}
