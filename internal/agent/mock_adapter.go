package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/logger"
)

// QueryFunc simulates one request/response turn against an agent backend.
// Returning an error whose message matches a retryable class drives the
// adapter's retry protocol; the call count lets tests assert exactly how
// many attempts were made.
type QueryFunc func(turn int) (content string, err error)

// MockAdapter is a Go-native stand-in for a real agent subprocess, used to
// exercise the session state machine and retry protocol without spawning a
// process. Each session gets its own turn counter and query function.
type MockAdapter struct {
	logger *logger.Logger

	mu        sync.Mutex
	queryFunc QueryFunc
}

// NewMockAdapter builds a MockAdapter whose Start sessions all call queryFunc
// for their Send turns. A nil queryFunc always succeeds with "ok".
func NewMockAdapter(log *logger.Logger, queryFunc QueryFunc) *MockAdapter {
	if log == nil {
		log = logger.Default()
	}
	if queryFunc == nil {
		queryFunc = func(int) (string, error) { return "ok", nil }
	}
	return &MockAdapter{
		logger:    log.WithFields(zap.String("component", "mock-adapter")),
		queryFunc: queryFunc,
	}
}

func (a *MockAdapter) Info() Info {
	return Info{
		ID:   "mock",
		Name: "Mock Agent",
		Features: Features{
			Streaming:    true,
			Tools:        true,
			PauseResume:  true,
			SystemPrompt: true,
		},
	}
}

func (a *MockAdapter) IsAvailable(ctx context.Context) bool { return true }

func (a *MockAdapter) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	sess := NewSession(opts.WorkerName, opts.TaskID, "mock", opts.WorkspaceID, opts.Cwd, opts.AllowedTools)
	if err := sess.Transition(StatusStarting); err != nil {
		return nil, err
	}
	if err := sess.Transition(StatusRunning); err != nil {
		return nil, err
	}
	sess.emit(Event{Type: EventStatus, Status: StatusRunning})
	return sess, nil
}

// Send runs one query turn through the retry protocol, emitting RETRY
// events on each retryable failure and a final result/error event.
func (a *MockAdapter) Send(ctx context.Context, sess *Session, msg UserMessage) error {
	turn := 0
	var content string

	err := withRetry(ctx, RetryConfig{}, func(attempt int, delay time.Duration) {
		sess.emit(Event{
			Type:    EventError,
			Code:    RETRYCode,
			Fatal:   false,
			Message: retryMessage(delay),
		})
	}, func() error {
		turn++
		c, qerr := a.queryFunc(turn)
		content = c
		return qerr
	})

	if err != nil {
		sess.emit(Event{Type: EventError, Message: err.Error(), Fatal: true})
		_ = sess.Transition(StatusError)
		return err
	}

	sess.emit(Event{
		Type:  EventResult,
		Content: content,
		Usage: &Usage{InputTokens: 10, OutputTokens: 10, TotalTokens: 20},
	})
	return nil
}

func (a *MockAdapter) Pause(ctx context.Context, sess *Session) error {
	if err := sess.Transition(StatusPausing); err != nil {
		return err
	}
	return sess.Transition(StatusPaused)
}

func (a *MockAdapter) Resume(ctx context.Context, sess *Session) error {
	return sess.Transition(StatusRunning)
}

func (a *MockAdapter) Stop(ctx context.Context, sess *Session) error {
	if err := sess.Transition(StatusStopping); err != nil {
		return err
	}
	err := sess.Transition(StatusStopped)
	sess.Close()
	return err
}

func (a *MockAdapter) StopAfterCurrent(ctx context.Context, sess *Session) error {
	if err := sess.Transition(StatusStoppingAfterCurrent); err != nil {
		return err
	}
	err := sess.Transition(StatusStopped)
	sess.Close()
	return err
}
