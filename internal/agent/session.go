package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a session's position in its lifecycle state machine.
type Status string

const (
	StatusIdle                Status = "idle"
	StatusStarting             Status = "starting"
	StatusRunning              Status = "running"
	StatusPausing              Status = "pausing"
	StatusPaused               Status = "paused"
	StatusStopping             Status = "stopping"
	StatusStoppingAfterCurrent Status = "stopping-after-current"
	StatusStopped              Status = "stopped"
	StatusError                Status = "error"
)

// transitions enumerates the legal edges of the session state machine
// (spec §4.2). error is reachable from any state and is handled separately.
var transitions = map[Status]map[Status]bool{
	StatusIdle:                {StatusStarting: true},
	StatusStarting:             {StatusRunning: true},
	StatusRunning:              {StatusPausing: true, StatusStoppingAfterCurrent: true, StatusStopping: true, StatusStopped: true},
	StatusPausing:              {StatusPaused: true},
	StatusPaused:               {StatusRunning: true, StatusStoppingAfterCurrent: true, StatusStopping: true},
	StatusStoppingAfterCurrent: {StatusStopped: true, StatusStopping: true},
	StatusStopping:             {StatusStopped: true},
	StatusStopped:              {},
	StatusError:                {},
}

// ErrInvalidTransition is returned when a caller requests a state change the
// machine does not permit from the session's current status.
type ErrInvalidTransition struct {
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("agent: invalid transition %s -> %s", e.From, e.To)
}

// Unsupported is returned by pause/resume when the adapter lacks the feature.
type Unsupported struct {
	Feature string
}

func (e *Unsupported) Error() string {
	return fmt.Sprintf("agent: unsupported feature %q", e.Feature)
}

func (e *Unsupported) Unwrap() error { return ErrUnsupported }

// Session is a uniform handle over one conversational run of an agent
// adapter. All state transitions are atomic under mu.
type Session struct {
	ID         string
	WorkerName string
	TaskID     string
	AdapterKind string
	WorkspaceID string
	Cwd         string
	AllowedTools []string
	CreatedAt    time.Time

	mu            sync.Mutex
	status        Status
	lastMessageAt time.Time

	events chan Event
	done   chan struct{}
}

// NewSession allocates a session in the idle state with a fresh server-side ID.
func NewSession(workerName, taskID, adapterKind, workspaceID, cwd string, allowedTools []string) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.New().String(),
		WorkerName:   workerName,
		TaskID:       taskID,
		AdapterKind:  adapterKind,
		WorkspaceID:  workspaceID,
		Cwd:          cwd,
		AllowedTools: allowedTools,
		CreatedAt:    now,
		status:       StatusIdle,
		events:       make(chan Event, 256),
		done:         make(chan struct{}),
	}
}

// Status returns the session's current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Transition moves the session to `to`, failing if the edge is illegal.
// `error` is reachable from any non-terminal state.
func (s *Session) Transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if to == StatusError {
		if s.status == StatusStopped || s.status == StatusError {
			return &ErrInvalidTransition{From: s.status, To: to}
		}
		s.status = StatusError
		return nil
	}

	if !transitions[s.status][to] {
		return &ErrInvalidTransition{From: s.status, To: to}
	}
	s.status = to
	return nil
}

// Events returns the channel the adapter publishes canonical events to.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done returns a channel closed once the session is closed, for adapters to
// cancel in-flight background work (e.g. a pending retry backoff) against.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// emit publishes an event and stamps lastMessageAt.
func (s *Session) emit(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	s.mu.Lock()
	s.lastMessageAt = time.Now()
	s.mu.Unlock()

	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Close marks the session's event stream finished. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
		close(s.events)
	}
}

// LastMessageAt reports the time of the most recent emitted event.
func (s *Session) LastMessageAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageAt
}
