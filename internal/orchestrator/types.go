package orchestrator

import "context"

// Task is the minimal shape the orchestrator needs from the external task
// store to admit and close work items.
type Task struct {
	ID         string
	BaseBranch string
	WorkspaceID string
}

// TaskStore is the external side-effecting dependency the admission loop
// queries and mutates (spec §4.6). Implementations live outside this
// package — it may be backed by a database, a REST API, or an in-memory
// stub in tests.
type TaskStore interface {
	ReadyTasksCount(ctx context.Context) (int, error)
	// NextReadyTask returns the next ready task for workerName, or nil if
	// none are available.
	NextReadyTask(ctx context.Context, workerName string) (*Task, error)
	ClaimTask(ctx context.Context, taskID string) error
	CloseTask(ctx context.Context, taskID string) error
}

// aggregateState is the orchestrator's own running/stopping/stopped state,
// independent of any one worker's or session's state.
type aggregateState string

const (
	stateIdle            aggregateState = "idle"
	stateRunning         aggregateState = "running"
	stateStoppingCurrent aggregateState = "stopping"
	stateStopped         aggregateState = "stopped"
)
