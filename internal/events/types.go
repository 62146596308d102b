// Package events provides the internal event-bus subject vocabulary used to
// carry Worker Orchestrator lifecycle events and Agent Adapter session
// events between components that may live in separate processes.
package events

// Orchestrator lifecycle event types (§4.6).
const (
	WorkerStarted    = "worker_started"
	WorkerStopped    = "worker_stopped"
	WorkerPaused     = "worker_paused"
	WorkerResumed    = "worker_resumed"
	WorkStarted      = "work_started"
	WorkCompleted    = "work_completed"
	SessionCreated   = "session_created"
	StateChanged     = "state_changed"
	OrchestratorErr  = "orchestrator.error"
)

// AgentSessionEvent is the subject under which an Agent Adapter publishes
// its canonical AgentEvent stream, namespaced per session so the Event Hub
// can subscribe to exactly the sessions it is fanning out.
const AgentSessionEvent = "agent.session"

// BuildSessionSubject returns the bus subject for one session's event stream.
func BuildSessionSubject(sessionID string) string {
	return AgentSessionEvent + "." + sessionID
}

// BuildSessionWildcardSubject subscribes to every session's event stream.
func BuildSessionWildcardSubject() string {
	return AgentSessionEvent + ".*"
}

// OrchestratorSubject is the subject the orchestrator publishes its own
// lifecycle events to; the Event Hub relays these to subscribed clients.
const OrchestratorSubject = "orchestrator.lifecycle"
