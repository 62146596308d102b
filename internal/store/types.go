package store

import (
	"encoding/json"
	"time"
)

// Session is the Session Store's metadata record for one Agent Adapter
// session.
type Session struct {
	ID             string     `db:"id"`
	WorkspaceID    string     `db:"workspace_id"`
	TaskID         string     `db:"task_id"`
	WorkerName     string     `db:"worker_name"`
	AdapterKind    string     `db:"adapter_kind"`
	Status         string     `db:"status"`
	EventCount     int        `db:"event_count"`
	LastEventIndex int64      `db:"last_event_index"`
	LastMessageAt  *time.Time `db:"last_message_at"`
	CreatedAt      time.Time  `db:"created_at"`
}

// Envelope is one persisted entry in a session's event log.
type Envelope struct {
	SessionID   string          `db:"session_id"`
	EventIndex  int64           `db:"event_index"`
	EventType   string          `db:"event_type"`
	WorkspaceID string          `db:"workspace_id"`
	Payload     json.RawMessage `db:"payload"`
	CreatedAt   time.Time       `db:"created_at"`
}

// Filter narrows listSessions to a subset of the index.
type Filter struct {
	WorkspaceID string
	Status      string
}
