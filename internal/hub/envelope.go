package hub

import (
	"encoding/json"
	"time"
)

// Envelope is the canonical wire shape the Event Hub fans out to
// subscribed clients, and the shape `publish` accepts from the Worker
// Orchestrator / Agent Adapter layer.
type Envelope struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"sessionId"`
	WorkspaceID string          `json:"workspaceId,omitempty"`
	EventIndex  int64           `json:"eventIndex"`
	EventType   string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
}

const canonicalType = "ralph:event"

// NewEnvelope builds a canonical envelope around one persisted event.
func NewEnvelope(sessionID, workspaceID, eventType string, eventIndex int64, payload json.RawMessage) Envelope {
	return Envelope{
		Type:        canonicalType,
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		EventIndex:  eventIndex,
		EventType:   eventType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

// pendingEvents is the reconnect response shape (spec §4.5).
type pendingEvents struct {
	Type        string     `json:"type"`
	SessionID   string     `json:"sessionId"`
	Events      []Envelope `json:"events"`
	TotalEvents int        `json:"totalEvents"`
	Status      string     `json:"status"`
}

// reconnectRequest is the inbound cursor a client supplies to resume after
// a dropped connection.
type reconnectRequest struct {
	Type              string `json:"type"`
	SessionID         string `json:"sessionId"`
	LastEventIndex    *int64 `json:"lastEventIndex,omitempty"`
	LastEventTimestamp *string `json:"lastEventTimestamp,omitempty"`
}

// subscribeRequest is the inbound `subscribe(workspaceId)` message.
type subscribeRequest struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
}
