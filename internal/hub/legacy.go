package hub

import (
	"encoding/json"
)

// legacyStatus maps a legacy task-chat status value onto the canonical
// status vocabulary: idle→idle, processing|streaming→running, error→stopped,
// anything else → idle (spec §4.5).
func legacyStatus(status string) string {
	switch status {
	case "idle":
		return "idle"
	case "processing", "streaming":
		return "running"
	case "error":
		return "stopped"
	default:
		return "idle"
	}
}

// legacyPayload is the subset of a canonical payload the legacy shapes
// project; unknown fields are ignored both ways.
type legacyPayload struct {
	Content   string          `json:"content,omitempty"`
	IsPartial bool            `json:"isPartial,omitempty"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Output    string          `json:"output,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// legacyMessage is the envelope shared by every `task-chat:*` outbound shape.
type legacyMessage struct {
	Type      string `json:"type"`
	TaskID    string `json:"taskId,omitempty"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Output    string `json:"output,omitempty"`
}

// legacyEnvelopesFor derives the compatibility-window `task-chat:*` outbound
// messages for one canonical envelope. During the compatibility window both
// the canonical envelope and these legacy shapes are sent, so pre-migration
// clients keep working (spec §4.5).
func legacyEnvelopesFor(env Envelope, taskID string) [][]byte {
	var p legacyPayload
	_ = json.Unmarshal(env.Payload, &p)

	var msg legacyMessage
	msg.SessionID = env.SessionID
	msg.TaskID = taskID

	switch env.EventType {
	case "message":
		if p.IsPartial {
			msg.Type = "task-chat:chunk"
		} else {
			msg.Type = "task-chat:message"
		}
		msg.Content = p.Content
	case "status":
		msg.Type = "task-chat:status"
		msg.Status = legacyStatus(p.Status)
	case "error":
		msg.Type = "task-chat:error"
		msg.Message = p.Message
	case "tool_use":
		msg.Type = "task-chat:tool_use"
		msg.ToolUseID = p.ToolUseID
		msg.Tool = p.Tool
	case "tool_result":
		msg.Type = "task-chat:tool_result"
		msg.ToolUseID = p.ToolUseID
		msg.Output = p.Output
	default:
		// No legacy analogue for this event type (e.g. "result", "thinking");
		// only the canonical envelope is sent.
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}

	generic, err := json.Marshal(struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
		EventType string `json:"eventType"`
		Payload   json.RawMessage
	}{Type: "task-chat:event", SessionID: env.SessionID, EventType: env.EventType, Payload: env.Payload})
	if err != nil {
		return [][]byte{data}
	}
	return [][]byte{data, generic}
}

// inboundEnvelope is the normalized result of translateInbound: either a
// subscribe request, a reconnect request, or neither (message dropped).
type inboundEnvelope struct {
	Subscribe *subscribeRequest
	Reconnect *reconnectRequest
}

// translateInbound normalizes both canonical and legacy inbound shapes.
// Messages with no `type` or no recognizable payload are dropped silently
// per spec §4.5.
func translateInbound(raw []byte) *inboundEnvelope {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.Type == "" {
		return nil
	}

	switch head.Type {
	case "subscribe":
		var req subscribeRequest
		if json.Unmarshal(raw, &req) != nil {
			return nil
		}
		return &inboundEnvelope{Subscribe: &req}
	case "reconnect", "task-chat:reconnect":
		var req reconnectRequest
		if json.Unmarshal(raw, &req) != nil {
			return nil
		}
		return &inboundEnvelope{Reconnect: &req}
	default:
		return nil
	}
}
