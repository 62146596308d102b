// Package agent provides the uniform session/event abstraction over
// heterogeneous agent subprocesses (Claude Code, Codex, and a mock used in
// tests), including retry/backoff, pause/resume, and translation of
// agent-native messages into a canonical event stream.
package agent

// EventType tags the variant carried by an Event.
type EventType string

const (
	EventMessage    EventType = "message"
	EventThinking   EventType = "thinking"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventResult     EventType = "result"
	EventError      EventType = "error"
	EventStatus     EventType = "status"
)

// Usage reports token accounting for a completed turn.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}

// Event is the canonical tagged sum every adapter translates agent-native
// frames into. Exactly the fields relevant to Type are populated.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"` // ms since epoch

	// message / thinking
	Content   string `json:"content,omitempty"`
	IsPartial bool   `json:"isPartial,omitempty"`

	// tool_use
	ToolUseID string         `json:"toolUseId,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Input     map[string]any `json:"input,omitempty"`

	// tool_result (ToolUseID shared with tool_use)
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"isError,omitempty"`

	// result
	Usage *Usage `json:"usage,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`

	// status
	Status Status `json:"status,omitempty"`
}

// RETRYCode marks a non-fatal retry notification per the adapter retry protocol.
const RETRYCode = "RETRY"
