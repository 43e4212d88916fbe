// Package claude implements the agent execution core: it launches a
// code-assistant agent as a child process (or drives the Anthropic API
// in-process), parses the agent's streaming JSON output into typed updates,
// validates every tool invocation against the security policy, and tracks
// resumable per-user sessions.
package claude

import "time"

// Request describes one prompt to run against the agent. Immutable once built.
type Request struct {
	// Prompt is the natural-language instruction forwarded to the agent.
	Prompt string

	// WorkingDirectory is the absolute path the agent runs in. Must be
	// under the approved directory.
	WorkingDirectory string

	// UserID identifies the requesting chat user.
	UserID int64

	// SessionID optionally resumes a prior agent session.
	SessionID string

	// ContinueSession asks the agent to continue the referenced session.
	ContinueSession bool
}

// ToolUse records one tool invocation the agent performed during a request.
type ToolUse struct {
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Input     map[string]any `json:"input,omitempty"`
}

// Response is the consolidated outcome of one agent run. Exactly one
// Response is produced per request, successful or not.
type Response struct {
	Content    string    `json:"content"`
	SessionID  string    `json:"session_id"`
	Cost       float64   `json:"cost"`
	DurationMS int64     `json:"duration_ms"`
	NumTurns   int       `json:"num_turns"`
	IsError    bool      `json:"is_error"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	ToolsUsed  []ToolUse `json:"tools_used,omitempty"`
}

// UpdateType tags the variant of a StreamUpdate.
type UpdateType string

const (
	UpdateSystem     UpdateType = "system"
	UpdateUser       UpdateType = "user"
	UpdateThinking   UpdateType = "thinking"
	UpdateAssistant  UpdateType = "assistant"
	UpdateToolCall   UpdateType = "tool_call"
	UpdateToolResult UpdateType = "tool_result"
	UpdateResult     UpdateType = "result"
	UpdateError      UpdateType = "error"
)

// Subtypes carried by system, thinking, and tool_call updates.
const (
	SubtypeInit      = "init"
	SubtypeDelta     = "delta"
	SubtypeCompleted = "completed"
	SubtypeStarted   = "started"
)

// Tool call statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

// ToolCall is a tool invocation requested inside an assistant message.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// StreamUpdate is one event from the agent's output stream. Type selects
// the variant; only the fields that variant defines are populated.
type StreamUpdate struct {
	Type    UpdateType
	Subtype string

	// Content carries assistant/user/thinking text and the final result text.
	Content string

	// ToolCalls is set on assistant updates that request tools.
	ToolCalls []ToolCall

	// Tool call correlation fields (tool_call / tool_result updates).
	CallID   string
	ToolName string
	ToolArgs map[string]any
	Status   string
	Result   string
	ErrorMsg string

	// system init fields.
	Model string
	CWD   string
	Tools []string

	// result fields.
	Cost       float64
	DurationMS int64
	NumTurns   int
	IsError    bool
	ErrorKind  string

	SessionID string
	Timestamp time.Time
}

// StreamSink consumes stream updates during a run. A sink returning an
// error of kind ToolValidation aborts the run; any other error is logged
// and ignored so a misbehaving renderer cannot kill the agent.
type StreamSink func(StreamUpdate) error

// ToolCallRecord tracks one in-flight tool call for the duration of a
// single request. Records are correlated by CallID and cleared at request end.
type ToolCallRecord struct {
	CallID     string
	ToolName   string
	Input      map[string]any
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Result     string
}
