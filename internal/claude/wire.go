package claude

import (
	"encoding/json"
	"strings"
	"time"
)

// wireMessage is one NDJSON line from the agent's stdout. Fields mirror
// the streaming protocol shared by the supported back-ends; each line
// carries a type tag and the subset of fields that type defines.
type wireMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// system init fields.
	Model string   `json:"model,omitempty"`
	CWD   string   `json:"cwd,omitempty"`
	Tools []string `json:"tools,omitempty"`

	// assistant / user message body.
	Message *wireMessageBody `json:"message,omitempty"`

	// thinking text.
	Text string `json:"text,omitempty"`

	// tool_call / tool_result correlation.
	CallID   string          `json:"call_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs map[string]any  `json:"tool_args,omitempty"`
	Status   string          `json:"status,omitempty"`
	ToolRes  json.RawMessage `json:"result,omitempty"`
	ErrorMsg string          `json:"error,omitempty"`

	// result fields. Result text shares the "result" key with tool
	// results; disambiguated by Type.
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`

	TimestampMS int64 `json:"timestamp_ms,omitempty"`
}

// wireMessageBody is the message field of assistant and user lines.
type wireMessageBody struct {
	Role    string      `json:"role,omitempty"`
	Content []wireBlock `json:"content,omitempty"`
}

// wireBlock is one content block: text, tool_use, or tool_result.
type wireBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use fields.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result fields. Content is a string or a nested block list.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// contentText extracts plain text from a tool_result block, which the wire
// encodes either as a bare string or as a list of text blocks.
func (b *wireBlock) contentText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []wireBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var parts []string
		for _, blk := range blocks {
			if blk.Type == "text" && blk.Text != "" {
				parts = append(parts, blk.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// resultText returns the tool result payload as display text.
func (m *wireMessage) resultText() string {
	if len(m.ToolRes) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ToolRes, &s); err == nil {
		return s
	}
	return string(m.ToolRes)
}

// cost returns whichever cost field the back-end populated.
func (m *wireMessage) cost() float64 {
	if m.TotalCostUSD != 0 {
		return m.TotalCostUSD
	}
	return m.CostUSD
}

// timestamp converts the millisecond wire timestamp, zero when absent.
func (m *wireMessage) timestamp() time.Time {
	if m.TimestampMS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.TimestampMS).UTC()
}
