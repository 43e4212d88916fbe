package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-telegram/bot"

	"github.com/devgram/devgram/internal/claude"
)

// Minimum delay between progress-message edits. Important updates (tool
// results, errors, the final result) bypass the delay.
const (
	TextInterval    = 1500 * time.Millisecond
	CommandInterval = 800 * time.Millisecond
)

const (
	maxParamValueLen = 30
	maxParamsLen     = 50
	maxPreviewLen    = 150
)

// todoTool is the tool whose results feed the rolling todo checklist.
const todoTool = "updatetodos"

type journalEntry struct {
	name   string
	params map[string]any
	status string
}

type todoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

// Renderer folds the agent's stream updates into a single chat message
// that is re-edited under throttling: a per-request tool journal, a
// rolling todo list, and a current-activity line. It is a claude.StreamSink
// that never returns an error; transport failures are logged and dropped
// so a flaky chat edit cannot kill the run.
type Renderer struct {
	client    Client
	logger    *slog.Logger
	chatID    int64
	messageID int
	heading   string
	interval  time.Duration

	now func() time.Time

	journal   map[string]*journalEntry
	order     []string
	todos     map[string]todoItem
	todoOrder []string
	activity  string

	lastBody string
	lastEdit time.Time
	finished bool
}

// NewRenderer tracks progress for one request. messageID is the
// already-sent placeholder message that gets re-edited; heading names the
// command or path being worked on and may be empty.
func NewRenderer(client Client, logger *slog.Logger, chatID int64, messageID int, heading string, interval time.Duration) *Renderer {
	return &Renderer{
		client:    client,
		logger:    logger,
		chatID:    chatID,
		messageID: messageID,
		heading:   heading,
		interval:  interval,
		now:       time.Now,
		journal:   map[string]*journalEntry{},
		todos:     map[string]todoItem{},
		activity:  "🤔 Processing...",
	}
}

// Sink adapts the renderer to the execution core's stream contract.
func (r *Renderer) Sink(ctx context.Context) claude.StreamSink {
	return func(update claude.StreamUpdate) error {
		r.handle(ctx, update)
		return nil
	}
}

func (r *Renderer) handle(ctx context.Context, update claude.StreamUpdate) {
	if r.finished {
		return
	}

	skip := r.apply(update)
	if skip {
		return
	}

	if update.Type == claude.UpdateResult {
		r.Finish(ctx)
		return
	}

	body := r.render()
	if body == "" || body == r.lastBody {
		return
	}

	important := update.Type == claude.UpdateToolResult || update.Type == claude.UpdateError
	if !important && r.now().Sub(r.lastEdit) < r.interval {
		return
	}

	if _, err := r.client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    r.chatID,
		MessageID: r.messageID,
		Text:      body,
	}); err != nil && !isNotModified(err) {
		r.logger.Warn("edit progress message", "chat_id", r.chatID, "error", err)
		return
	}
	r.lastBody = body
	r.lastEdit = r.now()
}

// Finish deletes the progress message; the final response is sent
// separately by the handler. Safe to call more than once.
func (r *Renderer) Finish(ctx context.Context) {
	if r.finished {
		return
	}
	r.finished = true
	if _, err := r.client.DeleteMessage(ctx, &bot.DeleteMessageParams{
		ChatID:    r.chatID,
		MessageID: r.messageID,
	}); err != nil {
		r.logger.Warn("delete progress message", "chat_id", r.chatID, "error", err)
	}
}

// apply folds one update into the renderer state. It returns true when the
// update should not trigger a re-render (thinking deltas flicker).
func (r *Renderer) apply(update claude.StreamUpdate) bool {
	switch update.Type {
	case claude.UpdateSystem:
		if update.Subtype == claude.SubtypeInit {
			model := update.Model
			if model == "" {
				model = "agent"
			}
			r.activity = fmt.Sprintf("🚀 Starting %s with %d tools available", model, len(update.Tools))
		}

	case claude.UpdateThinking:
		if update.Subtype == claude.SubtypeDelta {
			return true
		}
		r.activity = "💭 Thinking..."

	case claude.UpdateToolCall:
		r.trackCall(update.CallID, update.ToolName, update.ToolArgs, claude.StatusRunning)
		r.activity = "🤔 Processing..."

	case claude.UpdateToolResult:
		status := claude.StatusSuccess
		if update.Status == claude.StatusError || update.IsError {
			status = claude.StatusError
		}
		r.trackCall(update.CallID, update.ToolName, update.ToolArgs, status)
		if strings.EqualFold(update.ToolName, todoTool) {
			r.mergeTodos(update)
		}
		r.activity = "🤔 Processing..."

	case claude.UpdateAssistant:
		for _, call := range update.ToolCalls {
			r.trackCall(call.ID, call.Name, call.Input, claude.StatusRunning)
		}
		if len(update.ToolCalls) == 0 && update.Content != "" {
			preview := update.Content
			if len(preview) > maxPreviewLen {
				preview = preview[:maxPreviewLen] + "..."
			}
			r.activity = "🤖 Working...\n\n" + preview
		} else {
			r.activity = "🤔 Processing..."
		}

	case claude.UpdateError:
		msg := update.ErrorMsg
		if msg == "" {
			msg = update.Content
		}
		if msg == "" {
			msg = "unknown error"
		}
		r.activity = "❌ Error: " + msg
	}
	return false
}

func (r *Renderer) trackCall(callID, name string, params map[string]any, status string) {
	if callID == "" {
		return
	}
	entry, ok := r.journal[callID]
	if !ok {
		entry = &journalEntry{}
		r.journal[callID] = entry
		r.order = append(r.order, callID)
	}
	if name != "" {
		entry.name = name
	}
	if len(params) > 0 {
		entry.params = params
	}
	entry.status = status
}

// mergeTodos updates the rolling todo list from an updatetodos result.
// Items are merged by id; existing items keep their position.
func (r *Renderer) mergeTodos(update claude.StreamUpdate) {
	items := normalizeTodos(update.Result, update.ToolArgs)
	for _, item := range items {
		if _, ok := r.todos[item.ID]; !ok {
			r.todoOrder = append(r.todoOrder, item.ID)
		}
		r.todos[item.ID] = item
	}
}

// normalizeTodos extracts todo items from a tool result body (JSON text)
// or, failing that, from the tool's input arguments.
func normalizeTodos(result string, args map[string]any) []todoItem {
	if result != "" {
		if items := decodeTodos([]byte(result)); len(items) > 0 {
			return items
		}
	}
	if args != nil {
		if raw, err := json.Marshal(args); err == nil {
			return decodeTodos(raw)
		}
	}
	return nil
}

func decodeTodos(raw []byte) []todoItem {
	// Either a bare array or an object wrapping one under "todos"/"items".
	var list []todoItem
	if err := json.Unmarshal(raw, &list); err == nil {
		return fillTodoIDs(list)
	}
	var wrapper struct {
		Todos []todoItem `json:"todos"`
		Items []todoItem `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil {
		if len(wrapper.Todos) > 0 {
			return fillTodoIDs(wrapper.Todos)
		}
		return fillTodoIDs(wrapper.Items)
	}
	return nil
}

func fillTodoIDs(items []todoItem) []todoItem {
	out := items[:0]
	for _, item := range items {
		if item.ID == "" {
			item.ID = item.Content
		}
		if item.ID == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

// render composes the message body: heading, todo list, tool journal,
// current activity.
func (r *Renderer) render() string {
	var b strings.Builder

	if r.heading != "" {
		b.WriteString(r.heading)
		b.WriteString("\n\n")
	}

	if len(r.todoOrder) > 0 {
		b.WriteString("📋 TODO\n")
		for _, id := range r.todoOrder {
			item := r.todos[id]
			b.WriteString("- ")
			b.WriteString(todoCheckbox(item.Status))
			b.WriteString(" ")
			b.WriteString(item.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	for _, callID := range r.order {
		entry := r.journal[callID]
		b.WriteString(statusIcon(entry.status))
		b.WriteString(" ")
		b.WriteString(formatToolName(entry.name))
		b.WriteString(formatToolParams(entry.params))
		b.WriteString(" [")
		b.WriteString(entry.status)
		b.WriteString("]\n")
	}
	if len(r.order) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(r.activity)
	return b.String()
}

func statusIcon(status string) string {
	switch status {
	case claude.StatusSuccess:
		return "✅"
	case claude.StatusError:
		return "❌"
	default:
		return "⏳"
	}
}

func todoCheckbox(status string) string {
	switch strings.ToLower(strings.TrimPrefix(status, "TODO_STATUS_")) {
	case "completed":
		return "[x]"
	case "in_progress":
		return "[-]"
	default:
		return "[ ]"
	}
}

// formatToolName renders MCP tools as Provider:Tool and snake_case names
// as title case.
func formatToolName(name string) string {
	if name == "" {
		return "Tool"
	}
	if rest, ok := strings.CutPrefix(name, "mcp_"); ok {
		if provider, tool, ok := strings.Cut(rest, "_"); ok {
			return titleWords(provider) + ":" + titleWords(tool)
		}
	}
	return titleWords(name)
}

func titleWords(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// formatToolParams renders parameters compactly: string values truncated
// to 30 characters, the whole list to 50, keys in sorted order.
func formatToolParams(params map[string]any) string {
	if len(params) == 0 {
		return "()"
	}

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+formatParamValue(params[key]))
	}

	joined := strings.Join(parts, ", ")
	if len(joined) > maxParamsLen {
		joined = joined[:maxParamsLen] + "..."
	}
	return "(" + joined + ")"
}

func formatParamValue(value any) string {
	switch v := value.(type) {
	case string:
		if len(v) > maxParamValueLen {
			v = v[:maxParamValueLen] + "..."
		}
		return `"` + v + `"`
	case nil:
		return "null"
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		s := string(raw)
		if len(s) > maxParamValueLen {
			s = s[:maxParamValueLen] + "..."
		}
		return s
	}
}
