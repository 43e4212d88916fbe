package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// streamChunkSize is the read size for agent stdout.
	streamChunkSize = 64 * 1024

	// maxMessageBuffer bounds the messages retained for final-result
	// extraction; older messages are dropped.
	maxMessageBuffer = 1000

	// cancelCheckInterval is how often the reader re-checks the
	// cancellation predicate while no data arrives.
	cancelCheckInterval = 500 * time.Millisecond
)

// streamParser consumes line-delimited JSON from one agent run and emits
// typed StreamUpdates. One instance lives for exactly one request.
type streamParser struct {
	logger *slog.Logger
	spans  *SpanTracker

	messages    []wireMessage
	parseErrors int
	result      *wireMessage
	sessionID   string

	calls     map[string]*ToolCallRecord
	callOrder []string

	assistantParts []string
	numTurns       int
	toolsUsed      []ToolUse
}

func newStreamParser(logger *slog.Logger, spans *SpanTracker) *streamParser {
	return &streamParser{
		logger: logger,
		spans:  spans,
		calls:  map[string]*ToolCallRecord{},
	}
}

// run reads r until EOF or cancellation, decoding each line and forwarding
// updates to emit. Malformed lines are counted and skipped. Returns a
// KindCancelled error when the cancellation predicate fired.
func (p *streamParser) run(ctx context.Context, r io.Reader, cancelled func() bool, emit func(StreamUpdate) error) error {
	chunks := make(chan []byte, 1)
	readErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		buf := make([]byte, streamChunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				chunks <- chunk
			}
			if err != nil {
				if err != io.EOF {
					readErr <- err
				}
				return
			}
		}
	}()

	var pending []byte
	ticker := time.NewTicker(cancelCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				// Stream closed; flush any trailing partial line.
				if line := bytes.TrimSpace(pending); len(line) > 0 {
					if err := p.handleLine(line, emit); err != nil {
						return err
					}
				}
				select {
				case err := <-readErr:
					p.logger.Warn("agent stdout read error", "error", err)
				default:
				}
				// A killed child closes its stdout; EOF can win the race
				// against the poll ticker, so a cancelled run must not
				// fall through as a normal completion.
				if cancelled() || ctx.Err() != nil {
					return NewError(KindCancelled, "stream reading cancelled")
				}
				return nil
			}
			pending = append(pending, chunk...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := bytes.TrimSpace(pending[:idx])
				pending = pending[idx+1:]
				if len(line) == 0 {
					continue
				}
				if err := p.handleLine(line, emit); err != nil {
					return err
				}
			}
			if cancelled() {
				return NewError(KindCancelled, "stream reading cancelled")
			}

		case <-ticker.C:
			if cancelled() {
				return NewError(KindCancelled, "stream reading cancelled")
			}

		case <-ctx.Done():
			return WrapError(KindCancelled, ctx.Err(), "context cancelled during stream")
		}
	}
}

// handleLine decodes one NDJSON line, updates parser state, and emits the
// corresponding StreamUpdate. Sink errors of kind ToolValidation propagate;
// anything else is logged and swallowed.
func (p *streamParser) handleLine(line []byte, emit func(StreamUpdate) error) error {
	if !utf8.Valid(line) {
		line = bytes.ToValidUTF8(line, []byte("�"))
	}

	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		p.parseErrors++
		p.logger.Warn("skipping malformed stream line",
			"error", err,
			"line", truncate(string(line), 200))
		return nil
	}
	if msg.Type == "" {
		p.parseErrors++
		p.logger.Warn("skipping untyped stream message", "line", truncate(string(line), 200))
		return nil
	}

	p.buffer(msg)
	if msg.SessionID != "" {
		p.sessionID = msg.SessionID
	}

	update, ok := p.toUpdate(&msg)
	if !ok {
		return nil
	}
	if err := emit(update); err != nil {
		if IsKind(err, KindToolValidation) {
			return err
		}
		p.logger.Warn("stream sink failed", "error", err, "update_type", update.Type)
	}
	return nil
}

// buffer retains the message, dropping the oldest beyond maxMessageBuffer.
func (p *streamParser) buffer(msg wireMessage) {
	p.messages = append(p.messages, msg)
	if len(p.messages) > maxMessageBuffer {
		p.messages = p.messages[len(p.messages)-maxMessageBuffer:]
	}
}

// toUpdate converts a wire message into a StreamUpdate, maintaining the
// tool correlation table and telemetry spans as a side effect. Unknown
// types are logged and dropped so consumers stay total over the update set.
func (p *streamParser) toUpdate(msg *wireMessage) (StreamUpdate, bool) {
	base := StreamUpdate{
		Subtype:   msg.Subtype,
		SessionID: msg.SessionID,
		Timestamp: msg.timestamp(),
	}

	switch msg.Type {
	case "system":
		base.Type = UpdateSystem
		base.Model = msg.Model
		base.CWD = msg.CWD
		base.Tools = msg.Tools
		return base, true

	case "user":
		base.Type = UpdateUser
		base.Content = extractText(msg.Message)
		return base, true

	case "thinking":
		base.Type = UpdateThinking
		base.Content = msg.Text
		return base, true

	case "assistant":
		base.Type = UpdateAssistant
		content, toolCalls := p.extractAssistant(msg)
		base.Content = content
		base.ToolCalls = toolCalls
		if msg.Message != nil && len(msg.Message.Content) > 0 {
			p.numTurns++
		}
		if content != "" {
			p.assistantParts = append(p.assistantParts, content)
		}
		return base, true

	case "tool_call":
		base.Type = UpdateToolCall
		base.CallID = msg.CallID
		base.ToolName = msg.ToolName
		base.ToolArgs = msg.ToolArgs
		base.Status = StatusRunning
		if msg.Subtype == "" {
			base.Subtype = SubtypeStarted
		}
		p.toolStarted(msg)
		return base, true

	case "tool_result":
		base.Type = UpdateToolResult
		base.CallID = msg.CallID
		base.Status = msg.Status
		base.Result = msg.resultText()
		base.ErrorMsg = msg.ErrorMsg
		base.ToolName = p.toolCompleted(msg)
		return base, true

	case "result":
		base.Type = UpdateResult
		base.Content = msg.resultText()
		base.Cost = msg.cost()
		base.DurationMS = msg.DurationMS
		base.NumTurns = msg.NumTurns
		base.IsError = msg.IsError
		if msg.IsError {
			base.ErrorKind = msg.Subtype
		}
		p.result = msg
		return base, true

	case "error":
		base.Type = UpdateError
		base.IsError = true
		base.ErrorMsg = msg.ErrorMsg
		if base.ErrorMsg == "" {
			base.ErrorMsg = msg.Text
		}
		return base, true

	default:
		p.logger.Debug("dropping unknown stream message type", "type", msg.Type)
		return StreamUpdate{}, false
	}
}

// extractAssistant concatenates text blocks and collects tool_use blocks.
// tool_result blocks nested in assistant messages are appended as text.
func (p *streamParser) extractAssistant(msg *wireMessage) (string, []ToolCall) {
	if msg.Message == nil {
		return "", nil
	}
	var parts []string
	var toolCalls []ToolCall
	for i := range msg.Message.Content {
		block := &msg.Message.Content[i]
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		case "tool_result":
			if text := block.contentText(); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, ""), toolCalls
}

// toolStarted registers the call in the correlation table and opens its span.
func (p *streamParser) toolStarted(msg *wireMessage) {
	if msg.CallID == "" {
		p.logger.Warn("tool_call without call_id", "tool", msg.ToolName)
		return
	}
	now := msg.timestamp()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	p.calls[msg.CallID] = &ToolCallRecord{
		CallID:    msg.CallID,
		ToolName:  msg.ToolName,
		Input:     msg.ToolArgs,
		Status:    StatusRunning,
		StartedAt: now,
	}
	p.callOrder = append(p.callOrder, msg.CallID)
	p.toolsUsed = append(p.toolsUsed, ToolUse{
		Name:      msg.ToolName,
		Timestamp: now,
		Input:     msg.ToolArgs,
	})
	if p.spans != nil {
		p.spans.Start(msg.CallID, msg.ToolName, msg.ToolArgs)
	}
}

// toolCompleted closes the correlation entry and its span, returning the
// tool name recorded at start time. Unknown call ids are tolerated.
func (p *streamParser) toolCompleted(msg *wireMessage) string {
	record, ok := p.calls[msg.CallID]
	if !ok {
		p.logger.Warn("tool_result for unknown call_id", "call_id", msg.CallID)
		if p.spans != nil {
			p.spans.Finish(msg.CallID, msg.Status, msg.resultText(), msg.ErrorMsg)
		}
		return msg.ToolName
	}
	record.Status = msg.Status
	if record.Status == "" {
		record.Status = StatusSuccess
	}
	record.FinishedAt = time.Now().UTC()
	record.Result = msg.resultText()
	if p.spans != nil {
		p.spans.Finish(msg.CallID, record.Status, record.Result, msg.ErrorMsg)
	}
	return record.ToolName
}

// closeOrphans force-closes correlation entries that never completed.
// Called at end of every request.
func (p *streamParser) closeOrphans() int {
	orphans := 0
	for _, id := range p.callOrder {
		record := p.calls[id]
		if record == nil || record.Status != StatusRunning {
			continue
		}
		record.Status = StatusError
		record.FinishedAt = time.Now().UTC()
		orphans++
		p.logger.Warn("closing orphaned tool call", "call_id", id, "tool", record.ToolName)
	}
	if p.spans != nil {
		orphans = max(orphans, p.spans.CloseOrphans("not completed"))
	}
	return orphans
}

// assistantContent returns the concatenation of all assistant text seen.
func (p *streamParser) assistantContent() string {
	return strings.Join(p.assistantParts, "")
}

// extractText joins the text blocks of a message body with newlines.
func extractText(body *wireMessageBody) string {
	if body == nil {
		return ""
	}
	var parts []string
	for _, block := range body.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
