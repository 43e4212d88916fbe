package claude

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxAttrKeyValue  = 1024
	maxAttrJSONValue = 2048
	maxResultPreview = 5120
)

// SpanTracker maps in-flight tool calls to open telemetry spans. Tool calls
// interleave and nest arbitrarily, so spans are correlated by call id in a
// flat table rather than by lexical scope. One tracker lives per request.
type SpanTracker struct {
	tracer trace.Tracer
	ctx    context.Context

	mu   sync.Mutex
	live map[string]trace.Span
}

// NewSpanTracker creates a tracker parented to ctx for span hierarchy.
func NewSpanTracker(ctx context.Context) *SpanTracker {
	return &SpanTracker{
		tracer: otel.Tracer("devgram/claude"),
		ctx:    ctx,
		live:   map[string]trace.Span{},
	}
}

// Start opens a span for a tool call. MCP-provided tools (name prefixed
// mcp_) are tagged with their provider.
func (t *SpanTracker) Start(callID, toolName string, args map[string]any) {
	if callID == "" {
		return
	}
	_, span := t.tracer.Start(t.ctx, "claude.tool."+toolName)
	span.SetAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("tool.call_id", callID),
	)
	if provider, mcpTool, ok := splitMCPName(toolName); ok {
		span.SetAttributes(
			attribute.String("tool.type", "mcp"),
			attribute.String("tool.mcp.provider", provider),
			attribute.String("tool.mcp.tool_name", mcpTool),
		)
	} else {
		span.SetAttributes(attribute.String("tool.type", "builtin"))
	}
	for key, value := range args {
		span.SetAttributes(attribute.String("tool.input."+key, serializeAttr(value)))
	}

	t.mu.Lock()
	t.live[callID] = span
	t.mu.Unlock()
}

// Finish closes the span for callID with the completion status and result
// preview. Unknown call ids are ignored (completions for calls that were
// never registered are tolerated upstream).
func (t *SpanTracker) Finish(callID, status, result, errMsg string) {
	t.mu.Lock()
	span, ok := t.live[callID]
	if ok {
		delete(t.live, callID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	if result != "" {
		span.SetAttributes(
			attribute.Int("tool.result.size", len(result)),
			attribute.String("tool.output", truncate(result, maxResultPreview)),
		)
	}
	if errMsg != "" {
		span.SetAttributes(attribute.String("tool.error", truncate(errMsg, maxAttrKeyValue)))
	}
	if status == StatusError {
		span.SetStatus(codes.Error, "tool_execution_failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// CloseOrphans ends every span still open, marking it failed. Returns the
// number closed. Called once at the end of each request.
func (t *SpanTracker) CloseOrphans(reason string) int {
	t.mu.Lock()
	orphans := t.live
	t.live = map[string]trace.Span{}
	t.mu.Unlock()

	for _, span := range orphans {
		span.SetStatus(codes.Error, reason)
		span.End()
	}
	return len(orphans)
}

// serializeAttr renders a tool argument for span attachment, bounded so a
// huge file body cannot bloat the span.
func serializeAttr(value any) string {
	switch v := value.(type) {
	case string:
		return truncate(v, maxAttrKeyValue)
	case nil:
		return "null"
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "<unserializable>"
	}
	return truncate(string(data), maxAttrJSONValue)
}

// splitMCPName splits an mcp_<provider>_<tool> name into its parts.
func splitMCPName(name string) (provider, tool string, ok bool) {
	if !strings.HasPrefix(name, "mcp_") {
		return "", "", false
	}
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 3 {
		return "", "", false
	}
	return parts[1], parts[2], true
}
