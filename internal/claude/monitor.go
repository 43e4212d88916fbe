package claude

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devgram/devgram/internal/security"
)

// Tool name sets the monitor special-cases. File and shell tools get their
// inputs validated against the security policy; critical tools abort the
// run when denied.
var (
	fileTools = map[string]bool{
		"Read": true, "Write": true, "Edit": true, "MultiEdit": true,
		"read_file": true, "create_file": true, "edit_file": true,
	}
	shellTools = map[string]bool{
		"Bash": true, "bash": true, "shell": true,
	}
	criticalTools = map[string]bool{
		"Read": true, "Write": true, "Edit": true, "MultiEdit": true, "Task": true,
	}
)

// IsCriticalTool reports whether a denial of this tool must cancel the
// current agent run rather than letting it finish.
func IsCriticalTool(name string) bool {
	return criticalTools[name]
}

// SecurityViolation records one denied tool call.
type SecurityViolation struct {
	Kind             string    `json:"kind"`
	ToolName         string    `json:"tool_name"`
	UserID           int64     `json:"user_id"`
	WorkingDirectory string    `json:"working_directory"`
	Reason           string    `json:"reason"`
	At               time.Time `json:"at"`
}

// ToolStats summarizes tool usage since startup.
type ToolStats struct {
	TotalCalls         int            `json:"total_calls"`
	ByTool             map[string]int `json:"by_tool"`
	UniqueTools        int            `json:"unique_tools"`
	SecurityViolations int            `json:"security_violations"`
}

// ToolMonitor vetoes tool calls before the agent executes them and keeps
// usage and violation counters. Stats live in memory only.
type ToolMonitor struct {
	validator  *security.Validator
	allowed    map[string]bool // nil means no allow-list constraint
	denied     map[string]bool
	allowOrder []string
	logger     *slog.Logger

	mu         sync.Mutex
	usage      map[string]int
	violations []SecurityViolation
}

// NewToolMonitor creates a monitor with the configured allow/deny lists.
// Either list may be empty, meaning no constraint from that side.
func NewToolMonitor(validator *security.Validator, allowed, denied []string, logger *slog.Logger) *ToolMonitor {
	m := &ToolMonitor{
		validator:  validator,
		allowOrder: allowed,
		logger:     logger,
		usage:      map[string]int{},
	}
	if len(allowed) > 0 {
		m.allowed = map[string]bool{}
		for _, name := range allowed {
			m.allowed[name] = true
		}
	}
	if len(denied) > 0 {
		m.denied = map[string]bool{}
		for _, name := range denied {
			m.denied[name] = true
		}
	}
	return m
}

// AllowedTools returns the configured allow-list in order.
func (m *ToolMonitor) AllowedTools() []string {
	return m.allowOrder
}

// Validate checks one tool call before execution. It returns ok=false with
// a human-readable reason on denial. Every call increments the usage
// counter; every denial is appended to the violation log.
func (m *ToolMonitor) Validate(toolName string, input map[string]any, workingDir string, userID int64) (bool, string) {
	m.mu.Lock()
	m.usage[toolName]++
	m.mu.Unlock()

	if m.allowed != nil && !m.allowed[toolName] {
		return false, m.deny("disallowed_tool", toolName, workingDir, userID,
			fmt.Sprintf("tool not allowed: %s", toolName))
	}
	if m.denied != nil && m.denied[toolName] {
		return false, m.deny("explicitly_disallowed_tool", toolName, workingDir, userID,
			fmt.Sprintf("tool explicitly disallowed: %s", toolName))
	}

	if fileTools[toolName] {
		path, _ := firstString(input, "path", "file_path")
		if path == "" {
			return false, m.deny("missing_file_path", toolName, workingDir, userID,
				"file path required")
		}
		if _, err := m.validator.ValidatePath(path, workingDir); err != nil {
			return false, m.deny("invalid_file_path", toolName, workingDir, userID, err.Error())
		}
	}

	if shellTools[toolName] {
		command, ok := firstString(input, "command")
		if !ok || command == "" {
			return false, m.deny("missing_command", toolName, workingDir, userID,
				"command required")
		}
		if err := m.validator.ValidateCommand(command); err != nil {
			return false, m.deny("dangerous_command", toolName, workingDir, userID, err.Error())
		}
	}

	return true, ""
}

// deny records the violation and returns the reason for the caller.
func (m *ToolMonitor) deny(kind, toolName, workingDir string, userID int64, reason string) string {
	violation := SecurityViolation{
		Kind:             kind,
		ToolName:         toolName,
		UserID:           userID,
		WorkingDirectory: workingDir,
		Reason:           reason,
		At:               time.Now().UTC(),
	}
	m.mu.Lock()
	m.violations = append(m.violations, violation)
	m.mu.Unlock()

	m.logger.Warn("tool call denied",
		"kind", kind,
		"tool", toolName,
		"user_id", userID,
		"reason", reason)
	return reason
}

// Stats returns a snapshot of usage counters.
func (m *ToolMonitor) Stats() ToolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byTool := make(map[string]int, len(m.usage))
	total := 0
	for name, count := range m.usage {
		byTool[name] = count
		total += count
	}
	return ToolStats{
		TotalCalls:         total,
		ByTool:             byTool,
		UniqueTools:        len(byTool),
		SecurityViolations: len(m.violations),
	}
}

// Violations returns a copy of the violation log.
func (m *ToolMonitor) Violations() []SecurityViolation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SecurityViolation, len(m.violations))
	copy(out, m.violations)
	return out
}

// firstString returns the first of the named keys holding a string value.
func firstString(input map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := input[key]; ok {
			if s, ok := value.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}
