package claude

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/devgram/devgram/internal/security"
)

func newTestValidator(t *testing.T) (*security.Validator, string) {
	t.Helper()
	root := t.TempDir()
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatal(err)
	}
	validator, err := security.NewValidator(resolved)
	if err != nil {
		t.Fatal(err)
	}
	return validator, resolved
}

func TestToolMonitorValidate(t *testing.T) {
	validator, root := newTestValidator(t)
	outside := os.TempDir()

	tests := []struct {
		name  string
		tool  string
		input map[string]any
		ok    bool
	}{
		{"plain tool", "Grep", map[string]any{"pattern": "x"}, true},
		{"file read inside root", "Read", map[string]any{"path": filepath.Join(root, "main.go")}, true},
		{"file read relative", "Read", map[string]any{"file_path": "pkg/util.go"}, true},
		{"file write escape", "Write", map[string]any{"path": filepath.Join(outside, "evil.txt")}, false},
		{"file tool missing path", "Edit", map[string]any{}, false},
		{"safe command", "Bash", map[string]any{"command": "go test ./..."}, true},
		{"dangerous command", "Bash", map[string]any{"command": "sudo rm -rf /"}, false},
		{"missing command", "Bash", map[string]any{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			monitor := NewToolMonitor(validator, nil, nil, testLogger())
			ok, reason := monitor.Validate(tt.tool, tt.input, root, 42)
			if ok != tt.ok {
				t.Errorf("Validate = %v (%s), want %v", ok, reason, tt.ok)
			}
			if !ok && reason == "" {
				t.Error("denial must carry a reason")
			}
		})
	}
}

func TestToolMonitorAllowDenyLists(t *testing.T) {
	validator, root := newTestValidator(t)

	monitor := NewToolMonitor(validator, []string{"Read", "Grep"}, nil, testLogger())
	if ok, _ := monitor.Validate("Grep", nil, root, 1); !ok {
		t.Error("allow-listed tool denied")
	}
	if ok, _ := monitor.Validate("Bash", nil, root, 1); ok {
		t.Error("tool outside allow-list permitted")
	}

	monitor = NewToolMonitor(validator, nil, []string{"WebSearch"}, testLogger())
	if ok, _ := monitor.Validate("WebSearch", nil, root, 1); ok {
		t.Error("deny-listed tool permitted")
	}
	if ok, _ := monitor.Validate("Grep", nil, root, 1); !ok {
		t.Error("unlisted tool denied with deny-list only")
	}
}

func TestToolMonitorStats(t *testing.T) {
	validator, root := newTestValidator(t)
	monitor := NewToolMonitor(validator, nil, nil, testLogger())

	monitor.Validate("Grep", nil, root, 1)
	monitor.Validate("Grep", nil, root, 1)
	monitor.Validate("Bash", map[string]any{"command": "sudo id"}, root, 1)

	stats := monitor.Stats()
	if stats.TotalCalls != 3 {
		t.Errorf("TotalCalls = %d, want 3", stats.TotalCalls)
	}
	if stats.ByTool["Grep"] != 2 {
		t.Errorf("ByTool[Grep] = %d, want 2", stats.ByTool["Grep"])
	}
	if stats.UniqueTools != 2 {
		t.Errorf("UniqueTools = %d, want 2", stats.UniqueTools)
	}
	if stats.SecurityViolations != 1 {
		t.Errorf("SecurityViolations = %d, want 1", stats.SecurityViolations)
	}

	violations := monitor.Violations()
	if len(violations) != 1 || violations[0].ToolName != "Bash" || violations[0].UserID != 1 {
		t.Errorf("violations = %+v", violations)
	}
}

func TestIsCriticalTool(t *testing.T) {
	for _, name := range []string{"Read", "Write", "Edit", "MultiEdit", "Task"} {
		if !IsCriticalTool(name) {
			t.Errorf("%s should be critical", name)
		}
	}
	for _, name := range []string{"Grep", "Bash", "WebSearch"} {
		if IsCriticalTool(name) {
			t.Errorf("%s should not be critical", name)
		}
	}
}
