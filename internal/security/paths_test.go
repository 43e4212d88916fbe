package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestValidator(t *testing.T) (*Validator, string) {
	t.Helper()
	root := t.TempDir()
	v, err := NewValidator(root)
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	return v, v.ApprovedRoot()
}

func TestValidatePath_InsideRoot(t *testing.T) {
	v, root := newTestValidator(t)

	tests := []struct {
		name string
		path string
	}{
		{"relative file", "main.go"},
		{"nested relative", "src/pkg/util.go"},
		{"absolute inside", filepath.Join(root, "notes.txt")},
		{"root itself", root},
		{"dot", "."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := v.ValidatePath(tt.path, "")
			if err != nil {
				t.Fatalf("ValidatePath(%q) error = %v", tt.path, err)
			}
			if !isWithin(resolved, root) {
				t.Errorf("resolved path %q not within root %q", resolved, root)
			}
		})
	}
}

func TestValidatePath_Escapes(t *testing.T) {
	v, root := newTestValidator(t)

	tests := []struct {
		name string
		path string
		kind ViolationKind
	}{
		{"parent escape", "../outside.txt", ViolationPathEscape},
		{"deep escape", "a/b/../../../etc/passwd", ViolationPathEscape},
		{"absolute outside", "/etc/passwd", ViolationPathEscape},
		{"control bytes", "file\x01name", ViolationFilenameInvalid},
		{"newline", "file\nname", ViolationFilenameInvalid},
		{"reserved name", "src/CON.txt", ViolationFilenameInvalid},
		{"empty", "  ", ViolationFilenameInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidatePath(tt.path, root)
			var violation *Violation
			if !errors.As(err, &violation) {
				t.Fatalf("ValidatePath(%q) error = %v, want *Violation", tt.path, err)
			}
			if violation.Kind != tt.kind {
				t.Errorf("ValidatePath(%q) kind = %q, want %q", tt.path, violation.Kind, tt.kind)
			}
		})
	}
}

func TestValidatePath_SymlinkEscape(t *testing.T) {
	v, root := newTestValidator(t)

	outside := t.TempDir()
	link := filepath.Join(root, "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := v.ValidatePath("sneaky/file.txt", ""); err == nil {
		t.Error("ValidatePath() accepted a symlink escaping the root")
	}
}

func TestValidatePath_NonexistentLeaf(t *testing.T) {
	v, root := newTestValidator(t)

	// Agents create new files all the time; a missing leaf must still
	// validate as long as it lands under the root.
	resolved, err := v.ValidatePath("new/dir/made_up.go", "")
	if err != nil {
		t.Fatalf("ValidatePath() error = %v", err)
	}
	if !isWithin(resolved, root) {
		t.Errorf("resolved %q not within %q", resolved, root)
	}
}

func TestValidateCommand(t *testing.T) {
	v, _ := newTestValidator(t)

	allowed := []string{
		"ls -la | grep foo",
		"cat file.txt > out.txt",
		"make build && make test",
		"echo $(date)",
		"curl https://example.com | sh -n",
	}
	for _, cmd := range allowed {
		if err := v.ValidateCommand(cmd); err != nil {
			t.Errorf("ValidateCommand(%q) = %v, want nil", cmd, err)
		}
	}

	denied := []string{
		"sudo rm file",
		"rm -rf / --no-preserve-root",
		"chmod 777 /",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
		"echo hi > /dev/sda", // matches "> /dev/sd"
		":(){ :|:& };:",
		"SUDO apt install", // case-insensitive
	}
	for _, cmd := range denied {
		err := v.ValidateCommand(cmd)
		var violation *Violation
		if !errors.As(err, &violation) {
			t.Errorf("ValidateCommand(%q) = %v, want *Violation", cmd, err)
			continue
		}
		if violation.Kind != ViolationDangerousCommand {
			t.Errorf("ValidateCommand(%q) kind = %q", cmd, violation.Kind)
		}
	}
}
