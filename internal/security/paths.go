package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Reserved device names on Windows. Creating or reading these behaves
// unexpectedly even with an extension, so they are rejected everywhere.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"com5": true, "com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
	"lpt5": true, "lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// Validator resolves user-supplied paths against an approved root directory.
// The zero value is not usable; construct with NewValidator.
type Validator struct {
	approvedRoot string
}

// NewValidator creates a Validator rooted at approvedRoot. The root must be
// an absolute path; symlinks in the root itself are resolved once here so
// later descendant checks compare like with like.
func NewValidator(approvedRoot string) (*Validator, error) {
	if !filepath.IsAbs(approvedRoot) {
		return nil, fmt.Errorf("approved root must be absolute, got %q", approvedRoot)
	}
	resolved, err := filepath.EvalSymlinks(approvedRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve approved root: %w", err)
	}
	return &Validator{approvedRoot: resolved}, nil
}

// ApprovedRoot returns the resolved root all paths must stay under.
func (v *Validator) ApprovedRoot() string {
	return v.approvedRoot
}

// ValidatePath resolves path (relative paths are joined onto base, or the
// approved root when base is empty) and verifies the result stays under the
// approved root. Symlinks are followed; `..` segments, control bytes and
// reserved filenames are rejected. Returns the resolved absolute path.
func (v *Validator) ValidatePath(path, base string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", NewViolation(ViolationFilenameInvalid, "empty path")
	}
	if err := checkFilename(path); err != nil {
		return "", err
	}

	abs := path
	if !filepath.IsAbs(abs) {
		if base == "" {
			base = v.approvedRoot
		}
		abs = filepath.Join(base, abs)
	}
	abs = filepath.Clean(abs)

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", NewViolation(ViolationPathEscape, "cannot resolve %q: %v", path, err)
	}

	if !isWithin(resolved, v.approvedRoot) {
		return "", NewViolation(ViolationPathEscape,
			"path %q resolves outside approved directory", path)
	}
	return resolved, nil
}

// checkFilename rejects control bytes and reserved names in any segment.
func checkFilename(path string) error {
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return NewViolation(ViolationFilenameInvalid, "path contains control characters")
		}
	}
	if strings.ContainsRune(path, 0) {
		return NewViolation(ViolationFilenameInvalid, "path contains null byte")
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		name := strings.ToLower(seg)
		if i := strings.IndexByte(name, '.'); i >= 0 {
			name = name[:i]
		}
		if reservedNames[name] {
			return NewViolation(ViolationFilenameInvalid, "reserved filename %q", seg)
		}
	}
	return nil
}

// resolveExisting resolves symlinks in path. The final components may not
// exist yet (agents create files), so symlinks are resolved on the deepest
// existing ancestor and the remainder is re-joined unchanged.
func resolveExisting(abs string) (string, error) {
	remainder := ""
	current := abs
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Clean(filepath.Join(resolved, remainder)), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

// isWithin reports whether path equals root or is a descendant of it.
func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}
