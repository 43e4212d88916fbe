// Package security validates user-supplied paths and shell commands against
// the approved working directory and a fixed deny set of dangerous patterns.
package security

import "fmt"

// ViolationKind classifies why a path or command was rejected.
type ViolationKind string

const (
	// ViolationPathEscape indicates a path that resolves outside the approved root.
	ViolationPathEscape ViolationKind = "path_escape"

	// ViolationDangerousCommand indicates a command matching a dangerous pattern.
	ViolationDangerousCommand ViolationKind = "dangerous_command"

	// ViolationFilenameInvalid indicates a filename with control bytes or a reserved name.
	ViolationFilenameInvalid ViolationKind = "filename_invalid"
)

// Violation is the error returned for any rejected path or command.
type Violation struct {
	Kind   ViolationKind
	Reason string
}

// Error implements the error interface.
func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", v.Kind, v.Reason)
}

// NewViolation creates a Violation with a formatted reason.
func NewViolation(kind ViolationKind, format string, args ...any) *Violation {
	return &Violation{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
