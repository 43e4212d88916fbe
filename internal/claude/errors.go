package claude

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies agent execution failures. Each kind maps to a
// distinct user-facing explanation at the facade layer.
type ErrorKind string

const (
	KindPolicyViolation ErrorKind = "policy_violation"
	KindToolValidation  ErrorKind = "tool_validation_failed"
	KindTimeout         ErrorKind = "timeout"
	KindProcess         ErrorKind = "process_error"
	KindParsing         ErrorKind = "parsing_error"
	KindSessionNotFound ErrorKind = "session_not_found"
	KindCancelled       ErrorKind = "cancelled"
)

// Error is the typed error surfaced by supervisors and the facade.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error

	// BlockedTools is populated for KindToolValidation.
	BlockedTools []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error of the given kind wrapping cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NewToolValidationError creates a KindToolValidation error listing the
// tools that were denied.
func NewToolValidationError(blocked []string, reason string) *Error {
	return &Error{
		Kind:         KindToolValidation,
		Message:      fmt.Sprintf("blocked tools: %s (%s)", strings.Join(blocked, ", "), reason),
		BlockedTools: blocked,
	}
}

// IsKind reports whether err is (or wraps) an Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// KindOf returns the error kind of err, or "" for non-agent errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
