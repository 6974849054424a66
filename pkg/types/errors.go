package types

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// ValidationError reports a malformed or contradictory spec or placement.
// It is returned synchronously and nothing is applied.
type ValidationError struct {
	Msg string
}

// NewValidationError formats a ValidationError
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string { return e.Msg }

func (e *ValidationError) Unwrap() error { return errdefs.ErrInvalidArgument }

// NotFoundError reports a reference to an unknown host, daemon or service
type NotFoundError struct {
	Kind string
	Name string
}

// NewNotFoundError creates a NotFoundError
func NewNotFoundError(kind, name string) *NotFoundError {
	return &NotFoundError{Kind: kind, Name: name}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

func (e *NotFoundError) Unwrap() error { return errdefs.ErrNotFound }

// UnreachableError reports a host-facing operation that could not be attempted
type UnreachableError struct {
	Host   string
	Reason string
}

// NewUnreachableError creates an UnreachableError
func NewUnreachableError(host, reason string) *UnreachableError {
	return &UnreachableError{Host: host, Reason: reason}
}

func (e *UnreachableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("host %s is unreachable", e.Host)
	}
	return fmt.Sprintf("host %s is unreachable: %s", e.Host, e.Reason)
}

func (e *UnreachableError) Unwrap() error { return errdefs.ErrUnavailable }

// ExecutionError reports a failed host executor call against a subject
type ExecutionError struct {
	Kind    EventKind
	Subject string
	Host    string
	Err     error
}

// NewExecutionError wraps err as a failure against subject
func NewExecutionError(kind EventKind, subject, host string, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Subject: subject, Host: host, Err: err}
}

func (e *ExecutionError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s %s on %s: %v", e.Kind, e.Subject, e.Host, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Subject, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
