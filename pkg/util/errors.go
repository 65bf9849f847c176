// Package util provides logging, retry, and common error types.
package util

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors shared across components
var (
	ErrUnauthenticated = errors.New("not authenticated")
	ErrAuthIncomplete  = errors.New("two-factor verification pending")
	ErrForbidden       = errors.New("permission denied")
	ErrBadRequest      = errors.New("invalid request")
	ErrConflict        = errors.New("conflicting state")
	ErrNotFound        = errors.New("resource not found")
	ErrNoFreePort      = errors.New("no free port in range")
	ErrTunnelDown      = errors.New("tunnel not established")
	ErrUnknownRouter   = errors.New("router has no tunnel port")
	ErrUnknownSession  = errors.New("session not registered")
	ErrAuthFailed      = errors.New("router authentication failed")
	ErrTimeout         = errors.New("operation timed out")
	ErrCommandFailed   = errors.New("command failed on router")
	ErrAccountLocked   = errors.New("account temporarily locked")
	ErrNotConnected    = errors.New("not connected")
)

// CommandError carries the exit status and stderr of a failed router command.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command '%s' exited %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}

// NewCommandError creates a command error
func NewCommandError(command string, exitCode int, stderr string) *CommandError {
	return &CommandError{
		Command:  command,
		ExitCode: exitCode,
		Stderr:   stderr,
	}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrBadRequest
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}

// OwnershipError reports a user acting on a router that is not bound to them.
type OwnershipError struct {
	UserID   string
	RouterID string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("user %s has no active binding for router %s", e.UserID, e.RouterID)
}

func (e *OwnershipError) Unwrap() error {
	return ErrForbidden
}

// LockedError reports a 2FA lockout with its expiry.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return "account locked until " + e.Until.UTC().Format(time.RFC3339)
}

func (e *LockedError) Unwrap() error {
	return ErrAccountLocked
}
