// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common domain errors used across hub subpackages.
// These errors should be checked using errors.Is(); the typed errors below
// wrap them and carry the diagnostic payload for the status surface.

var (
	// ErrBackendNotFound indicates the requested backend ID is not registered.
	ErrBackendNotFound = errors.New("backend not found")

	// ErrInvalidConfig indicates a backend spec is structurally invalid or
	// references missing environment variables. Fatal for that backend only.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnsupportedTransport indicates an unknown transport type string.
	ErrUnsupportedTransport = errors.New("unsupported transport type")

	// ErrBackendExited indicates the subprocess exited before becoming ready.
	ErrBackendExited = errors.New("backend process exited before ready")

	// ErrReadyTimeout indicates the readiness probe never succeeded within
	// the startup timeout while the process stayed alive.
	ErrReadyTimeout = errors.New("backend readiness timed out")

	// ErrForwardFailed indicates a previously ready backend failed to service
	// a forwarded call.
	ErrForwardFailed = errors.New("backend forward failed")

	// ErrIllegalTransition indicates a state transition the registry's state
	// machine does not permit. This is an orchestration bug, never a backend
	// failure, and must not be swallowed.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrNotReady indicates an operation that requires a ready backend was
	// attempted against one in another state.
	ErrNotReady = errors.New("backend not ready")

	// ErrAlreadyRegistered indicates a duplicate backend ID or mount path.
	ErrAlreadyRegistered = errors.New("backend already registered")

	// ErrSessionClosed indicates a forward on a closed proxy session.
	ErrSessionClosed = errors.New("session closed")
)

// ConfigError reports an unusable backend spec: malformed fields or
// environment variable references that cannot be resolved. It is surfaced at
// load time and is never retried.
type ConfigError struct {
	// BackendID identifies the offending spec.
	BackendID string

	// Reason is the human-readable detail, naming the field or variable.
	Reason string
}

// Error returns the error message.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration for backend %q: %s", e.BackendID, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// NewConfigError creates a ConfigError for the given backend.
func NewConfigError(backendID, format string, args ...any) *ConfigError {
	return &ConfigError{BackendID: backendID, Reason: fmt.Sprintf(format, args...)}
}

// StartupError reports a subprocess that exited before its readiness probe
// succeeded. It always carries the exit code and the captured output tail so
// the failure reaches the status surface with its diagnostics intact.
type StartupError struct {
	// BackendID identifies the backend.
	BackendID string

	// ExitCode is the process exit code; deaths by signal are reported as
	// 128 plus the signal number.
	ExitCode int

	// Tail is the recent captured output, newest line last.
	Tail []string
}

// Error returns the error message, including the diagnostic tail when present.
func (e *StartupError) Error() string {
	msg := fmt.Sprintf("backend %q exited with code %d before becoming ready", e.BackendID, e.ExitCode)
	if len(e.Tail) > 0 {
		msg += "; recent output: " + strings.Join(e.Tail, " | ")
	}
	return msg
}

// Unwrap lets errors.Is match ErrBackendExited.
func (e *StartupError) Unwrap() error {
	return ErrBackendExited
}

// TimeoutError reports a readiness probe that never succeeded within the
// startup timeout while the process remained alive.
type TimeoutError struct {
	// BackendID identifies the backend.
	BackendID string

	// Timeout is the configured startup timeout that elapsed.
	Timeout time.Duration

	// Tail is the recent captured output, newest line last.
	Tail []string
}

// Error returns the error message, including the diagnostic tail when present.
func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("backend %q did not become ready within %s", e.BackendID, e.Timeout)
	if len(e.Tail) > 0 {
		msg += "; recent output: " + strings.Join(e.Tail, " | ")
	}
	return msg
}

// Unwrap lets errors.Is match ErrReadyTimeout.
func (e *TimeoutError) Unwrap() error {
	return ErrReadyTimeout
}

// ForwardError reports a failed forwarded call on a ready backend. The
// orchestrator reacts by transitioning the backend to failed and, when the
// spec allows, starting a recovery cycle.
type ForwardError struct {
	// BackendID identifies the backend.
	BackendID string

	// Err is the underlying transport error.
	Err error
}

// Error returns the error message.
func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward to backend %q failed: %v", e.BackendID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ForwardError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrForwardFailed in addition to the wrapped error.
func (e *ForwardError) Is(target error) bool {
	return target == ErrForwardFailed
}

// TransitionError reports a state transition the registry refused. It
// indicates a bug in orchestration logic, not a backend failure.
type TransitionError struct {
	// BackendID identifies the backend.
	BackendID string

	// From is the state the backend was in.
	From Status

	// To is the state that was requested.
	To Status
}

// Error returns the error message.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal state transition for backend %q: %s -> %s", e.BackendID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrIllegalTransition.
func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}
