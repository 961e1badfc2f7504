// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package hub contains the shared domain types used across the toolhub
// subpackages: backend specifications, lifecycle states, capability
// summaries, and the proxy session contract. Subpackages implement the
// behavior; this package only defines the vocabulary they share.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TransportType is the closed set of protocols a backend can speak. Dispatch
// on it is always exhaustive; there is no open-ended registration of new
// transport kinds at runtime.
type TransportType string

const (
	// TransportStdio is JSON-RPC over the backend process's standard
	// input/output streams.
	TransportStdio TransportType = "stdio"

	// TransportSSE is the HTTP + server-sent-events transport.
	TransportSSE TransportType = "sse"

	// TransportStreamableHTTP is the streamable HTTP transport.
	TransportStreamableHTTP TransportType = "streamable-http"

	// TransportHTTP is plain HTTP request/response.
	TransportHTTP TransportType = "http"
)

// ParseTransportType converts a string to a TransportType.
// "streamable" is accepted as a legacy alias for "streamable-http".
func ParseTransportType(s string) (TransportType, error) {
	switch s {
	case string(TransportStdio):
		return TransportStdio, nil
	case string(TransportSSE):
		return TransportSSE, nil
	case string(TransportStreamableHTTP), "streamable":
		return TransportStreamableHTTP, nil
	case string(TransportHTTP):
		return TransportHTTP, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedTransport, s)
	}
}

// String returns the string representation of the transport type.
func (t TransportType) String() string {
	return string(t)
}

// IsHTTPFamily reports whether the transport is reached over a network
// socket rather than over process pipes.
func (t TransportType) IsHTTPFamily() bool {
	switch t {
	case TransportSSE, TransportStreamableHTTP, TransportHTTP:
		return true
	case TransportStdio:
		return false
	default:
		return false
	}
}

// RetryPolicy bounds the load attempts for one backend.
type RetryPolicy struct {
	// MaxAttempts is the total number of load attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// Delay is the pause between consecutive attempts.
	Delay time.Duration
}

// BackendSpec is the static configuration for one backend. Specs are
// immutable after creation; a configuration reload produces new specs that
// supersede the old ones.
type BackendSpec struct {
	// ID uniquely identifies the backend across the registry.
	ID string

	// Name is the human-readable name.
	Name string

	// MountPath is the route under which the backend's forwarding interface
	// is exposed. Unique across the registry.
	MountPath string

	// Transport selects how the backend is reached.
	Transport TransportType

	// Command is the executable for subprocess-backed backends. Empty means
	// the backend is remote and URL must be set.
	Command string

	// Args are the command arguments.
	Args []string

	// Env is the environment overlay for the subprocess. Values may
	// reference host environment variables as ${VAR}; references to unset
	// variables fail resolution.
	Env map[string]string

	// RequiredEnv names host environment variables that must be set and are
	// passed through to the subprocess unchanged.
	RequiredEnv []string

	// WorkDir is the subprocess working directory. Empty means inherit.
	WorkDir string

	// URL is the endpoint for remote backends. For subprocess backends with
	// an HTTP-family transport it is derived from TargetPort instead.
	URL string

	// Headers are static headers sent to HTTP-family backends. Values may
	// reference host environment variables as ${VAR}; resolved values are
	// treated as secrets and never logged.
	Headers map[string]string

	// TargetPort is the port a subprocess HTTP-family backend listens on.
	// Zero means the hub picks a free port at resolve time.
	TargetPort int

	// PortEnv is the environment variable used to hand the chosen port to
	// the subprocess. Empty defaults to "PORT".
	PortEnv string

	// HealthPath, when set, switches the readiness probe for HTTP-family
	// subprocess backends from a TCP dial to an HTTP GET on this path.
	HealthPath string

	// StartupTimeout bounds the whole readiness wait for one attempt.
	StartupTimeout time.Duration

	// Retry bounds load attempts and the delay between them.
	Retry RetryPolicy

	// Disabled backends are registered but never started until explicitly
	// re-enabled.
	Disabled bool

	// AutoRestart re-runs the load cycle when a previously ready backend
	// fails. Off by default: a dead backend stays failed until an operator
	// restarts it.
	AutoRestart bool

	// MaxRecoveries bounds AutoRestart cycles. Zero means unlimited.
	MaxRecoveries int
}

// IsRemote reports whether the backend is reached without starting a
// process.
func (s *BackendSpec) IsRemote() bool {
	return s.Command == ""
}

// Status is the lifecycle state of one backend. The registry is the only
// component that changes it, and only along the legal transition edges.
type Status string

const (
	// StatusPending means the backend is registered and waiting for a load
	// cycle to begin.
	StatusPending Status = "pending"

	// StatusStarting means a load attempt is in flight.
	StatusStarting Status = "starting"

	// StatusReady means the backend's proxy session is open and serving.
	StatusReady Status = "ready"

	// StatusRetrying means the last attempt failed and another is scheduled.
	StatusRetrying Status = "retrying"

	// StatusFailed means attempts are exhausted or a ready backend died.
	// Terminal unless restarted explicitly or by the auto-restart policy.
	StatusFailed Status = "failed"

	// StatusDisabled means the backend is configured off or was unloaded.
	// Terminal until explicitly re-enabled.
	StatusDisabled Status = "disabled"
)

// CapabilitySummary holds what a backend reported about itself when its
// session opened. Counts are best-effort: a protocol-naive backend that
// still answers on its transport reports zero capabilities.
type CapabilitySummary struct {
	Tools         int    `json:"tools"`
	Resources     int    `json:"resources"`
	Prompts       int    `json:"prompts"`
	ServerName    string `json:"server_name,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
}

// Snapshot is a read-only copy of one backend's runtime state. Consumers
// never see the live record; concurrent registry mutations cannot produce a
// half-updated view.
type Snapshot struct {
	// ID, Name, MountPath and Transport identify the backend; they mirror
	// the spec and never change.
	ID        string
	Name      string
	MountPath string
	Transport TransportType

	// Status is the lifecycle state at snapshot time.
	Status Status

	// LastError is the most recent recorded failure, empty if none.
	LastError string

	// OutputTail is the recent captured subprocess output attached to the
	// last failure, newest line last.
	OutputTail []string

	// PID is the subprocess PID, zero when no process is running.
	PID int

	// ExitCode is the subprocess exit code once it has exited.
	ExitCode *int

	// Attempt is the load attempt counter for the current cycle.
	Attempt int

	// Recoveries counts completed auto-restart cycles.
	Recoveries int

	// LastReadyAt is when the backend last reached ready, zero if never.
	LastReadyAt time.Time

	// Capabilities were discovered when the session opened.
	Capabilities CapabilitySummary

	// UpdatedAt is when this state last changed.
	UpdatedAt time.Time
}

//go:generate mockgen -destination=mocks/mock_session.go -package=mocks -source=types.go Session

// Session is the transport-agnostic forwarding bridge between the hub and
// one ready backend. Implementations exist for stdio-piped subprocesses and
// for HTTP-family endpoints; above this interface the two are
// indistinguishable.
type Session interface {
	// Forward relays one raw protocol message to the backend and returns the
	// backend's answer unchanged. The hub never interprets tool-level
	// semantics.
	Forward(ctx context.Context, msg json.RawMessage) (json.RawMessage, error)

	// Capabilities runs the protocol handshake and capability listing.
	// An error means the backend did not answer at the transport level.
	Capabilities(ctx context.Context) (CapabilitySummary, error)

	// Close releases the underlying connection. It never returns an error
	// for a backend that already disappeared and is safe to call twice.
	Close() error
}
