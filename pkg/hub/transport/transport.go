// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport turns a backend spec into a concrete launch plan: the
// exact argv, merged environment and working directory for subprocess
// backends, and the normalized endpoint URL and resolved headers for
// HTTP-family ones. Resolution is pure; nothing here starts a process or
// opens a connection.
package transport

import (
	"github.com/stacklok/toolhub/pkg/hub"
)

// LaunchPlan is the fully resolved recipe for reaching one backend. It is
// produced once per load attempt and handed to the supervisor and session
// layers, which never consult the environment again.
type LaunchPlan struct {
	// BackendID identifies the backend this plan was resolved for.
	BackendID string

	// Transport is the protocol the backend speaks.
	Transport hub.TransportType

	// Command and Args form the argv for subprocess backends. An empty
	// Command means the backend is remote.
	Command string
	Args    []string

	// Env is the fully merged child environment in "key=value" form: the
	// host environment overlaid with the spec's resolved variables. May
	// contain secrets; never log it.
	Env []string

	// WorkDir is the child working directory, empty to inherit.
	WorkDir string

	// BaseURL is the endpoint for HTTP-family backends. For subprocess
	// backends it points at the loopback port the child was assigned.
	BaseURL string

	// Headers are resolved static headers for HTTP-family backends. Values
	// may be secrets; never log them.
	Headers map[string]string

	// Port is the listen port assigned to a subprocess HTTP-family backend,
	// zero otherwise.
	Port int

	// HealthURL, when non-empty, is the HTTP readiness probe target.
	HealthURL string
}

// IsSubprocess reports whether the plan starts a local process.
func (p *LaunchPlan) IsSubprocess() bool {
	return p.Command != ""
}
