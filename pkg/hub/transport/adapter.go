// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"net/url"
	"os/exec"
	"regexp"
	"strings"

	"github.com/stacklok/toolhub/pkg/env"
	"github.com/stacklok/toolhub/pkg/hub"
	"github.com/stacklok/toolhub/pkg/networking"
)

// defaultPortEnv is the variable a subprocess backend reads its assigned
// listen port from when the spec does not name one.
const defaultPortEnv = "PORT"

// envRefPattern matches ${VAR} references in spec-provided values.
var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Adapter resolves backend specs into launch plans.
type Adapter struct {
	env env.Reader
}

// NewAdapter creates an Adapter that resolves environment references through
// the given reader.
func NewAdapter(envReader env.Reader) *Adapter {
	return &Adapter{env: envReader}
}

// Resolve turns a spec into a concrete LaunchPlan. It is pure apart from
// reading the environment (and, for socket subprocess backends without a
// fixed port, probing for a free one): nothing is started and nothing is
// connected. Missing required variables and malformed URLs return a
// ConfigError naming the backend and the offending field.
func (a *Adapter) Resolve(spec *hub.BackendSpec) (*LaunchPlan, error) {
	if spec.IsRemote() {
		return a.resolveRemote(spec)
	}
	return a.resolveSubprocess(spec)
}

func (a *Adapter) resolveRemote(spec *hub.BackendSpec) (*LaunchPlan, error) {
	if !spec.Transport.IsHTTPFamily() {
		return nil, hub.NewConfigError(spec.ID, "transport %q requires a command", spec.Transport)
	}

	baseURL, err := a.normalizeURL(spec.ID, spec.URL)
	if err != nil {
		return nil, err
	}

	headers, err := a.resolveHeaders(spec)
	if err != nil {
		return nil, err
	}

	return &LaunchPlan{
		BackendID: spec.ID,
		Transport: spec.Transport,
		BaseURL:   baseURL,
		Headers:   headers,
	}, nil
}

func (a *Adapter) resolveSubprocess(spec *hub.BackendSpec) (*LaunchPlan, error) {
	if _, err := exec.LookPath(spec.Command); err != nil {
		return nil, hub.NewConfigError(spec.ID, "command %q not found: %v", spec.Command, err)
	}

	childEnv, err := a.mergeEnv(spec)
	if err != nil {
		return nil, err
	}

	plan := &LaunchPlan{
		BackendID: spec.ID,
		Transport: spec.Transport,
		Command:   spec.Command,
		Args:      append([]string(nil), spec.Args...),
		WorkDir:   spec.WorkDir,
	}

	// Socket subprocess backends get a loopback port, exported to the child
	// so it knows where to listen.
	if spec.Transport.IsHTTPFamily() {
		port := spec.TargetPort
		if port == 0 {
			port = networking.FindAvailable()
			if port == 0 {
				return nil, hub.NewConfigError(spec.ID, "no available port found")
			}
		}
		portEnv := spec.PortEnv
		if portEnv == "" {
			portEnv = defaultPortEnv
		}
		childEnv = append(childEnv, fmt.Sprintf("%s=%d", portEnv, port))

		plan.Port = port
		plan.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", port)
		if spec.HealthPath != "" {
			plan.HealthURL = plan.BaseURL + "/" + strings.TrimPrefix(spec.HealthPath, "/")
		}

		headers, err := a.resolveHeaders(spec)
		if err != nil {
			return nil, err
		}
		plan.Headers = headers
	}

	plan.Env = childEnv
	return plan, nil
}

// mergeEnv builds the child environment: the host environment overlaid with
// the spec's variables, with ${VAR} references expanded from the host. The
// result may contain secrets and is never logged.
func (a *Adapter) mergeEnv(spec *hub.BackendSpec) ([]string, error) {
	merged := a.env.Environ()

	for _, name := range spec.RequiredEnv {
		if _, ok := a.env.LookupEnv(name); !ok {
			return nil, hub.NewConfigError(spec.ID, "required environment variable %s is not set", name)
		}
	}

	for key, value := range spec.Env {
		resolved, err := a.expand(spec.ID, value)
		if err != nil {
			return nil, err
		}
		merged = append(merged, key+"="+resolved)
	}

	return merged, nil
}

// resolveHeaders expands environment references in the spec's static headers.
// Resolved values are treated as secrets and never logged.
func (a *Adapter) resolveHeaders(spec *hub.BackendSpec) (map[string]string, error) {
	if len(spec.Headers) == 0 {
		return nil, nil
	}

	headers := make(map[string]string, len(spec.Headers))
	for key, value := range spec.Headers {
		resolved, err := a.expand(spec.ID, value)
		if err != nil {
			return nil, err
		}
		headers[key] = resolved
	}
	return headers, nil
}

// expand substitutes ${VAR} references from the host environment. A reference
// to an unset variable is a configuration error, not an empty string: a
// half-resolved secret must never silently reach a backend.
func (a *Adapter) expand(backendID, value string) (string, error) {
	var missing string
	expanded := envRefPattern.ReplaceAllStringFunc(value, func(ref string) string {
		name := envRefPattern.FindStringSubmatch(ref)[1]
		v, ok := a.env.LookupEnv(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return ""
		}
		return v
	})
	if missing != "" {
		return "", hub.NewConfigError(backendID, "environment variable %s referenced but not set", missing)
	}
	return expanded, nil
}

func (a *Adapter) normalizeURL(backendID, raw string) (string, error) {
	if raw == "" {
		return "", hub.NewConfigError(backendID, "remote backend requires a url")
	}

	resolved, err := a.expand(backendID, raw)
	if err != nil {
		return "", err
	}

	parsed, err := url.Parse(resolved)
	if err != nil {
		return "", hub.NewConfigError(backendID, "malformed url %q: %v", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", hub.NewConfigError(backendID, "url %q must use http or https", raw)
	}
	if parsed.Host == "" {
		return "", hub.NewConfigError(backendID, "url %q has no host", raw)
	}

	// Normalize away trailing slashes so mount-relative paths compose
	// predictably.
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed.String(), nil
}
