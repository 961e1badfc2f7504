// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config provides the configuration model for the hub: the listen
// address, monitoring cadence, and the set of backends to load. The file
// format is YAML; the loader turns it into immutable backend specs.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adrg/xdg"
)

// Duration is a wrapper around time.Duration that marshals/unmarshals as a
// duration string. This ensures duration values are serialized as "30s",
// "1m", etc. instead of nanosecond integers.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Config is the top-level hub configuration.
type Config struct {
	// Name is the hub instance name, used in logs and metrics.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// ListenAddress is where the hub serves traffic and the management API.
	// Defaults to "127.0.0.1:4483".
	ListenAddress string `json:"listenAddress,omitempty" yaml:"listenAddress,omitempty"`

	// TrafficPrefix is the route prefix for backend mounts. Defaults to "/mcp".
	TrafficPrefix string `json:"trafficPrefix,omitempty" yaml:"trafficPrefix,omitempty"`

	// Health configures the periodic backend health monitor.
	Health *HealthConfig `json:"health,omitempty" yaml:"health,omitempty"`

	// Backends defines the backends to load.
	Backends []BackendConfig `json:"backends" yaml:"backends"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	// Interval is how often each backend is checked. Defaults to 30s.
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`

	// Timeout bounds a single health check. Defaults to 10s.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// UnhealthyThreshold is the number of consecutive failures before a
	// backend is declared dead. Defaults to 3.
	UnhealthyThreshold int `json:"unhealthyThreshold,omitempty" yaml:"unhealthyThreshold,omitempty"`
}

// RetryConfig bounds load attempts for one backend.
type RetryConfig struct {
	// MaxAttempts is the total number of load attempts, including the first.
	MaxAttempts int `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`

	// Delay is the pause between consecutive attempts.
	Delay Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
}

// BackendConfig defines one backend.
type BackendConfig struct {
	// ID is the unique backend identifier.
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable name. Defaults to ID.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// MountPath is the route under which the backend is exposed. Defaults to
	// "/" + ID.
	MountPath string `json:"mountPath,omitempty" yaml:"mountPath,omitempty"`

	// Transport is "stdio", "sse", "streamable-http" or "http".
	Transport string `json:"transport" yaml:"transport"`

	// Command is the executable for subprocess backends.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// Args are the command arguments.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Env is the environment overlay for the subprocess. Values may reference
	// host variables as ${VAR}.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// RequiredEnv names host variables passed through unchanged; missing ones
	// fail the load.
	RequiredEnv []string `json:"requiredEnv,omitempty" yaml:"requiredEnv,omitempty"`

	// WorkDir is the subprocess working directory.
	WorkDir string `json:"workDir,omitempty" yaml:"workDir,omitempty"`

	// URL is the endpoint for remote backends.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Headers are static headers for HTTP-family backends. Values may
	// reference host variables as ${VAR} and are treated as secrets.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// TargetPort is the port a subprocess HTTP-family backend listens on.
	// Zero lets the hub pick a free port.
	TargetPort int `json:"targetPort,omitempty" yaml:"targetPort,omitempty"`

	// PortEnv is the variable used to hand the chosen port to the
	// subprocess. Defaults to "PORT".
	PortEnv string `json:"portEnv,omitempty" yaml:"portEnv,omitempty"`

	// HealthPath switches the readiness probe to an HTTP GET on this path.
	HealthPath string `json:"healthPath,omitempty" yaml:"healthPath,omitempty"`

	// StartupTimeout bounds one readiness wait. Defaults to 30s.
	StartupTimeout Duration `json:"startupTimeout,omitempty" yaml:"startupTimeout,omitempty"`

	// Retry bounds load attempts. Defaults to 3 attempts, 1s apart.
	Retry *RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Disabled backends are registered but not started.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// AutoRestart re-runs the load cycle when a ready backend dies.
	AutoRestart bool `json:"autoRestart,omitempty" yaml:"autoRestart,omitempty"`

	// MaxRecoveries bounds auto-restart cycles. Zero means unlimited.
	MaxRecoveries int `json:"maxRecoveries,omitempty" yaml:"maxRecoveries,omitempty"`
}

// Default values applied by ApplyDefaults and ToSpecs.
const (
	DefaultListenAddress  = "127.0.0.1:4483"
	DefaultTrafficPrefix  = "/mcp"
	DefaultStartupTimeout = 30 * time.Second
	DefaultMaxAttempts    = 3
	DefaultRetryDelay     = time.Second
)

// DefaultPath returns the XDG config file location for the hub.
func DefaultPath() (string, error) {
	return xdg.ConfigFile("toolhub/config.yaml")
}

// Loader loads configuration from a source.
type Loader interface {
	// Load loads configuration from the source.
	Load() (*Config, error)
}
