// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhub/pkg/hub"
)

// YAMLLoader loads configuration from a YAML file.
type YAMLLoader struct {
	path string
}

// NewYAMLLoader creates a loader for the given file path. An empty path
// falls back to the XDG default location.
func NewYAMLLoader(path string) *YAMLLoader {
	return &YAMLLoader{path: path}
}

// Load reads and decodes the configuration file and applies defaults.
// Unknown fields are rejected so typos surface at load time.
func (l *YAMLLoader) Load() (*Config, error) {
	path := l.path
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.TrafficPrefix == "" {
		c.TrafficPrefix = DefaultTrafficPrefix
	}

	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Name == "" {
			b.Name = b.ID
		}
		if b.MountPath == "" {
			b.MountPath = "/" + b.ID
		}
		if b.StartupTimeout == 0 {
			b.StartupTimeout = Duration(DefaultStartupTimeout)
		}
		if b.Retry == nil {
			b.Retry = &RetryConfig{}
		}
		if b.Retry.MaxAttempts == 0 {
			b.Retry.MaxAttempts = DefaultMaxAttempts
		}
		if b.Retry.Delay == 0 {
			b.Retry.Delay = Duration(DefaultRetryDelay)
		}
	}
}

// Validate checks the configuration for structural mistakes. It returns the
// first error found; file-level mistakes abort startup rather than being
// treated as per-backend failures.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("no backends configured")
	}

	seenIDs := make(map[string]struct{}, len(c.Backends))
	seenMounts := make(map[string]string, len(c.Backends))

	for i := range c.Backends {
		b := &c.Backends[i]
		if b.ID == "" {
			return fmt.Errorf("backend at index %d has no id", i)
		}
		if _, dup := seenIDs[b.ID]; dup {
			return hub.NewConfigError(b.ID, "duplicate backend id")
		}
		seenIDs[b.ID] = struct{}{}

		if owner, dup := seenMounts[b.MountPath]; dup {
			return hub.NewConfigError(b.ID, "mount path %q already used by backend %q", b.MountPath, owner)
		}
		seenMounts[b.MountPath] = b.ID

		transport, err := hub.ParseTransportType(b.Transport)
		if err != nil {
			return hub.NewConfigError(b.ID, "invalid transport %q", b.Transport)
		}

		switch {
		case b.Command == "" && b.URL == "":
			return hub.NewConfigError(b.ID, "either command or url must be set")
		case b.Command != "" && b.URL != "":
			return hub.NewConfigError(b.ID, "command and url are mutually exclusive")
		case b.URL != "" && transport == hub.TransportStdio:
			return hub.NewConfigError(b.ID, "stdio backends must be started as a subprocess")
		}

		if b.Retry != nil && b.Retry.MaxAttempts < 0 {
			return hub.NewConfigError(b.ID, "retry maxAttempts must not be negative")
		}
		if b.MaxRecoveries < 0 {
			return hub.NewConfigError(b.ID, "maxRecoveries must not be negative")
		}
	}
	return nil
}

// ToSpecs converts validated configuration into immutable backend specs.
func (c *Config) ToSpecs() ([]*hub.BackendSpec, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	specs := make([]*hub.BackendSpec, 0, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]

		transport, err := hub.ParseTransportType(b.Transport)
		if err != nil {
			return nil, hub.NewConfigError(b.ID, "invalid transport %q", b.Transport)
		}

		retry := hub.RetryPolicy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultRetryDelay}
		if b.Retry != nil {
			retry = hub.RetryPolicy{
				MaxAttempts: b.Retry.MaxAttempts,
				Delay:       time.Duration(b.Retry.Delay),
			}
		}

		spec := &hub.BackendSpec{
			ID:             b.ID,
			Name:           b.Name,
			MountPath:      b.MountPath,
			Transport:      transport,
			Command:        b.Command,
			Args:           b.Args,
			Env:            b.Env,
			RequiredEnv:    b.RequiredEnv,
			WorkDir:        b.WorkDir,
			URL:            b.URL,
			Headers:        b.Headers,
			TargetPort:     b.TargetPort,
			PortEnv:        b.PortEnv,
			HealthPath:     b.HealthPath,
			StartupTimeout: time.Duration(b.StartupTimeout),
			Retry:          retry,
			Disabled:       b.Disabled,
			AutoRestart:    b.AutoRestart,
			MaxRecoveries:  b.MaxRecoveries,
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// HealthSettings returns the monitor cadence, falling back to defaults for
// unset fields.
func (c *Config) HealthSettings() (interval, timeout time.Duration, threshold int) {
	interval = 30 * time.Second
	timeout = 10 * time.Second
	threshold = 3

	if c.Health == nil {
		return interval, timeout, threshold
	}
	if c.Health.Interval > 0 {
		interval = time.Duration(c.Health.Interval)
	}
	if c.Health.Timeout > 0 {
		timeout = time.Duration(c.Health.Timeout)
	}
	if c.Health.UnhealthyThreshold > 0 {
		threshold = c.Health.UnhealthyThreshold
	}
	return interval, timeout, threshold
}
