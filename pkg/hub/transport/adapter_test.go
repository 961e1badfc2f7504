// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhub/pkg/env/mocks"
	"github.com/stacklok/toolhub/pkg/hub"
)

// newFakeEnv returns a mock env.Reader backed by the given variables.
func newFakeEnv(t *testing.T, vars map[string]string) *mocks.MockReader {
	t.Helper()

	ctrl := gomock.NewController(t)
	reader := mocks.NewMockReader(ctrl)
	reader.EXPECT().LookupEnv(gomock.Any()).DoAndReturn(func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}).AnyTimes()
	reader.EXPECT().Getenv(gomock.Any()).DoAndReturn(func(key string) string {
		return vars[key]
	}).AnyTimes()
	reader.EXPECT().Environ().DoAndReturn(func() []string {
		environ := make([]string, 0, len(vars))
		for k, v := range vars {
			environ = append(environ, k+"="+v)
		}
		return environ
	}).AnyTimes()
	return reader
}

func TestResolveSubprocess(t *testing.T) {
	t.Parallel()

	t.Run("stdio backend gets argv and merged env", func(t *testing.T) {
		t.Parallel()

		adapter := NewAdapter(newFakeEnv(t, map[string]string{
			"HOME":  "/home/test",
			"TOKEN": "s3cret",
		}))

		plan, err := adapter.Resolve(&hub.BackendSpec{
			ID:        "echo",
			Transport: hub.TransportStdio,
			Command:   "cat",
			Args:      []string{"-u"},
			Env:       map[string]string{"API_KEY": "${TOKEN}"},
			WorkDir:   "/tmp",
		})
		require.NoError(t, err)

		assert.True(t, plan.IsSubprocess())
		assert.Equal(t, "cat", plan.Command)
		assert.Equal(t, []string{"-u"}, plan.Args)
		assert.Equal(t, "/tmp", plan.WorkDir)
		assert.Contains(t, plan.Env, "HOME=/home/test")
		assert.Contains(t, plan.Env, "API_KEY=s3cret")
		assert.Empty(t, plan.BaseURL)
		assert.Zero(t, plan.Port)
	})

	t.Run("missing required env var fails with backend and variable named", func(t *testing.T) {
		t.Parallel()

		adapter := NewAdapter(newFakeEnv(t, nil))

		_, err := adapter.Resolve(&hub.BackendSpec{
			ID:          "gh",
			Transport:   hub.TransportStdio,
			Command:     "cat",
			RequiredEnv: []string{"GITHUB_TOKEN"},
		})
		require.Error(t, err)
		require.ErrorIs(t, err, hub.ErrInvalidConfig)
		assert.Contains(t, err.Error(), "gh")
		assert.Contains(t, err.Error(), "GITHUB_TOKEN")
	})

	t.Run("unset env reference in value fails", func(t *testing.T) {
		t.Parallel()

		adapter := NewAdapter(newFakeEnv(t, nil))

		_, err := adapter.Resolve(&hub.BackendSpec{
			ID:        "gh",
			Transport: hub.TransportStdio,
			Command:   "cat",
			Env:       map[string]string{"API_KEY": "${MISSING}"},
		})
		require.ErrorIs(t, err, hub.ErrInvalidConfig)
		assert.Contains(t, err.Error(), "MISSING")
	})

	t.Run("unknown command fails at resolve time", func(t *testing.T) {
		t.Parallel()

		adapter := NewAdapter(newFakeEnv(t, nil))

		_, err := adapter.Resolve(&hub.BackendSpec{
			ID:        "ghost",
			Transport: hub.TransportStdio,
			Command:   "definitely-not-a-real-binary-12345",
		})
		require.ErrorIs(t, err, hub.ErrInvalidConfig)
	})

	t.Run("socket subprocess gets a port and loopback URL", func(t *testing.T) {
		t.Parallel()

		adapter := NewAdapter(newFakeEnv(t, map[string]string{"PATH": "/usr/bin"}))

		plan, err := adapter.Resolve(&hub.BackendSpec{
			ID:             "web",
			Transport:      hub.TransportStreamableHTTP,
			Command:        "cat",
			TargetPort:     18765,
			PortEnv:        "LISTEN_PORT",
			HealthPath:     "/healthz",
			StartupTimeout: 5 * time.Second,
		})
		require.NoError(t, err)

		assert.Equal(t, 18765, plan.Port)
		assert.Equal(t, "http://127.0.0.1:18765", plan.BaseURL)
		assert.Equal(t, "http://127.0.0.1:18765/healthz", plan.HealthURL)
		assert.Contains(t, plan.Env, "LISTEN_PORT=18765")
	})

	t.Run("socket subprocess without fixed port picks a free one", func(t *testing.T) {
		t.Parallel()

		adapter := NewAdapter(newFakeEnv(t, nil))

		plan, err := adapter.Resolve(&hub.BackendSpec{
			ID:        "web",
			Transport: hub.TransportSSE,
			Command:   "cat",
		})
		require.NoError(t, err)

		require.NotZero(t, plan.Port)
		assert.Contains(t, plan.Env, "PORT="+strings.TrimPrefix(plan.BaseURL, "http://127.0.0.1:"))
	})
}

func TestResolveRemote(t *testing.T) {
	t.Parallel()

	t.Run("valid url with secret header", func(t *testing.T) {
		t.Parallel()

		adapter := NewAdapter(newFakeEnv(t, map[string]string{"API_TOKEN": "abc123"}))

		plan, err := adapter.Resolve(&hub.BackendSpec{
			ID:        "remote",
			Transport: hub.TransportStreamableHTTP,
			URL:       "https://mcp.example.com/api/",
			Headers:   map[string]string{"Authorization": "Bearer ${API_TOKEN}"},
		})
		require.NoError(t, err)

		assert.False(t, plan.IsSubprocess())
		assert.Equal(t, "https://mcp.example.com/api", plan.BaseURL)
		assert.Equal(t, "Bearer abc123", plan.Headers["Authorization"])
	})

	t.Run("remote stdio is rejected", func(t *testing.T) {
		t.Parallel()

		adapter := NewAdapter(newFakeEnv(t, nil))

		_, err := adapter.Resolve(&hub.BackendSpec{
			ID:        "remote",
			Transport: hub.TransportStdio,
			URL:       "https://mcp.example.com",
		})
		require.ErrorIs(t, err, hub.ErrInvalidConfig)
	})

	tests := []struct {
		name string
		url  string
	}{
		{"empty url", ""},
		{"bad scheme", "ftp://mcp.example.com"},
		{"no host", "http:///path-only"},
		{"unparseable", "http://exa mple.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			adapter := NewAdapter(newFakeEnv(t, nil))
			_, err := adapter.Resolve(&hub.BackendSpec{
				ID:        "remote",
				Transport: hub.TransportSSE,
				URL:       tt.url,
			})
			require.ErrorIs(t, err, hub.ErrInvalidConfig)
		})
	}
}
