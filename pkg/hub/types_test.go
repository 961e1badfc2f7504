// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTransportType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    TransportType
		wantErr bool
	}{
		{"stdio", "stdio", TransportStdio, false},
		{"sse", "sse", TransportSSE, false},
		{"streamable-http", "streamable-http", TransportStreamableHTTP, false},
		{"legacy streamable alias", "streamable", TransportStreamableHTTP, false},
		{"plain http", "http", TransportHTTP, false},
		{"unknown", "websocket", "", true},
		{"empty", "", "", true},
		{"case sensitive", "STDIO", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseTransportType(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrUnsupportedTransport)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransportTypeIsHTTPFamily(t *testing.T) {
	t.Parallel()

	assert.False(t, TransportStdio.IsHTTPFamily())
	assert.True(t, TransportSSE.IsHTTPFamily())
	assert.True(t, TransportStreamableHTTP.IsHTTPFamily())
	assert.True(t, TransportHTTP.IsHTTPFamily())
}

func TestBackendSpecIsRemote(t *testing.T) {
	t.Parallel()

	local := BackendSpec{ID: "a", Command: "cat"}
	remote := BackendSpec{ID: "b", URL: "http://127.0.0.1:9000/mcp"}

	assert.False(t, local.IsRemote())
	assert.True(t, remote.IsRemote())
}

func TestErrorWrapping(t *testing.T) {
	t.Parallel()

	t.Run("config error", func(t *testing.T) {
		t.Parallel()

		err := NewConfigError("github", "missing required environment variable: %s", "GITHUB_TOKEN")
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), "github")
		assert.Contains(t, err.Error(), "GITHUB_TOKEN")

		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "github", cfgErr.BackendID)
	})

	t.Run("startup error carries exit code and tail", func(t *testing.T) {
		t.Parallel()

		err := &StartupError{BackendID: "bad", ExitCode: 1, Tail: []string{"boom"}}
		assert.ErrorIs(t, err, ErrBackendExited)
		assert.Contains(t, err.Error(), "code 1")
		assert.Contains(t, err.Error(), "boom")

		var startupErr *StartupError
		require.ErrorAs(t, fmt.Errorf("load failed: %w", err), &startupErr)
		assert.Equal(t, 1, startupErr.ExitCode)
	})

	t.Run("timeout error carries tail", func(t *testing.T) {
		t.Parallel()

		err := &TimeoutError{BackendID: "slow", Timeout: 5 * time.Second, Tail: []string{"still starting"}}
		assert.ErrorIs(t, err, ErrReadyTimeout)
		assert.Contains(t, err.Error(), "5s")
		assert.Contains(t, err.Error(), "still starting")
	})

	t.Run("forward error matches sentinel and wrapped cause", func(t *testing.T) {
		t.Parallel()

		cause := errors.New("connection reset")
		err := &ForwardError{BackendID: "fetch", Err: cause}
		assert.ErrorIs(t, err, ErrForwardFailed)
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "fetch")
	})

	t.Run("transition error", func(t *testing.T) {
		t.Parallel()

		err := &TransitionError{BackendID: "echo", From: StatusReady, To: StatusStarting}
		assert.ErrorIs(t, err, ErrIllegalTransition)
		assert.Contains(t, err.Error(), "ready -> starting")
	})
}
