// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhub/pkg/hub"
)

// echoBackend wires a session's stdin straight back to its stdout, like a
// subprocess running cat.
func echoBackend(t *testing.T) (io.WriteCloser, io.Reader) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	go func() {
		_, _ = io.Copy(stdoutW, stdinR)
		_ = stdoutW.Close()
	}()
	return stdinW, stdoutR
}

// scriptedBackend consumes everything written to stdin and plays back the
// given lines on stdout after the first write arrives.
func scriptedBackend(t *testing.T, lines ...string) (io.WriteCloser, io.Reader) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	go func() {
		buf := make([]byte, 1)
		_, _ = stdinR.Read(buf)
		go func() { _, _ = io.Copy(io.Discard, stdinR) }()
		for _, line := range lines {
			_, _ = stdoutW.Write([]byte(line + "\n"))
		}
	}()
	return stdinW, stdoutR
}

func TestStdioForwardPassThrough(t *testing.T) {
	t.Parallel()

	stdin, stdout := echoBackend(t)
	s := NewStdio("echo", stdin, stdout)
	t.Cleanup(func() { _ = s.Close() })

	resp, err := s.Forward(context.Background(), json.RawMessage(`{"ping": 1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ping": 1}`, string(resp))
}

func TestStdioForwardMatchesByID(t *testing.T) {
	t.Parallel()

	stdin, stdout := scriptedBackend(t,
		`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`,
		`{"jsonrpc":"2.0","id":42,"result":{"ok":true}}`,
	)
	s := NewStdio("scripted", stdin, stdout)
	t.Cleanup(func() { _ = s.Close() })

	resp, err := s.Forward(context.Background(),
		json.RawMessage(`{"jsonrpc":"2.0","id":42,"method":"tools/call"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":42,"result":{"ok":true}}`, string(resp))
}

func TestStdioForwardSkipsStaleResponses(t *testing.T) {
	t.Parallel()

	stdin, stdout := scriptedBackend(t,
		`{"jsonrpc":"2.0","id":1,"result":{"stale":true}}`,
		`{"jsonrpc":"2.0","id":2,"result":{"fresh":true}}`,
	)
	s := NewStdio("scripted", stdin, stdout)
	t.Cleanup(func() { _ = s.Close() })

	resp, err := s.Forward(context.Background(),
		json.RawMessage(`{"jsonrpc":"2.0","id":2,"method":"ping"}`))
	require.NoError(t, err)
	assert.Contains(t, string(resp), "fresh")
}

func TestStdioForwardContextCancel(t *testing.T) {
	t.Parallel()

	// A backend that never answers.
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, stdinR) }()

	s := NewStdio("mute", stdinW, stdoutR)
	t.Cleanup(func() {
		_ = s.Close()
		_ = stdoutW.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.Forward(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.ErrorIs(t, err, hub.ErrForwardFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStdioForwardBackendDisappears(t *testing.T) {
	t.Parallel()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	go func() {
		buf := make([]byte, 1)
		_, _ = stdinR.Read(buf)
		go func() { _, _ = io.Copy(io.Discard, stdinR) }()
		_ = stdoutW.Close() // backend dies without answering
	}()

	s := NewStdio("dying", stdinW, stdoutR)
	t.Cleanup(func() { _ = s.Close() })

	_, err := s.Forward(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.ErrorIs(t, err, hub.ErrForwardFailed)
}

func TestStdioCloseIdempotent(t *testing.T) {
	t.Parallel()

	stdin, stdout := echoBackend(t)
	s := NewStdio("echo", stdin, stdout)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Forward(context.Background(), json.RawMessage(`{"ping":1}`))
	require.ErrorIs(t, err, hub.ErrSessionClosed)
}

func TestStdioCapabilitiesLenientWithNaiveBackend(t *testing.T) {
	t.Parallel()

	// cat answers the initialize request by echoing it back: a transport-level
	// response that is not a valid MCP result. The backend still counts as
	// reachable with zero capabilities.
	stdin, stdout := echoBackend(t)
	s := NewStdio("naive", stdin, stdout)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	summary, err := s.Capabilities(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Tools)
	assert.Zero(t, summary.Resources)
	assert.Zero(t, summary.Prompts)
}

func TestStdioCapabilitiesParsesCounts(t *testing.T) {
	t.Parallel()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	// Minimal scripted MCP server: answer initialize, swallow the initialized
	// notification, then answer tools/list.
	go func() {
		reader := json.NewDecoder(stdinR)
		for {
			var msg map[string]any
			if err := reader.Decode(&msg); err != nil {
				return
			}
			switch msg["method"] {
			case "initialize":
				_, _ = stdoutW.Write([]byte(
					`{"jsonrpc":"2.0","id":"` + msg["id"].(string) + `","result":{` +
						`"serverInfo":{"name":"fake","version":"1.0"},` +
						`"capabilities":{"tools":{}}}}` + "\n"))
			case "tools/list":
				_, _ = stdoutW.Write([]byte(
					`{"jsonrpc":"2.0","id":"` + msg["id"].(string) + `","result":{` +
						`"tools":[{"name":"a"},{"name":"b"},{"name":"c"}]}}` + "\n"))
			}
		}
	}()

	s := NewStdio("fake", stdinW, stdoutR)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	summary, err := s.Capabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fake", summary.ServerName)
	assert.Equal(t, 3, summary.Tools)
	assert.Zero(t, summary.Resources)
}
