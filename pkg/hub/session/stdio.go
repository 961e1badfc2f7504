// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session provides the proxy sessions that bridge the hub to one
// ready backend. A session never starts a process and never picks an
// endpoint; it binds to what the supervisor and transport adapter already
// produced. Above the hub.Session interface, stdio-piped subprocesses and
// HTTP-family endpoints are indistinguishable.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/stacklok/toolhub/pkg/hub"
	"github.com/stacklok/toolhub/pkg/logger"
)

// maxLineSize bounds a single protocol line read from a stdio backend.
const maxLineSize = 10 * 1024 * 1024

// stdioSession speaks line-framed JSON-RPC over an already-started process's
// pipes. Calls are serialized: one in-flight exchange per session.
type stdioSession struct {
	backendID string
	sessionID string
	stdin     io.WriteCloser

	// lines carries each stdout line from the reader goroutine; it closes
	// when the backend's stdout does.
	lines chan string

	mu     sync.Mutex
	closed bool
}

// NewStdio binds a session to a subprocess's protocol pipes. The process must
// already be running; starting it is the supervisor's job, and keeping those
// responsibilities apart is what lets readiness and protocol binding be
// tested independently.
func NewStdio(backendID string, stdin io.WriteCloser, stdout io.Reader) hub.Session {
	s := &stdioSession{
		backendID: backendID,
		sessionID: uuid.NewString(),
		stdin:     stdin,
		lines:     make(chan string, 16),
	}
	logger.Debugw("stdio session opened", "backend", backendID, "session_id", s.sessionID)
	go s.readLoop(stdout)
	return s
}

func (s *stdioSession) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		s.lines <- scanner.Text()
	}
	close(s.lines)
}

// Forward writes one raw JSON-RPC message as a line and returns the matching
// response. When the request carries an id, interleaved notifications (lines
// with a method but no id) are skipped until the response with that id
// arrives; without an id, the next line is returned as-is. The hub never
// interprets tool-level semantics here.
func (s *stdioSession) Forward(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &hub.ForwardError{BackendID: s.backendID, Err: hub.ErrSessionClosed}
	}

	if err := s.writeLine(msg); err != nil {
		return nil, &hub.ForwardError{BackendID: s.backendID, Err: err}
	}

	wantID := gjson.GetBytes(msg, "id")
	for {
		select {
		case <-ctx.Done():
			return nil, &hub.ForwardError{BackendID: s.backendID, Err: ctx.Err()}
		case line, ok := <-s.lines:
			if !ok {
				return nil, &hub.ForwardError{
					BackendID: s.backendID,
					Err:       fmt.Errorf("backend closed its output: %w", hub.ErrForwardFailed),
				}
			}
			if !wantID.Exists() {
				return json.RawMessage(line), nil
			}
			gotID := gjson.Get(line, "id")
			if !gotID.Exists() && gjson.Get(line, "method").Exists() {
				// Server-initiated notification; not our response.
				logger.Debugw("skipping backend notification",
					"backend", s.backendID, "method", gjson.Get(line, "method").String())
				continue
			}
			if gotID.Raw == wantID.Raw {
				return json.RawMessage(line), nil
			}
			// A stale response from an earlier, abandoned exchange.
			logger.Debugw("discarding unmatched backend response",
				"backend", s.backendID, "id", gotID.Raw)
		}
	}
}

// Notify writes one raw JSON-RPC message without waiting for a response.
func (s *stdioSession) Notify(_ context.Context, msg json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &hub.ForwardError{BackendID: s.backendID, Err: hub.ErrSessionClosed}
	}
	if err := s.writeLine(msg); err != nil {
		return &hub.ForwardError{BackendID: s.backendID, Err: err}
	}
	return nil
}

// writeLine sends msg followed by a newline. Callers hold s.mu.
func (s *stdioSession) writeLine(msg json.RawMessage) error {
	if _, err := s.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("write to backend: %w", err)
	}
	return nil
}

// Capabilities runs the MCP initialize handshake and capability listings over
// the raw channel. Parsing is deliberately lenient: a backend that answers on
// its transport but speaks no MCP still counts as reachable, with zero
// capabilities.
func (s *stdioSession) Capabilities(ctx context.Context) (hub.CapabilitySummary, error) {
	var summary hub.CapabilitySummary

	initMsg := fmt.Sprintf(
		`{"jsonrpc":"2.0","id":"init-%s","method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"toolhub","version":"dev"}}}`,
		s.backendID)
	resp, err := s.Forward(ctx, json.RawMessage(initMsg))
	if err != nil {
		return summary, err
	}

	result := gjson.GetBytes(resp, "result")
	summary.ServerName = result.Get("serverInfo.name").String()
	summary.ServerVersion = result.Get("serverInfo.version").String()

	if !result.Exists() {
		// Transport answered but the reply is not an MCP initialize result.
		// Reachable, protocol-naive: zero capabilities.
		return summary, nil
	}

	_ = s.Notify(ctx, json.RawMessage(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))

	if result.Get("capabilities.tools").Exists() {
		summary.Tools = s.countListed(ctx, "tools/list", "result.tools")
	}
	if result.Get("capabilities.resources").Exists() {
		summary.Resources = s.countListed(ctx, "resources/list", "result.resources")
	}
	if result.Get("capabilities.prompts").Exists() {
		summary.Prompts = s.countListed(ctx, "prompts/list", "result.prompts")
	}

	return summary, nil
}

// countListed issues one list call and counts the returned array, treating
// any failure as zero rather than marking the backend unreachable.
func (s *stdioSession) countListed(ctx context.Context, method, path string) int {
	msg := fmt.Sprintf(`{"jsonrpc":"2.0","id":"%s-%s","method":"%s"}`, method, s.backendID, method)
	resp, err := s.Forward(ctx, json.RawMessage(msg))
	if err != nil {
		return 0
	}
	return len(gjson.GetBytes(resp, path).Array())
}

// Close shuts the backend's stdin, which tells a well-behaved stdio backend
// to exit. It never fails on a backend that already disappeared and is safe
// to call twice.
func (s *stdioSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stdin.Close()
	logger.Debugw("stdio session closed", "backend", s.backendID, "session_id", s.sessionID)
	return nil
}
