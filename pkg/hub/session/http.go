// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/toolhub/pkg/hub"
	hubtransport "github.com/stacklok/toolhub/pkg/hub/transport"
	"github.com/stacklok/toolhub/pkg/logger"
	"github.com/stacklok/toolhub/pkg/versions"
)

const (
	// maxBackendResponseSize caps each HTTP response body for streamable-HTTP
	// backends to prevent memory exhaustion. Not applied to SSE transports,
	// whose single long-lived response body would be cut off mid-stream.
	maxBackendResponseSize = 100 * 1024 * 1024 // 100 MB

	// defaultBackendRequestTimeout is the wall-clock deadline for individual
	// streamable-HTTP requests. Not used for SSE, whose stream lifetime is
	// unbounded.
	defaultBackendRequestTimeout = 30 * time.Second
)

// httpRoundTripperFunc adapts a plain function to http.RoundTripper.
type httpRoundTripperFunc func(*http.Request) (*http.Response, error)

func (f httpRoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// headerRoundTripper adds the plan's resolved static headers to every
// outgoing backend request. Header values may be secrets; they are never
// logged here.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	reqClone := req.Clone(req.Context())
	for key, value := range h.headers {
		reqClone.Header.Set(key, value)
	}
	return h.base.RoundTrip(reqClone)
}

// httpSession bridges the hub to an HTTP-family backend through a persistent
// mark3labs MCP client plus a plain HTTP client for raw forwards.
type httpSession struct {
	backendID string
	sessionID string
	transport hub.TransportType
	baseURL   string
	headers   map[string]string

	client  *mcpclient.Client
	rawHTTP *http.Client

	mu     sync.Mutex
	closed bool
}

// OpenHTTP establishes a session to an HTTP-family endpoint described by the
// plan: a started mark3labs client for typed protocol work plus a raw HTTP
// client for transparent forwards. It does not run the initialize handshake;
// that happens in Capabilities so failures land in the right error bucket.
func OpenHTTP(plan *hubtransport.LaunchPlan) (hub.Session, error) {
	base := http.RoundTripper(http.DefaultTransport)
	if len(plan.Headers) > 0 {
		base = &headerRoundTripper{base: base, headers: plan.Headers}
	}

	var (
		client *mcpclient.Client
		err    error
	)
	switch plan.Transport {
	case hub.TransportStreamableHTTP, hub.TransportHTTP:
		// Each call is one bounded request/response pair, so a per-response
		// body cap and a hard client timeout are both safe. The SDK-level
		// timeout fires first with a descriptive error.
		sizeLimited := httpRoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			resp, rtErr := base.RoundTrip(req)
			if rtErr != nil {
				return nil, rtErr
			}
			resp.Body = struct {
				io.Reader
				io.Closer
			}{
				Reader: io.LimitReader(resp.Body, maxBackendResponseSize),
				Closer: resp.Body,
			}
			return resp, nil
		})
		httpClient := &http.Client{
			Transport: sizeLimited,
			Timeout:   defaultBackendRequestTimeout,
		}
		client, err = mcpclient.NewStreamableHttpClient(
			plan.BaseURL,
			mcptransport.WithHTTPTimeout(defaultBackendRequestTimeout),
			mcptransport.WithHTTPBasicClient(httpClient),
		)
	case hub.TransportSSE:
		// The whole SSE session is one long-lived response body: no size cap,
		// no client timeout, or the stream dies after the limit. Deadlines
		// come from per-operation contexts instead.
		httpClient := &http.Client{Transport: base}
		client, err = mcpclient.NewSSEMCPClient(
			plan.BaseURL,
			mcptransport.WithHTTPClient(httpClient),
		)
	default:
		return nil, fmt.Errorf("%w: %s", hub.ErrUnsupportedTransport, plan.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client for backend %s: %w", plan.Transport, plan.BackendID, err)
	}

	// Start the transport with context.Background() so its lifetime is bound
	// to Close(), not to whichever per-attempt context opened the session.
	if err := client.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start %s client for backend %s: %w", plan.Transport, plan.BackendID, err)
	}

	sessionID := uuid.NewString()
	logger.Debugw("http session opened",
		"backend", plan.BackendID, "session_id", sessionID, "transport", plan.Transport)

	return &httpSession{
		backendID: plan.BackendID,
		sessionID: sessionID,
		transport: plan.Transport,
		baseURL:   plan.BaseURL,
		headers:   plan.Headers,
		client:    client,
		rawHTTP:   &http.Client{Transport: base, Timeout: defaultBackendRequestTimeout},
	}, nil
}

// Forward relays one raw JSON-RPC message over a single HTTP exchange and
// returns the body unchanged. Live client traffic to HTTP-family backends
// flows through the orchestrator's reverse proxy; this path serves trivial
// relays and diagnostics.
func (s *httpSession) Forward(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, &hub.ForwardError{BackendID: s.backendID, Err: hub.ErrSessionClosed}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(msg))
	if err != nil {
		return nil, &hub.ForwardError{BackendID: s.backendID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := s.rawHTTP.Do(req)
	if err != nil {
		return nil, &hub.ForwardError{BackendID: s.backendID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBackendResponseSize))
	if err != nil {
		return nil, &hub.ForwardError{BackendID: s.backendID, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &hub.ForwardError{
			BackendID: s.backendID,
			Err:       fmt.Errorf("backend answered %d: %s", resp.StatusCode, truncate(string(body), 256)),
		}
	}
	return body, nil
}

// Capabilities runs the MCP initialize handshake and then lists whichever
// capability groups the backend advertised, returning their counts.
func (s *httpSession) Capabilities(ctx context.Context) (hub.CapabilitySummary, error) {
	var summary hub.CapabilitySummary

	result, err := s.client.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "toolhub",
				Version: versions.Version,
			},
		},
	})
	if err != nil {
		return summary, fmt.Errorf("initialize failed for backend %s: %w", s.backendID, err)
	}

	summary.ServerName = result.ServerInfo.Name
	summary.ServerVersion = result.ServerInfo.Version

	if result.Capabilities.Tools != nil {
		toolsResult, listErr := s.client.ListTools(ctx, mcp.ListToolsRequest{})
		if listErr != nil {
			return summary, fmt.Errorf("list tools failed for backend %s: %w", s.backendID, listErr)
		}
		summary.Tools = len(toolsResult.Tools)
	}
	if result.Capabilities.Resources != nil {
		resResult, listErr := s.client.ListResources(ctx, mcp.ListResourcesRequest{})
		if listErr != nil {
			return summary, fmt.Errorf("list resources failed for backend %s: %w", s.backendID, listErr)
		}
		summary.Resources = len(resResult.Resources)
	}
	if result.Capabilities.Prompts != nil {
		promptsResult, listErr := s.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
		if listErr != nil {
			return summary, fmt.Errorf("list prompts failed for backend %s: %w", s.backendID, listErr)
		}
		summary.Prompts = len(promptsResult.Prompts)
	}

	return summary, nil
}

// Close tears down the persistent client. Idempotent, and never fails on a
// backend that already disappeared.
func (s *httpSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.client.Close()
	logger.Debugw("http session closed", "backend", s.backendID, "session_id", s.sessionID)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
