// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/toolhub/pkg/hub"
	"github.com/stacklok/toolhub/pkg/hub/transport"
	"github.com/stacklok/toolhub/pkg/logger"
)

// maxForwardBody bounds one relayed request body.
const maxForwardBody = 10 * 1024 * 1024

// Handler returns the hub's traffic surface: every backend's mount path,
// forwarding transparently when the backend is ready and answering with a
// structured diagnostic otherwise. Mount paths come from immutable specs, so
// the route table is fixed even though each route's behavior follows the
// backend's live state.
func (o *Orchestrator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	for _, id := range o.reg.IDs() {
		spec, err := o.reg.Spec(id)
		if err != nil {
			continue
		}
		mount := "/" + strings.Trim(spec.MountPath, "/")
		r.Mount(mount, http.StripPrefix(mount, o.backendHandler(id)))
	}
	return r
}

// backendHandler serves one backend's mount: pass-through when ready, a
// diagnostic JSON-RPC error naming the backend and its last recorded failure
// otherwise, never a bare connection error.
func (o *Orchestrator) backendHandler(id string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap, err := o.reg.Snapshot(id)
		if err != nil {
			writeDiagnostic(w, http.StatusNotFound, nil,
				fmt.Sprintf("backend %q is not registered", id))
			return
		}

		if snap.Status != hub.StatusReady {
			writeDiagnostic(w, http.StatusServiceUnavailable, readRequestID(r),
				diagnosticMessage(snap))
			return
		}

		if snap.Transport == hub.TransportStdio {
			o.serveStdio(w, r, id)
			return
		}

		proxy, ok := o.proxy(id)
		if !ok {
			writeDiagnostic(w, http.StatusServiceUnavailable, readRequestID(r),
				fmt.Sprintf("backend %q is ready but its proxy is not mounted yet", id))
			return
		}
		proxy.ServeHTTP(w, r)
	})
}

// serveStdio bridges one HTTP exchange onto the backend's stdio session:
// POST body in, JSON-RPC response out. Requests without an id are protocol
// notifications, written without waiting and acknowledged with 202.
func (o *Orchestrator) serveStdio(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is supported on stdio mounts", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxForwardBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	sess, err := o.reg.Session(id)
	if err != nil {
		snap, _ := o.reg.Snapshot(id)
		writeDiagnostic(w, http.StatusServiceUnavailable, parseRequestID(body), diagnosticMessage(snap))
		return
	}

	// A message with a method but no id is a notification: relay it without
	// waiting for an answer.
	if gjson.GetBytes(body, "method").Exists() && !gjson.GetBytes(body, "id").Exists() {
		if err := notifyStdio(r.Context(), sess, body); err != nil {
			o.OnBackendFailure(id, err)
			writeDiagnostic(w, http.StatusBadGateway, nil,
				fmt.Sprintf("backend %q dropped the notification: %v", id, err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	start := time.Now()
	resp, err := sess.Forward(r.Context(), body)
	if o.metrics != nil {
		o.metrics.RecordForward(r.Context(), id, time.Since(start), err)
	}
	if err != nil {
		o.OnBackendFailure(id, err)
		writeDiagnostic(w, http.StatusBadGateway, parseRequestID(body),
			fmt.Sprintf("backend %q failed to service the call: %v", id, err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		logger.Debugw("failed to write forwarded response", "backend", id, "error", err)
	}
}

// notifyStdio relays a fire-and-forget message to a session that supports
// one-way writes.
func notifyStdio(ctx context.Context, sess hub.Session, msg json.RawMessage) error {
	notifier, ok := sess.(interface {
		Notify(ctx context.Context, msg json.RawMessage) error
	})
	if !ok {
		return fmt.Errorf("session does not accept notifications")
	}
	return notifier.Notify(ctx, msg)
}

// buildProxy creates the transparent reverse proxy for a ready HTTP-family
// backend. FlushInterval -1 keeps event streams flowing instead of buffering.
func (o *Orchestrator) buildProxy(id string, plan *transport.LaunchPlan) http.Handler {
	target, err := url.Parse(plan.BaseURL)
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeDiagnostic(w, http.StatusBadGateway, nil,
				fmt.Sprintf("backend %q has an unparseable endpoint", id))
		})
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.FlushInterval = -1

	director := proxy.Director
	headers := plan.Headers
	proxy.Director = func(req *http.Request) {
		director(req)
		for key, value := range headers {
			req.Header.Set(key, value)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warnw("reverse proxy error", "backend", id, "error", err)
		if o.metrics != nil {
			o.metrics.RecordForward(r.Context(), id, 0, err)
		}
		writeDiagnostic(w, http.StatusBadGateway, readRequestID(r),
			fmt.Sprintf("backend %q did not answer: %v", id, err))
	}
	return proxy
}

// diagnosticMessage renders a non-ready backend's condition for callers,
// always citing the last recorded failure when there is one.
func diagnosticMessage(snap hub.Snapshot) string {
	msg := fmt.Sprintf("backend %q is %s", snap.ID, snap.Status)
	if snap.LastError != "" {
		msg += ": " + snap.LastError
	}
	return msg
}

// writeDiagnostic answers with a structured JSON-RPC error so callers of a
// broken mount get the backend's story instead of a connection failure.
func writeDiagnostic(w http.ResponseWriter, status int, id *jsonrpc2.ID, message string) {
	respID := jsonrpc2.ID{}
	if id != nil {
		respID = *id
	}
	resp := &jsonrpc2.Response{
		ID:    respID,
		Error: jsonrpc2.NewError(int64(status), message),
	}

	// EncodeMessage, not encoding/json: the Response struct's own fields do
	// not marshal to the wire format.
	data, err := jsonrpc2.EncodeMessage(resp)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// readRequestID extracts the JSON-RPC id from a request body without
// consuming it, so diagnostic responses can echo it back.
func readRequestID(r *http.Request) *jsonrpc2.ID {
	if r.Body == nil {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxForwardBody))
	if err != nil {
		return nil
	}
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	return parseRequestID(body)
}

// parseRequestID pulls the JSON-RPC id out of an already-read body.
func parseRequestID(body []byte) *jsonrpc2.ID {
	raw := gjson.GetBytes(body, "id")
	switch raw.Type {
	case gjson.String:
		id := jsonrpc2.StringID(raw.String())
		return &id
	case gjson.Number:
		id := jsonrpc2.Int64ID(raw.Int())
		return &id
	default:
		return nil
	}
}
