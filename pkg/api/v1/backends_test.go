// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhub/pkg/hub"
)

// fakeManager is a canned BackendManager.
type fakeManager struct {
	snaps      map[string]hub.Snapshot
	order      []string
	restartErr error
	restarted  []string
}

func (f *fakeManager) ListBackends() []hub.Snapshot {
	out := make([]hub.Snapshot, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.snaps[id])
	}
	return out
}

func (f *fakeManager) Snapshot(id string) (hub.Snapshot, error) {
	snap, ok := f.snaps[id]
	if !ok {
		return hub.Snapshot{}, fmt.Errorf("%w: %s", hub.ErrBackendNotFound, id)
	}
	return snap, nil
}

func (f *fakeManager) Restart(_ context.Context, id string) error {
	if f.restartErr != nil {
		return f.restartErr
	}
	if _, ok := f.snaps[id]; !ok {
		return fmt.Errorf("%w: %s", hub.ErrBackendNotFound, id)
	}
	f.restarted = append(f.restarted, id)
	return nil
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		order: []string{"fetch", "broken"},
		snaps: map[string]hub.Snapshot{
			"fetch": {
				ID:           "fetch",
				Name:         "fetch",
				MountPath:    "/fetch",
				Transport:    hub.TransportStdio,
				Status:       hub.StatusReady,
				PID:          os.Getpid(),
				Attempt:      1,
				LastReadyAt:  time.Now(),
				Capabilities: hub.CapabilitySummary{Tools: 3, ServerName: "fetch-server"},
				UpdatedAt:    time.Now(),
			},
			"broken": {
				ID:         "broken",
				Name:       "broken",
				MountPath:  "/broken",
				Transport:  hub.TransportStdio,
				Status:     hub.StatusFailed,
				LastError:  "process exited with code 1",
				OutputTail: []string{"panic: boom"},
				Attempt:    3,
				UpdatedAt:  time.Now(),
			},
		},
	}
}

func TestListBackends(t *testing.T) {
	t.Parallel()

	router := BackendRouter(newFakeManager())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp backendListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Backends, 2)
	assert.Equal(t, "fetch", resp.Backends[0].ID)
	assert.Equal(t, "ready", resp.Backends[0].Status)
	assert.Equal(t, 3, resp.Backends[0].Capabilities.Tools)
	assert.Equal(t, "failed", resp.Backends[1].Status)
	assert.Equal(t, "process exited with code 1", resp.Backends[1].LastError)
}

func TestGetBackendDetail(t *testing.T) {
	t.Parallel()

	router := BackendRouter(newFakeManager())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/broken", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var detail backendDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
	assert.Equal(t, "broken", detail.ID)
	assert.Equal(t, 3, detail.Attempt)
	assert.Equal(t, []string{"panic: boom"}, detail.OutputTail)
	assert.Nil(t, detail.Process)
}

func TestGetBackendWithProcessStats(t *testing.T) {
	t.Parallel()

	// The ready fake uses this test process's own PID, so the stats
	// collection has a real process to inspect.
	router := BackendRouter(newFakeManager())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fetch", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var detail backendDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
	assert.Equal(t, "fetch", detail.ID)
	assert.NotNil(t, detail.LastReadyAt)
	require.NotNil(t, detail.Process)
	assert.Positive(t, detail.Process.RSSBytes)
}

func TestGetBackendNotFound(t *testing.T) {
	t.Parallel()

	router := BackendRouter(newFakeManager())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestartBackend(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	router := BackendRouter(mgr)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/broken/restart", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"broken"}, mgr.restarted)
}

func TestRestartBackendConflict(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	mgr.restartErr = fmt.Errorf("%w: backend is ready", hub.ErrIllegalTransition)
	router := BackendRouter(mgr)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fetch/restart", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
