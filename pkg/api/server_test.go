// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhub/pkg/hub"
	"github.com/stacklok/toolhub/pkg/telemetry"
)

type staticManager struct{}

func (staticManager) ListBackends() []hub.Snapshot { return nil }
func (staticManager) Snapshot(id string) (hub.Snapshot, error) {
	return hub.Snapshot{}, hub.ErrBackendNotFound
}
func (staticManager) Restart(context.Context, string) error { return hub.ErrBackendNotFound }

func TestRouterWiresAllSurfaces(t *testing.T) {
	t.Parallel()

	metrics, err := telemetry.New("toolhub-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = metrics.Shutdown(context.Background()) })

	traffic := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("traffic:" + r.URL.Path))
	})

	srv := httptest.NewServer(Router(Deps{
		Manager: staticManager{},
		Traffic: traffic,
		Metrics: metrics,
	}))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1beta/version")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1beta/backends/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/mcp/echo")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
