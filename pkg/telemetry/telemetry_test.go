// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposition(t *testing.T) {
	t.Parallel()

	m, err := New("toolhub-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	ctx := context.Background()
	m.RecordLoadAttempt(ctx, "echo")
	m.RecordLoadOutcome(ctx, "echo", "ready")
	m.RecordForward(ctx, "echo", 12*time.Millisecond, nil)
	m.RecordForward(ctx, "echo", 5*time.Millisecond, errors.New("boom"))
	m.BackendReady(ctx, 1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	exposition := string(body)
	assert.Contains(t, exposition, "toolhub_backend_load_attempts_total")
	assert.Contains(t, exposition, "toolhub_forwarded_calls_total")
	assert.Contains(t, exposition, `result="error"`)
	assert.Contains(t, exposition, "toolhub_backends_ready")
}
