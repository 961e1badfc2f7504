// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhub/pkg/hub"
	"github.com/stacklok/toolhub/pkg/hub/mocks"
	"github.com/stacklok/toolhub/pkg/hub/registry"
)

// recordingSink collects reported failures.
type recordingSink struct {
	mu       sync.Mutex
	failures []string
	causes   []error
}

func (s *recordingSink) OnBackendFailure(id string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, id)
	s.causes = append(s.causes, cause)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failures)
}

func (s *recordingSink) lastCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.causes) == 0 {
		return nil
	}
	return s.causes[len(s.causes)-1]
}

func registerReady(t *testing.T, reg *registry.Registry, id string, sess hub.Session) {
	t.Helper()

	require.NoError(t, reg.Register(&hub.BackendSpec{
		ID:        id,
		Name:      id,
		MountPath: "/" + id,
		Transport: hub.TransportStreamableHTTP,
		URL:       "http://127.0.0.1:0",
	}))
	require.NoError(t, reg.Transition(id, hub.StatusStarting, registry.Detail{}))
	require.NoError(t, reg.Transition(id, hub.StatusReady, registry.Detail{Session: sess}))
}

func fastConfig(threshold int) Config {
	return Config{
		Interval:           10 * time.Millisecond,
		Timeout:            time.Second,
		UnhealthyThreshold: threshold,
	}
}

func TestMonitorConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewMonitor(registry.New(), &recordingSink{}, Config{Interval: 0, UnhealthyThreshold: 3})
	require.Error(t, err)

	_, err = NewMonitor(registry.New(), &recordingSink{}, Config{Interval: time.Second, UnhealthyThreshold: 0})
	require.Error(t, err)
}

func TestMonitorReportsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	sess := mocks.NewMockSession(ctrl)
	sess.EXPECT().Capabilities(gomock.Any()).
		Return(hub.CapabilitySummary{}, errors.New("connection refused")).
		AnyTimes()

	reg := registry.New()
	registerReady(t, reg, "web", sess)

	sink := &recordingSink{}
	m, err := NewMonitor(reg, sink, fastConfig(3))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	require.Eventually(t, func() bool {
		return sink.count() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "web", sink.failures[0])
	assert.Contains(t, sink.lastCause().Error(), "3 consecutive health checks")
}

func TestMonitorHealthySessionNeverReports(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	sess := mocks.NewMockSession(ctrl)
	sess.EXPECT().Capabilities(gomock.Any()).
		Return(hub.CapabilitySummary{Tools: 1}, nil).
		AnyTimes()

	reg := registry.New()
	registerReady(t, reg, "web", sess)

	sink := &recordingSink{}
	m, err := NewMonitor(reg, sink, fastConfig(1))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestMonitorSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	sess := mocks.NewMockSession(ctrl)

	// Two failures, one success, repeating. With a threshold of three the
	// streak never completes and no breach is reported.
	var calls int
	var mu sync.Mutex
	sess.EXPECT().Capabilities(gomock.Any()).
		DoAndReturn(func(context.Context) (hub.CapabilitySummary, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls%3 == 0 {
				return hub.CapabilitySummary{}, nil
			}
			return hub.CapabilitySummary{}, errors.New("flaky")
		}).
		AnyTimes()

	reg := registry.New()
	registerReady(t, reg, "flaky", sess)

	sink := &recordingSink{}
	m, err := NewMonitor(reg, sink, fastConfig(3))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestMonitorSkipsNonReadyBackends(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	require.NoError(t, reg.Register(&hub.BackendSpec{
		ID:        "pending",
		Name:      "pending",
		MountPath: "/pending",
		Transport: hub.TransportStreamableHTTP,
		URL:       "http://127.0.0.1:0",
	}))

	sink := &recordingSink{}
	m, err := NewMonitor(reg, sink, fastConfig(1))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestMonitorLifecycle(t *testing.T) {
	t.Parallel()

	m, err := NewMonitor(registry.New(), &recordingSink{}, DefaultConfig())
	require.NoError(t, err)

	require.Error(t, m.Stop())
	require.NoError(t, m.Start(context.Background()))
	require.Error(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
	require.Error(t, m.Start(context.Background()))
}
