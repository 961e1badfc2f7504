// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package health performs periodic liveness checks on ready backends and
// reports breaches to the orchestrator. It never mutates backend state
// itself; it only observes and notifies.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/toolhub/pkg/hub"
	"github.com/stacklok/toolhub/pkg/hub/registry"
	"github.com/stacklok/toolhub/pkg/logger"
)

// FailureSink receives confirmed health breaches. The orchestrator
// implements it.
type FailureSink interface {
	OnBackendFailure(id string, cause error)
}

// Config tunes the monitor.
type Config struct {
	// Interval is how often each backend is checked. Must be > 0.
	Interval time.Duration

	// Timeout bounds a single check.
	Timeout time.Duration

	// UnhealthyThreshold is the number of consecutive failed checks before a
	// breach is reported. Must be >= 1. A dead subprocess is reported
	// immediately regardless: an exited process cannot pass a later check.
	UnhealthyThreshold int
}

// DefaultConfig returns the recommended monitoring cadence.
func DefaultConfig() Config {
	return Config{
		Interval:           30 * time.Second,
		Timeout:            10 * time.Second,
		UnhealthyThreshold: 3,
	}
}

// Monitor runs one check loop per registered backend. Checks only apply to
// ready backends; any other state resets the failure streak and waits.
type Monitor struct {
	reg  *registry.Registry
	sink FailureSink
	cfg  Config

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	streakMu sync.Mutex
	streaks  map[string]int
}

// NewMonitor validates the configuration and creates a monitor over all
// backends currently registered.
func NewMonitor(reg *registry.Registry, sink FailureSink, cfg Config) (*Monitor, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("check interval must be > 0, got %v", cfg.Interval)
	}
	if cfg.UnhealthyThreshold < 1 {
		return nil, fmt.Errorf("unhealthy threshold must be >= 1, got %d", cfg.UnhealthyThreshold)
	}
	return &Monitor{
		reg:     reg,
		sink:    sink,
		cfg:     cfg,
		streaks: make(map[string]int),
	}, nil
}

// Start spawns a check loop per backend. A monitor cannot be restarted after
// Stop; create a new one.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return fmt.Errorf("monitor has been stopped and cannot be restarted")
	}
	if m.started {
		return fmt.Errorf("monitor already started")
	}

	var monitorCtx context.Context
	monitorCtx, m.cancel = context.WithCancel(ctx)
	m.started = true

	ids := m.reg.IDs()
	logger.Infow("starting health monitor",
		"backends", len(ids),
		"interval", m.cfg.Interval,
		"threshold", m.cfg.UnhealthyThreshold)

	for _, id := range ids {
		id := id
		m.wg.Add(1)
		go m.monitorBackend(monitorCtx, id)
	}
	return nil
}

// Stop cancels every check loop and waits for them to unwind.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("monitor not started")
	}
	m.cancel()
	m.started = false
	m.stopped = true
	m.mu.Unlock()

	m.wg.Wait()
	logger.Info("health monitor stopped")
	return nil
}

func (m *Monitor) monitorBackend(ctx context.Context, id string) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(ctx, id)
		}
	}
}

// checkOnce probes one backend and folds the result into its failure streak.
// Only ready backends are checked: everything else is the lifecycle's
// business, not the monitor's.
func (m *Monitor) checkOnce(ctx context.Context, id string) {
	snap, err := m.reg.Snapshot(id)
	if err != nil || snap.Status != hub.StatusReady {
		m.resetStreak(id)
		return
	}

	// A subprocess that exited is dead regardless of streaks.
	if _, handle := m.reg.Attachments(id); handle != nil && handle.Exited() {
		m.resetStreak(id)
		m.sink.OnBackendFailure(id, fmt.Errorf("%w: health monitor found the process gone", hub.ErrBackendExited))
		return
	}

	if snap.Transport == hub.TransportStdio {
		// Liveness is the only cheap signal for a pipe-attached process; a
		// protocol ping would race the traffic path on the shared pipes.
		m.resetStreak(id)
		return
	}

	sess, err := m.reg.Session(id)
	if err != nil {
		m.resetStreak(id)
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	_, err = sess.Capabilities(checkCtx)
	cancel()

	if err == nil {
		m.resetStreak(id)
		return
	}

	streak := m.bumpStreak(id)
	logger.Debugw("health check failed", "backend", id, "streak", streak, "error", err)
	if streak >= m.cfg.UnhealthyThreshold {
		m.resetStreak(id)
		m.sink.OnBackendFailure(id,
			fmt.Errorf("failed %d consecutive health checks: %w", streak, err))
	}
}

func (m *Monitor) bumpStreak(id string) int {
	m.streakMu.Lock()
	defer m.streakMu.Unlock()
	m.streaks[id]++
	return m.streaks[id]
}

func (m *Monitor) resetStreak(id string) {
	m.streakMu.Lock()
	defer m.streakMu.Unlock()
	delete(m.streaks, id)
}
