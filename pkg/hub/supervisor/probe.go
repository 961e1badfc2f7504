// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// probeDialTimeout bounds one TCP connection attempt so a single probe never
// outlives the poll interval by much.
const probeDialTimeout = time.Second

// TCPProbe reports readiness once a TCP connection to addr succeeds.
func TCPProbe(addr string) Probe {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: probeDialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// HTTPProbe reports readiness once a GET to url returns any non-5xx status.
// A 4xx still means the backend is up and answering HTTP; only server errors
// and transport failures keep the poll going.
func HTTPProbe(url string) Probe {
	client := &http.Client{Timeout: probeDialTimeout}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("probe got status %d", resp.StatusCode)
		}
		return nil
	}
}

// AliveProbe reports readiness as long as the process is running. It is the
// probe for stdio backends, which have no socket to dial: a stdio backend
// that stays up is considered ready, and an early exit is caught by
// AwaitReady's exit watch.
func AliveProbe(handle *ProcessHandle) Probe {
	return func(_ context.Context) error {
		if handle.Exited() {
			code, _ := handle.ExitCode()
			return fmt.Errorf("process exited with code %d", code)
		}
		// Cross-check the process table; a PID that vanished without the
		// waiter noticing yet is not ready.
		if exists, err := process.PidExists(int32(handle.PID())); err == nil && !exists {
			return fmt.Errorf("pid %d not found", handle.PID())
		}
		return nil
	}
}
