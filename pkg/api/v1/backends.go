// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 contains the V1 API routes for the hub management surface.
package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/stacklok/toolhub/pkg/hub"
	"github.com/stacklok/toolhub/pkg/logger"
)

// BackendManager is the slice of the orchestrator the API needs.
type BackendManager interface {
	// ListBackends returns a snapshot per registered backend.
	ListBackends() []hub.Snapshot

	// Snapshot returns one backend's snapshot.
	Snapshot(id string) (hub.Snapshot, error)

	// Restart re-runs the load cycle for a failed or disabled backend.
	Restart(ctx context.Context, id string) error
}

// BackendRoutes defines the routes for backend management.
type BackendRoutes struct {
	manager BackendManager
}

// BackendRouter creates a new BackendRoutes instance.
func BackendRouter(manager BackendManager) http.Handler {
	routes := BackendRoutes{manager: manager}

	r := chi.NewRouter()
	r.Get("/", routes.listBackends)
	r.Get("/{id}", routes.getBackend)
	r.Post("/{id}/restart", routes.restartBackend)
	return r
}

type backendListResponse struct {
	Backends []backendSummary `json:"backends"`
}

type backendSummary struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	MountPath    string                `json:"mount_path"`
	Transport    string                `json:"transport"`
	Status       string                `json:"status"`
	LastError    string                `json:"last_error,omitempty"`
	Capabilities hub.CapabilitySummary `json:"capabilities"`
}

type backendDetail struct {
	backendSummary

	PID         int           `json:"pid,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	Attempt     int           `json:"attempt"`
	Recoveries  int           `json:"recoveries"`
	LastReadyAt *time.Time    `json:"last_ready_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
	OutputTail  []string      `json:"output_tail,omitempty"`
	Process     *processStats `json:"process,omitempty"`
}

// processStats is best-effort resource usage for a running subprocess.
type processStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

func summarize(snap hub.Snapshot) backendSummary {
	return backendSummary{
		ID:           snap.ID,
		Name:         snap.Name,
		MountPath:    snap.MountPath,
		Transport:    snap.Transport.String(),
		Status:       string(snap.Status),
		LastError:    snap.LastError,
		Capabilities: snap.Capabilities,
	}
}

// listBackends
//
//	@Summary		List all backends
//	@Description	Get the lifecycle state of every registered backend
//	@Tags			backends
//	@Produce		json
//	@Success		200	{object}	backendListResponse
//	@Router			/api/v1beta/backends [get]
func (s *BackendRoutes) listBackends(w http.ResponseWriter, _ *http.Request) {
	snaps := s.manager.ListBackends()
	resp := backendListResponse{Backends: make([]backendSummary, 0, len(snaps))}
	for _, snap := range snaps {
		resp.Backends = append(resp.Backends, summarize(snap))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "Failed to marshal backend list", http.StatusInternalServerError)
	}
}

// getBackend
//
//	@Summary		Get backend details
//	@Description	Get the full state of a specific backend, including diagnostics
//	@Tags			backends
//	@Produce		json
//	@Param			id	path		string	true	"Backend ID"
//	@Success		200	{object}	backendDetail
//	@Failure		404	{string}	string	"Not Found"
//	@Router			/api/v1beta/backends/{id} [get]
func (s *BackendRoutes) getBackend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.manager.Snapshot(id)
	if err != nil {
		if errors.Is(err, hub.ErrBackendNotFound) {
			http.Error(w, "Backend not found", http.StatusNotFound)
			return
		}
		logger.Errorf("failed to get backend: %v", err)
		http.Error(w, "Failed to get backend", http.StatusInternalServerError)
		return
	}

	detail := backendDetail{
		backendSummary: summarize(snap),
		PID:            snap.PID,
		ExitCode:       snap.ExitCode,
		Attempt:        snap.Attempt,
		Recoveries:     snap.Recoveries,
		UpdatedAt:      snap.UpdatedAt,
		OutputTail:     snap.OutputTail,
	}
	if !snap.LastReadyAt.IsZero() {
		t := snap.LastReadyAt
		detail.LastReadyAt = &t
	}
	if snap.Status == hub.StatusReady && snap.PID != 0 {
		detail.Process = collectProcessStats(r.Context(), snap.PID)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(detail); err != nil {
		http.Error(w, "Failed to marshal backend details", http.StatusInternalServerError)
	}
}

// collectProcessStats reads CPU and memory usage for a subprocess. Failures
// are tolerated: the process may have just exited, or the platform may not
// expose the counters.
func collectProcessStats(ctx context.Context, pid int) *processStats {
	proc, err := process.NewProcessWithContext(ctx, int32(pid)) // #nosec G115 -- PIDs fit in int32
	if err != nil {
		return nil
	}

	stats := &processStats{}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	return stats
}

// restartBackend
//
//	@Summary		Restart a backend
//	@Description	Re-run the load cycle for a failed or disabled backend
//	@Tags			backends
//	@Param			id	path		string	true	"Backend ID"
//	@Success		202	{string}	string	"Accepted"
//	@Failure		404	{string}	string	"Not Found"
//	@Failure		409	{string}	string	"Conflict"
//	@Router			/api/v1beta/backends/{id}/restart [post]
func (s *BackendRoutes) restartBackend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.manager.Restart(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, hub.ErrBackendNotFound):
			http.Error(w, "Backend not found", http.StatusNotFound)
		case errors.Is(err, hub.ErrIllegalTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			logger.Errorf("failed to restart backend: %v", err)
			http.Error(w, "Failed to restart backend", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
