// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry is the hub's single authoritative store of backend
// runtime state. Nothing else mutates a backend's lifecycle record: the
// orchestrator, supervisor and health monitor all route their observations
// through Transition, and every other consumer reads immutable snapshots.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/stacklok/toolhub/pkg/hub"
	"github.com/stacklok/toolhub/pkg/hub/supervisor"
	"github.com/stacklok/toolhub/pkg/logger"
)

// legalTransitions encodes the per-backend state machine. A requested edge
// absent from this map is an orchestration bug, surfaced as a
// TransitionError and never swallowed.
var legalTransitions = map[hub.Status][]hub.Status{
	hub.StatusPending:  {hub.StatusStarting, hub.StatusDisabled},
	hub.StatusStarting: {hub.StatusReady, hub.StatusRetrying, hub.StatusFailed, hub.StatusDisabled},
	hub.StatusRetrying: {hub.StatusStarting, hub.StatusFailed, hub.StatusDisabled},
	hub.StatusReady:    {hub.StatusFailed, hub.StatusDisabled},
	hub.StatusFailed:   {hub.StatusPending, hub.StatusDisabled},
	hub.StatusDisabled: {hub.StatusPending},
}

// Detail carries the observations folded into a transition. Each load attempt
// produces one immutable Detail; the registry applies it atomically with the
// state change so there is never a half-updated record.
type Detail struct {
	// Err is the failure being recorded, if any. Typed startup and timeout
	// errors contribute their exit code and diagnostic tail automatically.
	Err error

	// Tail overrides the captured output tail when Err does not carry one.
	Tail []string

	// PID records the subprocess process ID, when one was started.
	PID int

	// Capabilities records what the backend reported when its session opened.
	Capabilities *hub.CapabilitySummary

	// Session attaches the open proxy session on a transition to ready.
	Session hub.Session

	// Handle attaches the supervisor's process handle once a subprocess is
	// started.
	Handle *supervisor.ProcessHandle
}

// entry is one backend's live record plus its serialization lock. Mutations
// for different backends proceed concurrently; mutations for the same
// backend are strictly ordered.
type entry struct {
	mu   sync.Mutex
	spec *hub.BackendSpec

	status      hub.Status
	lastError   string
	tail        []string
	pid         int
	exitCode    *int
	attempt     int
	recoveries  int
	lastReadyAt time.Time
	caps        hub.CapabilitySummary
	updatedAt   time.Time

	session hub.Session
	handle  *supervisor.ProcessHandle
}

// Registry stores one entry per registered backend spec.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	mounts  map[string]string
	order   []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		mounts:  make(map[string]string),
	}
}

// Register adds a spec. Disabled specs start in disabled, everything else in
// pending. Duplicate IDs and duplicate mount paths are rejected.
func (r *Registry) Register(spec *hub.BackendSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[spec.ID]; exists {
		return &hub.ConfigError{BackendID: spec.ID, Reason: hub.ErrAlreadyRegistered.Error()}
	}
	if owner, exists := r.mounts[spec.MountPath]; exists {
		return hub.NewConfigError(spec.ID, "mount path %q already used by backend %q", spec.MountPath, owner)
	}

	status := hub.StatusPending
	if spec.Disabled {
		status = hub.StatusDisabled
	}

	r.entries[spec.ID] = &entry{
		spec:      spec,
		status:    status,
		updatedAt: time.Now(),
	}
	r.mounts[spec.MountPath] = spec.ID
	r.order = append(r.order, spec.ID)
	return nil
}

// Transition moves a backend to a new state, folding the detail in
// atomically. Illegal edges return a TransitionError.
func (r *Registry) Transition(id string, to hub.Status, detail Detail) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !transitionLegal(e.status, to) {
		return &hub.TransitionError{BackendID: id, From: e.status, To: to}
	}

	from := e.status
	e.status = to
	e.updatedAt = time.Now()

	r.applyDetail(e, detail)

	switch to {
	case hub.StatusStarting:
		e.attempt++
	case hub.StatusReady:
		e.lastReadyAt = e.updatedAt
		e.lastError = ""
		e.tail = nil
		e.exitCode = nil
	case hub.StatusPending:
		if from == hub.StatusFailed {
			e.recoveries++
		}
		e.attempt = 0
	case hub.StatusRetrying, hub.StatusFailed, hub.StatusDisabled:
		// Diagnostics recorded via detail; nothing extra.
	}

	logger.Debugw("backend state transition",
		"backend", id, "from", from, "to", to, "attempt", e.attempt)
	return nil
}

// applyDetail records the detail's observations. Callers hold e.mu.
func (*Registry) applyDetail(e *entry, detail Detail) {
	if detail.Err != nil {
		e.lastError = detail.Err.Error()

		var startupErr *hub.StartupError
		var timeoutErr *hub.TimeoutError
		switch {
		case errors.As(detail.Err, &startupErr):
			code := startupErr.ExitCode
			e.exitCode = &code
			e.tail = append([]string(nil), startupErr.Tail...)
		case errors.As(detail.Err, &timeoutErr):
			e.tail = append([]string(nil), timeoutErr.Tail...)
		}
	}
	if detail.Tail != nil {
		e.tail = append([]string(nil), detail.Tail...)
	}
	if detail.PID != 0 {
		e.pid = detail.PID
	}
	if detail.Capabilities != nil {
		e.caps = *detail.Capabilities
	}
	if detail.Session != nil {
		e.session = detail.Session
	}
	if detail.Handle != nil {
		e.handle = detail.Handle
	}
}

// Snapshot returns a read-only copy of one backend's state.
func (r *Registry) Snapshot(id string) (hub.Snapshot, error) {
	e, err := r.entry(id)
	if err != nil {
		return hub.Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

// SnapshotAll returns read-only copies for every backend in registration
// order.
func (r *Registry) SnapshotAll() []hub.Snapshot {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()

	snapshots := make([]hub.Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, err := r.Snapshot(id); err == nil {
			snapshots = append(snapshots, snap)
		}
	}
	return snapshots
}

// CapabilitySummary returns the capability counts recorded for a backend.
func (r *Registry) CapabilitySummary(id string) (hub.CapabilitySummary, error) {
	snap, err := r.Snapshot(id)
	if err != nil {
		return hub.CapabilitySummary{}, err
	}
	return snap.Capabilities, nil
}

// Spec returns the immutable spec for a backend.
func (r *Registry) Spec(id string) (*hub.BackendSpec, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	return e.spec, nil
}

// Session returns the open proxy session for a ready backend.
func (r *Registry) Session(id string) (hub.Session, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != hub.StatusReady || e.session == nil {
		return nil, hub.ErrNotReady
	}
	return e.session, nil
}

// Attachments returns whatever cleanup owners the backend currently has: the
// proxy session and the subprocess handle, either of which may be nil.
func (r *Registry) Attachments(id string) (hub.Session, *supervisor.ProcessHandle) {
	e, err := r.entry(id)
	if err != nil {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, e.handle
}

// Detach clears the session and handle after cleanup has released them.
func (r *Registry) Detach(id string) {
	e, err := r.entry(id)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = nil
	e.handle = nil
	e.pid = 0
}

// IDs returns all registered backend IDs in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// MountOwner returns the backend ID that owns a mount path.
func (r *Registry) MountOwner(mountPath string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.mounts[mountPath]
	return id, ok
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, hub.ErrBackendNotFound
	}
	return e, nil
}

// snapshotLocked deep-copies the entry. Callers hold e.mu.
func (e *entry) snapshotLocked() hub.Snapshot {
	snap := hub.Snapshot{
		ID:           e.spec.ID,
		Name:         e.spec.Name,
		MountPath:    e.spec.MountPath,
		Transport:    e.spec.Transport,
		Status:       e.status,
		LastError:    e.lastError,
		OutputTail:   append([]string(nil), e.tail...),
		PID:          e.pid,
		Attempt:      e.attempt,
		Recoveries:   e.recoveries,
		LastReadyAt:  e.lastReadyAt,
		Capabilities: e.caps,
		UpdatedAt:    e.updatedAt,
	}
	if e.exitCode != nil {
		code := *e.exitCode
		snap.ExitCode = &code
	}
	return snap
}

func transitionLegal(from, to hub.Status) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
