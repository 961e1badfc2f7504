// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator drives the hub's lifecycle: it loads every configured
// backend concurrently with bounded retry, mounts ready backends under their
// configured paths, reacts to failures, and tears everything down on
// shutdown. Failures stay contained per backend; one broken backend never
// serializes or aborts the others.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/toolhub/pkg/hub"
	"github.com/stacklok/toolhub/pkg/hub/registry"
	"github.com/stacklok/toolhub/pkg/hub/session"
	"github.com/stacklok/toolhub/pkg/hub/supervisor"
	"github.com/stacklok/toolhub/pkg/hub/transport"
	"github.com/stacklok/toolhub/pkg/logger"
	"github.com/stacklok/toolhub/pkg/telemetry"
)

const (
	// defaultStartupTimeout bounds one readiness wait when the spec does not
	// set its own.
	defaultStartupTimeout = 30 * time.Second

	// defaultRetryDelay is the pause between load attempts when the spec does
	// not set its own.
	defaultRetryDelay = time.Second

	// defaultTerminationGrace is how long a subprocess gets between SIGTERM
	// and SIGKILL during cleanup.
	defaultTerminationGrace = 5 * time.Second

	// exitSettleTimeout is how long a failed attempt waits for the waiter to
	// reap an already-dead process before giving up on an exit code. A live
	// backend never closes Done, so this only delays genuinely dead ones.
	exitSettleTimeout = 500 * time.Millisecond
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics wires lifecycle and traffic instrumentation.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTerminationGrace overrides the SIGTERM-to-SIGKILL window.
func WithTerminationGrace(grace time.Duration) Option {
	return func(o *Orchestrator) { o.grace = grace }
}

// Orchestrator owns the load, serve and shutdown flow across all backends.
// All backend state lives in the registry; the orchestrator's only mutable
// state is the set of live reverse proxies and the in-flight load tracking.
type Orchestrator struct {
	reg     *registry.Registry
	adapter *transport.Adapter
	sup     *supervisor.Supervisor
	metrics *telemetry.Metrics
	grace   time.Duration

	// runCtx outlives any single LoadAll call: restarts and recoveries run on
	// it, and only Shutdown cancels it.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu           sync.Mutex
	proxies      map[string]http.Handler
	shuttingDown bool

	loads sync.WaitGroup
}

// New creates an orchestrator over the given registry and leaf components.
func New(reg *registry.Registry, adapter *transport.Adapter, sup *supervisor.Supervisor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reg:     reg,
		adapter: adapter,
		sup:     sup,
		grace:   defaultTerminationGrace,
		proxies: make(map[string]http.Handler),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.runCtx, o.runCancel = context.WithCancel(context.Background())
	return o
}

// Register adds specs to the registry before loading. Duplicate IDs or mount
// paths fail registration outright: they are file-level mistakes, not
// per-backend runtime failures.
func (o *Orchestrator) Register(specs []*hub.BackendSpec) error {
	for _, spec := range specs {
		if err := o.reg.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// LoadAll runs one load cycle for every pending backend, unbounded across
// backends, and returns once every backend has reached a terminal outcome
// for this cycle. Per-backend failures are contained and recorded; LoadAll
// itself only fails on a canceled context.
func (o *Orchestrator) LoadAll(ctx context.Context) error {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return errors.New("orchestrator is shutting down")
	}
	o.mu.Unlock()

	// The cycle runs on the orchestrator's own context so that later
	// restarts are not hostage to this caller's context, but a canceled
	// caller still cuts this cycle short.
	loadCtx, cancel := context.WithCancel(o.runCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	g := new(errgroup.Group)
	for _, id := range o.reg.IDs() {
		snap, err := o.reg.Snapshot(id)
		if err != nil || snap.Status != hub.StatusPending {
			continue
		}

		id := id
		o.loads.Add(1)
		g.Go(func() error {
			defer o.loads.Done()
			o.loadCycle(loadCtx, id)
			return nil
		})
	}
	return g.Wait()
}

// loadCycle runs the bounded-retry load sequence for one backend and folds
// every attempt's outcome into registry transitions.
func (o *Orchestrator) loadCycle(ctx context.Context, id string) {
	spec, err := o.reg.Spec(id)
	if err != nil {
		return
	}

	maxAttempts := spec.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := spec.Retry.Delay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	op := func() (struct{}, error) {
		return struct{}{}, o.attempt(ctx, spec)
	}

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(uint(maxAttempts)), // #nosec G115 -- bounded small config value
		backoff.WithNotify(func(attemptErr error, next time.Duration) {
			logger.Warnw("backend load attempt failed, retrying",
				"backend", id, "error", attemptErr, "next_attempt_in", next)
		}),
	)
	if err != nil {
		// Permanent misconfiguration already landed in failed with its
		// outcome recorded; the retry path is still in retrying and its last
		// attempt's diagnostics close out the cycle here.
		if snap, serr := o.reg.Snapshot(id); serr == nil && snap.Status == hub.StatusRetrying {
			if terr := o.reg.Transition(id, hub.StatusFailed, registry.Detail{Err: err}); terr != nil {
				logger.Errorw("failed to record backend failure", "backend", id, "error", terr)
			}
			o.recordOutcome(ctx, id, "failed")
		}
		logger.Errorw("backend failed to load", "backend", id, "error", err)
		return
	}
	o.recordOutcome(ctx, id, "ready")
	logger.Infow("backend ready", "backend", id)
}

// attempt performs one full load attempt: resolve, start, await readiness,
// open the proxy session, discover capabilities, transition to ready. Every
// failure path cleans up whatever the attempt created and records the error
// with its diagnostics before returning.
func (o *Orchestrator) attempt(ctx context.Context, spec *hub.BackendSpec) error {
	id := spec.ID

	if err := o.reg.Transition(id, hub.StatusStarting, registry.Detail{}); err != nil {
		// Never legal to keep loading a backend whose state machine refuses:
		// this is an orchestration bug, not a backend failure.
		return backoff.Permanent(err)
	}
	if o.metrics != nil {
		o.metrics.RecordLoadAttempt(ctx, id)
	}

	plan, err := o.adapter.Resolve(spec)
	if err != nil {
		// Misconfiguration is not retried.
		return o.failAttempt(ctx, id, nil, nil, err, true)
	}

	timeout := spec.StartupTimeout
	if timeout <= 0 {
		timeout = defaultStartupTimeout
	}

	var handle *supervisor.ProcessHandle
	if plan.IsSubprocess() {
		handle, err = o.sup.Start(plan)
		if err != nil {
			return o.failAttempt(ctx, id, nil, nil, err, false)
		}

		if err := o.sup.AwaitReady(ctx, handle, o.probeFor(plan, handle), timeout); err != nil {
			return o.failAttempt(ctx, id, handle, nil, err, false)
		}
	}

	sess, err := o.openSession(plan, handle)
	if err != nil {
		return o.failAttempt(ctx, id, handle, nil, exitCause(id, handle, err), false)
	}

	capsCtx, cancel := context.WithTimeout(ctx, timeout)
	caps, err := sess.Capabilities(capsCtx)
	cancel()
	if err != nil {
		return o.failAttempt(ctx, id, handle, sess, exitCause(id, handle, err), false)
	}

	detail := registry.Detail{
		Session:      sess,
		Handle:       handle,
		Capabilities: &caps,
	}
	if handle != nil {
		detail.PID = handle.PID()
	}
	if err := o.reg.Transition(id, hub.StatusReady, detail); err != nil {
		o.releaseResources(sess, handle)
		return backoff.Permanent(err)
	}

	if plan.Transport.IsHTTPFamily() {
		o.setProxy(id, o.buildProxy(id, plan))
	}
	if o.metrics != nil {
		o.metrics.BackendReady(ctx, 1)
	}
	return nil
}

// failAttempt releases whatever the attempt created, records the failure on
// the registry, and shapes the error for the retry loop. Permanent failures
// (misconfiguration) go straight to failed; everything else lands in
// retrying, and the cycle's final exhaustion closes it out.
func (o *Orchestrator) failAttempt(
	ctx context.Context,
	id string,
	handle *supervisor.ProcessHandle,
	sess hub.Session,
	cause error,
	permanent bool,
) error {
	o.releaseResources(sess, handle)

	detail := registry.Detail{Err: cause}
	if handle != nil {
		detail.PID = handle.PID()
	}

	if permanent {
		if terr := o.reg.Transition(id, hub.StatusFailed, detail); terr != nil {
			logger.Errorw("failed to record backend failure", "backend", id, "error", terr)
		}
		o.recordOutcome(ctx, id, "failed")
		logger.Errorw("backend misconfigured", "backend", id, "error", cause)
		return backoff.Permanent(cause)
	}

	if terr := o.reg.Transition(id, hub.StatusRetrying, detail); terr != nil {
		logger.Errorw("failed to record backend retry", "backend", id, "error", terr)
	}
	return cause
}

// exitCause re-attributes a post-readiness attempt failure to the process's
// own death when the subprocess turns out to have exited. The session-level
// error (a broken pipe, a refused write) is only the symptom; the exit code
// and the output tail are what the status surface needs. A fast-exiting
// process can slip past the readiness probe, so this is where its exit gets
// caught. The wait is bounded and a live backend never closes Done.
func exitCause(id string, handle *supervisor.ProcessHandle, cause error) error {
	if handle == nil {
		return cause
	}
	select {
	case <-handle.Done():
	case <-time.After(exitSettleTimeout):
		return cause
	}
	code, _ := handle.ExitCode()
	return fmt.Errorf("session failed: %w: %w",
		&hub.StartupError{BackendID: id, ExitCode: code, Tail: handle.Tail()}, cause)
}

// releaseResources closes an attempt's session and terminates its process,
// tolerating both being nil or already gone.
func (o *Orchestrator) releaseResources(sess hub.Session, handle *supervisor.ProcessHandle) {
	if sess != nil {
		_ = sess.Close()
	}
	if handle != nil {
		termCtx, cancel := context.WithTimeout(context.Background(), o.grace+time.Second)
		_ = o.sup.Terminate(termCtx, handle, o.grace)
		cancel()
	}
}

// probeFor picks the readiness probe for a subprocess plan: HTTP health
// endpoint when configured, TCP dial for socket backends, process liveness
// for stdio.
func (o *Orchestrator) probeFor(plan *transport.LaunchPlan, handle *supervisor.ProcessHandle) supervisor.Probe {
	switch {
	case plan.HealthURL != "":
		return supervisor.HTTPProbe(plan.HealthURL)
	case plan.Port != 0:
		return supervisor.TCPProbe(fmt.Sprintf("127.0.0.1:%d", plan.Port))
	default:
		return supervisor.AliveProbe(handle)
	}
}

// openSession binds the proxy session for a resolved plan. Stdio sessions
// attach to the supervisor-started process's pipes; HTTP-family sessions get
// their own client.
func (*Orchestrator) openSession(plan *transport.LaunchPlan, handle *supervisor.ProcessHandle) (hub.Session, error) {
	if plan.Transport == hub.TransportStdio {
		return session.NewStdio(plan.BackendID, handle.Stdin(), handle.Stdout()), nil
	}
	return session.OpenHTTP(plan)
}

// OnBackendFailure handles a ready backend dying: a failed health check or a
// failed forwarded call. The backend transitions to failed with the cause
// recorded, its resources are released, and, when its spec allows, a fresh
// load cycle is scheduled.
func (o *Orchestrator) OnBackendFailure(id string, cause error) {
	if err := o.reg.Transition(id, hub.StatusFailed, registry.Detail{Err: cause}); err != nil {
		// Already failed or mid-transition elsewhere; nothing to do.
		return
	}
	logger.Errorw("ready backend failed", "backend", id, "error", cause)

	o.clearProxy(id)
	if o.metrics != nil {
		o.metrics.BackendReady(context.Background(), -1)
	}

	sess, handle := o.reg.Attachments(id)
	o.releaseResources(sess, handle)
	o.reg.Detach(id)

	o.maybeRecover(id)
}

// maybeRecover schedules a fresh load cycle for a failed backend whose spec
// enables auto-restart and whose recovery budget is not exhausted.
func (o *Orchestrator) maybeRecover(id string) {
	spec, err := o.reg.Spec(id)
	if err != nil || !spec.AutoRestart {
		return
	}
	snap, err := o.reg.Snapshot(id)
	if err != nil {
		return
	}
	if spec.MaxRecoveries > 0 && snap.Recoveries >= spec.MaxRecoveries {
		logger.Warnw("backend exhausted its recovery budget",
			"backend", id, "recoveries", snap.Recoveries)
		return
	}

	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if err := o.reg.Transition(id, hub.StatusPending, registry.Detail{}); err != nil {
		return
	}
	logger.Infow("scheduling backend recovery", "backend", id, "cycle", snap.Recoveries+1)

	o.loads.Add(1)
	go func() {
		defer o.loads.Done()
		o.loadCycle(o.runCtx, id)
	}()
}

// Restart manually recovers a failed or disabled backend.
func (o *Orchestrator) Restart(_ context.Context, id string) error {
	snap, err := o.reg.Snapshot(id)
	if err != nil {
		return err
	}
	if snap.Status != hub.StatusFailed && snap.Status != hub.StatusDisabled {
		return fmt.Errorf("%w: backend %q is %s, restart applies to failed or disabled backends",
			hub.ErrIllegalTransition, id, snap.Status)
	}

	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return errors.New("orchestrator is shutting down")
	}
	o.mu.Unlock()

	if err := o.reg.Transition(id, hub.StatusPending, registry.Detail{}); err != nil {
		return err
	}

	o.loads.Add(1)
	go func() {
		defer o.loads.Done()
		o.loadCycle(o.runCtx, id)
	}()
	return nil
}

// ListBackends returns the aggregate operator view: one snapshot per backend
// with its lifecycle state, last error and capability counts.
func (o *Orchestrator) ListBackends() []hub.Snapshot {
	return o.reg.SnapshotAll()
}

// Snapshot returns one backend's operator view.
func (o *Orchestrator) Snapshot(id string) (hub.Snapshot, error) {
	return o.reg.Snapshot(id)
}

// Shutdown cancels in-flight load sequences, waits for them to unwind, then
// concurrently releases every backend's resources. Per-backend cleanup
// errors are collected and logged, never propagated: shutdown always
// completes, and afterwards no hub-started subprocess remains.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return nil
	}
	o.shuttingDown = true
	o.mu.Unlock()
	o.runCancel()

	// A backend stuck mid-startup must not block process exit: the canceled
	// context unwinds its load cycle first.
	o.loads.Wait()

	g := new(errgroup.Group)
	for _, id := range o.reg.IDs() {
		id := id
		g.Go(func() error {
			sess, handle := o.reg.Attachments(id)
			o.releaseResources(sess, handle)
			o.reg.Detach(id)
			o.clearProxy(id)

			if snap, err := o.reg.Snapshot(id); err == nil && snap.Status != hub.StatusDisabled {
				if terr := o.reg.Transition(id, hub.StatusDisabled, registry.Detail{}); terr != nil {
					logger.Warnw("failed to mark backend disabled on shutdown",
						"backend", id, "error", terr)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	logger.Info("hub shutdown complete")
	return nil
}

func (o *Orchestrator) recordOutcome(ctx context.Context, id, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordLoadOutcome(ctx, id, outcome)
	}
}

func (o *Orchestrator) setProxy(id string, h http.Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.proxies[id] = h
}

func (o *Orchestrator) clearProxy(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.proxies, id)
}

func (o *Orchestrator) proxy(id string) (http.Handler, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.proxies[id]
	return h, ok
}
