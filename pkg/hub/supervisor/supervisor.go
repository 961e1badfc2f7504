// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package supervisor owns the lifecycle of subprocess-backed backends: it
// starts them with captured output, waits for readiness with a fail-fast on
// early exit, and terminates them gracefully with a forced fallback.
//
// One ProcessHandle represents one OS process. The handle's output buffers
// are owned here; other components only ever see copied tails, which travel
// with every failure so diagnostics reach the status surface intact.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/stacklok/toolhub/pkg/hub"
	"github.com/stacklok/toolhub/pkg/hub/transport"
	"github.com/stacklok/toolhub/pkg/logger"
)

const (
	// probeInterval is the fixed delay between readiness probe attempts.
	probeInterval = 200 * time.Millisecond

	// tailLines is how many captured lines accompany a failure.
	tailLines = 20

	// pipeDrainTimeout bounds how long the waiter lets the capture readers
	// drain after the process itself has exited. A grandchild that inherited
	// the pipes can hold them open indefinitely; the exit must not wait on it.
	pipeDrainTimeout = time.Second
)

// ProcessHandle is the running process owned by the supervisor that started
// it. Other components observe it only through copies: the tail, the PID and
// the exit code are safe to read concurrently, the pipes belong to exactly
// one session.
type ProcessHandle struct {
	backendID string
	cmd       *exec.Cmd
	pid       int

	// stdin/stdout are retained only for stdio-transport backends, where
	// stdout is the protocol channel rather than a log stream.
	stdin  io.WriteCloser
	stdout io.ReadCloser

	stdoutRing *ring
	stderrRing *ring

	// done closes when the waiter goroutine has reaped the process.
	done chan struct{}

	mu         sync.Mutex
	exitCode   int
	exited     bool
	terminated bool
}

// PID returns the operating system process ID.
func (h *ProcessHandle) PID() int {
	return h.pid
}

// Done returns a channel closed once the process has exited and been reaped.
func (h *ProcessHandle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the exit code and whether the process has exited.
func (h *ProcessHandle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exited
}

// Exited reports whether the process has exited.
func (h *ProcessHandle) Exited() bool {
	_, exited := h.ExitCode()
	return exited
}

// Stdin returns the process's stdin pipe. Nil for non-stdio transports.
func (h *ProcessHandle) Stdin() io.WriteCloser {
	return h.stdin
}

// Stdout returns the process's stdout pipe. Nil for non-stdio transports,
// where stdout is captured into the diagnostic ring instead.
func (h *ProcessHandle) Stdout() io.ReadCloser {
	return h.stdout
}

// Tail returns a copy of the most recent captured output, stdout lines first,
// then stderr, each oldest first.
func (h *ProcessHandle) Tail() []string {
	out := h.stdoutRing.Tail(tailLines)
	return append(out, h.stderrRing.Tail(tailLines)...)
}

// Probe reports whether a just-started backend can accept calls. A nil error
// means ready; any error means "not yet" and the poll continues.
type Probe func(ctx context.Context) error

// Supervisor starts, watches, and stops subprocess backends. It holds no
// per-process state itself; each Start returns an independent handle.
type Supervisor struct{}

// New creates a Supervisor.
func New() *Supervisor {
	return &Supervisor{}
}

// Start spawns the process described by the plan and begins capturing its
// output. For stdio transports stdout is the protocol channel and is handed
// to the session layer untouched; only stderr is line-captured. For all other
// transports both streams are captured and mirrored to the log.
func (*Supervisor) Start(plan *transport.LaunchPlan) (*ProcessHandle, error) {
	//nolint:gosec // argv comes from validated backend configuration
	cmd := exec.Command(plan.Command, plan.Args...)
	cmd.Env = plan.Env
	cmd.Dir = plan.WorkDir

	handle := &ProcessHandle{
		backendID:  plan.BackendID,
		cmd:        cmd,
		stdoutRing: newRing(defaultRingCap),
		stderrRing: newRing(defaultRingCap),
		done:       make(chan struct{}),
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, hub.NewConfigError(plan.BackendID, "stderr pipe: %v", err)
	}

	isStdio := plan.Transport == hub.TransportStdio
	var stdout io.ReadCloser
	if isStdio {
		stdin, pipeErr := cmd.StdinPipe()
		if pipeErr != nil {
			return nil, hub.NewConfigError(plan.BackendID, "stdin pipe: %v", pipeErr)
		}
		protoOut, pipeErr := cmd.StdoutPipe()
		if pipeErr != nil {
			return nil, hub.NewConfigError(plan.BackendID, "stdout pipe: %v", pipeErr)
		}
		handle.stdin = stdin
		handle.stdout = protoOut
	} else {
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return nil, hub.NewConfigError(plan.BackendID, "stdout pipe: %v", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, &hub.StartupError{BackendID: plan.BackendID, ExitCode: -1, Tail: []string{err.Error()}}
	}
	handle.pid = cmd.Process.Pid

	// Non-blocking readers: each captured line lands in the bounded ring and
	// is mirrored to the structured log.
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		scanLines(stderr, handle.stderrRing, func(line string) {
			logger.Warnw("backend stderr", "backend", plan.BackendID, "line", line)
		})
	}()
	if stdout != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			scanLines(stdout, handle.stdoutRing, func(line string) {
				logger.Infow("backend stdout", "backend", plan.BackendID, "line", line)
			})
		}()
	}

	readersDone := make(chan struct{})
	go func() {
		readers.Wait()
		close(readersDone)
	}()

	// Waiter: reap the process the moment it exits, independently of the
	// capture readers. Done must never hang on a pipe a grandchild inherited,
	// so the readers get a bounded window to drain and are then cut loose.
	go func() {
		state, waitErr := cmd.Process.Wait()

		select {
		case <-readersDone:
		case <-time.After(pipeDrainTimeout):
		}
		_ = stderr.Close()
		if stdout != nil {
			_ = stdout.Close()
		}

		handle.mu.Lock()
		handle.exitCode = exitCodeFrom(state, waitErr)
		handle.exited = true
		handle.mu.Unlock()
		close(handle.done)

		logger.Debugw("backend process exited",
			"backend", plan.BackendID, "pid", handle.pid, "code", handle.exitCode)
	}()

	logger.Infow("backend process started", "backend", plan.BackendID, "pid", handle.pid)
	return handle, nil
}

// AwaitReady polls the probe every 200ms until it succeeds, the timeout
// elapses, or the process exits, whichever comes first. An early exit fails
// immediately with a StartupError rather than waiting out the timeout; a
// timeout with the process still alive fails with a TimeoutError. Both carry
// the captured output tail.
func (*Supervisor) AwaitReady(ctx context.Context, handle *ProcessHandle, probe Probe, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	// Probe once immediately so fast backends don't pay a full interval.
	if err := probe(ctx); err == nil {
		return nil
	}

	for {
		select {
		case <-handle.Done():
			code, _ := handle.ExitCode()
			return &hub.StartupError{BackendID: handle.backendID, ExitCode: code, Tail: handle.Tail()}
		case <-deadline.C:
			return &hub.TimeoutError{BackendID: handle.backendID, Timeout: timeout, Tail: handle.Tail()}
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := probe(ctx); err == nil {
				return nil
			}
		}
	}
}

// Terminate asks the process to exit, waits up to grace, then force-kills.
// Terminating an already-exited or already-terminated handle is a no-op.
func (*Supervisor) Terminate(ctx context.Context, handle *ProcessHandle, grace time.Duration) error {
	handle.mu.Lock()
	if handle.terminated || handle.exited {
		handle.mu.Unlock()
		return nil
	}
	handle.terminated = true
	handle.mu.Unlock()

	if err := handle.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// The process may have exited between the check and the signal.
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case <-handle.Done():
		return nil
	case <-ctx.Done():
	case <-graceTimer.C:
	}

	logger.Warnw("backend did not exit within grace period, killing",
		"backend", handle.backendID, "pid", handle.pid)
	_ = handle.cmd.Process.Kill()
	<-handle.Done()
	return nil
}

// scanLines reads a stream line by line into the ring, invoking emit for each.
func scanLines(r io.Reader, buf *ring, emit func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.Append(line)
		emit(line)
	}
}

// exitCodeFrom extracts the process exit code from its wait state. Deaths by
// signal report as 128 plus the signal number.
func exitCodeFrom(state *os.ProcessState, err error) int {
	if err != nil || state == nil {
		return -1
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return 128 + int(status.Signal())
		}
		return status.ExitStatus()
	}
	return state.ExitCode()
}
