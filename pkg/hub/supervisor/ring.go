// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import "sync"

// defaultRingCap bounds the captured output history per stream.
const defaultRingCap = 100

// ring is a bounded line buffer. Once full, appending drops the oldest line.
// All reads return copies; the live buffer is never shared.
type ring struct {
	mu    sync.Mutex
	lines []string
	cap   int
	start int
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = defaultRingCap
	}
	return &ring{
		lines: make([]string, capacity),
		cap:   capacity,
	}
}

// Append adds a line, evicting the oldest when the buffer is full.
func (r *ring) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < r.cap {
		r.lines[(r.start+r.count)%r.cap] = line
		r.count++
		return
	}
	r.lines[r.start] = line
	r.start = (r.start + 1) % r.cap
}

// Tail returns a copy of up to n most recent lines, oldest first.
func (r *ring) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > r.count || n < 0 {
		n = r.count
	}
	out := make([]string, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.lines[(r.start+i)%r.cap])
	}
	return out
}

// All returns a copy of every buffered line, oldest first.
func (r *ring) All() []string {
	return r.Tail(-1)
}
