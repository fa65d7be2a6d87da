// Package occupancy tracks what fraction of its time a worker spends running
// jobs, overall and over trailing 15s, 5m and 30m windows.
//
// Each Update records a snapshot of cumulative busy time. A window's rate is
// the busy time accumulated since the oldest snapshot inside the window,
// divided by the time elapsed since that snapshot. The denominator is the span
// the history actually covers, not the nominal window length, so a worker
// busy for its first 10 seconds reports 1.0 in every window. A window with no
// snapshot yet reports nil, so "just started" is distinguishable from "idle".
package occupancy

import (
	"sync"
	"time"
)

// Window lengths.
const (
	Window15s = 15 * time.Second
	Window5m  = 5 * time.Minute
	Window30m = 30 * time.Minute
)

// Rates is the result of one Update. Windowed rates are nil until the
// history covers part of the window.
type Rates struct {
	Instant float32
	R15s    *float32
	R5m     *float32
	R30m    *float32
}

type sample struct {
	elapsed  time.Duration // since tracker start
	occupied time.Duration // cumulative busy time at that moment
}

// Metrics is the per-process occupancy tracker. It is never persisted and
// starts from zero on every restart. Safe for concurrent use.
type Metrics struct {
	mu           sync.Mutex
	now          func() time.Time
	start        time.Time
	busyTotal    time.Duration
	runningSince time.Time
	running      int
	history      []sample
}

// New returns a tracker whose clock starts now.
func New() *Metrics {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Metrics {
	return &Metrics{now: now, start: now()}
}

// JobStarted marks the worker busy. Nested calls are counted; the worker
// stays busy until the matching number of JobFinished calls.
func (m *Metrics) JobStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running == 0 {
		m.runningSince = m.now()
	}
	m.running++
}

// JobFinished marks the end of a job started with JobStarted.
func (m *Metrics) JobFinished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running == 0 {
		return
	}
	m.running--
	if m.running == 0 {
		m.busyTotal += m.now().Sub(m.runningSince)
		m.runningSince = time.Time{}
	}
}

// Update takes a snapshot, computes the current rates and evicts snapshots
// older than the 30 minute window.
func (m *Metrics) Update() Rates {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	occupied := m.busyTotal
	if m.running > 0 {
		occupied += now.Sub(m.runningSince)
	}
	elapsed := now.Sub(m.start)

	r := Rates{Instant: ratio(occupied, elapsed)}

	cut := len(m.history)
	for i, s := range m.history {
		diff := elapsed - s.elapsed
		if diff >= Window30m {
			continue
		}
		if cut == len(m.history) {
			cut = i
		}
		if diff <= 0 {
			break
		}
		rate := ratio(occupied-s.occupied, diff)
		if r.R30m == nil {
			r.R30m = &rate
		}
		if diff < Window5m && r.R5m == nil {
			v := rate
			r.R5m = &v
		}
		if diff < Window15s {
			v := rate
			r.R15s = &v
			break
		}
	}

	m.history = append(m.history[:0], m.history[cut:]...)
	m.history = append(m.history, sample{elapsed: elapsed, occupied: occupied})
	return r
}

// historyLen is used by tests to check eviction.
func (m *Metrics) historyLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

func ratio(busy, over time.Duration) float32 {
	if over <= 0 {
		return 0
	}
	v := float32(busy.Seconds() / over.Seconds())
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
