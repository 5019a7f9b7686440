// Package track correlates request dispatch with completion to measure
// elapsed time.
package track

import (
	"sync"
	"sync/atomic"
	"time"
)

// Handle identifies one in-flight request. A handle is valid from
// Start until the first Stop or Cancel for it; after that it is stale
// and further operations on it are no-ops.
type Handle struct {
	id uint64
}

// Tracker measures per-request durations. Safe for concurrent use;
// operations on distinct handles never interfere.
type Tracker struct {
	seq     atomic.Uint64
	mu      sync.Mutex
	started map[uint64]time.Time
	clock   func() time.Time
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		started: make(map[uint64]time.Time),
		clock:   time.Now,
	}
}

// Start registers a new in-flight request and returns its handle.
func (t *Tracker) Start() Handle {
	id := t.seq.Add(1)
	now := t.clock()

	t.mu.Lock()
	t.started[id] = now
	t.mu.Unlock()

	return Handle{id: id}
}

// Stop invalidates the handle and returns the elapsed time since its
// Start. The second return is false for an unknown or stale handle.
func (t *Tracker) Stop(h Handle) (time.Duration, bool) {
	t.mu.Lock()
	start, ok := t.started[h.id]
	if ok {
		delete(t.started, h.id)
	}
	t.mu.Unlock()

	if !ok {
		return 0, false
	}
	return t.clock().Sub(start), true
}

// Cancel invalidates the handle without producing a measurement. Used
// for requests that are abandoned before completion so their entries
// do not accumulate.
func (t *Tracker) Cancel(h Handle) {
	t.mu.Lock()
	delete(t.started, h.id)
	t.mu.Unlock()
}

// InFlight reports how many requests are currently tracked.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.started)
}
