// Package concurrency enforces at-most-one-active-run per concurrency
// group key. The superseded run is cancelled when a newer run acquires
// the same key.
package concurrency

import "sync"

// CancelFunc asks a run to cancel. Cancellation is cooperative and
// best-effort: the step executor checks between steps, and already
// started external effects are not undone.
type CancelFunc func()

// Decision is the outcome of an acquire
type Decision struct {
	CancelledPrevious bool
	PreviousRunID     string
}

// Governor owns the active-run pointer per group key. The single mutex
// guarantees exactly one acquire-or-cancel transition is in flight per
// key at a time.
type Governor struct {
	mu     sync.Mutex
	active map[string]*slot
}

type slot struct {
	runID  string
	cancel CancelFunc
}

// NewGovernor creates an empty governor
func NewGovernor() *Governor {
	return &Governor{active: make(map[string]*slot)}
}

// Acquire makes runID the active run for key. If another run held the
// key its cancel func fires before Acquire returns, so for any key only
// the most recently acquired run may be in a non-cancelled state.
func (g *Governor) Acquire(key, runID string, cancel CancelFunc) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.active[key]
	g.active[key] = &slot{runID: runID, cancel: cancel}
	if prev == nil {
		return Decision{}
	}
	if prev.cancel != nil {
		prev.cancel()
	}
	return Decision{CancelledPrevious: true, PreviousRunID: prev.runID}
}

// Release clears the key if runID still holds it. A run superseded by a
// newer acquire releases nothing.
func (g *Governor) Release(key, runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s, ok := g.active[key]; ok && s.runID == runID {
		delete(g.active, key)
	}
}

// Active returns the run currently holding the key, if any
func (g *Governor) Active(key string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.active[key]
	if !ok {
		return "", false
	}
	return s.runID, true
}
