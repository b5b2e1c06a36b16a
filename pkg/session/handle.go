package session

import "sync"

// refHandle shares ownership of one engine object between several holders.
// The release function runs exactly once, when the last reference is dropped.
type refHandle struct {
	mu      sync.Mutex
	refs    int
	release func()
}

func newRefHandle(refs int, release func()) *refHandle {
	if refs < 1 {
		panic("refHandle needs at least one reference")
	}
	return &refHandle{refs: refs, release: release}
}

// acquire adds a reference. It reports false if the object is already gone,
// in which case the caller must not use it.
func (h *refHandle) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return false
	}
	h.refs++
	return true
}

// drop removes one reference, releasing the object when none remain.
// Dropping more references than were taken is a bug and panics.
func (h *refHandle) drop() {
	h.mu.Lock()
	if h.refs == 0 {
		h.mu.Unlock()
		panic("refHandle released twice")
	}
	h.refs--
	last := h.refs == 0
	h.mu.Unlock()
	if last && h.release != nil {
		h.release()
	}
}

// dropIfAlive removes one reference if any remain, reporting whether it did.
// Unlike drop, racing callers cannot over-release: the losers see a dead
// handle and back off.
func (h *refHandle) dropIfAlive() bool {
	h.mu.Lock()
	if h.refs == 0 {
		h.mu.Unlock()
		return false
	}
	h.refs--
	last := h.refs == 0
	h.mu.Unlock()
	if last && h.release != nil {
		h.release()
	}
	return true
}

// alive reports whether at least one reference remains.
func (h *refHandle) alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs > 0
}
