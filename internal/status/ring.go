// Package status tracks the update cycle's visible state and the bounded
// log of recent failures.
package status

import (
	"sync"

	"github.com/JakeFAU/chapterbot/internal/updater"
)

// Default ring bounds.
const (
	DefaultMaxErrors    = 100
	DefaultRetainErrors = 50
)

// ErrorRing keeps recent errors. When an append pushes it past max entries it
// drops everything but the newest retain entries.
type ErrorRing struct {
	mu      sync.Mutex
	entries []updater.ErrorEntry
	max     int
	retain  int
}

// NewErrorRing creates a ring. Invalid bounds fall back to the defaults and
// retain is clamped to max.
func NewErrorRing(maxEntries, retain int) *ErrorRing {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxErrors
	}
	if retain <= 0 {
		retain = DefaultRetainErrors
	}
	if retain > maxEntries {
		retain = maxEntries
	}
	return &ErrorRing{max: maxEntries, retain: retain}
}

// Push appends entries and then enforces the bound once.
func (r *ErrorRing) Push(entries ...updater.ErrorEntry) {
	if len(entries) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entries...)
	if len(r.entries) > r.max {
		kept := make([]updater.ErrorEntry, r.retain)
		copy(kept, r.entries[len(r.entries)-r.retain:])
		r.entries = kept
	}
}

// Snapshot returns the entries oldest first.
func (r *ErrorRing) Snapshot() []updater.ErrorEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]updater.ErrorEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of stored entries.
func (r *ErrorRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
