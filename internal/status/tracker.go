package status

import (
	"sync"
	"time"

	"github.com/JakeFAU/chapterbot/internal/updater"
)

// Tracker owns the CycleStatus. The worker is its only writer; readers get
// copies through Snapshot.
type Tracker struct {
	mu    sync.RWMutex
	clock updater.Clock
	ring  *ErrorRing
	st    updater.CycleStatus
}

// NewTracker creates a Tracker. A successful previous run is assumed until a
// fatal error proves otherwise.
func NewTracker(clock updater.Clock, ring *ErrorRing) *Tracker {
	if ring == nil {
		ring = NewErrorRing(DefaultMaxErrors, DefaultRetainErrors)
	}
	return &Tracker{
		clock: clock,
		ring:  ring,
		st:    updater.CycleStatus{LastRunSucceeded: true},
	}
}

// Begin marks a cycle as running and resets the per-run counters. The error
// log carries over between runs.
func (t *Tracker) Begin(runID string) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.Running = true
	t.st.RunID = runID
	t.st.LastRunStartedAt = &now
	t.st.Checked = 0
	t.st.Updated = 0
	t.st.Outcome = ""
	t.st.AbortReason = ""
}

// IncChecked counts an attempted source.
func (t *Tracker) IncChecked() {
	t.mu.Lock()
	t.st.Checked++
	t.mu.Unlock()
}

// IncUpdated counts an advanced source.
func (t *Tracker) IncUpdated() {
	t.mu.Lock()
	t.st.Updated++
	t.mu.Unlock()
}

// RecordError appends to the error log.
func (t *Tracker) RecordError(sourceID string, kind updater.ErrorKind, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.ring.Push(updater.ErrorEntry{
		Timestamp: t.clock.Now(),
		SourceID:  sourceID,
		Kind:      kind,
		Message:   msg,
	})
}

// Finish clears the running flag and stamps the outcome.
func (t *Tracker) Finish(outcome updater.Outcome, succeeded bool, reason string, nextRunAt time.Time) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.Running = false
	t.st.LastRunFinishedAt = &now
	t.st.LastRunSucceeded = succeeded
	t.st.Outcome = outcome
	t.st.AbortReason = reason
	if !nextRunAt.IsZero() {
		t.st.NextRunAt = &nextRunAt
	}
}

// SetNextRun overrides the next scheduled run.
func (t *Tracker) SetNextRun(at time.Time) {
	t.mu.Lock()
	t.st.NextRunAt = &at
	t.mu.Unlock()
}

// Snapshot returns a copy of the status including the error log.
func (t *Tracker) Snapshot() updater.CycleStatus {
	t.mu.RLock()
	st := t.st
	t.mu.RUnlock()
	st.Errors = t.ring.Snapshot()
	return st
}
