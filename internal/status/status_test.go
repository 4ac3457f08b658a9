package status

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/chapterbot/internal/clock/fake"
	"github.com/JakeFAU/chapterbot/internal/updater"
)

func entries(n int) []updater.ErrorEntry {
	out := make([]updater.ErrorEntry, n)
	for i := range out {
		out[i] = updater.ErrorEntry{
			Timestamp: time.Unix(int64(i), 0),
			SourceID:  fmt.Sprintf("n%d", i),
			Kind:      updater.KindNetwork,
			Message:   "timeout",
		}
	}
	return out
}

func TestErrorRingBulkOverflowRetainsNewest(t *testing.T) {
	t.Parallel()

	ring := NewErrorRing(100, 50)
	ring.Push(entries(110)...)

	got := ring.Snapshot()
	require.Len(t, got, 50)
	require.Equal(t, "n60", got[0].SourceID)
	require.Equal(t, "n109", got[49].SourceID)
}

func TestErrorRingSequentialStaysBounded(t *testing.T) {
	t.Parallel()

	ring := NewErrorRing(10, 4)
	for i, e := range entries(37) {
		ring.Push(e)
		require.LessOrEqual(t, ring.Len(), 10, "after push %d", i)
	}
	got := ring.Snapshot()
	require.Equal(t, "n36", got[len(got)-1].SourceID)
}

func TestErrorRingBoundsNormalized(t *testing.T) {
	t.Parallel()

	ring := NewErrorRing(0, 0)
	require.Equal(t, DefaultMaxErrors, ring.max)
	require.Equal(t, DefaultRetainErrors, ring.retain)

	ring = NewErrorRing(5, 20)
	require.Equal(t, 5, ring.retain)
}

func TestTrackerLifecycle(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := fake.New(start)
	tr := NewTracker(clk, NewErrorRing(100, 50))

	require.True(t, tr.Snapshot().LastRunSucceeded)

	tr.Begin("run-1")
	tr.IncChecked()
	tr.IncChecked()
	tr.IncUpdated()
	tr.RecordError("n2", updater.KindParse, errors.New("no chapter"))

	st := tr.Snapshot()
	require.True(t, st.Running)
	require.Equal(t, "run-1", st.RunID)
	require.Equal(t, 2, st.Checked)
	require.Equal(t, 1, st.Updated)
	require.Len(t, st.Errors, 1)
	require.Equal(t, start, *st.LastRunStartedAt)

	clk.Advance(time.Minute)
	next := clk.Now().Add(30 * time.Minute)
	tr.Finish(updater.OutcomeCompleted, true, "", next)

	st = tr.Snapshot()
	require.False(t, st.Running)
	require.Equal(t, updater.OutcomeCompleted, st.Outcome)
	require.Equal(t, next, *st.NextRunAt)

	// Counters reset on the next run, the error log does not.
	tr.Begin("run-2")
	st = tr.Snapshot()
	require.Zero(t, st.Checked)
	require.Zero(t, st.Updated)
	require.Len(t, st.Errors, 1)
}

func TestTrackerConcurrentReaders(t *testing.T) {
	t.Parallel()

	tr := NewTracker(fake.New(time.Unix(0, 0)), nil)
	tr.Begin("run")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = tr.Snapshot()
			}
		}()
	}
	for j := 0; j < 50; j++ {
		tr.IncChecked()
	}
	wg.Wait()
	require.Equal(t, 50, tr.Snapshot().Checked)
}
