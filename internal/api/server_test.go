package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/chapterbot/internal/clock/fake"
	"github.com/JakeFAU/chapterbot/internal/updater"
)

var testNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

type fakeScheduler struct {
	status    updater.CycleStatus
	throttle  updater.ThrottleState
	idle      bool
	checkRes  updater.CheckResult
	checkErr  error
	staleN    int64
	staleErr  error
	triggered int
	checked   []string
}

func (f *fakeScheduler) Status() updater.CycleStatus          { return f.status }
func (f *fakeScheduler) ThrottleState() updater.ThrottleState { return f.throttle }

func (f *fakeScheduler) TriggerCycle() bool {
	if !f.idle {
		return false
	}
	f.triggered++
	return true
}

func (f *fakeScheduler) TriggerSingleSource(_ context.Context, id string) (updater.CheckResult, error) {
	f.checked = append(f.checked, id)
	return f.checkRes, f.checkErr
}

func (f *fakeScheduler) ForceStaleAll(context.Context) (int64, error) {
	return f.staleN, f.staleErr
}

func newTestServer(sched *fakeScheduler, opts Options) *Server {
	return NewServer(sched, nil, fake.New(testNow), opts, nil)
}

func do(t *testing.T, s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestProbes(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeScheduler{}, Options{AuthEnabled: true, APIKey: "k"})
	rec := do(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/readyz", nil).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/metrics", nil).Code)
}

func TestReadyzReportsDependencyFailure(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeScheduler{}, func(context.Context) error { return errors.New("db down") },
		fake.New(testNow), Options{}, nil)
	rec := do(t, s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	started := testNow.Add(-time.Minute)
	sched := &fakeScheduler{
		status: updater.CycleStatus{
			Running:          true,
			LastRunStartedAt: &started,
			LastRunSucceeded: true,
			Checked:          3,
			Errors:           []updater.ErrorEntry{{SourceID: "n1", Kind: updater.KindParse, Message: "no chapter"}},
		},
		throttle: updater.ThrottleState{BlockedUntil: testNow.Add(time.Hour), BlockReason: "forbidden"},
	}
	s := newTestServer(sched, Options{})

	rec := do(t, s, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Cycle.Running)
	assert.Equal(t, 3, body.Cycle.Checked)
	require.Len(t, body.Cycle.Errors, 1)
	assert.Equal(t, updater.KindParse, body.Cycle.Errors[0].Kind)
	assert.True(t, body.Blocked)
	assert.Equal(t, "forbidden", body.Throttle.BlockReason)
}

func TestTriggerCycle(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{idle: true}
	s := newTestServer(sched, Options{})
	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/v1/cycles", nil).Code)
	require.Equal(t, 1, sched.triggered)

	sched.idle = false
	rec := do(t, s, http.MethodPost, "/v1/cycles", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "already running")
}

func TestForceStaleAll(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{staleN: 17}
	s := newTestServer(sched, Options{})
	rec := do(t, s, http.MethodPost, "/v1/sources/stale", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"reset":17}`, rec.Body.String())

	sched.staleErr = errors.New("db down")
	require.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodPost, "/v1/sources/stale", nil).Code)
}

func TestCheckSourceStatusMapping(t *testing.T) {
	t.Parallel()

	blocked := &updater.BlockedError{Until: testNow.Add(90 * time.Second), Remaining: 90 * time.Second, Reason: "rate_limited"}
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not found", fmt.Errorf("check source n1: %w", updater.ErrSourceNotFound), http.StatusNotFound},
		{"busy", updater.ErrCycleRunning, http.StatusConflict},
		{"blocked", updater.NewSourceError("n1", updater.KindOriginBlocked, blocked), http.StatusServiceUnavailable},
		{"network", updater.NewSourceError("n1", updater.KindNetwork, errors.New("reset")), http.StatusBadGateway},
		{"parse", updater.NewSourceError("n1", updater.KindParse, updater.ErrNoChapter), http.StatusBadGateway},
		{"resource", updater.NewSourceError("n1", updater.KindResource, updater.ErrResource), http.StatusBadGateway},
		{"storage", updater.NewSourceError("n1", updater.KindStorage, errors.New("disk")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(&fakeScheduler{checkErr: tc.err}, Options{})
			rec := do(t, s, http.MethodPost, "/v1/sources/n1/check", nil)
			require.Equal(t, tc.code, rec.Code)
			if tc.code == http.StatusServiceUnavailable {
				require.Equal(t, "90", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestCheckSourceReturnsResult(t *testing.T) {
	t.Parallel()

	prev := 12
	title := "Homecoming"
	sched := &fakeScheduler{checkRes: updater.CheckResult{
		SourceID: "n1",
		Previous: &prev,
		Current:  13,
		Title:    &title,
		IsNew:    true,
		Notified: 2,
	}}
	s := newTestServer(sched, Options{})

	rec := do(t, s, http.MethodPost, "/v1/sources/n1/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"n1"}, sched.checked)

	var got updater.CheckResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 13, got.Current)
	assert.True(t, got.IsNew)
	assert.Equal(t, "Homecoming", *got.Title)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeScheduler{}, Options{AuthEnabled: true, APIKey: "secret"})

	require.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/status", nil).Code)
	require.Equal(t, http.StatusForbidden,
		do(t, s, http.MethodGet, "/v1/status", http.Header{"X-Api-Key": {"wrong"}}).Code)
	require.Equal(t, http.StatusOK,
		do(t, s, http.MethodGet, "/v1/status", http.Header{"X-Api-Key": {"secret"}}).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/status?api_key=secret", nil).Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeScheduler{}, Options{})
	rec := do(t, s, http.MethodGet, "/healthz", http.Header{"X-Request-Id": {"abc"}})
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
