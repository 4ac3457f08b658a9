package headless

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/chapterbot/internal/updater"
)

type fakeLauncher struct {
	calls   atomic.Int32
	delay   time.Duration
	err     error
	release chan struct{}
}

func (f *fakeLauncher) launch(ctx context.Context, _ Config) (*Browser, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	bctx, cancel := context.WithCancel(context.Background())
	return NewBrowser(bctx, cancel), nil
}

func TestAcquireConcurrentCallersShareOneLaunch(t *testing.T) {
	t.Parallel()

	fl := &fakeLauncher{release: make(chan struct{})}
	m := New(Config{}, zap.NewNop(), WithLauncher(fl.launch))

	const callers = 10
	var wg sync.WaitGroup
	browsers := make([]*Browser, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			browsers[i], errs[i] = m.Acquire(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool {
		return m.State() == StateLaunching
	}, time.Second, 5*time.Millisecond)
	close(fl.release)
	wg.Wait()

	require.Equal(t, int32(1), fl.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Same(t, browsers[0], browsers[i])
	}
	require.Equal(t, StateReady, m.State())
}

func TestAcquireReusesLiveBrowser(t *testing.T) {
	t.Parallel()

	fl := &fakeLauncher{}
	m := New(Config{}, zap.NewNop(), WithLauncher(fl.launch))

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)
	second, err := m.Acquire(context.Background())
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, int32(1), fl.calls.Load())
}

func TestAcquireRelaunchesAfterRelease(t *testing.T) {
	t.Parallel()

	fl := &fakeLauncher{}
	m := New(Config{}, zap.NewNop(), WithLauncher(fl.launch))

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)
	m.Release()
	require.Equal(t, StateAbsent, m.State())
	require.Error(t, first.Context().Err(), "released browser should be canceled")

	second, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, int32(2), fl.calls.Load())

	// Release is idempotent.
	m.Release()
	m.Release()
}

func TestAcquireRelaunchesDeadBrowser(t *testing.T) {
	t.Parallel()

	fl := &fakeLauncher{}
	m := New(Config{}, zap.NewNop(), WithLauncher(fl.launch))

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)
	first.cancel()

	second, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, int32(2), fl.calls.Load())
}

func TestAcquireLaunchFailureIsSharedAndNotRetried(t *testing.T) {
	t.Parallel()

	fl := &fakeLauncher{release: make(chan struct{}), err: errors.New("chrome not found")}
	m := New(Config{}, zap.NewNop(), WithLauncher(fl.launch))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Acquire(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool {
		return m.State() == StateLaunching
	}, time.Second, 5*time.Millisecond)
	close(fl.release)
	wg.Wait()

	require.Equal(t, int32(1), fl.calls.Load())
	for _, err := range errs {
		require.ErrorIs(t, err, updater.ErrResource)
		require.Equal(t, updater.KindResource, updater.KindOf(err))
	}
	require.Equal(t, StateAbsent, m.State())
}

func TestAcquireWaiterHonorsContext(t *testing.T) {
	t.Parallel()

	fl := &fakeLauncher{release: make(chan struct{})}
	m := New(Config{}, zap.NewNop(), WithLauncher(fl.launch))

	go func() {
		_, _ = m.Acquire(context.Background())
	}()
	require.Eventually(t, func() bool {
		return m.State() == StateLaunching
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(fl.release)
	require.Eventually(t, func() bool {
		return m.State() == StateReady
	}, time.Second, 5*time.Millisecond)
}

func TestLaunchOutlivesCallerDeadline(t *testing.T) {
	t.Parallel()

	launchCtx := make(chan context.Context, 1)
	release := make(chan struct{})
	launcher := func(ctx context.Context, _ Config) (*Browser, error) {
		launchCtx <- ctx
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		bctx, cancel := context.WithCancel(context.Background())
		return NewBrowser(bctx, cancel), nil
	}
	m := New(Config{LaunchTimeout: time.Minute}, zap.NewNop(), WithLauncher(launcher))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got := <-launchCtx
	deadline, ok := got.Deadline()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
	require.NoError(t, got.Err(), "launch must not inherit the caller's deadline")

	close(release)
	require.Eventually(t, func() bool {
		return m.State() == StateReady
	}, time.Second, 5*time.Millisecond)
}

func TestLaunchTimeoutFailsAcquire(t *testing.T) {
	t.Parallel()

	fl := &fakeLauncher{release: make(chan struct{})}
	m := New(Config{LaunchTimeout: 20 * time.Millisecond}, zap.NewNop(), WithLauncher(fl.launch))

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, updater.ErrResource)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StateAbsent, m.State())
}

func TestSessionClosed(t *testing.T) {
	t.Parallel()

	require.False(t, sessionClosed(nil))
	require.True(t, sessionClosed(errors.New("websocket: close 1006 (abnormal closure)")))
	require.True(t, sessionClosed(errors.New("read: use of closed network connection")))
	require.False(t, sessionClosed(context.DeadlineExceeded))
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status: 403,
			URL:    "https://origin.example/novel-book/title",
		},
	})
	status, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "https://origin.example/novel-book/title", url)

	// Sub-resources never overwrite the document status.
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 200, URL: "https://cdn/img.png"},
	})
	status, _ = meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, http.StatusForbidden, status)

	meta = newResponseMeta()
	status, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	m := New(Config{}, nil)
	require.Equal(t, defaultNavTimeout, m.cfg.NavigationTimeout)
	require.Equal(t, defaultLaunchTimeout, m.cfg.LaunchTimeout)
	require.Equal(t, StateAbsent, m.State())
}
