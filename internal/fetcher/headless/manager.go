// Package headless owns the single headless browser used to fetch origin
// pages. The browser is launched lazily, reused while alive and torn down
// at the end of each cycle or when its session dies.
package headless

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/chapterbot/internal/metrics"
	"github.com/JakeFAU/chapterbot/internal/updater"
)

const (
	defaultNavTimeout    = 45 * time.Second
	defaultLaunchTimeout = 30 * time.Second
)

// State is the lifecycle phase of the browser handle.
type State string

// Browser lifecycle phases.
const (
	StateAbsent    State = "absent"
	StateLaunching State = "launching"
	StateReady     State = "ready"
)

// Config controls browser launch and navigation.
type Config struct {
	UserAgent         string
	AcceptLanguage    string
	NavigationTimeout time.Duration
	LaunchTimeout     time.Duration
	ExecPath          string
	NoSandbox         bool
}

// Launcher starts a browser. It is swapped out in tests.
type Launcher func(ctx context.Context, cfg Config) (*Browser, error)

// Browser is a launched browser handle.
type Browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

// NewBrowser wraps an existing browser context. cancel tears it down.
func NewBrowser(ctx context.Context, cancel context.CancelFunc) *Browser {
	return &Browser{ctx: ctx, cancel: cancel}
}

// Context returns the browser context new tabs derive from.
func (b *Browser) Context() context.Context {
	return b.ctx
}

func (b *Browser) alive() bool {
	if b == nil || b.ctx.Err() != nil {
		return false
	}
	if c := chromedp.FromContext(b.ctx); c != nil && c.Browser != nil {
		select {
		case <-c.Browser.LostConnection:
			return false
		default:
		}
	}
	return true
}

func (b *Browser) close() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
}

type launchCall struct {
	done    chan struct{}
	browser *Browser
	err     error
}

// Manager implements updater.Fetcher on top of one shared browser.
type Manager struct {
	cfg    Config
	launch Launcher
	logger *zap.Logger

	mu       sync.Mutex
	browser  *Browser
	inflight *launchCall
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLauncher replaces the chromedp launcher.
func WithLauncher(l Launcher) Option {
	return func(m *Manager) {
		if l != nil {
			m.launch = l
		}
	}
}

// New creates a Manager. No browser is started until the first Acquire.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = defaultLaunchTimeout
	}
	m := &Manager{cfg: cfg, launch: launchChrome, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State reports the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.inflight != nil:
		return StateLaunching
	case m.browser != nil:
		return StateReady
	default:
		return StateAbsent
	}
}

// Acquire returns a live browser, launching one if needed. Concurrent callers
// share a single in-flight launch and all receive its result.
func (m *Manager) Acquire(ctx context.Context) (*Browser, error) {
	m.mu.Lock()
	if b := m.browser; b != nil {
		if b.alive() {
			m.mu.Unlock()
			return b, nil
		}
		m.logger.Info("browser lost, discarding handle")
		b.close()
		m.browser = nil
	}
	if call := m.inflight; call != nil {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.browser, call.err
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for browser launch: %w", ctx.Err())
		}
	}
	call := &launchCall{done: make(chan struct{})}
	m.inflight = call
	m.mu.Unlock()

	// The launch is shared, so it is bounded by LaunchTimeout alone and
	// survives the first caller giving up.
	go m.runLaunch(context.WithoutCancel(ctx), call)

	select {
	case <-call.done:
		return call.browser, call.err
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for browser launch: %w", ctx.Err())
	}
}

func (m *Manager) runLaunch(parent context.Context, call *launchCall) {
	ctx, cancel := context.WithTimeout(parent, m.cfg.LaunchTimeout)
	defer cancel()

	start := time.Now()
	b, err := m.launch(ctx, m.cfg)

	m.mu.Lock()
	m.inflight = nil
	if err != nil {
		call.err = fmt.Errorf("%w: launch browser: %w", updater.ErrResource, err)
	} else {
		call.browser = b
		m.browser = b
	}
	m.mu.Unlock()
	close(call.done)

	if err != nil {
		metrics.ObserveBrowserLaunch("error")
		m.logger.Error("browser launch failed", zap.Error(err))
		return
	}
	metrics.ObserveBrowserLaunch("ok")
	m.logger.Info("browser launched", zap.Duration("took", time.Since(start)))
}

// Release tears down the browser. It is safe to call at any time.
func (m *Manager) Release() {
	m.mu.Lock()
	b := m.browser
	m.browser = nil
	m.mu.Unlock()
	if b != nil {
		b.close()
		m.logger.Debug("browser released")
	}
}

func (m *Manager) releaseIf(b *Browser) {
	m.mu.Lock()
	if m.browser != b {
		m.mu.Unlock()
		return
	}
	m.browser = nil
	m.mu.Unlock()
	b.close()
	m.logger.Warn("browser session closed, will relaunch on next fetch")
}

// Fetch renders url in a fresh tab. The tab is closed on every path.
func (m *Manager) Fetch(ctx context.Context, url string) (updater.Page, error) {
	b, err := m.Acquire(ctx)
	if err != nil {
		return updater.Page{}, err
	}

	tabCtx, cancelTab := chromedp.NewContext(b.ctx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, m.cfg.NavigationTimeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := m.run(taskCtx, url)
	elapsed := time.Since(start)
	metrics.ObserveFetch("headless", elapsed)
	if err != nil {
		if sessionClosed(err) || !b.alive() {
			m.releaseIf(b)
			return updater.Page{}, fmt.Errorf("%w: headless fetch %s: %w", updater.ErrResource, url, err)
		}
		return updater.Page{}, fmt.Errorf("headless fetch %s: %w", url, err)
	}

	status, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	return updater.Page{
		URL:        responseURL,
		StatusCode: status,
		Body:       []byte(html),
		Duration:   elapsed,
	}, nil
}

func (m *Manager) run(ctx context.Context, url string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		m.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (m *Manager) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if m.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(m.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if m.cfg.AcceptLanguage != "" {
			headers := network.Headers{"Accept-Language": m.cfg.AcceptLanguage}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func launchChrome(ctx context.Context, cfg Config) (*Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}

	// The browser must outlive ctx, so it hangs off Background. ctx only
	// bounds the warmup.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(browserCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("chromedp warmup: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup after %s: %w", cfg.LaunchTimeout, ctx.Err())
	}

	return &Browser{ctx: browserCtx, cancel: browserCancel, allocCancel: allocCancel}, nil
}

func sessionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, chromedp.ErrInvalidContext) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"websocket",
		"target closed",
		"session closed",
		"connection closed",
		"use of closed network connection",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
