// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/chapterbot/internal/api"
	"github.com/JakeFAU/chapterbot/internal/clock/system"
	"github.com/JakeFAU/chapterbot/internal/config"
	"github.com/JakeFAU/chapterbot/internal/dispatcher"
	"github.com/JakeFAU/chapterbot/internal/extract"
	collyfetcher "github.com/JakeFAU/chapterbot/internal/fetcher/colly"
	"github.com/JakeFAU/chapterbot/internal/fetcher/headless"
	"github.com/JakeFAU/chapterbot/internal/id/uuid"
	"github.com/JakeFAU/chapterbot/internal/metrics"
	"github.com/JakeFAU/chapterbot/internal/notify"
	"github.com/JakeFAU/chapterbot/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/chapterbot/internal/publisher/pubsub"
	"github.com/JakeFAU/chapterbot/internal/snapshot"
	"github.com/JakeFAU/chapterbot/internal/status"
	"github.com/JakeFAU/chapterbot/internal/storage/gcs"
	"github.com/JakeFAU/chapterbot/internal/storage/local"
	"github.com/JakeFAU/chapterbot/internal/storage/memory"
	"github.com/JakeFAU/chapterbot/internal/storage/postgres"
	"github.com/JakeFAU/chapterbot/internal/storage/sqlite"
	"github.com/JakeFAU/chapterbot/internal/updater"
	"github.com/JakeFAU/chapterbot/internal/worker"
)

const defaultSQLitePath = "data/chapterbot.db"

// SourceBackend is a source store that also writes notifications.
type SourceBackend interface {
	updater.SourceStore
	updater.Notifier
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
}

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  updater.Clock

	store      SourceBackend
	fetcher    updater.Fetcher
	worker     *worker.Worker
	dispatcher *dispatcher.Dispatcher
	server     *api.Server

	closers []func() error
}

// Option overrides a dependency, mainly for tests.
type Option func(*options)

type options struct {
	store   SourceBackend
	fetcher updater.Fetcher
	clock   updater.Clock
}

// WithSourceBackend skips opening the configured database.
func WithSourceBackend(store SourceBackend) Option {
	return func(o *options) { o.store = store }
}

// WithFetcher skips building the configured fetcher.
func WithFetcher(f updater.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithClock replaces the system clock.
func WithClock(c updater.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New creates and initializes the App from cfg. It fails fast if any
// critical service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger, clock: o.clock}
	if a.clock == nil {
		a.clock = system.New()
	}
	metrics.Init()
	logger.Info("initializing application services")

	a.store = o.store
	if a.store == nil {
		store, err := a.openStore(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = store
	}

	a.fetcher = o.fetcher
	if a.fetcher == nil {
		a.fetcher = a.buildFetcher()
	}

	publisher, err := a.openPublisher(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	archiver, err := a.openArchiver(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	notifier := notify.New(a.store, publisher, a.clock, logger.Named("notify"))
	throttle := ratelimit.New(ratelimit.Config{
		MinGap:        cfg.Throttle.MinRequestGap,
		LongCooldown:  cfg.Throttle.LongCooldown,
		ShortCooldown: cfg.Throttle.ShortCooldown,
	}, a.clock, logger.Named("throttle"))
	tracker := status.NewTracker(a.clock, status.NewErrorRing(cfg.Errors.Max, cfg.Errors.Retain))

	a.worker = worker.New(
		a.store,
		notifier,
		a.fetcher,
		extract.New(extract.WithClock(a.clock.Now), extract.WithLogger(logger.Named("extract"))),
		throttle,
		tracker,
		archiver,
		uuid.New(),
		a.clock,
		worker.Config{
			BatchSize:      cfg.Cycle.BatchSize,
			BatchInterval:  cfg.Cycle.BatchInterval,
			StaleThreshold: cfg.Cycle.StaleThreshold(),
			ListLimit:      cfg.Cycle.ListLimit,
			FetchTimeout:   cfg.Cycle.FetchTimeout,
			CheckInterval:  cfg.Cycle.CheckInterval,
		},
		logger.Named("worker"),
	)
	a.dispatcher = dispatcher.New(a.worker, a.store, a.clock, dispatcher.Config{
		BusyRetry:            cfg.Cycle.BusyRetry,
		GracefulShutdownWait: cfg.Cycle.GracefulShutdownWait,
	}, logger.Named("dispatcher"))
	a.server = api.NewServer(a.dispatcher, a.store.Ping, a.clock, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger.Named("api"))

	logger.Info("application services initialized",
		zap.String("database", cfg.Database.Driver),
		zap.String("fetcher", cfg.Fetcher.Mode),
		zap.String("snapshots", cfg.Snapshots.Backend),
		zap.Bool("pubsub", publisher != nil),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (SourceBackend, error) {
	switch a.cfg.Database.Driver {
	case config.DriverSQLite:
		path := a.cfg.Database.DSN
		if path == "" {
			path = defaultSQLitePath
		}
		a.logger.Info("opening sqlite store", zap.String("path", path))
		store, err := sqlite.Open(ctx, path, sqlite.WithNow(a.clock.Now))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.DriverPostgres:
		a.logger.Info("connecting to postgres")
		store, err := postgres.NewSourceStore(ctx, postgres.Config{
			DSN:      a.cfg.Database.DSN,
			MaxConns: a.cfg.Database.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		return store, nil
	default:
		return nil, fmt.Errorf("unknown database driver: %s", a.cfg.Database.Driver)
	}
}

func (a *App) buildFetcher() updater.Fetcher {
	if a.cfg.Fetcher.Mode == config.FetcherHTTP {
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:      a.cfg.Fetcher.UserAgent,
			AcceptLanguage: a.cfg.Fetcher.AcceptLanguage,
			Timeout:        a.cfg.Cycle.FetchTimeout,
		})
	}
	return headless.New(headless.Config{
		UserAgent:         a.cfg.Fetcher.UserAgent,
		AcceptLanguage:    a.cfg.Fetcher.AcceptLanguage,
		NavigationTimeout: a.cfg.Cycle.FetchTimeout,
		LaunchTimeout:     a.cfg.Fetcher.LaunchTimeout,
		ExecPath:          a.cfg.Fetcher.ExecPath,
		NoSandbox:         a.cfg.Fetcher.NoSandbox,
	}, a.logger.Named("headless"))
}

// openPublisher returns a nil interface when publishing is disabled.
func (a *App) openPublisher(ctx context.Context) (updater.Publisher, error) {
	if !a.cfg.PubSub.Enabled() {
		return nil, nil
	}
	a.logger.Info("connecting to pubsub", zap.String("topic", a.cfg.PubSub.Topic))
	pub, err := pubsubpublisher.Open(ctx, pubsubpublisher.Config{
		ProjectID: a.cfg.PubSub.ProjectID,
		Topic:     a.cfg.PubSub.Topic,
	})
	if err != nil {
		return nil, fmt.Errorf("open pubsub publisher: %w", err)
	}
	a.closers = append(a.closers, pub.Close)
	return pub, nil
}

// openArchiver returns a nil interface when snapshots are disabled.
func (a *App) openArchiver(ctx context.Context) (updater.Archiver, error) {
	var blobs updater.BlobStore
	switch a.cfg.Snapshots.Backend {
	case config.SnapshotsNone, "":
		return nil, nil
	case config.SnapshotsMemory:
		blobs = memory.NewBlobStore()
	case config.SnapshotsLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Snapshots.Dir})
		if err != nil {
			return nil, fmt.Errorf("open local snapshots: %w", err)
		}
		blobs = store
	case config.SnapshotsGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Snapshots.Bucket})
		if err != nil {
			return nil, fmt.Errorf("open gcs snapshots: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		blobs = store
	default:
		return nil, fmt.Errorf("unknown snapshots backend: %s", a.cfg.Snapshots.Backend)
	}
	return snapshot.New(blobs, a.clock, a.cfg.Snapshots.Prefix), nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Worker returns the update cycle worker.
func (a *App) Worker() *worker.Worker {
	return a.worker
}

// Dispatcher returns the cycle scheduler.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatcher
}

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Migrate applies the store schema.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.logger.Info("schema migrated", zap.String("database", a.cfg.Database.Driver))
	return nil
}

// RunOnce runs a single update cycle and returns its status.
func (a *App) RunOnce(ctx context.Context) (updater.CycleStatus, error) {
	if !a.worker.RunCycle(ctx) {
		return a.worker.Status(), updater.ErrCycleRunning
	}
	st := a.worker.Status()
	if !st.LastRunSucceeded {
		return st, fmt.Errorf("update cycle failed: %s", st.AbortReason)
	}
	return st, nil
}

// Check runs one source through the pipeline.
func (a *App) Check(ctx context.Context, id string) (updater.CheckResult, error) {
	res, err := a.dispatcher.TriggerSingleSource(ctx, id)
	if err != nil {
		return updater.CheckResult{}, fmt.Errorf("check: %w", err)
	}
	return res, nil
}

// Serve runs the scheduler and the admin HTTP server until ctx is done, then
// shuts both down gracefully.
func (a *App) Serve(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	schedulerDone := make(chan struct{})
	go func() {
		a.dispatcher.Run(runCtx)
		close(schedulerDone)
	}()

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err = <-serveErr:
		a.logger.Error("http server error", zap.Error(err))
		err = fmt.Errorf("http server: %w", err)
	}
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.Cycle.GracefulShutdownWait+10*time.Second)
	defer cancelShutdown()
	if shutdownErr := a.dispatcher.Shutdown(shutdownCtx); shutdownErr != nil {
		a.logger.Warn("scheduler shutdown", zap.Error(shutdownErr))
	}
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		a.logger.Error("server shutdown error", zap.Error(shutdownErr))
	}
	<-schedulerDone
	a.logger.Info("shutdown complete")
	return err
}

// Close releases every service in reverse order of creation.
func (a *App) Close() {
	if a.fetcher != nil {
		a.fetcher.Release()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}
