// Package dispatcher schedules update cycles and owns the context they run under.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/chapterbot/internal/updater"
)

const (
	// DefaultBusyRetry is how long Run waits when a manual check holds the guard.
	DefaultBusyRetry = 30 * time.Second
	// DefaultGracefulShutdownWait bounds how long Shutdown waits for a cycle.
	DefaultGracefulShutdownWait = 30 * time.Second
)

// ErrShutdownTimeout is returned when a cycle outlives the graceful wait.
var ErrShutdownTimeout = errors.New("update cycle did not stop before the graceful wait elapsed")

// Cycler is the part of the worker the dispatcher drives.
type Cycler interface {
	RunCycle(ctx context.Context) bool
	CheckSource(ctx context.Context, id string) (updater.CheckResult, error)
	RequestStop()
	Running() bool
	Status() updater.CycleStatus
	ThrottleState() updater.ThrottleState
}

// Config controls scheduling.
type Config struct {
	BusyRetry            time.Duration
	GracefulShutdownWait time.Duration
}

// Dispatcher runs cycles on a timer and on demand.
type Dispatcher struct {
	worker Cycler
	store  updater.SourceStore
	clock  updater.Clock
	cfg    Config
	logger *zap.Logger

	cycleCtx context.Context
	cancel   context.CancelFunc

	// mu orders wg.Add against Shutdown's wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Dispatcher.
func New(worker Cycler, store updater.SourceStore, clock updater.Clock, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BusyRetry <= 0 {
		cfg.BusyRetry = DefaultBusyRetry
	}
	if cfg.GracefulShutdownWait <= 0 {
		cfg.GracefulShutdownWait = DefaultGracefulShutdownWait
	}
	// Cycles outlive the signal context so a shutdown lets the in-flight
	// source finish.
	cycleCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		worker:   worker,
		store:    store,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		cycleCtx: cycleCtx,
		cancel:   cancel,
	}
}

// Run runs a cycle immediately, then again whenever the next run is due,
// until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("scheduler started")
	defer d.logger.Info("scheduler stopped")
	for {
		result, ok := d.launch()
		if !ok {
			return
		}
		wait := d.cfg.BusyRetry
		select {
		case ran := <-result:
			if ran {
				wait = d.untilNextRun()
			} else {
				d.logger.Info("worker busy, retrying later", zap.Duration("retry_in", wait))
			}
		case <-ctx.Done():
			return
		}
		if err := d.clock.Sleep(ctx, wait); err != nil {
			return
		}
	}
}

// TriggerCycle starts a cycle in the background. It reports false when the
// worker is busy or the dispatcher is shutting down.
func (d *Dispatcher) TriggerCycle() bool {
	if d.worker.Running() {
		return false
	}
	_, ok := d.launch()
	return ok
}

// TriggerSingleSource checks one source right away.
func (d *Dispatcher) TriggerSingleSource(ctx context.Context, id string) (updater.CheckResult, error) {
	if !d.track() {
		return updater.CheckResult{}, updater.ErrCycleRunning
	}
	defer d.wg.Done()
	res, err := d.worker.CheckSource(ctx, id)
	if err != nil {
		return updater.CheckResult{}, fmt.Errorf("check source %s: %w", id, err)
	}
	return res, nil
}

// ForceStaleAll marks every source due and starts a cycle.
func (d *Dispatcher) ForceStaleAll(ctx context.Context) (int64, error) {
	n, err := d.store.ResetStaleness(ctx)
	if err != nil {
		return 0, fmt.Errorf("force stale: %w", err)
	}
	started := d.TriggerCycle()
	d.logger.Info("all sources marked stale", zap.Int64("count", n), zap.Bool("cycle_started", started))
	return n, nil
}

// Status returns the worker's cycle status.
func (d *Dispatcher) Status() updater.CycleStatus {
	return d.worker.Status()
}

// ThrottleState returns the origin throttle snapshot.
func (d *Dispatcher) ThrottleState() updater.ThrottleState {
	return d.worker.ThrottleState()
}

// Shutdown asks the running cycle to stop, waits up to the graceful wait and
// then cancels the cycle context.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.worker.RequestStop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.cfg.GracefulShutdownWait)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		err = ErrShutdownTimeout
	case <-ctx.Done():
		err = fmt.Errorf("shutdown: %w", ctx.Err())
	}
	d.cancel()
	if err != nil {
		d.logger.Warn("cancelling in-flight cycle", zap.Error(err))
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return err
}

// track registers one unit of work unless Shutdown has started.
func (d *Dispatcher) track() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.wg.Add(1)
	return true
}

// launch starts a cycle in the background. It reports false once Shutdown
// has started.
func (d *Dispatcher) launch() (<-chan bool, bool) {
	if !d.track() {
		return nil, false
	}
	result := make(chan bool, 1)
	go func() {
		defer d.wg.Done()
		result <- d.worker.RunCycle(d.cycleCtx)
	}()
	return result, true
}

func (d *Dispatcher) untilNextRun() time.Duration {
	st := d.worker.Status()
	if st.NextRunAt == nil {
		return d.cfg.BusyRetry
	}
	if wait := st.NextRunAt.Sub(d.clock.Now()); wait > 0 {
		return wait
	}
	return 0
}
