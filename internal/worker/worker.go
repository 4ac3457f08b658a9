// Package worker runs the chapter update cycle: list stale sources, fetch
// each novel page through the throttle, extract facts, persist and notify.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	idgen "github.com/JakeFAU/chapterbot/internal/id/uuid"
	"github.com/JakeFAU/chapterbot/internal/metrics"
	"github.com/JakeFAU/chapterbot/internal/status"
	"github.com/JakeFAU/chapterbot/internal/updater"
)

// Defaults applied by New for zero config values.
const (
	DefaultBatchSize      = 5
	DefaultBatchInterval  = 10 * time.Second
	DefaultStaleThreshold = 24 * time.Hour
	DefaultFetchTimeout   = 45 * time.Second
	DefaultCheckInterval  = 30 * time.Minute
)

const reasonStopRequested = "stop requested"

// Config controls cycle pacing.
type Config struct {
	BatchSize      int
	BatchInterval  time.Duration
	StaleThreshold time.Duration
	// ListLimit caps how many stale sources one cycle looks at. Zero means all.
	ListLimit     int
	FetchTimeout  time.Duration
	CheckInterval time.Duration
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Worker owns the single-flight guard and is the only writer of the cycle
// status.
type Worker struct {
	store     updater.SourceStore
	notifier  updater.Notifier
	fetcher   updater.Fetcher
	extractor updater.Extractor
	throttle  updater.Throttle
	tracker   *status.Tracker
	archiver  updater.Archiver
	ids       IDGenerator
	clock     updater.Clock
	cfg       Config
	logger    *zap.Logger

	running atomic.Bool
	stop    atomic.Bool
}

// New constructs a Worker. archiver and ids may be nil.
func New(
	store updater.SourceStore,
	notifier updater.Notifier,
	fetcher updater.Fetcher,
	extractor updater.Extractor,
	throttle updater.Throttle,
	tracker *status.Tracker,
	archiver updater.Archiver,
	ids IDGenerator,
	clock updater.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ids == nil {
		ids = idgen.New()
	}
	if tracker == nil {
		tracker = status.NewTracker(clock, nil)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchInterval < 0 {
		cfg.BatchInterval = DefaultBatchInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	return &Worker{
		store:     store,
		notifier:  notifier,
		fetcher:   fetcher,
		extractor: extractor,
		throttle:  throttle,
		tracker:   tracker,
		archiver:  archiver,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Running reports whether a cycle or manual check holds the guard.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Status returns a snapshot of the cycle status.
func (w *Worker) Status() updater.CycleStatus {
	return w.tracker.Snapshot()
}

// ThrottleState returns the origin throttle snapshot.
func (w *Worker) ThrottleState() updater.ThrottleState {
	return w.throttle.State()
}

// RequestStop asks the running cycle to end after the in-flight source.
func (w *Worker) RequestStop() {
	w.stop.Store(true)
}

type cycleResult struct {
	outcome   updater.Outcome
	succeeded bool
	reason    string
}

// RunCycle runs one full update cycle. It returns false without doing
// anything when another cycle or manual check already holds the guard.
func (w *Worker) RunCycle(ctx context.Context) bool {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Info("update cycle already running, trigger ignored")
		return false
	}
	w.stop.Store(false)

	runID, err := w.ids.NewID()
	if err != nil {
		runID = fmt.Sprintf("run-%d", w.clock.Now().UnixNano())
	}
	logger := w.logger.With(zap.String("run_id", runID))
	start := w.clock.Now()
	w.tracker.Begin(runID)
	metrics.SetCycleRunning(true)
	logger.Info("update cycle started")

	res := cycleResult{outcome: updater.OutcomeFailed}
	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("cycle panic: %v", r)
			w.tracker.RecordError("", updater.KindFatal, perr)
			res = cycleResult{outcome: updater.OutcomeFailed, reason: perr.Error()}
			logger.Error("update cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		w.fetcher.Release()

		finished := w.clock.Now()
		w.tracker.Finish(res.outcome, res.succeeded, res.reason, finished.Add(w.cfg.CheckInterval))
		metrics.SetCycleRunning(false)
		metrics.ObserveCycle(string(res.outcome), finished.Sub(start))

		st := w.tracker.Snapshot()
		logger.Info("update cycle finished",
			zap.String("outcome", string(res.outcome)),
			zap.String("reason", res.reason),
			zap.Int("checked", st.Checked),
			zap.Int("updated", st.Updated),
			zap.Duration("took", finished.Sub(start)),
		)
		w.running.Store(false)
	}()

	res = w.runCycle(ctx, logger)
	return true
}

func (w *Worker) runCycle(ctx context.Context, logger *zap.Logger) cycleResult {
	sources, err := w.store.ListStaleSources(ctx, w.cfg.StaleThreshold, w.cfg.ListLimit)
	if err != nil {
		err = fmt.Errorf("list stale sources: %w", err)
		w.tracker.RecordError("", updater.KindFatal, err)
		logger.Error("update cycle failed", zap.Error(err))
		return cycleResult{outcome: updater.OutcomeFailed, reason: err.Error()}
	}
	if len(sources) == 0 {
		logger.Info("all sources up to date")
		return cycleResult{outcome: updater.OutcomeCompleted, succeeded: true}
	}
	logger.Info("sources need checking", zap.Int("count", len(sources)))

	for i, batch := range partition(sources, w.cfg.BatchSize) {
		if i > 0 && w.cfg.BatchInterval > 0 {
			if err := w.clock.Sleep(ctx, w.cfg.BatchInterval); err != nil {
				return cycleResult{outcome: updater.OutcomeAborted, succeeded: true, reason: err.Error()}
			}
		}
		for _, src := range batch {
			if w.stop.Load() {
				logger.Info("stop requested, ending cycle early")
				return cycleResult{outcome: updater.OutcomeAborted, succeeded: true, reason: reasonStopRequested}
			}
			if err := ctx.Err(); err != nil {
				return cycleResult{outcome: updater.OutcomeAborted, succeeded: true, reason: err.Error()}
			}

			w.tracker.IncChecked()
			out, err := w.check(ctx, src, logger)
			if out.advanced {
				w.tracker.IncUpdated()
			}
			if err == nil {
				metrics.ObserveSourceChecked(out.result())
				continue
			}

			kind := updater.KindOf(err)
			w.tracker.RecordError(src.ID, kind, err)
			metrics.ObserveSourceChecked(string(kind))
			if blocked, ok := updater.IsBlocked(err); ok {
				logger.Warn("origin blocked, aborting cycle",
					zap.String("source_id", src.ID),
					zap.String("reason", blocked.Reason),
					zap.Time("blocked_until", blocked.Until),
				)
				return cycleResult{
					outcome:   updater.OutcomeAborted,
					succeeded: true,
					reason:    "origin blocked: " + blocked.Reason,
				}
			}
			logger.Warn("source check failed",
				zap.String("source_id", src.ID),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
	}
	return cycleResult{outcome: updater.OutcomeCompleted, succeeded: true}
}

// CheckSource runs one source through the pipeline right away, ignoring
// staleness. It shares the cycle guard and leaves the cycle counters alone.
func (w *Worker) CheckSource(ctx context.Context, id string) (result updater.CheckResult, err error) {
	if !w.running.CompareAndSwap(false, true) {
		return updater.CheckResult{}, updater.ErrCycleRunning
	}
	logger := w.logger.With(zap.String("source_id", id), zap.Bool("manual", true))
	defer func() {
		if r := recover(); r != nil {
			err = updater.NewSourceError(id, updater.KindFatal, fmt.Errorf("check panic: %v", r))
			w.tracker.RecordError(id, updater.KindFatal, err)
			logger.Error("manual check panicked", zap.Any("panic", r))
		}
		w.fetcher.Release()
		w.running.Store(false)
	}()

	src, err := w.store.GetSource(ctx, id)
	if err != nil {
		return updater.CheckResult{}, fmt.Errorf("check source: %w", err)
	}

	out, err := w.check(ctx, src, logger)
	if err != nil {
		w.tracker.RecordError(id, updater.KindOf(err), err)
		metrics.ObserveSourceChecked(string(updater.KindOf(err)))
		if !out.advanced {
			return updater.CheckResult{}, err
		}
		// Persisted but notification failed: report the advance anyway.
		logger.Warn("notification failed after advance", zap.Error(err))
	} else {
		metrics.ObserveSourceChecked(out.result())
	}

	return updater.CheckResult{
		SourceID: id,
		Previous: out.previous,
		Current:  out.current,
		Title:    out.facts.ChapterTitle,
		Genres:   out.facts.Genres,
		Author:   out.facts.Author,
		IsNew:    out.advanced,
		Notified: out.notified,
	}, nil
}

type checkOutcome struct {
	facts    updater.PageFacts
	previous *int
	current  int
	advanced bool
	notified int
}

func (o checkOutcome) result() string {
	if o.advanced {
		return "advanced"
	}
	return "unchanged"
}

// check runs throttle, fetch, extract and the decision policy for one source.
// Every returned error is a *updater.SourceError.
func (w *Worker) check(ctx context.Context, src updater.Source, logger *zap.Logger) (checkOutcome, error) {
	if err := w.throttle.Reserve(ctx); err != nil {
		kind := updater.KindNetwork
		if _, ok := updater.IsBlocked(err); ok {
			kind = updater.KindOriginBlocked
		}
		return checkOutcome{}, updater.NewSourceError(src.ID, kind, err)
	}

	url := updater.NovelPageURL(src.URL)
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	page, err := w.fetcher.Fetch(fetchCtx, url)
	cancel()
	if err != nil {
		kind := updater.KindNetwork
		if errors.Is(err, updater.ErrResource) {
			kind = updater.KindResource
		}
		return checkOutcome{}, updater.NewSourceError(src.ID, kind, fmt.Errorf("fetch %s: %w", url, err))
	}

	if err := w.throttle.Observe(page.StatusCode); err != nil {
		return checkOutcome{}, updater.NewSourceError(src.ID, updater.KindOriginBlocked, err)
	}
	if page.StatusCode >= http.StatusBadRequest {
		return checkOutcome{}, updater.NewSourceError(src.ID, updater.KindNetwork,
			fmt.Errorf("fetch %s: unexpected status %d", url, page.StatusCode))
	}

	facts := w.extractor.Extract(page.Body)
	if !facts.HasChapter() {
		w.archive(ctx, src.ID, page, logger)
		return checkOutcome{facts: facts}, updater.NewSourceError(src.ID, updater.KindParse,
			fmt.Errorf("parse %s: %w", url, updater.ErrNoChapter))
	}
	return w.apply(ctx, src, facts, logger)
}

func (w *Worker) apply(ctx context.Context, src updater.Source, facts updater.PageFacts, logger *zap.Logger) (checkOutcome, error) {
	current := *facts.ChapterNum
	out := checkOutcome{facts: facts, previous: src.LatestChapterNum, current: current}
	update := updater.SourceUpdate{
		SourceID:            src.ID,
		ChapterNum:          current,
		ChapterTitle:        facts.ChapterTitle,
		Genre:               facts.GenreString(),
		Author:              facts.Author,
		OriginUpdateTimeRaw: facts.UpdateTimeRaw,
		OriginUpdateTime:    facts.UpdateTime,
	}

	if src.LatestChapterNum != nil && current <= *src.LatestChapterNum {
		if err := w.store.RefreshSourceMetadata(ctx, update); err != nil {
			return out, updater.NewSourceError(src.ID, updater.KindStorage, err)
		}
		logger.Debug("no new chapter", zap.String("source_id", src.ID), zap.Int("chapter", current))
		return out, nil
	}

	if _, err := w.store.UpdateSourceChapter(ctx, update); err != nil {
		if !errors.Is(err, updater.ErrChapterNotAdvanced) {
			return out, updater.NewSourceError(src.ID, updater.KindStorage, err)
		}
		// Another writer got there first; keep the stored chapter.
		if err := w.store.RefreshSourceMetadata(ctx, update); err != nil {
			return out, updater.NewSourceError(src.ID, updater.KindStorage, err)
		}
		return out, nil
	}
	out.advanced = true

	notified, err := w.notifier.NotifySubscribers(ctx, updater.ChapterUpdate{
		SourceID: src.ID,
		Previous: src.LatestChapterNum,
		Current:  current,
		Title:    facts.ChapterTitle,
	})
	out.notified = notified
	metrics.ObserveChapterUpdated(notified)
	logger.Info("new chapter",
		zap.String("source_id", src.ID),
		zap.Intp("previous", src.LatestChapterNum),
		zap.Int("chapter", current),
		zap.Stringp("title", facts.ChapterTitle),
		zap.Int("notified", notified),
	)
	if err != nil {
		return out, updater.NewSourceError(src.ID, updater.KindStorage, fmt.Errorf("notify: %w", err))
	}
	return out, nil
}

func (w *Worker) archive(ctx context.Context, sourceID string, page updater.Page, logger *zap.Logger) {
	if w.archiver == nil {
		return
	}
	uri, err := w.archiver.Archive(ctx, sourceID, page)
	if err != nil {
		logger.Warn("snapshot failed", zap.String("source_id", sourceID), zap.Error(err))
		return
	}
	if uri != "" {
		logger.Info("unparseable page archived", zap.String("source_id", sourceID), zap.String("uri", uri))
	}
}

func partition(sources []updater.Source, size int) [][]updater.Source {
	var out [][]updater.Source
	for start := 0; start < len(sources); start += size {
		end := start + size
		if end > len(sources) {
			end = len(sources)
		}
		out = append(out, sources[start:end])
	}
	return out
}
