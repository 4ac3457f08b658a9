// Package ratelimit paces requests to the origin and trips a circuit breaker
// when the origin signals that it is blocking or rate limiting us.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/chapterbot/internal/metrics"
	"github.com/JakeFAU/chapterbot/internal/updater"
)

const (
	// ReasonForbidden is recorded when the origin answers 403.
	ReasonForbidden = "forbidden"
	// ReasonRateLimited is recorded when the origin answers 429.
	ReasonRateLimited = "rate_limited"
)

// Config holds throttle timings.
type Config struct {
	MinGap        time.Duration
	LongCooldown  time.Duration
	ShortCooldown time.Duration
}

// Throttle is the single origin gate shared by cycles and manual checks.
type Throttle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	clock   updater.Clock
	cfg     Config
	logger  *zap.Logger

	lastRequestAt time.Time
	blockedUntil  time.Time
	reason        string
}

// New creates a Throttle. A zero MinGap disables pacing.
func New(cfg Config, clock updater.Clock, logger *zap.Logger) *Throttle {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.MinGap > 0 {
		limit = rate.Every(cfg.MinGap)
	}
	return &Throttle{
		limiter: rate.NewLimiter(limit, 1),
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Reserve waits for the next request slot. It fails fast with a
// *updater.BlockedError while the breaker is open. Slots are measured from
// the start of the previous request, not its completion.
func (t *Throttle) Reserve(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("throttle reserve: %w", err)
	}
	now := t.clock.Now()

	t.mu.Lock()
	if now.Before(t.blockedUntil) {
		err := t.blockedErrLocked(now)
		t.mu.Unlock()
		return err
	}
	reservation := t.limiter.ReserveN(now, 1)
	t.mu.Unlock()

	if !reservation.OK() {
		return fmt.Errorf("throttle reserve: limiter refused reservation")
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		if err := t.clock.Sleep(ctx, delay); err != nil {
			reservation.CancelAt(t.clock.Now())
			return fmt.Errorf("throttle wait: %w", err)
		}
		metrics.ObserveThrottleWait(delay)
	}

	start := now.Add(delay)
	t.mu.Lock()
	defer t.mu.Unlock()
	// The breaker may have tripped while we waited.
	if current := t.clock.Now(); current.Before(t.blockedUntil) {
		return t.blockedErrLocked(current)
	}
	t.lastRequestAt = start
	return nil
}

// Observe inspects a response status. 403 opens the breaker for the long
// cooldown, 429 for the short one. An open window is never shortened.
func (t *Throttle) Observe(statusCode int) error {
	var (
		cooldown time.Duration
		reason   string
	)
	switch statusCode {
	case http.StatusForbidden:
		cooldown, reason = t.cfg.LongCooldown, ReasonForbidden
	case http.StatusTooManyRequests:
		cooldown, reason = t.cfg.ShortCooldown, ReasonRateLimited
	default:
		return nil
	}

	now := t.clock.Now()
	t.mu.Lock()
	until := now.Add(cooldown)
	if until.After(t.blockedUntil) {
		t.blockedUntil = until
		t.reason = reason
	}
	err := t.blockedErrLocked(now)
	t.mu.Unlock()

	metrics.ObserveBreakerTrip(reason)
	t.logger.Warn("origin breaker tripped",
		zap.Int("status", statusCode),
		zap.String("reason", reason),
		zap.Time("blocked_until", err.Until),
	)
	return err
}

// State returns a snapshot for status reporting.
func (t *Throttle) State() updater.ThrottleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return updater.ThrottleState{
		LastRequestAt: t.lastRequestAt,
		BlockedUntil:  t.blockedUntil,
		BlockReason:   t.reason,
	}
}

func (t *Throttle) blockedErrLocked(now time.Time) *updater.BlockedError {
	return &updater.BlockedError{
		Until:     t.blockedUntil,
		Remaining: t.blockedUntil.Sub(now),
		Reason:    t.reason,
	}
}
