package updater

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures for the error log and propagation rules.
type ErrorKind string

const (
	// KindNetwork covers timeouts, connection resets and unexpected statuses.
	KindNetwork ErrorKind = "network"
	// KindOriginBlocked means the origin answered 403 or 429.
	KindOriginBlocked ErrorKind = "origin_blocked"
	// KindParse means the page did not yield a chapter number.
	KindParse ErrorKind = "parse"
	// KindStorage covers failed reads and writes against the source store.
	KindStorage ErrorKind = "storage"
	// KindResource means the fetch engine could not be launched or was lost.
	KindResource ErrorKind = "resource"
	// KindFatal is anything else. Only this kind marks a run unsuccessful.
	KindFatal ErrorKind = "fatal"
)

var (
	// ErrSourceNotFound is returned when a source id does not exist.
	ErrSourceNotFound = errors.New("source not found")
	// ErrCycleRunning is returned when the single-flight guard is held.
	ErrCycleRunning = errors.New("update cycle already running")
	// ErrResource wraps fetch engine launch and session failures.
	ErrResource = errors.New("fetch resource unavailable")
	// ErrChapterNotAdvanced is returned by a store when the stored chapter is
	// already at or beyond the proposed one.
	ErrChapterNotAdvanced = errors.New("chapter not advanced")
	// ErrNoChapter is returned when extraction finds no chapter number.
	ErrNoChapter = errors.New("no chapter number found")
)

// BlockedError reports an open circuit breaker.
type BlockedError struct {
	Until     time.Time
	Remaining time.Duration
	Reason    string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("origin blocked (%s) for another %s", e.Reason, e.Remaining.Round(time.Second))
}

// SourceError attaches a source id and kind to a per-source failure.
type SourceError struct {
	SourceID string
	Kind     ErrorKind
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.SourceID, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// NewSourceError wraps err for sourceID.
func NewSourceError(sourceID string, kind ErrorKind, err error) *SourceError {
	return &SourceError{SourceID: sourceID, Kind: kind, Err: err}
}

// KindOf classifies err. Unknown errors are fatal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	var be *BlockedError
	switch {
	case errors.As(err, &be):
		return KindOriginBlocked
	case errors.Is(err, ErrResource):
		return KindResource
	case errors.Is(err, ErrNoChapter):
		return KindParse
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	}
	return KindFatal
}

// IsBlocked reports whether err carries a BlockedError.
func IsBlocked(err error) (*BlockedError, bool) {
	var be *BlockedError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
