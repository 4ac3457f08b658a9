// Package notify delivers chapter updates: one row per reader through the
// store, plus an optional broker event for downstream consumers.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/chapterbot/internal/updater"
)

// EventChapterUpdated is the event name published for every advanced source.
const EventChapterUpdated = "chapter.updated"

// Event is the broker payload.
type Event struct {
	SourceID   string    `json:"source_id"`
	Previous   *int      `json:"previous_chapter,omitempty"`
	Current    int       `json:"new_chapter"`
	Title      *string   `json:"chapter_title,omitempty"`
	Notified   int       `json:"notified"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Fanout implements updater.Notifier.
type Fanout struct {
	store     updater.Notifier
	publisher updater.Publisher
	clock     updater.Clock
	logger    *zap.Logger
}

// New builds a Fanout. publisher may be nil.
func New(store updater.Notifier, publisher updater.Publisher, clock updater.Clock, logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{store: store, publisher: publisher, clock: clock, logger: logger}
}

// NotifySubscribers writes the notification rows, then publishes the event.
// Rows are the source of truth: a publish failure is logged and swallowed.
func (f *Fanout) NotifySubscribers(ctx context.Context, u updater.ChapterUpdate) (int, error) {
	n, err := f.store.NotifySubscribers(ctx, u)
	if err != nil {
		return 0, fmt.Errorf("fan out %s: %w", u.SourceID, err)
	}
	if f.publisher == nil {
		return n, nil
	}

	evt := Event{
		SourceID:   u.SourceID,
		Previous:   u.Previous,
		Current:    u.Current,
		Title:      u.Title,
		Notified:   n,
		OccurredAt: f.clock.Now(),
	}
	id, err := f.publisher.Publish(ctx, EventChapterUpdated, evt)
	if err != nil {
		f.logger.Warn("publish chapter event failed",
			zap.String("source_id", u.SourceID),
			zap.Int("chapter", u.Current),
			zap.Error(err),
		)
		return n, nil
	}
	f.logger.Debug("chapter event published", zap.String("source_id", u.SourceID), zap.String("message_id", id))
	return n, nil
}
