package updater

import (
	"context"
	"io"
	"time"
)

// SourceStore persists sources and their chapter tracking columns.
type SourceStore interface {
	ListStaleSources(ctx context.Context, threshold time.Duration, limit int) ([]Source, error)
	GetSource(ctx context.Context, id string) (Source, error)
	UpdateSourceChapter(ctx context.Context, update SourceUpdate) (Source, error)
	RefreshSourceMetadata(ctx context.Context, update SourceUpdate) error
	ResetStaleness(ctx context.Context) (int64, error)
}

// Notifier fans a chapter update out to the source's readers and returns how
// many notifications were created.
type Notifier interface {
	NotifySubscribers(ctx context.Context, update ChapterUpdate) (int, error)
}

// Fetcher retrieves a page. Release frees any long-lived engine resources.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
	Release()
}

// Extractor derives facts from a page body. It never fails; missing fields
// stay nil.
type Extractor interface {
	Extract(body []byte) PageFacts
}

// Throttle paces origin requests and trips on block responses.
type Throttle interface {
	Reserve(ctx context.Context) error
	Observe(statusCode int) error
	State() ThrottleState
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// BlobStore persists raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher emits events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Archiver keeps a copy of a page that could not be parsed.
type Archiver interface {
	Archive(ctx context.Context, sourceID string, page Page) (string, error)
}
