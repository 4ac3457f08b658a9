// Package updater defines the domain types and contracts shared by the
// chapter update cycle: sources, page facts, cycle status and the
// collaborators the worker depends on.
package updater

import (
	"regexp"
	"strings"
	"time"
)

// Source is a tracked novel page on the origin site.
type Source struct {
	ID                  string     `json:"id"`
	URL                 string     `json:"url"`
	LatestChapterNum    *int       `json:"latest_chapter_num,omitempty"`
	LatestChapterTitle  *string    `json:"latest_chapter_title,omitempty"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty"`
	Genre               *string    `json:"genre,omitempty"`
	Author              *string    `json:"author,omitempty"`
	OriginUpdateTimeRaw *string    `json:"origin_update_time_raw,omitempty"`
	OriginUpdateTime    *time.Time `json:"origin_update_time,omitempty"`

	// Derived by the listing query.
	ActiveReaderCount int        `json:"active_reader_count"`
	LastReadAt        *time.Time `json:"last_read_at,omitempty"`
}

// ChapterNum returns the stored chapter number, or 0 when unknown.
func (s Source) ChapterNum() int {
	if s.LatestChapterNum == nil {
		return 0
	}
	return *s.LatestChapterNum
}

// PageFacts is what the extractor pulled out of one fetched page. Every field
// is optional; absent fields never overwrite stored values.
type PageFacts struct {
	ChapterNum    *int       `json:"chapter_num,omitempty"`
	ChapterTitle  *string    `json:"chapter_title,omitempty"`
	Genres        []string   `json:"genres,omitempty"`
	Author        *string    `json:"author,omitempty"`
	UpdateTimeRaw *string    `json:"update_time_raw,omitempty"`
	UpdateTime    *time.Time `json:"update_time,omitempty"`
}

// HasChapter reports whether a chapter number was found.
func (f PageFacts) HasChapter() bool {
	return f.ChapterNum != nil
}

// GenreString joins genres the way they are persisted. An empty list maps to nil.
func (f PageFacts) GenreString() *string {
	if len(f.Genres) == 0 {
		return nil
	}
	joined := strings.Join(f.Genres, ", ")
	return &joined
}

// Page is a fetched document.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// SourceUpdate carries the columns written after a check. Nil metadata fields
// keep the stored value.
type SourceUpdate struct {
	SourceID            string
	ChapterNum          int
	ChapterTitle        *string
	Genre               *string
	Author              *string
	OriginUpdateTimeRaw *string
	OriginUpdateTime    *time.Time
}

// ChapterUpdate is the notification payload for an advanced source.
type ChapterUpdate struct {
	SourceID string  `json:"source_id"`
	Previous *int    `json:"previous_chapter,omitempty"`
	Current  int     `json:"new_chapter"`
	Title    *string `json:"chapter_title,omitempty"`
}

// CheckResult is returned by a manual single-source check.
type CheckResult struct {
	SourceID string   `json:"source_id"`
	Previous *int     `json:"previous,omitempty"`
	Current  int      `json:"current"`
	Title    *string  `json:"title,omitempty"`
	Genres   []string `json:"genres,omitempty"`
	Author   *string  `json:"author,omitempty"`
	IsNew    bool     `json:"is_new"`
	Notified int      `json:"notified"`
}

// ThrottleState is a snapshot of the origin throttle.
type ThrottleState struct {
	LastRequestAt time.Time `json:"last_request_at"`
	BlockedUntil  time.Time `json:"blocked_until"`
	BlockReason   string    `json:"block_reason,omitempty"`
}

// Blocked reports whether the breaker is open at now.
func (s ThrottleState) Blocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// Outcome describes how a cycle ended.
type Outcome string

const (
	// OutcomeCompleted means every listed source was attempted.
	OutcomeCompleted Outcome = "completed"
	// OutcomeAborted means the cycle stopped early: origin block or stop request.
	OutcomeAborted Outcome = "aborted"
	// OutcomeFailed means an unexpected fault ended the cycle.
	OutcomeFailed Outcome = "failed"
)

// ErrorEntry is one record in the bounded error log.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	SourceID  string    `json:"source_id,omitempty"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
}

// CycleStatus is the externally visible state of the update cycle.
type CycleStatus struct {
	Running           bool         `json:"running"`
	RunID             string       `json:"run_id,omitempty"`
	LastRunStartedAt  *time.Time   `json:"last_run_started_at,omitempty"`
	LastRunFinishedAt *time.Time   `json:"last_run_finished_at,omitempty"`
	LastRunSucceeded  bool         `json:"last_run_succeeded"`
	Outcome           Outcome      `json:"outcome,omitempty"`
	AbortReason       string       `json:"abort_reason,omitempty"`
	Checked           int          `json:"checked"`
	Updated           int          `json:"updated"`
	NextRunAt         *time.Time   `json:"next_run_at,omitempty"`
	Errors            []ErrorEntry `json:"errors"`
}

var chapterSuffix = regexp.MustCompile(`/c*chapter-?\d+.*$`)

// NovelPageURL strips a trailing chapter segment so a stored reading URL
// points at the novel's index page.
func NovelPageURL(raw string) string {
	return chapterSuffix.ReplaceAllString(raw, "")
}
