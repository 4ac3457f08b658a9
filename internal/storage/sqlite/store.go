// Package sqlite is a single-file source store for local development and
// integration tests. Timestamps are stored as unix seconds.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/chapterbot/internal/updater"
)

//go:embed schema.sql
var schemaFS embed.FS

// Store implements updater.SourceStore and updater.Notifier on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithNow overrides the clock used for check and notification timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (or creates) the database at path. ":memory:" is accepted.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := NewWithDB(db, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var pragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA journal_mode = WAL",
	"PRAGMA foreign_keys = ON",
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	for _, stmt := range pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %q: %w", stmt, err)
		}
	}
	return nil
}

// NewWithDB wraps an already opened handle without migrating it.
func NewWithDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// DB exposes the handle for seeding and tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sourceColumns = `n.id, n.primary_url, n.latest_chapter_num, n.latest_chapter_title,
	n.chapters_updated_at, n.genre, n.author,
	n.site_latest_chapter_time_raw, n.site_latest_chapter_time`

const returningColumns = `id, primary_url, latest_chapter_num, latest_chapter_title,
	chapters_updated_at, genre, author,
	site_latest_chapter_time_raw, site_latest_chapter_time`

type sourceRow struct {
	id            string
	url           sql.NullString
	chapter       sql.NullInt64
	title         sql.NullString
	checkedAt     sql.NullInt64
	genre, author sql.NullString
	timeRaw       sql.NullString
	originTime    sql.NullInt64
}

func (r *sourceRow) dest() []any {
	return []any{
		&r.id, &r.url, &r.chapter, &r.title, &r.checkedAt,
		&r.genre, &r.author, &r.timeRaw, &r.originTime,
	}
}

func (r *sourceRow) source() updater.Source {
	return updater.Source{
		ID:                  r.id,
		URL:                 r.url.String,
		LatestChapterNum:    intOrNil(r.chapter),
		LatestChapterTitle:  stringOrNil(r.title),
		LastCheckedAt:       timeOrNil(r.checkedAt),
		Genre:               stringOrNil(r.genre),
		Author:              stringOrNil(r.author),
		OriginUpdateTimeRaw: stringOrNil(r.timeRaw),
		OriginUpdateTime:    timeOrNil(r.originTime),
	}
}

// ListStaleSources mirrors the Postgres listing. A non-positive limit means no limit.
func (s *Store) ListStaleSources(ctx context.Context, threshold time.Duration, limit int) ([]updater.Source, error) {
	cutoff := s.now().Add(-threshold).Unix()
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sourceColumns+`,
			COUNT(DISTINCT p.user_id) AS active_readers,
			MAX(p.created_at) AS last_read_at
		FROM novels n
		JOIN progress_snapshots p ON p.novel_id = n.id
		WHERE n.primary_url IS NOT NULL
			AND (n.chapters_updated_at IS NULL OR n.chapters_updated_at < ?)
		GROUP BY n.id
		ORDER BY active_readers DESC, n.chapters_updated_at ASC NULLS FIRST
		LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale sources: %w", err)
	}
	defer rows.Close()

	var out []updater.Source
	for rows.Next() {
		var (
			row      sourceRow
			readers  int64
			lastRead sql.NullInt64
		)
		if err := rows.Scan(append(row.dest(), &readers, &lastRead)...); err != nil {
			return nil, fmt.Errorf("scan stale source: %w", err)
		}
		src := row.source()
		src.ActiveReaderCount = int(readers)
		src.LastReadAt = timeOrNil(lastRead)
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale sources: %w", err)
	}
	return out, nil
}

// GetSource loads one source by id.
func (s *Store) GetSource(ctx context.Context, id string) (updater.Source, error) {
	var row sourceRow
	err := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM novels n WHERE n.id = ?`, id).Scan(row.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return updater.Source{}, fmt.Errorf("get source %s: %w", id, updater.ErrSourceNotFound)
	}
	if err != nil {
		return updater.Source{}, fmt.Errorf("get source %s: %w", id, err)
	}
	return row.source(), nil
}

// UpdateSourceChapter records a strictly higher chapter, or returns
// updater.ErrChapterNotAdvanced.
func (s *Store) UpdateSourceChapter(ctx context.Context, u updater.SourceUpdate) (updater.Source, error) {
	var row sourceRow
	err := s.db.QueryRowContext(ctx, `
		UPDATE novels
		SET latest_chapter_num = ?2,
			latest_chapter_title = ?3,
			genre = COALESCE(?4, genre),
			author = COALESCE(?5, author),
			site_latest_chapter_time_raw = COALESCE(?6, site_latest_chapter_time_raw),
			site_latest_chapter_time = COALESCE(?7, site_latest_chapter_time),
			chapters_updated_at = ?8
		WHERE id = ?1
			AND (latest_chapter_num IS NULL OR latest_chapter_num < ?2)
		RETURNING `+returningColumns,
		u.SourceID,
		u.ChapterNum,
		nullString(u.ChapterTitle),
		nullString(u.Genre),
		nullString(u.Author),
		nullString(u.OriginUpdateTimeRaw),
		nullTime(u.OriginUpdateTime),
		s.now().Unix(),
	).Scan(row.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return updater.Source{}, fmt.Errorf("advance source %s to %d: %w", u.SourceID, u.ChapterNum, updater.ErrChapterNotAdvanced)
	}
	if err != nil {
		return updater.Source{}, fmt.Errorf("advance source %s: %w", u.SourceID, err)
	}
	return row.source(), nil
}

// RefreshSourceMetadata stamps the check time and merges non-nil metadata.
func (s *Store) RefreshSourceMetadata(ctx context.Context, u updater.SourceUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE novels
		SET chapters_updated_at = ?2,
			genre = COALESCE(?3, genre),
			author = COALESCE(?4, author),
			site_latest_chapter_time_raw = COALESCE(?5, site_latest_chapter_time_raw),
			site_latest_chapter_time = COALESCE(?6, site_latest_chapter_time)
		WHERE id = ?1`,
		u.SourceID,
		s.now().Unix(),
		nullString(u.Genre),
		nullString(u.Author),
		nullString(u.OriginUpdateTimeRaw),
		nullTime(u.OriginUpdateTime),
	)
	if err != nil {
		return fmt.Errorf("refresh source %s: %w", u.SourceID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("refresh source %s: %w", u.SourceID, updater.ErrSourceNotFound)
	}
	return nil
}

// ResetStaleness clears the check time on every source.
func (s *Store) ResetStaleness(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE novels SET chapters_updated_at = NULL WHERE primary_url IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("reset staleness: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset staleness: %w", err)
	}
	return n, nil
}

// NotifySubscribers writes one notification per distinct reader.
func (s *Store) NotifySubscribers(ctx context.Context, u updater.ChapterUpdate) (int, error) {
	var previous sql.NullInt64
	if u.Previous != nil {
		previous = sql.NullInt64{Int64: int64(*u.Previous), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO novel_notifications (user_id, novel_id, previous_chapter, new_chapter, chapter_title, created_at)
		SELECT DISTINCT user_id, ?1, ?2, ?3, ?4, ?5
		FROM progress_snapshots
		WHERE novel_id = ?1`,
		u.SourceID, previous, u.Current, nullString(u.Title), s.now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("notify subscribers of %s: %w", u.SourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("notify subscribers of %s: %w", u.SourceID, err)
	}
	return int(n), nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func stringOrNil(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intOrNil(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
