// Package postgres provides the Postgres-backed source store and notifier.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/chapterbot/internal/updater"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// SourceStore implements updater.SourceStore and updater.Notifier over the
// novels, progress_snapshots and novel_notifications tables.
type SourceStore struct {
	pool pgxIface
}

// NewSourceStore connects a pool using cfg.
func NewSourceStore(ctx context.Context, cfg Config) (*SourceStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &SourceStore{pool: pool}, nil
}

// NewSourceStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSourceStoreWithPool(pool pgxIface) (*SourceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SourceStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *SourceStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the database is reachable.
func (s *SourceStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

var migrations = []string{
	`ALTER TABLE novels
		ADD COLUMN IF NOT EXISTS latest_chapter_num INTEGER,
		ADD COLUMN IF NOT EXISTS latest_chapter_title TEXT,
		ADD COLUMN IF NOT EXISTS chapters_updated_at TIMESTAMPTZ,
		ADD COLUMN IF NOT EXISTS genre TEXT,
		ADD COLUMN IF NOT EXISTS author TEXT,
		ADD COLUMN IF NOT EXISTS site_latest_chapter_time_raw TEXT,
		ADD COLUMN IF NOT EXISTS site_latest_chapter_time TIMESTAMPTZ`,
	`CREATE TABLE IF NOT EXISTS novel_notifications (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		novel_id TEXT NOT NULL REFERENCES novels (id) ON DELETE CASCADE,
		previous_chapter INTEGER,
		new_chapter INTEGER,
		chapter_title TEXT,
		read BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user
		ON novel_notifications (user_id, read, created_at DESC)`,
}

// Migrate adds the chapter tracking columns and the notifications table.
// Every statement is idempotent.
func (s *SourceStore) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

const sourceColumns = `n.id, n.primary_url, n.latest_chapter_num, n.latest_chapter_title,
	n.chapters_updated_at, n.genre, n.author,
	n.site_latest_chapter_time_raw, n.site_latest_chapter_time`

// ListStaleSources returns sources with at least one reader that were never
// checked or not checked within threshold. Most-read first, then oldest check.
// A non-positive limit means no limit.
func (s *SourceStore) ListStaleSources(ctx context.Context, threshold time.Duration, limit int) ([]updater.Source, error) {
	query := `
		SELECT ` + sourceColumns + `,
			COUNT(DISTINCT p.user_id) AS active_readers,
			MAX(p.created_at) AS last_read_at
		FROM novels n
		JOIN progress_snapshots p ON p.novel_id = n.id
		WHERE n.primary_url IS NOT NULL
			AND (n.chapters_updated_at IS NULL
				OR n.chapters_updated_at < NOW() - ($1 * INTERVAL '1 second'))
		GROUP BY n.id
		ORDER BY active_readers DESC, n.chapters_updated_at ASC NULLS FIRST
		LIMIT $2;
	`
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx, query, threshold.Seconds(), limitArg)
	if err != nil {
		return nil, fmt.Errorf("list stale sources: %w", err)
	}
	defer rows.Close()

	var out []updater.Source
	for rows.Next() {
		var (
			src     updater.Source
			readers int64
		)
		if err := rows.Scan(
			&src.ID,
			&src.URL,
			&src.LatestChapterNum,
			&src.LatestChapterTitle,
			&src.LastCheckedAt,
			&src.Genre,
			&src.Author,
			&src.OriginUpdateTimeRaw,
			&src.OriginUpdateTime,
			&readers,
			&src.LastReadAt,
		); err != nil {
			return nil, fmt.Errorf("scan stale source: %w", err)
		}
		src.ActiveReaderCount = int(readers)
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale sources: %w", err)
	}
	return out, nil
}

// GetSource loads one source by id.
func (s *SourceStore) GetSource(ctx context.Context, id string) (updater.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM novels n WHERE n.id = $1;`
	var src updater.Source
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&src.ID,
		&src.URL,
		&src.LatestChapterNum,
		&src.LatestChapterTitle,
		&src.LastCheckedAt,
		&src.Genre,
		&src.Author,
		&src.OriginUpdateTimeRaw,
		&src.OriginUpdateTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return updater.Source{}, fmt.Errorf("get source %s: %w", id, updater.ErrSourceNotFound)
	}
	if err != nil {
		return updater.Source{}, fmt.Errorf("get source %s: %w", id, err)
	}
	return src, nil
}

// UpdateSourceChapter records a higher chapter. The row is only touched when
// the new number is strictly greater than the stored one; otherwise
// updater.ErrChapterNotAdvanced is returned.
func (s *SourceStore) UpdateSourceChapter(ctx context.Context, u updater.SourceUpdate) (updater.Source, error) {
	query := `
		UPDATE novels n
		SET latest_chapter_num = $2,
			latest_chapter_title = $3,
			genre = COALESCE($4, n.genre),
			author = COALESCE($5, n.author),
			site_latest_chapter_time_raw = COALESCE($6, n.site_latest_chapter_time_raw),
			site_latest_chapter_time = COALESCE($7, n.site_latest_chapter_time),
			chapters_updated_at = NOW()
		WHERE n.id = $1
			AND (n.latest_chapter_num IS NULL OR n.latest_chapter_num < $2)
		RETURNING ` + sourceColumns + `;
	`
	var src updater.Source
	err := s.pool.QueryRow(ctx, query,
		u.SourceID,
		u.ChapterNum,
		u.ChapterTitle,
		u.Genre,
		u.Author,
		u.OriginUpdateTimeRaw,
		u.OriginUpdateTime,
	).Scan(
		&src.ID,
		&src.URL,
		&src.LatestChapterNum,
		&src.LatestChapterTitle,
		&src.LastCheckedAt,
		&src.Genre,
		&src.Author,
		&src.OriginUpdateTimeRaw,
		&src.OriginUpdateTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return updater.Source{}, fmt.Errorf("advance source %s to %d: %w", u.SourceID, u.ChapterNum, updater.ErrChapterNotAdvanced)
	}
	if err != nil {
		return updater.Source{}, fmt.Errorf("advance source %s: %w", u.SourceID, err)
	}
	return src, nil
}

// RefreshSourceMetadata stamps the check time and merges non-nil metadata.
// The chapter columns are never touched.
func (s *SourceStore) RefreshSourceMetadata(ctx context.Context, u updater.SourceUpdate) error {
	query := `
		UPDATE novels n
		SET chapters_updated_at = NOW(),
			genre = COALESCE($2, n.genre),
			author = COALESCE($3, n.author),
			site_latest_chapter_time_raw = COALESCE($4, n.site_latest_chapter_time_raw),
			site_latest_chapter_time = COALESCE($5, n.site_latest_chapter_time)
		WHERE n.id = $1;
	`
	tag, err := s.pool.Exec(ctx, query,
		u.SourceID,
		u.Genre,
		u.Author,
		u.OriginUpdateTimeRaw,
		u.OriginUpdateTime,
	)
	if err != nil {
		return fmt.Errorf("refresh source %s: %w", u.SourceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("refresh source %s: %w", u.SourceID, updater.ErrSourceNotFound)
	}
	return nil
}

// ResetStaleness clears the check time on every source so the next cycle
// picks them all up.
func (s *SourceStore) ResetStaleness(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE novels SET chapters_updated_at = NULL WHERE primary_url IS NOT NULL;`)
	if err != nil {
		return 0, fmt.Errorf("reset staleness: %w", err)
	}
	return tag.RowsAffected(), nil
}

// NotifySubscribers writes one notification row per distinct reader of the
// source and returns how many were created.
func (s *SourceStore) NotifySubscribers(ctx context.Context, u updater.ChapterUpdate) (int, error) {
	query := `
		INSERT INTO novel_notifications (user_id, novel_id, previous_chapter, new_chapter, chapter_title)
		SELECT DISTINCT p.user_id, $1, $2::INTEGER, $3::INTEGER, $4::TEXT
		FROM progress_snapshots p
		WHERE p.novel_id = $1;
	`
	tag, err := s.pool.Exec(ctx, query, u.SourceID, u.Previous, u.Current, u.Title)
	if err != nil {
		return 0, fmt.Errorf("notify subscribers of %s: %w", u.SourceID, err)
	}
	return int(tag.RowsAffected()), nil
}
