package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const feedColumns = "id, url, title, domain, position, enrichment_enabled, created_at"

// UpsertFeed adds a feed or updates the title of an existing one.
// New feeds are appended after the last position. The enrichment flag is
// only applied on insert; use SetFeedEnrichmentEnabled to change it later.
func (db *DB) UpsertFeed(ctx context.Context, in FeedInput) (*Feed, error) {
	if strings.TrimSpace(in.URL) == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = in.URL
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO feeds (url, title, domain, position, enrichment_enabled, created_at)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(position) + 1, 0) FROM feeds), ?, ?)
		ON CONFLICT(url) DO UPDATE SET title = excluded.title`,
		in.URL, title, FeedDomain(in.URL), boolInt(in.EnrichmentEnabled), db.timestamp(),
	)
	if err != nil {
		return nil, fmt.Errorf("upserting feed %s: %w", in.URL, err)
	}
	return db.GetFeed(ctx, in.URL)
}

// RemoveFeed deletes a feed with its articles and read state. Enrichment
// cache rows are shared across feeds and stay.
func (db *DB) RemoveFeed(ctx context.Context, feedURL string) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM feeds WHERE url = ?", feedURL)
	if err != nil {
		return fmt.Errorf("removing feed %s: %w", feedURL, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFeedNotFound
	}
	return nil
}

// GetFeed returns a feed by URL, or nil if it does not exist.
func (db *DB) GetFeed(ctx context.Context, feedURL string) (*Feed, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+feedColumns+" FROM feeds WHERE url = ?", feedURL)
	return scanFeedRow(row)
}

// GetFeedByID returns a feed by ID, or nil if it does not exist.
func (db *DB) GetFeedByID(ctx context.Context, id int64) (*Feed, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+feedColumns+" FROM feeds WHERE id = ?", id)
	return scanFeedRow(row)
}

// ListFeeds returns all feeds ordered by position.
func (db *DB) ListFeeds(ctx context.Context) ([]Feed, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+feedColumns+" FROM feeds ORDER BY position, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

// ReorderFeeds assigns positions 0..n-1 in the given URL order. Feeds not
// listed keep their relative order after the listed ones.
func (db *DB) ReorderFeeds(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for i, u := range urls {
			res, err := tx.ExecContext(ctx, "UPDATE feeds SET position = ? WHERE url = ?", i, u)
			if err != nil {
				return fmt.Errorf("moving %s: %w", u, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("moving %s: %w", u, ErrFeedNotFound)
			}
		}

		args := make([]any, 0, len(urls)+1)
		args = append(args, len(urls))
		for _, u := range urls {
			args = append(args, u)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(urls)), ",")
		_, err := tx.ExecContext(ctx,
			"UPDATE feeds SET position = position + ? WHERE url NOT IN ("+placeholders+")", args...)
		return err
	})
}

// SetFeedEnrichmentEnabled toggles enrichment for one feed.
func (db *DB) SetFeedEnrichmentEnabled(ctx context.Context, feedID int64, enabled bool) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE feeds SET enrichment_enabled = ? WHERE id = ?", boolInt(enabled), feedID)
	if err != nil {
		return fmt.Errorf("updating feed %d: %w", feedID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFeedNotFound
	}
	return nil
}

// FeedDomain derives the grouping domain from a feed URL: the lowercased
// host without a leading "www.".
func FeedDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (*Feed, error) {
	var f Feed
	var enabled int
	var created *string
	if err := row.Scan(&f.ID, &f.URL, &f.Title, &f.Domain, &f.Position, &enabled, &created); err != nil {
		return nil, err
	}
	f.EnrichmentEnabled = enabled != 0
	f.CreatedAt = parseTime(created)
	return &f, nil
}

func scanFeedRow(row *sql.Row) (*Feed, error) {
	f, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
