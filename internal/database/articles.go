package database

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	"github.com/samber/lo"
)

// ArticleKey returns the identity of an entry within its feed: the link,
// else the GUID, else a hash of title and publication time.
func ArticleKey(e Entry) string {
	if link := strings.TrimSpace(e.Link); link != "" {
		return link
	}
	if guid := strings.TrimSpace(e.GUID); guid != "" {
		return guid
	}
	if strings.TrimSpace(e.Title) == "" {
		return ""
	}
	var published string
	if e.Published != nil {
		published = e.Published.UTC().Format(time.RFC3339)
	}
	sum := md5.Sum([]byte(e.Title + published))
	return hex.EncodeToString(sum[:])
}

// UpsertArticles merges fetched entries into a feed in one transaction and
// returns the keys that were not stored before, in input order. Existing
// articles get their content refreshed; read flags are never touched.
// Either every entry is applied or none is.
func (db *DB) UpsertArticles(ctx context.Context, feedID int64, entries []Entry) ([]string, error) {
	valid := lo.Filter(entries, func(e Entry, _ int) bool { return ArticleKey(e) != "" })
	if len(valid) == 0 {
		return nil, nil
	}

	var inserted []string
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM feeds WHERE id = ?", feedID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrFeedNotFound
		}

		now := db.timestamp()
		for _, e := range valid {
			key := ArticleKey(e)
			title := strings.TrimSpace(e.Title)
			if title == "" {
				title = key
			}
			link := nullString(e.Link)
			summary := nullString(e.Summary)
			published := formatTime(e.Published)

			res, err := tx.ExecContext(ctx,
				`INSERT INTO articles (feed_id, article_key, title, link, summary, published_at, fetched_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(feed_id, article_key) DO NOTHING`,
				feedID, key, title, link, summary, published, now,
			)
			if err != nil {
				return fmt.Errorf("inserting %s: %w", key, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted = append(inserted, key)
				continue
			}

			if _, err := tx.ExecContext(ctx,
				`UPDATE articles SET title = ?, link = ?, summary = ?, published_at = ?, fetched_at = ?
				WHERE feed_id = ? AND article_key = ?`,
				title, link, summary, published, now, feedID, key,
			); err != nil {
				return fmt.Errorf("refreshing %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// GetArticle returns one article with its read flag, or nil.
func (db *DB) GetArticle(ctx context.Context, feedID int64, key string) (*Article, error) {
	sb := articleSelect()
	sb.Where(sb.Equal("a.feed_id", feedID), sb.Equal("a.article_key", key))
	query, args := sb.Build()

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	articles, err := scanArticles(rows)
	if err != nil || len(articles) == 0 {
		return nil, err
	}
	return &articles[0], nil
}

// ListArticles returns articles newest first.
func (db *DB) ListArticles(ctx context.Context, f ArticleFilter) ([]Article, error) {
	sb := articleSelect()
	if f.FeedID != 0 {
		sb.Where(sb.Equal("a.feed_id", f.FeedID))
	}
	if f.UnreadOnly {
		sb.Where("COALESCE(r.is_read, 0) = 0")
	}
	sb.OrderBy("a.published_at", "a.fetched_at").Desc()
	if f.Limit > 0 {
		sb.Limit(f.Limit)
	}
	query, args := sb.Build()

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArticles(rows)
}

// SetRead sets the read flag of one article.
func (db *DB) SetRead(ctx context.Context, feedID int64, key string, read bool) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO read_state (feed_id, article_key, is_read, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(feed_id, article_key) DO UPDATE SET is_read = excluded.is_read, updated_at = excluded.updated_at`,
		feedID, key, boolInt(read), db.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("setting read state: %w", err)
	}
	return nil
}

// IsRead reports the read flag of one article. Unknown articles are unread.
func (db *DB) IsRead(ctx context.Context, feedID int64, key string) (bool, error) {
	var read int
	err := db.conn.QueryRowContext(ctx,
		"SELECT is_read FROM read_state WHERE feed_id = ? AND article_key = ?", feedID, key,
	).Scan(&read)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return read != 0, nil
}

// MarkAllRead marks every stored article of a feed as read.
func (db *DB) MarkAllRead(ctx context.Context, feedID int64) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO read_state (feed_id, article_key, is_read, updated_at)
		SELECT feed_id, article_key, 1, ? FROM articles WHERE feed_id = ?
		ON CONFLICT(feed_id, article_key) DO UPDATE SET is_read = 1, updated_at = excluded.updated_at`,
		db.timestamp(), feedID,
	)
	if err != nil {
		return fmt.Errorf("marking feed %d read: %w", feedID, err)
	}
	return nil
}

// MarkAllUnread clears every read flag of a feed.
func (db *DB) MarkAllUnread(ctx context.Context, feedID int64) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE read_state SET is_read = 0, updated_at = ? WHERE feed_id = ?", db.timestamp(), feedID)
	if err != nil {
		return fmt.Errorf("marking feed %d unread: %w", feedID, err)
	}
	return nil
}

// UnreadCount returns the number of unread articles of a feed.
func (db *DB) UnreadCount(ctx context.Context, feedID int64) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM articles a
		LEFT JOIN read_state r ON r.feed_id = a.feed_id AND r.article_key = a.article_key
		WHERE a.feed_id = ? AND COALESCE(r.is_read, 0) = 0`, feedID,
	).Scan(&n)
	return n, err
}

func articleSelect() *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("a.feed_id", "a.article_key", "a.title", "a.link", "a.summary",
		"a.published_at", "a.fetched_at", "COALESCE(r.is_read, 0)")
	sb.From("articles a")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "read_state r",
		"r.feed_id = a.feed_id", "r.article_key = a.article_key")
	return sb
}

func scanArticles(rows *sql.Rows) ([]Article, error) {
	var articles []Article
	for rows.Next() {
		var a Article
		var published, fetched *string
		var read int
		if err := rows.Scan(&a.FeedID, &a.Key, &a.Title, &a.Link, &a.Summary,
			&published, &fetched, &read); err != nil {
			return nil, err
		}
		a.Published = parseTime(published)
		a.FetchedAt = parseTime(fetched)
		a.Read = read != 0
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

func nullString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
