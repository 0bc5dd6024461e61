package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrFeedNotFound is returned when an operation names a feed that does not exist.
var ErrFeedNotFound = errors.New("feed not found")

const timeLayout = time.RFC3339Nano

// DB wraps a SQLite database connection. It is the only owner of durable
// state: feeds, articles, read flags, settings and the enrichment cache.
type DB struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer; one connection serializes transactions
	// instead of failing them with SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath, now: time.Now}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// GetStats returns aggregate counts for status output.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	queries := []struct {
		dest  *int
		query string
	}{
		{&s.Feeds, "SELECT COUNT(*) FROM feeds"},
		{&s.EnrichedFeeds, "SELECT COUNT(*) FROM feeds WHERE enrichment_enabled = 1"},
		{&s.Articles, "SELECT COUNT(*) FROM articles"},
		{&s.ReadArticles, "SELECT COUNT(*) FROM read_state WHERE is_read = 1"},
		{&s.CachedEnrichments, "SELECT COUNT(*) FROM enrichment_cache"},
		{&s.Settings, "SELECT COUNT(*) FROM settings"},
		{&s.UnreadArticles, `SELECT COUNT(*) FROM articles a
			LEFT JOIN read_state r ON r.feed_id = a.feed_id AND r.article_key = a.article_key
			WHERE COALESCE(r.is_read, 0) = 0`},
	}
	for _, q := range queries {
		if err := db.conn.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting: %w", err)
		}
	}
	return &s, nil
}

func (db *DB) timestamp() string {
	return db.now().UTC().Format(timeLayout)
}

func parseTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, *s)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.UTC().Format(timeLayout)
	return &s
}

// withTx runs fn in a transaction, rolling back on error.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
