package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Setting scopes.
const (
	ScopeApp = "app"
)

// FeedScope is the settings scope of one feed.
func FeedScope(feedURL string) string { return "feed:" + feedURL }

// ColumnScope is the settings scope of a feed's article columns.
func ColumnScope(feedURL string) string { return "columns:" + feedURL }

// GetSetting returns a setting value and whether it exists.
func (db *DB) GetSetting(ctx context.Context, scope, key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE scope = ? AND key = ?", scope, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading setting %s/%s: %w", scope, key, err)
	}
	return value, true, nil
}

// PutSetting writes a setting. Last write wins.
func (db *DB) PutSetting(ctx context.Context, scope, key, value string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO settings (scope, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		scope, key, value, db.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("writing setting %s/%s: %w", scope, key, err)
	}
	return nil
}

// GetSettings returns every key/value of a scope.
func (db *DB) GetSettings(ctx context.Context, scope string) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT key, value FROM settings WHERE scope = ?", scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func getMeta(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
