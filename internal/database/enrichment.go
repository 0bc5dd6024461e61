package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetEnrichment returns the cached record for a normalized subject key, or
// nil when there is none.
func (db *DB) GetEnrichment(ctx context.Context, key string) (*Enrichment, error) {
	var e Enrichment
	var payload, fetched string
	err := db.conn.QueryRowContext(ctx,
		"SELECT subject_key, payload, fetched_at FROM enrichment_cache WHERE subject_key = ?", key,
	).Scan(&e.Key, &payload, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading enrichment %q: %w", key, err)
	}
	e.Payload = []byte(payload)
	if t, err := time.Parse(timeLayout, fetched); err == nil {
		e.FetchedAt = t
	}
	return &e, nil
}

// PutEnrichment stores or overwrites the record for a key.
func (db *DB) PutEnrichment(ctx context.Context, key string, payload []byte) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO enrichment_cache (subject_key, payload, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(subject_key) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at`,
		key, string(payload), db.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("writing enrichment %q: %w", key, err)
	}
	return nil
}
