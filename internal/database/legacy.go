package database

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/araddon/dateparse"
	log "github.com/sirupsen/logrus"
)

const legacyImportedKey = "legacy_imported"

// Flat files written by the previous JSON-based state format.
const (
	legacyFeedsFile  = "feeds.json"
	legacyReadFile   = "read_articles.json"
	legacyGroupsFile = "group_settings.json"
	legacyEnrichFile = "movie_data_cache.json"
)

type legacyFeed struct {
	URL     string        `json:"url"`
	Title   string        `json:"title"`
	Entries []legacyEntry `json:"entries"`
}

type legacyEntry struct {
	ID        string `json:"id"`
	GUID      string `json:"guid"`
	Link      string `json:"link"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	Published string `json:"published"`
	Updated   string `json:"updated"`
}

type legacyGroup struct {
	OMDbEnabled bool `json:"omdb_enabled"`
}

// legacyID reproduces the identifier the flat-file format used for read
// tracking: md5 of id, guid, link, or title+published, first non-empty.
func (e legacyEntry) legacyID() string {
	var unique string
	for _, s := range []string{e.ID, e.GUID, e.Link, e.Title + e.Published} {
		if s != "" {
			unique = s
			break
		}
	}
	sum := md5.Sum([]byte(unique))
	return hex.EncodeToString(sum[:])
}

func (e legacyEntry) entry() Entry {
	out := Entry{GUID: e.GUID, Link: e.Link, Title: e.Title, Summary: e.Summary}
	if out.GUID == "" {
		out.GUID = e.ID
	}
	raw := e.Published
	if raw == "" {
		raw = e.Updated
	}
	if raw != "" {
		if t, err := dateparse.ParseAny(raw); err == nil {
			out.Published = &t
		}
	}
	return out
}

// ImportLegacy loads flat-file state from dir into an empty store. It runs
// at most once: only when the store has no feeds and no earlier import is
// recorded. The whole import is one transaction; a malformed file rolls it
// back and the store starts empty. normalize maps cached titles to
// enrichment keys. Reports whether anything was imported.
func (db *DB) ImportLegacy(ctx context.Context, dir string, normalize func(string) string) (bool, error) {
	if dir == "" {
		return false, nil
	}
	if _, done, err := getMeta(ctx, db.conn, legacyImportedKey); err != nil {
		return false, fmt.Errorf("reading import marker: %w", err)
	} else if done {
		return false, nil
	}
	var feedCount int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM feeds").Scan(&feedCount); err != nil {
		return false, err
	}
	if feedCount > 0 {
		return false, nil
	}

	present := false
	for _, name := range []string{legacyFeedsFile, legacyReadFile, legacyGroupsFile, legacyEnrichFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			present = true
			break
		}
	}
	if !present {
		return false, nil
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		return db.importLegacyTx(ctx, tx, dir, normalize)
	})
	if err != nil {
		log.WithError(err).WithField("dir", dir).Warn("Legacy import failed, starting empty")
		return false, db.markLegacyImported(ctx, "failed")
	}
	if err := db.markLegacyImported(ctx, db.timestamp()); err != nil {
		return true, err
	}
	log.WithField("dir", dir).Info("Imported legacy state")
	return true, nil
}

func (db *DB) markLegacyImported(ctx context.Context, value string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		legacyImportedKey, value)
	return err
}

func (db *DB) importLegacyTx(ctx context.Context, tx *sql.Tx, dir string, normalize func(string) string) error {
	now := db.timestamp()

	var readIDs map[string]bool
	var ids []string
	if ok, err := readLegacyJSON(filepath.Join(dir, legacyReadFile), &ids); err != nil {
		return err
	} else if ok {
		readIDs = make(map[string]bool, len(ids))
		for _, id := range ids {
			readIDs[id] = true
		}
	}

	var groups map[string]legacyGroup
	if _, err := readLegacyJSON(filepath.Join(dir, legacyGroupsFile), &groups); err != nil {
		return err
	}

	var raw json.RawMessage
	if ok, err := readLegacyJSON(filepath.Join(dir, legacyFeedsFile), &raw); err != nil {
		return err
	} else if ok {
		feeds, widths, err := decodeLegacyFeeds(raw)
		if err != nil {
			return err
		}
		for pos, lf := range feeds {
			if lf.URL == "" {
				continue
			}
			title := lf.Title
			if title == "" {
				title = lf.URL
			}
			domain := FeedDomain(lf.URL)
			enabled := groups[domain].OMDbEnabled

			var feedID int64
			if err := tx.QueryRowContext(ctx,
				`INSERT INTO feeds (url, title, domain, position, enrichment_enabled, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(url) DO UPDATE SET title = excluded.title
				RETURNING id`,
				lf.URL, title, domain, pos, boolInt(enabled), now,
			).Scan(&feedID); err != nil {
				return fmt.Errorf("importing feed %s: %w", lf.URL, err)
			}

			for _, le := range lf.Entries {
				e := le.entry()
				key := ArticleKey(e)
				if key == "" {
					continue
				}
				articleTitle := e.Title
				if articleTitle == "" {
					articleTitle = key
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO articles (feed_id, article_key, title, link, summary, published_at, fetched_at)
					VALUES (?, ?, ?, ?, ?, ?, ?)
					ON CONFLICT(feed_id, article_key) DO NOTHING`,
					feedID, key, articleTitle, nullString(e.Link), nullString(e.Summary), formatTime(e.Published), now,
				); err != nil {
					return fmt.Errorf("importing article %s: %w", key, err)
				}
				if readIDs[le.legacyID()] {
					if _, err := tx.ExecContext(ctx,
						`INSERT INTO read_state (feed_id, article_key, is_read, updated_at) VALUES (?, ?, 1, ?)
						ON CONFLICT(feed_id, article_key) DO UPDATE SET is_read = 1`,
						feedID, key, now,
					); err != nil {
						return err
					}
				}
			}
		}

		for feedURL, cols := range widths {
			for i, w := range cols {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO settings (scope, key, value, updated_at) VALUES (?, ?, ?, ?)
					ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value`,
					ColumnScope(feedURL), strconv.Itoa(i), strconv.Itoa(w), now,
				); err != nil {
					return err
				}
			}
		}
	}

	var cache map[string]json.RawMessage
	if _, err := readLegacyJSON(filepath.Join(dir, legacyEnrichFile), &cache); err != nil {
		return err
	}
	for title, payload := range cache {
		key := title
		if normalize != nil {
			key = normalize(title)
		}
		if key == "" || !usableLegacyPayload(payload) {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO enrichment_cache (subject_key, payload, fetched_at) VALUES (?, ?, ?)
			ON CONFLICT(subject_key) DO UPDATE SET payload = excluded.payload`,
			key, string(payload), now,
		); err != nil {
			return err
		}
	}
	return nil
}

// usableLegacyPayload reports whether a legacy cache entry holds a real
// lookup result. The old reader wrote {} for failed or keyless lookups and
// kept OMDb's "Response":"False" answers.
func usableLegacyPayload(raw json.RawMessage) bool {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || len(obj) == 0 {
		return false
	}
	if r, ok := obj["Response"].(string); ok && strings.EqualFold(r, "false") {
		return false
	}
	return true
}

// decodeLegacyFeeds accepts either a bare feed list or an object carrying
// the list and per-feed column widths.
func decodeLegacyFeeds(raw json.RawMessage) ([]legacyFeed, map[string][]int, error) {
	var list []legacyFeed
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil, nil
	}
	var obj struct {
		Feeds        []legacyFeed     `json:"feeds"`
		ColumnWidths map[string][]int `json:"column_widths"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, nil, fmt.Errorf("decoding %s: %w", legacyFeedsFile, err)
	}
	return obj.Feeds, obj.ColumnWidths, nil
}

// readLegacyJSON decodes path into v. A missing file is not an error.
func readLegacyJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
