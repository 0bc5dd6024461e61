package database

import "time"

// Feed is a subscribed RSS/Atom feed. URL is its identity.
type Feed struct {
	ID                int64
	URL               string
	Title             string
	Domain            string
	Position          int
	EnrichmentEnabled bool
	CreatedAt         *time.Time
}

// FeedInput describes a feed to add or update.
type FeedInput struct {
	URL               string
	Title             string
	EnrichmentEnabled bool
}

// Entry is one item of a fetched feed, before it is merged into the store.
type Entry struct {
	GUID      string
	Link      string
	Title     string
	Summary   string
	Published *time.Time
}

// Article is a stored feed item with its read flag.
type Article struct {
	FeedID    int64
	Key       string
	Title     string
	Link      *string
	Summary   *string
	Published *time.Time
	FetchedAt *time.Time
	Read      bool
}

// ArticleFilter selects articles for ListArticles.
type ArticleFilter struct {
	FeedID     int64 // 0 = all feeds
	UnreadOnly bool
	Limit      int // 0 = no limit
}

// Enrichment is a cached lookup result keyed by normalized subject.
type Enrichment struct {
	Key       string
	Payload   []byte
	FetchedAt time.Time
}

// Stats contains aggregate database statistics.
type Stats struct {
	Feeds             int
	EnrichedFeeds     int
	Articles          int
	ReadArticles      int
	UnreadArticles    int
	CachedEnrichments int
	Settings          int
}
