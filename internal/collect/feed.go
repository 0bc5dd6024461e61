package collect

import (
	"bytes"
	"context"
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	log "github.com/sirupsen/logrus"

	"github.com/TobiSchelling/smallrss/internal/database"
	"github.com/TobiSchelling/smallrss/internal/failure"
	"github.com/TobiSchelling/smallrss/internal/fetch"
)

const defaultMaxEntries = 200

// FeedSource retrieves the current entries of a feed. Implementations run
// inside pool workers and must not touch the store.
type FeedSource interface {
	Fetch(ctx context.Context, feedURL string) ([]database.Entry, error)
}

// ParsedFeed is a fetched feed with its channel title.
type ParsedFeed struct {
	Title   string
	Entries []database.Entry
}

// FeedParser fetches feeds over HTTP and parses RSS/Atom with gofeed.
type FeedParser struct {
	client     *fetch.Client
	policy     *bluemonday.Policy
	maxEntries int
}

// NewFeedParser creates a parser. maxEntries caps entries kept per feed;
// zero uses the default.
func NewFeedParser(client *fetch.Client, maxEntries int) *FeedParser {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &FeedParser{
		client:     client,
		policy:     bluemonday.StrictPolicy(),
		maxEntries: maxEntries,
	}
}

// Fetch implements FeedSource.
func (fp *FeedParser) Fetch(ctx context.Context, feedURL string) ([]database.Entry, error) {
	feed, err := fp.FetchFeed(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	return feed.Entries, nil
}

// FetchFeed downloads and parses one feed. A body that is not a feed is a
// parse failure.
func (fp *FeedParser) FetchFeed(ctx context.Context, feedURL string) (*ParsedFeed, error) {
	body, err := fp.client.Get(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, failure.Parse("parse feed", err)
	}

	out := &ParsedFeed{Title: strings.TrimSpace(feed.Title)}
	for _, item := range feed.Items {
		if len(out.Entries) >= fp.maxEntries {
			break
		}
		if e, ok := fp.parseItem(item); ok {
			out.Entries = append(out.Entries, e)
		}
	}
	log.WithField("feed", feedURL).Debugf("Parsed %d entries", len(out.Entries))
	return out, nil
}

func (fp *FeedParser) parseItem(item *gofeed.Item) (database.Entry, bool) {
	e := database.Entry{
		GUID:  strings.TrimSpace(item.GUID),
		Link:  strings.TrimSpace(item.Link),
		Title: fp.plainText(item.Title),
	}
	if item.PublishedParsed != nil {
		e.Published = item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		e.Published = item.UpdatedParsed
	}
	if item.Description != "" {
		e.Summary = fp.plainText(item.Description)
	} else if item.Content != "" {
		e.Summary = fp.plainText(item.Content)
	}
	return e, database.ArticleKey(e) != ""
}

// plainText strips markup and collapses whitespace.
func (fp *FeedParser) plainText(s string) string {
	s = html.UnescapeString(fp.policy.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

// DisplayName derives a readable feed name from its URL, used when a feed
// has no title of its own.
func DisplayName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	if name == "" {
		return feedURL
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
