// Package collect runs fetch cycles: feeds are fetched in parallel on the
// fetch pool, merged into the store as they complete, and new articles of
// enrichment-enabled feeds are handed to the dispatcher.
package collect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/TobiSchelling/smallrss/internal/database"
	"github.com/TobiSchelling/smallrss/internal/dispatch"
	"github.com/TobiSchelling/smallrss/internal/enrich"
	"github.com/TobiSchelling/smallrss/internal/events"
	"github.com/TobiSchelling/smallrss/internal/failure"
	"github.com/TobiSchelling/smallrss/internal/metrics"
	"github.com/TobiSchelling/smallrss/internal/workers"
)

// ErrFeedBusy is reported for a feed whose previous fetch is still running.
var ErrFeedBusy = errors.New("feed fetch already in progress")

// Enricher accepts enrichment requests.
type Enricher interface {
	Request(ctx context.Context, subject string) <-chan dispatch.Result
}

// Result holds the outcome of one fetch cycle.
type Result struct {
	CycleID     string
	Feeds       int
	NewArticles int
	Inserted    map[string][]string // feed URL -> new article keys
	Failed      map[string]error
	Rejected    []string
	Subjects    []string

	requests []<-chan dispatch.Result
}

// WaitEnrichment blocks until every enrichment request issued by the cycle
// has resolved, or ctx is done.
func (r *Result) WaitEnrichment(ctx context.Context) ([]dispatch.Result, error) {
	out := make([]dispatch.Result, 0, len(r.requests))
	for _, ch := range r.requests {
		select {
		case res := <-ch:
			out = append(out, res)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

// Collector orchestrates fetch cycles.
type Collector struct {
	db       *database.DB
	source   FeedSource
	pool     *workers.Pool
	enricher Enricher
	bus      *events.Bus
	metrics  *metrics.Metrics

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewCollector creates a collector. enricher, bus and m may be nil.
func NewCollector(db *database.DB, source FeedSource, pool *workers.Pool, enricher Enricher, bus *events.Bus, m *metrics.Metrics) *Collector {
	return &Collector{
		db:       db,
		source:   source,
		pool:     pool,
		enricher: enricher,
		bus:      bus,
		metrics:  m,
		inFlight: make(map[string]struct{}),
	}
}

type fetchOutcome struct {
	feed    database.Feed
	entries []database.Entry
	err     error
	took    time.Duration
}

// CollectAll runs a cycle over every stored feed.
func (c *Collector) CollectAll(ctx context.Context) (*Result, error) {
	feeds, err := c.db.ListFeeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	return c.Collect(ctx, feeds)
}

// Collect runs one fetch cycle over feeds. A feed with a fetch still
// outstanding from an earlier cycle is skipped and listed in
// Result.Rejected. Results are merged in completion order.
func (c *Collector) Collect(ctx context.Context, feeds []database.Feed) (*Result, error) {
	start := time.Now()
	r := &Result{
		CycleID:  uuid.NewString(),
		Inserted: make(map[string][]string),
		Failed:   make(map[string]error),
	}

	outcomes := make(chan fetchOutcome)
	pending := 0
	for _, feed := range feeds {
		if !c.claim(feed.URL) {
			log.WithField("feed", feed.URL).WithError(ErrFeedBusy).Info("Skipping feed")
			r.Rejected = append(r.Rejected, feed.URL)
			continue
		}
		r.Feeds++

		submitted := time.Now()
		ch, err := workers.Submit(c.pool, ctx, func(ctx context.Context) ([]database.Entry, error) {
			return c.source.Fetch(ctx, feed.URL)
		})
		if err != nil {
			c.release(feed.URL)
			c.fail(r, feed, failure.Transient("fetch", err), 0)
			continue
		}
		pending++
		go func() {
			res := <-ch
			outcomes <- fetchOutcome{feed: feed, entries: res.Value, err: res.Err, took: time.Since(submitted)}
		}()
	}

	requested := make(map[string]struct{})
	for ; pending > 0; pending-- {
		c.merge(ctx, r, <-outcomes, requested)
	}

	if c.metrics != nil {
		c.metrics.Cycles.Inc()
	}
	took := time.Since(start)
	c.bus.Publish(events.CycleCompleted{
		CycleID:  r.CycleID,
		Feeds:    r.Feeds,
		Failed:   len(r.Failed),
		Rejected: len(r.Rejected),
		Inserted: r.NewArticles,
		Duration: took,
	})
	log.Infof("Fetch cycle complete: %d feeds, %d new articles, %d failed, %d skipped (%s)",
		r.Feeds, r.NewArticles, len(r.Failed), len(r.Rejected), took.Round(time.Millisecond))
	return r, nil
}

// merge applies one fetch outcome on the cycle goroutine.
func (c *Collector) merge(ctx context.Context, r *Result, o fetchOutcome, requested map[string]struct{}) {
	defer c.release(o.feed.URL)

	if o.err != nil {
		c.fail(r, o.feed, o.err, o.took)
		return
	}

	// The feed may have been removed or toggled while its fetch ran.
	current, err := c.db.GetFeedByID(ctx, o.feed.ID)
	if err != nil {
		c.fail(r, o.feed, failure.Storage("load feed", err), o.took)
		return
	}
	if current == nil {
		c.fail(r, o.feed, failure.New(failure.KindNotFound, "merge", database.ErrFeedNotFound), o.took)
		return
	}

	inserted, err := c.db.UpsertArticles(ctx, current.ID, o.entries)
	if err != nil {
		c.fail(r, *current, failure.Storage("merge articles", err), o.took)
		return
	}

	r.Inserted[current.URL] = inserted
	r.NewArticles += len(inserted)
	if c.metrics != nil {
		c.metrics.ObserveFetch("", o.took)
		c.metrics.ArticlesInserted.Add(float64(len(inserted)))
	}
	log.WithFields(log.Fields{"feed": current.URL, "new": len(inserted)}).
		Debugf("Merged %d entries", len(o.entries))

	c.bus.Publish(events.FeedUpdated{
		CycleID:     r.CycleID,
		FeedID:      current.ID,
		FeedURL:     current.URL,
		NewArticles: inserted,
		Fetched:     len(o.entries),
	})

	if current.EnrichmentEnabled && c.enricher != nil && len(inserted) > 0 {
		c.requestEnrichment(ctx, r, o.entries, inserted, requested)
	}
}

// requestEnrichment sends each distinct subject of the new articles to the
// enricher once per cycle.
func (c *Collector) requestEnrichment(ctx context.Context, r *Result, entries []database.Entry, inserted []string, requested map[string]struct{}) {
	isNew := lo.Associate(inserted, func(k string) (string, struct{}) { return k, struct{}{} })
	fresh := lo.Filter(entries, func(e database.Entry, _ int) bool {
		_, ok := isNew[database.ArticleKey(e)]
		return ok
	})
	subjects := lo.Map(fresh, func(e database.Entry, _ int) string { return enrich.ExtractSubject(e.Title) })
	subjects = lo.UniqBy(lo.Compact(subjects), enrich.Normalize)

	for _, s := range subjects {
		key := enrich.Normalize(s)
		if key == "" {
			continue
		}
		if _, ok := requested[key]; ok {
			continue
		}
		requested[key] = struct{}{}
		r.Subjects = append(r.Subjects, s)
		r.requests = append(r.requests, c.enricher.Request(ctx, s))
	}
}

func (c *Collector) fail(r *Result, feed database.Feed, err error, took time.Duration) {
	kind := failure.KindOf(err)
	r.Failed[feed.URL] = err
	if c.metrics != nil {
		c.metrics.ObserveFetch(kind, took)
	}
	log.WithFields(log.Fields{"feed": feed.URL, "kind": kind}).Warnf("Feed failed: %v", err)
	c.bus.Publish(events.FeedFailed{
		CycleID: r.CycleID,
		FeedID:  feed.ID,
		FeedURL: feed.URL,
		Kind:    kind,
		Err:     err,
	})
}

// Busy reports whether a fetch for feedURL is outstanding.
func (c *Collector) Busy(feedURL string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[feedURL]
	return ok
}

func (c *Collector) claim(feedURL string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inFlight[feedURL]; ok {
		return false
	}
	c.inFlight[feedURL] = struct{}{}
	return true
}

func (c *Collector) release(feedURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, feedURL)
}
