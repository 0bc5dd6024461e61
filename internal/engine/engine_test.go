package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/smallrss/internal/config"
	"github.com/TobiSchelling/smallrss/internal/database"
	"github.com/TobiSchelling/smallrss/internal/enrich"
	"github.com/TobiSchelling/smallrss/internal/events"
	"github.com/TobiSchelling/smallrss/internal/failure"
)

type staticSource struct {
	entries []database.Entry
}

func (s staticSource) Fetch(context.Context, string) ([]database.Entry, error) {
	return s.entries, nil
}

type countingTransport struct {
	mu    sync.Mutex
	calls int
}

func (c *countingTransport) Configured() bool { return true }

func (c *countingTransport) Lookup(_ context.Context, subject string) (enrich.Payload, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return enrich.Payload{"Title": subject, "Year": "2010"}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Output.DataDir = t.TempDir()
	cfg.Enrichment.WindowMS = 50
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	db, err := database.Open(cfg.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e, err := New(cfg, db, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return e
}

// collectEvents drains the bus until the engine shuts down.
func collectEvents(e *Engine) func() []events.Event {
	var mu sync.Mutex
	var got []events.Event
	go func() {
		for {
			select {
			case ev := <-e.Events():
				mu.Lock()
				got = append(got, ev)
				mu.Unlock()
			case <-e.bus.Done():
				return
			}
		}
	}()
	return func() []events.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Event(nil), got...)
	}
}

func TestRefreshEnrichesNewArticles(t *testing.T) {
	ctx := context.Background()
	transport := &countingTransport{}
	published := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	src := staticSource{entries: []database.Entry{
		{Link: "https://a.example/inception", Title: "Inception", Published: &published},
		{Link: "https://a.example/matrix", Title: "The Matrix", Published: &published},
	}}
	e := newEngine(t, testConfig(t), WithFeedSource(src), WithTransport(transport))
	seen := collectEvents(e)

	feed, err := e.DB().UpsertFeed(ctx, database.FeedInput{URL: "https://a.example/rss", EnrichmentEnabled: true})
	require.NoError(t, err)

	r, err := e.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, r.NewArticles)

	results, err := r.WaitEnrichment(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	payload, ok, err := e.cache.Lookup(ctx, enrich.Normalize("Inception"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Inception", payload.Title())

	require.NoError(t, e.SetRead(ctx, feed.ID, "https://a.example/inception", true))
	r, err = e.Refresh(ctx)
	require.NoError(t, err)
	assert.Zero(t, r.NewArticles)

	read, err := e.DB().IsRead(ctx, feed.ID, "https://a.example/inception")
	require.NoError(t, err)
	assert.True(t, read)

	assert.Equal(t, 2, transport.calls)
	assert.Equal(t, float64(2), testutil.ToFloat64(e.Metrics().Admissions))

	require.Eventually(t, func() bool {
		var resolved, cycles int
		for _, ev := range seen() {
			switch ev.(type) {
			case events.EnrichmentResolved:
				resolved++
			case events.CycleCompleted:
				cycles++
			}
		}
		return resolved == 2 && cycles == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRefreshFeedUnknown(t *testing.T) {
	e := newEngine(t, testConfig(t), WithFeedSource(staticSource{}), WithTransport(&countingTransport{}))
	_, err := e.RefreshFeed(context.Background(), "https://missing.example/rss")
	assert.ErrorIs(t, err, database.ErrFeedNotFound)
}

func TestEnrichWithoutAPIKey(t *testing.T) {
	t.Setenv("OMDB_API_KEY", "")
	e := newEngine(t, testConfig(t), WithFeedSource(staticSource{}))
	collectEvents(e)

	for i := 0; i < 2; i++ {
		res := <-e.Enrich(context.Background(), "Inception")
		assert.Equal(t, failure.KindConfig, res.Kind())
	}
	cached, err := e.DB().GetEnrichment(context.Background(), enrich.Normalize("Inception"))
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestSetAPIKeyOnlyForKeyedTransports(t *testing.T) {
	t.Setenv("OMDB_API_KEY", "")
	e := newEngine(t, testConfig(t), WithFeedSource(staticSource{}))
	assert.False(t, e.transport.Configured())
	assert.True(t, e.SetAPIKey("abc"))
	assert.True(t, e.transport.Configured())

	fake := newEngine(t, testConfig(t), WithTransport(&countingTransport{}))
	assert.False(t, fake.SetAPIKey("abc"))
}

func TestWatchConfigReloadsAPIKey(t *testing.T) {
	t.Setenv("OMDB_API_KEY", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("enrichment:\n  api_key: \"\"\n"), 0o644))

	e := newEngine(t, testConfig(t), WithFeedSource(staticSource{}))
	require.NoError(t, e.WatchConfig(ctx, path))
	require.False(t, e.transport.Configured())

	require.NoError(t, os.WriteFile(path, []byte("enrichment:\n  api_key: \" k3y \"\n"), 0o644))
	require.Eventually(t, e.transport.Configured, 2*time.Second, 20*time.Millisecond)
}

func TestImportLegacyDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Legacy.Import = false
	require.NoError(t, os.WriteFile(filepath.Join(cfg.LegacyDir(), "feeds.json"),
		[]byte(`[{"url":"https://a.example/rss"}]`), 0o644))

	e := newEngine(t, cfg, WithFeedSource(staticSource{}))
	imported, err := e.ImportLegacy(context.Background())
	require.NoError(t, err)
	assert.False(t, imported)

	cfg.Legacy.Import = true
	imported, err = e.ImportLegacy(context.Background())
	require.NoError(t, err)
	assert.True(t, imported)

	feeds, err := e.DB().ListFeeds(context.Background())
	require.NoError(t, err)
	require.Len(t, feeds, 1)
}

func TestShutdownRefusesRequests(t *testing.T) {
	e := newEngine(t, testConfig(t), WithFeedSource(staticSource{}), WithTransport(&countingTransport{}))
	require.NoError(t, e.Shutdown(context.Background()))

	res := <-e.Enrich(context.Background(), "Inception")
	assert.Error(t, res.Err)
}
