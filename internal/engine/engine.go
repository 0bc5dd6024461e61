// Package engine wires the store, pools, dispatcher and collector into one
// owned unit and drives periodic refresh.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/smallrss/internal/collect"
	"github.com/TobiSchelling/smallrss/internal/config"
	"github.com/TobiSchelling/smallrss/internal/database"
	"github.com/TobiSchelling/smallrss/internal/dispatch"
	"github.com/TobiSchelling/smallrss/internal/enrich"
	"github.com/TobiSchelling/smallrss/internal/events"
	"github.com/TobiSchelling/smallrss/internal/fetch"
	"github.com/TobiSchelling/smallrss/internal/metrics"
	"github.com/TobiSchelling/smallrss/internal/workers"
)

const (
	defaultEventBuffer = 256
	gaugeInterval      = 5 * time.Second
)

// Option customizes an Engine.
type Option func(*options)

type options struct {
	source      collect.FeedSource
	transport   enrich.Transport
	eventBuffer int
}

// WithFeedSource replaces the HTTP feed source.
func WithFeedSource(s collect.FeedSource) Option {
	return func(o *options) { o.source = s }
}

// WithTransport replaces the OMDb enrichment transport.
func WithTransport(t enrich.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithEventBuffer sets the event bus buffer size.
func WithEventBuffer(n int) Option {
	return func(o *options) { o.eventBuffer = n }
}

// Engine owns every queue and cache of a running reader.
type Engine struct {
	cfg        *config.Config
	db         *database.DB
	metrics    *metrics.Metrics
	bus        *events.Bus
	fetchPool  *workers.Pool
	enrichPool *workers.Pool
	cache      *enrich.Cache
	transport  enrich.Transport
	dispatcher *dispatch.Dispatcher
	collector  *collect.Collector
}

// New creates an engine on an open store.
func New(cfg *config.Config, db *database.DB, opts ...Option) (*Engine, error) {
	o := options{eventBuffer: defaultEventBuffer}
	for _, opt := range opts {
		opt(&o)
	}

	m := metrics.New()
	bus := events.NewBus(o.eventBuffer)

	cache, err := enrich.NewCache(db, cfg.Enrichment.CacheMemoryEntries, cfg.CacheMaxAge())
	if err != nil {
		return nil, fmt.Errorf("creating enrichment cache: %w", err)
	}

	source := o.source
	if source == nil {
		client := fetch.NewClient(cfg.FetchTimeout(), cfg.HostInterval())
		source = collect.NewFeedParser(client, cfg.Workers.MaxEntriesPerFeed)
	}
	transport := o.transport
	if transport == nil {
		e := cfg.Enrichment
		transport = enrich.NewOMDbClient(e.BaseURL, e.APIKey, e.APIKeyEnv, cfg.EnrichmentTimeout())
	}

	fetchPool := workers.New("fetch", cfg.Workers.FetchSize, cfg.FetchTimeout())
	enrichPool := workers.New("enrichment", cfg.Workers.EnrichmentSize, cfg.EnrichmentTimeout())

	d := dispatch.New(cache, transport, enrichPool, bus, dispatch.Options{
		Limit:     cfg.Enrichment.RateLimit,
		Window:    cfg.RateWindow(),
		OnRequest: m.EnrichmentRequest,
		OnAdmit:   m.Admitted,
		OnResolve: m.Resolved,
	})

	if !transport.Configured() {
		log.Warnf("No enrichment API key configured; set enrichment.api_key or $%s", cfg.Enrichment.APIKeyEnv)
	}

	return &Engine{
		cfg:        cfg,
		db:         db,
		metrics:    m,
		bus:        bus,
		fetchPool:  fetchPool,
		enrichPool: enrichPool,
		cache:      cache,
		transport:  transport,
		dispatcher: d,
		collector:  collect.NewCollector(db, source, fetchPool, d, bus, m),
	}, nil
}

// Events returns the channel UI collaborators consume. It must be drained.
func (e *Engine) Events() <-chan events.Event { return e.bus.C() }

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// DB returns the store.
func (e *Engine) DB() *database.DB { return e.db }

// ImportLegacy runs the one-time flat-file import when enabled.
func (e *Engine) ImportLegacy(ctx context.Context) (bool, error) {
	if !e.cfg.Legacy.Import {
		return false, nil
	}
	return e.db.ImportLegacy(ctx, e.cfg.LegacyDir(), enrich.Normalize)
}

// Refresh runs one fetch cycle over every feed.
func (e *Engine) Refresh(ctx context.Context) (*collect.Result, error) {
	defer e.updateGauges()
	return e.collector.CollectAll(ctx)
}

// RefreshFeed runs a fetch cycle for a single feed.
func (e *Engine) RefreshFeed(ctx context.Context, feedURL string) (*collect.Result, error) {
	defer e.updateGauges()
	feed, err := e.db.GetFeed(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	if feed == nil {
		return nil, fmt.Errorf("%w: %s", database.ErrFeedNotFound, feedURL)
	}
	return e.collector.Collect(ctx, []database.Feed{*feed})
}

// Enrich requests metadata for subject outside a fetch cycle.
func (e *Engine) Enrich(ctx context.Context, subject string) <-chan dispatch.Result {
	return e.dispatcher.Request(ctx, subject)
}

// SetRead sets the read flag of an article.
func (e *Engine) SetRead(ctx context.Context, feedID int64, key string, read bool) error {
	return e.db.SetRead(ctx, feedID, key, read)
}

// SetFeedEnrichmentEnabled toggles enrichment for a feed. It applies to
// merges from the next completed fetch onward.
func (e *Engine) SetFeedEnrichmentEnabled(ctx context.Context, feedID int64, enabled bool) error {
	return e.db.SetFeedEnrichmentEnabled(ctx, feedID, enabled)
}

// SetAPIKey replaces the enrichment API key when the transport supports it.
func (e *Engine) SetAPIKey(key string) bool {
	ks, ok := e.transport.(interface{ SetAPIKey(string) })
	if !ok {
		return false
	}
	ks.SetAPIKey(key)
	return true
}

// Run refreshes on start (if configured) and then on every refresh
// interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.Refresh.OnStart {
		e.refreshLogged(ctx)
	}

	var tick <-chan time.Time
	if interval := e.cfg.RefreshInterval(); interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
		log.Infof("Refreshing every %s", interval)
	}
	gauges := time.NewTicker(gaugeInterval)
	defer gauges.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			e.refreshLogged(ctx)
		case <-gauges.C:
			e.updateGauges()
		}
	}
}

func (e *Engine) refreshLogged(ctx context.Context) {
	if _, err := e.Refresh(ctx); err != nil {
		log.Errorf("Refresh failed: %v", err)
	}
}

func (e *Engine) updateGauges() {
	queued, inFlight := e.dispatcher.Pending()
	e.metrics.SetQueueDepth("enrichment_queued", queued)
	e.metrics.SetQueueDepth("enrichment_in_flight", inFlight)
	for _, p := range []*workers.Pool{e.fetchPool, e.enrichPool} {
		pending, _ := p.Stats()
		e.metrics.SetQueueDepth(p.Name(), pending)
	}
}

// WatchConfig reloads the enrichment API key whenever the config file at
// path changes, until ctx is done.
func (e *Engine) WatchConfig(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				e.reloadAPIKey(path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("Config watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (e *Engine) reloadAPIKey(path string) {
	cfg, err := config.Load(path)
	if err != nil {
		log.Warnf("Config changed but could not be loaded: %v", err)
		return
	}
	key := enrich.ResolveAPIKey(cfg.Enrichment.APIKey, cfg.Enrichment.APIKeyEnv)
	if e.SetAPIKey(key) {
		log.WithField("configured", key != "").Info("Reloaded enrichment API key")
	}
}

// Shutdown stops admissions, then drains both pools in parallel. Events
// are no longer delivered afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.dispatcher.Close()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range []*workers.Pool{e.fetchPool, e.enrichPool} {
		g.Go(func() error {
			if err := p.Shutdown(gctx); err != nil {
				return fmt.Errorf("draining %s pool: %w", p.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	e.bus.Close()
	return err
}
