// Package enrich holds subject normalization, the enrichment cache and the
// lookup transport.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/TobiSchelling/smallrss/internal/database"
)

const defaultMemoryEntries = 1024

// Payload is the metadata object returned by the lookup service.
type Payload map[string]any

// Title returns the payload's Title field, if any.
func (p Payload) Title() string {
	s, _ := p["Title"].(string)
	return s
}

// Store is the durable side of the cache.
type Store interface {
	GetEnrichment(ctx context.Context, key string) (*database.Enrichment, error)
	PutEnrichment(ctx context.Context, key string, payload []byte) error
}

type memEntry struct {
	payload   Payload
	fetchedAt time.Time
}

// Cache is a two-tier enrichment cache: an in-memory LRU in front of the
// store. Entries are keyed by normalized subject. A positive MaxAge treats
// older entries as misses; zero never expires.
type Cache struct {
	store  Store
	mem    *lru.Cache[string, memEntry]
	maxAge time.Duration
	now    func() time.Time
}

// NewCache creates a cache over store holding up to memEntries records in
// memory.
func NewCache(store Store, memEntries int, maxAge time.Duration) (*Cache, error) {
	if memEntries <= 0 {
		memEntries = defaultMemoryEntries
	}
	mem, err := lru.New[string, memEntry](memEntries)
	if err != nil {
		return nil, fmt.Errorf("creating memory cache: %w", err)
	}
	return &Cache{store: store, mem: mem, maxAge: maxAge, now: time.Now}, nil
}

// Lookup returns the payload for key. A miss is (nil, false, nil).
func (c *Cache) Lookup(ctx context.Context, key string) (Payload, bool, error) {
	if e, ok := c.mem.Get(key); ok {
		if c.fresh(e.fetchedAt) && len(e.payload) > 0 {
			return e.payload, true, nil
		}
		c.mem.Remove(key)
		return nil, false, nil
	}

	rec, err := c.store.GetEnrichment(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if rec == nil || !c.fresh(rec.FetchedAt) {
		return nil, false, nil
	}
	var p Payload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		log.WithField("key", key).Warnf("Discarding unreadable cache entry: %v", err)
		return nil, false, nil
	}
	// An empty record marks an old failed lookup, not a result.
	if len(p) == 0 {
		return nil, false, nil
	}
	c.mem.Add(key, memEntry{payload: p, fetchedAt: rec.FetchedAt})
	return p, true, nil
}

// Peek probes the memory tier only. It does no I/O and is safe to call
// while holding other locks.
func (c *Cache) Peek(key string) (Payload, bool) {
	e, ok := c.mem.Peek(key)
	if !ok || len(e.payload) == 0 || !c.fresh(e.fetchedAt) {
		return nil, false
	}
	return e.payload, true
}

// Put stores a payload durably, then in memory.
func (c *Cache) Put(ctx context.Context, key string, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding payload for %q: %w", key, err)
	}
	if err := c.store.PutEnrichment(ctx, key, data); err != nil {
		return err
	}
	c.mem.Add(key, memEntry{payload: p, fetchedAt: c.now()})
	return nil
}

// Len returns the number of records held in memory.
func (c *Cache) Len() int {
	return c.mem.Len()
}

func (c *Cache) fresh(fetchedAt time.Time) bool {
	if c.maxAge <= 0 || fetchedAt.IsZero() {
		return true
	}
	return c.now().Sub(fetchedAt) < c.maxAge
}
