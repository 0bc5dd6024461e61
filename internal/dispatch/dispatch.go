// Package dispatch admits enrichment lookups to the worker pool: one
// outstanding lookup per subject key, strict FIFO, and at most Limit
// admissions in any trailing Window.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/TobiSchelling/smallrss/internal/enrich"
	"github.com/TobiSchelling/smallrss/internal/events"
	"github.com/TobiSchelling/smallrss/internal/failure"
	"github.com/TobiSchelling/smallrss/internal/workers"
)

const op = "enrichment"

var (
	// ErrClosed is returned to requests made or still queued after Close.
	ErrClosed = errors.New("dispatcher closed")

	errEmptySubject = errors.New("empty subject")
)

// Request paths, reported through Options.OnRequest.
const (
	PathCached    = "cached"
	PathCoalesced = "coalesced"
	PathQueued    = "queued"
	PathRejected  = "rejected"
)

// Options configures a Dispatcher.
type Options struct {
	// Limit is the number of admissions allowed per Window.
	Limit  int
	Window time.Duration

	OnRequest func(path string)
	OnAdmit   func(key string, at time.Time)
	OnResolve func(key string, kind failure.Kind)
}

// Result is delivered once to every listener of a key.
type Result struct {
	Key     string
	Payload enrich.Payload
	Cached  bool
	Err     error
}

// Kind returns the failure kind of the result, or "" on success.
func (r Result) Kind() failure.Kind {
	return failure.KindOf(r.Err)
}

type entry struct {
	subject   string
	inFlight  bool
	listeners []chan Result
}

// Dispatcher deduplicates and throttles enrichment lookups.
type Dispatcher struct {
	cache     *enrich.Cache
	transport enrich.Transport
	pool      *workers.Pool
	bus       *events.Bus
	opts      Options
	now       func() time.Time

	mu         sync.Mutex
	queue      []string
	entries    map[string]*entry
	admissions []time.Time
	closed     bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New creates a dispatcher and starts its release loop.
func New(cache *enrich.Cache, transport enrich.Transport, pool *workers.Pool, bus *events.Bus, opts Options) *Dispatcher {
	if opts.Limit < 1 {
		opts.Limit = 1
	}
	if opts.Window <= 0 {
		opts.Window = time.Second
	}
	d := &Dispatcher{
		cache:     cache,
		transport: transport,
		pool:      pool,
		bus:       bus,
		opts:      opts,
		now:       time.Now,
		entries:   make(map[string]*entry),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go d.loop()
	return d
}

// Request asks for metadata about subject. The returned channel receives
// exactly one Result. Cache hits and an unconfigured transport are answered
// at once without taking a queue slot; a key already queued or in flight
// gains a listener instead of a second lookup.
func (d *Dispatcher) Request(ctx context.Context, subject string) <-chan Result {
	ch := make(chan Result, 1)
	key := enrich.Normalize(subject)
	if key == "" {
		ch <- Result{Err: failure.Parse(op, errEmptySubject)}
		return ch
	}

	if p, ok, err := d.cache.Lookup(ctx, key); err != nil {
		log.WithField("key", key).Warnf("Enrichment cache read failed: %v", err)
	} else if ok {
		d.record(PathCached)
		ch <- Result{Key: key, Payload: p, Cached: true}
		return ch
	}

	if !d.transport.Configured() {
		d.record(PathRejected)
		res := Result{Key: key, Err: failure.Config(op, enrich.ErrNoAPIKey)}
		ch <- res
		d.publish(res)
		return ch
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		ch <- Result{Key: key, Err: failure.Transient(op, ErrClosed)}
		return ch
	}
	if e, ok := d.entries[key]; ok {
		e.listeners = append(e.listeners, ch)
		d.mu.Unlock()
		d.record(PathCoalesced)
		return ch
	}
	// A lookup may have resolved between the cache read above and taking
	// the lock.
	if p, ok := d.cache.Peek(key); ok {
		d.mu.Unlock()
		d.record(PathCached)
		ch <- Result{Key: key, Payload: p, Cached: true}
		return ch
	}
	d.entries[key] = &entry{subject: subject, listeners: []chan Result{ch}}
	d.queue = append(d.queue, key)
	d.mu.Unlock()

	d.record(PathQueued)
	d.signal()
	return ch
}

// Pending returns the number of queued and in-flight keys.
func (d *Dispatcher) Pending() (queued, inFlight int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue), len(d.entries) - len(d.queue)
}

// Close stops the release loop and refuses further requests. Queued keys
// fail with ErrClosed; in-flight lookups still resolve.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var dropped []*entry
	for _, key := range d.queue {
		dropped = append(dropped, d.entries[key])
		delete(d.entries, key)
	}
	d.queue = nil
	d.mu.Unlock()

	close(d.stop)
	<-d.done

	for _, e := range dropped {
		res := Result{Key: enrich.Normalize(e.subject), Err: failure.Transient(op, ErrClosed)}
		for _, l := range e.listeners {
			l <- res
		}
	}
	if len(dropped) > 0 {
		log.Debugf("Dispatcher closed with %d queued lookups", len(dropped))
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		d.mu.Lock()
		wait, blocked := d.releaseLocked()
		d.mu.Unlock()

		var tick <-chan time.Time
		if blocked {
			timer.Reset(wait)
			tick = timer.C
		}

		select {
		case <-d.stop:
			return
		case <-d.wake:
		case <-tick:
		}
		if blocked && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// releaseLocked admits queue heads while the trailing window has room. It
// returns how long to wait before the next admission can happen, and
// whether anything is still queued.
func (d *Dispatcher) releaseLocked() (time.Duration, bool) {
	if d.closed {
		return 0, false
	}
	now := d.now()

	i := 0
	for i < len(d.admissions) && now.Sub(d.admissions[i]) >= d.opts.Window {
		i++
	}
	d.admissions = d.admissions[i:]

	for len(d.queue) > 0 && len(d.admissions) < d.opts.Limit {
		key := d.queue[0]
		d.queue[0] = ""
		d.queue = d.queue[1:]
		e := d.entries[key]
		e.inFlight = true
		d.admissions = append(d.admissions, now)
		if d.opts.OnAdmit != nil {
			d.opts.OnAdmit(key, now)
		}
		d.admit(key, e.subject)
	}

	if len(d.queue) == 0 {
		return 0, false
	}
	wait := d.admissions[0].Add(d.opts.Window).Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, true
}

// admit hands one lookup to the pool. Resolution happens off the lock.
func (d *Dispatcher) admit(key, subject string) {
	ch, err := workers.Submit(d.pool, context.Background(), func(ctx context.Context) (enrich.Payload, error) {
		return d.transport.Lookup(ctx, subject)
	})
	if err != nil {
		go d.resolve(key, nil, failure.Transient(op, err))
		return
	}
	go func() {
		r := <-ch
		d.resolve(key, r.Value, r.Err)
	}()
}

// resolve caches a successful payload, then notifies every listener of the
// key. Failures are never cached.
func (d *Dispatcher) resolve(key string, p enrich.Payload, err error) {
	if err == nil {
		if perr := d.cache.Put(context.Background(), key, p); perr != nil {
			err = failure.Storage(op, perr)
		}
	}
	if err != nil {
		p = nil
		log.WithFields(log.Fields{"key": key, "kind": failure.KindOf(err)}).Debugf("Lookup failed: %v", err)
	}

	d.mu.Lock()
	e := d.entries[key]
	delete(d.entries, key)
	d.mu.Unlock()

	res := Result{Key: key, Payload: p, Err: err}
	if e != nil {
		for _, l := range e.listeners {
			l <- res
		}
	}
	if d.opts.OnResolve != nil {
		d.opts.OnResolve(key, res.Kind())
	}
	d.publish(res)
}

func (d *Dispatcher) publish(res Result) {
	d.bus.Publish(events.EnrichmentResolved{
		Key:     res.Key,
		OK:      res.Err == nil,
		Kind:    res.Kind(),
		Payload: res.Payload,
		Err:     res.Err,
	})
}

func (d *Dispatcher) record(path string) {
	if d.opts.OnRequest != nil {
		d.opts.OnRequest(path)
	}
}
