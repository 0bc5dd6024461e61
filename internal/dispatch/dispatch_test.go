package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/smallrss/internal/database"
	"github.com/TobiSchelling/smallrss/internal/enrich"
	"github.com/TobiSchelling/smallrss/internal/events"
	"github.com/TobiSchelling/smallrss/internal/failure"
	"github.com/TobiSchelling/smallrss/internal/workers"
)

type fakeTransport struct {
	mu         sync.Mutex
	calls      map[string]int
	order      []string
	configured atomic.Bool
	gate       chan struct{}
	fail       func(subject string) error
}

func newFakeTransport() *fakeTransport {
	f := &fakeTransport{calls: make(map[string]int)}
	f.configured.Store(true)
	return f
}

func (f *fakeTransport) Configured() bool { return f.configured.Load() }

func (f *fakeTransport) Lookup(ctx context.Context, subject string) (enrich.Payload, error) {
	f.mu.Lock()
	f.calls[subject]++
	f.order = append(f.order, subject)
	gate, fail := f.gate, f.fail
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(subject); err != nil {
			return nil, err
		}
	}
	return enrich.Payload{"Title": subject}, nil
}

func (f *fakeTransport) callCount(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[subject]
}

type harness struct {
	d         *Dispatcher
	db        *database.DB
	cache     *enrich.Cache
	transport *fakeTransport

	mu         sync.Mutex
	admissions []time.Time
	admitted   []string
}

func newHarness(t *testing.T, limit int, window time.Duration, tr *fakeTransport) *harness {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	cache, err := enrich.NewCache(db, 16, 0)
	require.NoError(t, err)
	pool := workers.New("enrichment", 4, 2*time.Second)

	h := &harness{db: db, cache: cache, transport: tr}
	h.d = New(cache, tr, pool, nil, Options{
		Limit:  limit,
		Window: window,
		OnAdmit: func(key string, at time.Time) {
			h.mu.Lock()
			h.admissions = append(h.admissions, at)
			h.admitted = append(h.admitted, key)
			h.mu.Unlock()
		},
	})
	t.Cleanup(func() {
		h.d.Close()
		pool.Shutdown(context.Background())
		db.Close()
	})
	return h
}

func (h *harness) admittedKeys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.admitted...)
}

func (h *harness) admissionTimes() []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Time(nil), h.admissions...)
}

func wait(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestCoalescesConcurrentRequests(t *testing.T) {
	tr := newFakeTransport()
	tr.gate = make(chan struct{})
	h := newHarness(t, 10, time.Second, tr)
	ctx := context.Background()

	first := h.d.Request(ctx, "Inception")
	second := h.d.Request(ctx, "  inception (2010) ")
	queued, inFlight := h.d.Pending()
	assert.Equal(t, 1, queued+inFlight)
	close(tr.gate)

	r1, r2 := wait(t, first), wait(t, second)
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	assert.Equal(t, r1.Payload, r2.Payload)
	assert.Equal(t, "inception", r1.Key)
	assert.Equal(t, 1, tr.callCount("Inception"))

	rec, err := h.db.GetEnrichment(ctx, "inception")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestCacheHitSkipsTransport(t *testing.T) {
	tr := newFakeTransport()
	h := newHarness(t, 10, time.Second, tr)
	ctx := context.Background()
	require.NoError(t, h.cache.Put(ctx, "matrix", enrich.Payload{"Title": "The Matrix"}))

	r := wait(t, h.d.Request(ctx, "The Matrix"))
	require.NoError(t, r.Err)
	assert.True(t, r.Cached)
	assert.Equal(t, "The Matrix", r.Payload.Title())
	assert.Zero(t, tr.callCount("The Matrix"))
	assert.Empty(t, h.admittedKeys())
}

func TestAdmissionsNeverExceedLimitPerWindow(t *testing.T) {
	const (
		limit  = 2
		window = 150 * time.Millisecond
	)
	tr := newFakeTransport()
	h := newHarness(t, limit, window, tr)
	ctx := context.Background()

	var chans []<-chan Result
	for _, s := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		chans = append(chans, h.d.Request(ctx, s))
	}
	for _, ch := range chans {
		require.NoError(t, wait(t, ch).Err)
	}

	times := h.admissionTimes()
	require.Len(t, times, 7)
	for i := 0; i+limit < len(times); i++ {
		assert.GreaterOrEqual(t, times[i+limit].Sub(times[i]), window,
			"admissions %d and %d fall in one window", i, i+limit)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g"}, h.admittedKeys(), "FIFO")
}

func TestFailedLookupIsNotCached(t *testing.T) {
	tr := newFakeTransport()
	var failNext atomic.Bool
	failNext.Store(true)
	tr.fail = func(string) error {
		if failNext.Swap(false) {
			return failure.Transient("lookup", errors.New("connection reset"))
		}
		return nil
	}
	h := newHarness(t, 10, 50*time.Millisecond, tr)
	ctx := context.Background()

	r := wait(t, h.d.Request(ctx, "Alien"))
	require.Error(t, r.Err)
	assert.Equal(t, failure.KindTransient, r.Kind())

	rec, err := h.db.GetEnrichment(ctx, "alien")
	require.NoError(t, err)
	assert.Nil(t, rec)

	r = wait(t, h.d.Request(ctx, "Alien"))
	require.NoError(t, r.Err)
	assert.False(t, r.Cached)
	assert.Equal(t, 2, tr.callCount("Alien"))
}

func TestUnconfiguredTransportFailsImmediately(t *testing.T) {
	tr := newFakeTransport()
	tr.configured.Store(false)
	h := newHarness(t, 10, time.Second, tr)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := wait(t, h.d.Request(ctx, "Heat"))
		assert.Equal(t, failure.KindConfig, r.Kind())
	}
	assert.Zero(t, tr.callCount("Heat"))
	assert.Empty(t, h.admittedKeys())

	rec, err := h.db.GetEnrichment(ctx, "heat")
	require.NoError(t, err)
	assert.Nil(t, rec)

	tr.configured.Store(true)
	r := wait(t, h.d.Request(ctx, "Heat"))
	require.NoError(t, r.Err)
}

func TestConfigFailureFromTransportRepeats(t *testing.T) {
	tr := newFakeTransport()
	tr.fail = func(string) error { return failure.Config("lookup", errors.New("Invalid API key!")) }
	h := newHarness(t, 10, 20*time.Millisecond, tr)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		r := wait(t, h.d.Request(ctx, "Heat"))
		assert.Equal(t, failure.KindConfig, r.Kind())
	}
	assert.Equal(t, 2, tr.callCount("Heat"))
}

func TestEmptySubjectIsRejected(t *testing.T) {
	h := newHarness(t, 1, time.Second, newFakeTransport())
	r := wait(t, h.d.Request(context.Background(), "   "))
	assert.Equal(t, failure.KindParse, r.Kind())
}

func TestCloseFailsQueuedRequests(t *testing.T) {
	tr := newFakeTransport()
	tr.gate = make(chan struct{})
	h := newHarness(t, 1, time.Hour, tr)
	ctx := context.Background()

	inFlight := h.d.Request(ctx, "one")
	queued := h.d.Request(ctx, "two")
	require.Eventually(t, func() bool { return len(h.admittedKeys()) == 1 }, time.Second, 5*time.Millisecond)

	h.d.Close()
	r := wait(t, queued)
	assert.ErrorIs(t, r.Err, ErrClosed)
	assert.Equal(t, failure.KindTransient, r.Kind())

	close(tr.gate)
	require.NoError(t, wait(t, inFlight).Err)

	r = wait(t, h.d.Request(ctx, "three"))
	assert.ErrorIs(t, r.Err, ErrClosed)
	assert.Zero(t, tr.callCount("two"))
}

func TestPublishesResolutions(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	cache, err := enrich.NewCache(db, 16, 0)
	require.NoError(t, err)
	pool := workers.New("enrichment", 1, time.Second)
	defer pool.Shutdown(context.Background())
	bus := events.NewBus(8)

	d := New(cache, newFakeTransport(), pool, bus, Options{Limit: 5, Window: time.Second})
	defer d.Close()

	r := wait(t, d.Request(context.Background(), "Solaris"))
	require.NoError(t, r.Err)

	select {
	case ev := <-bus.C():
		res, ok := ev.(events.EnrichmentResolved)
		require.True(t, ok)
		assert.True(t, res.OK)
		assert.Equal(t, "solaris", res.Key)
		assert.Equal(t, "Solaris", res.Payload["Title"])
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}
