// Package events carries engine notifications to the presentation layer.
// Consumers read from Bus.C; the engine never calls into UI code.
package events

import (
	"sync"
	"time"

	"github.com/TobiSchelling/smallrss/internal/failure"
)

// Event is any value published on a Bus.
type Event interface {
	event()
}

// FeedUpdated reports a successful fetch and merge of one feed.
type FeedUpdated struct {
	CycleID     string
	FeedID      int64
	FeedURL     string
	NewArticles []string
	Fetched     int
}

// FeedFailed reports a feed whose fetch or merge failed.
type FeedFailed struct {
	CycleID string
	FeedID  int64
	FeedURL string
	Kind    failure.Kind
	Err     error
}

// EnrichmentResolved reports the outcome of one enrichment lookup. It is
// published once per resolved key, however many listeners were attached.
type EnrichmentResolved struct {
	Key     string
	OK      bool
	Kind    failure.Kind
	Payload map[string]any
	Err     error
}

// CycleCompleted reports the end of a fetch cycle.
type CycleCompleted struct {
	CycleID  string
	Feeds    int
	Failed   int
	Rejected int
	Inserted int
	Duration time.Duration
}

func (FeedUpdated) event()        {}
func (FeedFailed) event()         {}
func (EnrichmentResolved) event() {}
func (CycleCompleted) event()     {}

// Bus is a buffered event channel. Publish blocks when the buffer is full,
// so slow consumers apply backpressure rather than lose events.
type Bus struct {
	ch     chan Event
	done   chan struct{}
	closed sync.Once
}

// NewBus creates a bus with the given buffer size.
func NewBus(buffer int) *Bus {
	return &Bus{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// C returns the receive side of the bus.
func (b *Bus) C() <-chan Event {
	return b.ch
}

// Publish sends ev, or drops it once the bus is closed.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.ch <- ev:
	case <-b.done:
	}
}

// Close stops delivery. Publishers blocked on a full buffer are released.
// The channel itself is left open so late publishers never panic.
func (b *Bus) Close() {
	b.closed.Do(func() { close(b.done) })
}

// Done is closed when the bus is closed.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}
