// Package workers runs network jobs on a fixed set of goroutines.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/TobiSchelling/smallrss/internal/failure"
)

// ErrClosed is returned for work submitted to, or still queued in, a pool
// that has been shut down.
var ErrClosed = errors.New("worker pool closed")

// Result is the outcome of one job.
type Result[T any] struct {
	Value T
	Err   error
}

type task struct {
	ctx   context.Context
	run   func(ctx context.Context)
	abort func(err error)
}

// Pool executes submitted jobs on a fixed number of goroutines. Pending
// jobs wait in an unbounded FIFO. Every job runs under the pool's timeout.
type Pool struct {
	name    string
	timeout time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []task
	active int
	closed bool
	wg     sync.WaitGroup
}

// New starts a pool of size workers. A zero timeout means jobs only end
// when their submitter's context does.
func New(name string, size int, timeout time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{name: name, timeout: timeout}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Debugf("Started %s pool with %d workers", name, size)
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Stats returns the number of queued and running jobs.
func (p *Pool) Stats() (pending, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue), p.active
}

// Submit queues fn and returns a channel that receives exactly one result.
// A job exceeding the pool timeout yields a transient failure. Submitting
// to a closed pool returns ErrClosed.
func Submit[T any](p *Pool, ctx context.Context, fn func(ctx context.Context) (T, error)) (<-chan Result[T], error) {
	ch := make(chan Result[T], 1)
	var once sync.Once
	send := func(r Result[T]) { once.Do(func() { ch <- r }) }
	t := task{
		ctx: ctx,
		run: func(jobCtx context.Context) {
			v, err := fn(jobCtx)
			if err != nil && failure.IsTimeout(jobCtx.Err()) {
				var fe *failure.Error
				if !errors.As(err, &fe) {
					err = failure.Transient(p.name, fmt.Errorf("job timed out: %w", err))
				}
			}
			send(Result[T]{Value: v, Err: err})
		},
		abort: func(err error) {
			send(Result[T]{Err: err})
		},
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	p.queue = append(p.queue, t)
	p.cond.Signal()
	return ch, nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = task{}
		p.queue = p.queue[1:]
		p.active++
		p.mu.Unlock()

		p.execute(t)

		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}
}

func (p *Pool) execute(t task) {
	if err := t.ctx.Err(); err != nil {
		t.abort(failure.Transient(p.name, err))
		return
	}

	jobCtx, cancel := t.ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		jobCtx, cancel = context.WithTimeout(t.ctx, p.timeout)
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				log.WithField("pool", p.name).Errorf("Job panicked: %v", r)
				t.abort(failure.Transient(p.name, fmt.Errorf("job panicked: %v", r)))
			}
		}()
		t.run(jobCtx)
	}()

	select {
	case <-done:
	case <-jobCtx.Done():
		select {
		case <-done:
			return
		default:
		}
		// The submitter hears about the deadline now; the worker still waits
		// for the job so no more than size jobs ever run at once.
		t.abort(failure.Transient(p.name, fmt.Errorf("job timed out: %w", jobCtx.Err())))
		<-done
	}
}

// Shutdown stops admissions and discards queued jobs; their submitters
// receive ErrClosed. It waits for running jobs until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := p.queue
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, t := range pending {
		t.abort(failure.Transient(p.name, ErrClosed))
	}
	if len(pending) > 0 {
		log.Debugf("%s pool discarded %d queued jobs", p.name, len(pending))
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
