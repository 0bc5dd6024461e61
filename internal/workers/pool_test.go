package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/smallrss/internal/failure"
)

func shutdown(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestSubmitReturnsValue(t *testing.T) {
	p := New("test", 2, time.Second)
	defer shutdown(t, p)

	ch, err := Submit(p, context.Background(), func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	r := <-ch
	require.NoError(t, r.Err)
	assert.Equal(t, "ok", r.Value)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New("test", 2, time.Second)
	defer shutdown(t, p)

	var running, peak int32
	var chans []<-chan Result[int]
	for i := 0; i < 8; i++ {
		ch, err := Submit(p, context.Background(), func(ctx context.Context) (int, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return i, nil
		})
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	for i, ch := range chans {
		r := <-ch
		require.NoError(t, r.Err)
		assert.Equal(t, i, r.Value)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestTimeoutIsTransientFailure(t *testing.T) {
	p := New("test", 1, 20*time.Millisecond)
	defer shutdown(t, p)

	ch, err := Submit(p, context.Background(), func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.NoError(t, err)
	r := <-ch
	require.Error(t, r.Err)
	assert.Equal(t, failure.KindTransient, failure.KindOf(r.Err))
	assert.True(t, failure.IsTimeout(r.Err))
}

func TestTimeoutDeliveredWhileJobIgnoresContext(t *testing.T) {
	p := New("test", 1, 20*time.Millisecond)
	defer shutdown(t, p)

	release := make(chan struct{})
	ch, err := Submit(p, context.Background(), func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})
	require.NoError(t, err)

	select {
	case r := <-ch:
		assert.Equal(t, failure.KindTransient, failure.KindOf(r.Err))
	case <-time.After(time.Second):
		t.Fatal("no result after deadline")
	}
	close(release)
}

func TestJobErrorKeepsKind(t *testing.T) {
	p := New("test", 1, time.Second)
	defer shutdown(t, p)

	ch, err := Submit(p, context.Background(), func(ctx context.Context) (int, error) {
		return 0, failure.Config("lookup", errors.New("no key"))
	})
	require.NoError(t, err)
	assert.Equal(t, failure.KindConfig, failure.KindOf((<-ch).Err))
}

func TestPanicBecomesFailure(t *testing.T) {
	p := New("test", 1, time.Second)
	defer shutdown(t, p)

	ch, err := Submit(p, context.Background(), func(ctx context.Context) (int, error) {
		panic("boom")
	})
	require.NoError(t, err)
	r := <-ch
	assert.ErrorContains(t, r.Err, "boom")

	ch, err = Submit(p, context.Background(), func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, (<-ch).Value)
}

func TestShutdownDiscardsQueued(t *testing.T) {
	p := New("test", 1, time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	first, err := Submit(p, context.Background(), func(ctx context.Context) (int, error) {
		close(started)
		<-release
		return 1, nil
	})
	require.NoError(t, err)
	<-started

	var ran atomic.Bool
	queued, err := Submit(p, context.Background(), func(ctx context.Context) (int, error) {
		ran.Store(true)
		return 2, nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, p.Shutdown(context.Background()))
	}()

	r := <-queued
	assert.ErrorIs(t, r.Err, ErrClosed)

	close(release)
	assert.Equal(t, 1, (<-first).Value)
	wg.Wait()
	assert.False(t, ran.Load())

	_, err = Submit(p, context.Background(), func(ctx context.Context) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrClosed)
}
