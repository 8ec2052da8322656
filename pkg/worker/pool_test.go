package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sessionflow/metric"
)

type testWork struct {
	id   int
	fail bool
}

func TestNewPool_Defaults(t *testing.T) {
	noop := func(context.Context, testWork) error { return nil }

	pool := NewPool(5, 100, noop)
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 100, pool.queueSize)

	pool = NewPool(0, 0, noop)
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)

	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		NewPool[testWork](1, 1, nil)
	})
}

func TestPool_Lifecycle(t *testing.T) {
	var processed int64
	pool := NewPool(2, 10, func(context.Context, testWork) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})

	assert.ErrorIs(t, pool.SubmitWait(context.Background(), testWork{id: 1}), ErrPoolNotStarted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.SubmitWait(ctx, testWork{id: i}))
	}

	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(5), atomic.LoadInt64(&processed))
	assert.ErrorIs(t, pool.SubmitWait(ctx, testWork{id: 7}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second))
}

func TestPool_SubmitWaitBlocksUntilSpace(t *testing.T) {
	release := make(chan struct{})
	var processed int64
	pool := NewPool(1, 1, func(context.Context, testWork) error {
		<-release
		atomic.AddInt64(&processed, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))

	require.NoError(t, pool.SubmitWait(ctx, testWork{id: 1}))
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.SubmitWait(ctx, testWork{id: 2}))

	submitted := make(chan error, 1)
	go func() {
		submitted <- pool.SubmitWait(context.Background(), testWork{id: 3})
	}()

	select {
	case <-submitted:
		t.Fatal("SubmitWait returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-submitted)
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(3), atomic.LoadInt64(&processed))
}

func TestPool_SubmitWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	pool := NewPool(1, 1, func(context.Context, testWork) error {
		<-release
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.SubmitWait(context.Background(), testWork{id: 1}))
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.SubmitWait(context.Background(), testWork{id: 2}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.SubmitWait(ctx, testWork{id: 3}), context.DeadlineExceeded)
}

func TestPool_StopTimesOutOnSlowItem(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(context.Context, testWork) error {
		<-release
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.SubmitWait(context.Background(), testWork{id: 1}))
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
	close(release)
}

func TestPool_ProcessingErrors(t *testing.T) {
	pool := NewPool(3, 20, func(_ context.Context, w testWork) error {
		if w.fail {
			return errors.New("boom")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.SubmitWait(ctx, testWork{id: i, fail: i%2 == 0}))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
}

func TestPool_ConcurrentSubmitWait(t *testing.T) {
	var processed int64
	pool := NewPool(4, 2, func(context.Context, testWork) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, pool.SubmitWait(ctx, testWork{id: g*100 + i}))
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, pool.Stop(2*time.Second))
	assert.Equal(t, int64(200), atomic.LoadInt64(&processed))
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := NewPool(1, 4, func(context.Context, testWork) error { return nil },
		WithMetricsRegistry[testWork](registry, "test_pool"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.SubmitWait(ctx, testWork{id: 1}))
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.submitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.processed))
}
