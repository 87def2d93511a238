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

	stratconerrors "github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/metric"
)

func noop(context.Context, int) error { return nil }

func TestNewPool_Defaults(t *testing.T) {
	p, err := NewPool(0, 0, noop)
	require.NoError(t, err)
	assert.Equal(t, 10, p.Stats().Workers)
	assert.Equal(t, 1000, p.Stats().QueueSize)

	_, err = NewPool[int](1, 1, nil)
	assert.ErrorIs(t, err, ErrNilProcessor)
}

func TestPool_Lifecycle(t *testing.T) {
	var count atomic.Int64
	p, err := NewPool(2, 10, func(_ context.Context, _ int) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, p.Submit(1), ErrPoolNotStarted)

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(i))
	}
	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, int64(5), count.Load(), "queued work drains on stop")

	assert.ErrorIs(t, p.Submit(1), ErrPoolStopped)
	assert.ErrorIs(t, p.SubmitWait(context.Background(), 1), ErrPoolStopped)
	assert.NoError(t, p.Stop(time.Second), "stop is idempotent")
}

func TestPool_SubmitDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	p, err := NewPool(1, 1, func(context.Context, int) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Submit(1))
	// wait for the worker to pick up the first item
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(2))

	err = p.Submit(3)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, stratconerrors.IsTransient(err))
	assert.Equal(t, int64(1), p.Stats().Dropped)

	close(release)
	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, int64(2), p.Stats().Processed)
}

func TestPool_SubmitWaitBlocksForRoom(t *testing.T) {
	release := make(chan struct{})
	var got []int
	var mu sync.Mutex
	p, err := NewPool(1, 1, func(_ context.Context, n int) error {
		<-release
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Submit(1))
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(2))

	done := make(chan error, 1)
	go func() { done <- p.SubmitWait(context.Background(), 3) }()

	select {
	case <-done:
		t.Fatal("SubmitWait returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Zero(t, p.Stats().Dropped)
}

func TestPool_SubmitWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p, err := NewPool(1, 1, func(context.Context, int) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(1))
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(2))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.SubmitWait(ctx, 3), context.DeadlineExceeded)
}

func TestPool_StopReleasesWaitingSubmitter(t *testing.T) {
	release := make(chan struct{})
	p, err := NewPool(1, 1, func(context.Context, int) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(1))
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(2))

	done := make(chan error, 1)
	go func() { done <- p.SubmitWait(context.Background(), 3) }()
	time.Sleep(20 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, p.Stop(time.Second))
	assert.ErrorIs(t, <-done, ErrPoolStopped)
}

func TestPool_ProcessingErrorsCounted(t *testing.T) {
	p, err := NewPool(2, 10, func(_ context.Context, n int) error {
		if n%2 == 0 {
			return errors.New("even")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Submit(i))
	}
	require.NoError(t, p.Stop(time.Second))

	stats := p.Stats()
	assert.Equal(t, int64(6), stats.Submitted)
	assert.Equal(t, int64(6), stats.Processed)
	assert.Equal(t, int64(3), stats.Failed)
}

func TestPool_ContextCancellationStopsWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := NewPool(2, 10, noop)
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))

	cancel()
	assert.NoError(t, p.Stop(time.Second))
}

func TestPool_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p, err := NewPool(1, 1, func(context.Context, int) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(1))

	assert.ErrorIs(t, p.Stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPool_ConcurrentSubmissions(t *testing.T) {
	var count atomic.Int64
	p, err := NewPool(4, 1000, func(context.Context, int) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, p.SubmitWait(context.Background(), i))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, int64(500), count.Load())
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	p, err := NewPool(1, 4, func(_ context.Context, n int) error {
		if n == 0 {
			return errors.New("zero")
		}
		return nil
	}, WithMetricsRegistry[int](registry, "alerts"))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(0))
	require.NoError(t, p.Submit(1))
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, 2.0, testutil.ToFloat64(p.metrics.submitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.metrics.processed))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.failed))

	_, err = NewPool(1, 4, noop, WithMetricsRegistry[int](registry, "alerts"))
	assert.Error(t, err, "a second pool cannot reuse the prefix")
}
