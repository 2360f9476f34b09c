package coreobject

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func startThread(t *testing.T, opts ...ThreadOption) (*Thread, <-chan error) {
	t.Helper()
	th, err := NewThread(opts...)
	require.NoError(t, err)
	ran := make(chan error, 1)
	go func() { ran <- th.Run(context.Background()) }()
	return th, ran
}

func TestThread_FIFO(t *testing.T) {
	th, ran := startThread(t, WithBatchSize(7))

	const n = 1000
	var order []int
	for i := range n {
		require.NoError(t, th.QueueCommand(func() {
			order = append(order, i)
		}))
	}

	require.NoError(t, th.Shutdown(context.Background()))
	require.NoError(t, <-ran)

	require.Len(t, order, n)
	for i, v := range order {
		require.Equal(t, i, v)
	}
	assert.Equal(t, uint64(n), th.Executed())
	assert.Equal(t, ThreadTerminated, th.State())
}

func TestThread_FIFOPerProducer(t *testing.T) {
	th, ran := startThread(t)

	const producers, perProducer = 8, 500
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	var violations atomic.Int32

	var g errgroup.Group
	for p := range producers {
		g.Go(func() error {
			for i := range perProducer {
				if err := th.QueueCommand(func() {
					// commands never run concurrently, so last needs no lock
					if last[p] != i-1 {
						violations.Add(1)
					}
					last[p] = i
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, th.Shutdown(context.Background()))
	require.NoError(t, <-ran)
	assert.Zero(t, violations.Load())
	assert.Equal(t, uint64(producers*perProducer), th.Executed())
}

func TestThread_NeverConcurrent(t *testing.T) {
	th, ran := startThread(t)

	var active, overlaps atomic.Int32
	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			for range 200 {
				if err := th.QueueCommand(func() {
					if active.Add(1) != 1 {
						overlaps.Add(1)
					}
					active.Add(-1)
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, th.Shutdown(context.Background()))
	require.NoError(t, <-ran)
	assert.Zero(t, overlaps.Load())
}

func TestThread_ShutdownDrainsNestedCommands(t *testing.T) {
	th, ran := startThread(t)

	var count atomic.Int32
	var queue func(depth int)
	queue = func(depth int) {
		assert.NoError(t, th.QueueCommand(func() {
			count.Add(1)
			if depth > 0 {
				queue(depth - 1)
			}
		}))
	}
	queue(10)

	require.NoError(t, th.Shutdown(context.Background()))
	require.NoError(t, <-ran)
	assert.Equal(t, int32(11), count.Load())

	assert.ErrorIs(t, th.QueueCommand(func() {}), ErrThreadTerminated)
	assert.Zero(t, th.Pending())
}

func TestThread_IsCoreThread(t *testing.T) {
	th, ran := startThread(t)
	assert.False(t, th.IsCoreThread())

	inside := make(chan bool, 1)
	require.NoError(t, th.QueueCommand(func() {
		inside <- th.IsCoreThread()
	}))
	assert.True(t, <-inside)
	assert.False(t, th.IsCoreThread())

	require.NoError(t, th.Shutdown(context.Background()))
	require.NoError(t, <-ran)
	assert.False(t, th.IsCoreThread())
}

func TestThread_RunTwice(t *testing.T) {
	th, ran := startThread(t)

	reentrant := make(chan error, 1)
	require.NoError(t, th.QueueCommand(func() {
		reentrant <- th.Run(context.Background())
	}))
	assert.ErrorIs(t, <-reentrant, ErrReentrantRun)
	assert.ErrorIs(t, th.Run(context.Background()), ErrThreadAlreadyRunning)

	require.NoError(t, th.Shutdown(context.Background()))
	require.NoError(t, <-ran)
	assert.ErrorIs(t, th.Run(context.Background()), ErrThreadTerminated)
}

func TestThread_PanicIsFatal(t *testing.T) {
	th, err := NewThread()
	require.NoError(t, err)

	gate := make(chan struct{})
	var after atomic.Bool
	require.NoError(t, th.QueueCommand(func() { <-gate }))
	require.NoError(t, th.QueueCommand(func() { panic(errors.New("boom")) }))
	require.NoError(t, th.QueueCommand(func() { after.Store(true) }))

	ran := make(chan error, 1)
	go func() { ran <- th.Run(context.Background()) }()
	close(gate)

	runErr := <-ran
	var panicErr *CommandPanicError
	require.ErrorAs(t, runErr, &panicErr)
	assert.EqualError(t, panicErr, "coreobject: core thread command panicked: boom")
	assert.NotEmpty(t, panicErr.Stack)
	assert.EqualError(t, errors.Unwrap(panicErr), "boom")

	assert.False(t, after.Load(), "commands after a panic must not run")
	assert.Equal(t, ThreadTerminated, th.State())
	assert.Equal(t, runErr, th.Err())
	assert.ErrorIs(t, th.QueueCommand(func() {}), ErrThreadTerminated)
	<-th.Done()
}

func TestThread_ContextCancelDrains(t *testing.T) {
	th, err := NewThread()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan error, 1)
	go func() { ran <- th.Run(ctx) }()

	gate := make(chan struct{})
	var count atomic.Int32
	require.NoError(t, th.QueueCommand(func() { <-gate }))
	for range 5 {
		require.NoError(t, th.QueueCommand(func() { count.Add(1) }))
	}

	cancel()
	close(gate)
	assert.ErrorIs(t, <-ran, context.Canceled)
	assert.Equal(t, int32(5), count.Load())
	assert.Equal(t, ThreadTerminated, th.State())
}

func TestThread_ShutdownBeforeRun(t *testing.T) {
	th, err := NewThread()
	require.NoError(t, err)

	var ran atomic.Bool
	require.NoError(t, th.QueueCommand(func() { ran.Store(true) }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, th.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, ThreadTerminating, th.State())
	assert.False(t, ran.Load())

	// Run drains what was queued, then stops
	require.NoError(t, th.Run(context.Background()))
	assert.True(t, ran.Load())
	assert.Equal(t, ThreadTerminated, th.State())
	assert.ErrorIs(t, th.Run(context.Background()), ErrThreadTerminated)
}

func TestThread_CloseBeforeRun(t *testing.T) {
	th, err := NewThread()
	require.NoError(t, err)

	var ran atomic.Bool
	require.NoError(t, th.QueueCommand(func() { ran.Store(true) }))

	var terminated atomic.Bool
	assert.False(t, th.setOnTerminate(func() { terminated.Store(true) }))

	require.NoError(t, th.Close())
	assert.Equal(t, ThreadTerminated, th.State())
	assert.True(t, terminated.Load())
	assert.False(t, ran.Load())
	assert.Zero(t, th.Pending())
	assert.ErrorIs(t, th.Run(context.Background()), ErrThreadTerminated)
	assert.ErrorIs(t, th.QueueCommand(func() {}), ErrThreadTerminated)
	assert.True(t, th.setOnTerminate(nil))
}

func TestThread_ShutdownTimeout(t *testing.T) {
	th, ran := startThread(t)

	gate := make(chan struct{})
	require.NoError(t, th.QueueCommand(func() { <-gate }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, th.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, ThreadTerminating, th.State())

	// still accepted while terminating
	var drained atomic.Bool
	require.NoError(t, th.QueueCommand(func() { drained.Store(true) }))

	close(gate)
	require.NoError(t, th.Shutdown(context.Background()))
	require.NoError(t, <-ran)
	assert.True(t, drained.Load())
}

func TestThread_CloseDropsQueued(t *testing.T) {
	th, ran := startThread(t)

	gate := make(chan struct{})
	started := make(chan struct{})
	var dropped atomic.Bool
	require.NoError(t, th.QueueCommand(func() {
		close(started)
		<-gate
	}))
	require.NoError(t, th.QueueCommand(func() { dropped.Store(true) }))
	<-started

	closed := make(chan error, 1)
	go func() { closed <- th.Close() }()
	require.Eventually(t, th.closing.Load, 5*time.Second, time.Millisecond)

	close(gate)
	require.NoError(t, <-closed)
	require.NoError(t, <-ran)
	assert.False(t, dropped.Load())
	assert.Equal(t, ThreadTerminated, th.State())
	assert.ErrorIs(t, th.Close(), ErrThreadTerminated)
}

func TestThread_OSThread(t *testing.T) {
	th, err := NewThread()
	require.NoError(t, err)
	assert.Zero(t, th.OSThread())
	ran := make(chan error, 1)
	go func() { ran <- th.Run(context.Background()) }()

	ids := make(chan int, 2)
	for range 2 {
		require.NoError(t, th.QueueCommand(func() { ids <- th.OSThread() }))
	}
	first, second := <-ids, <-ids
	assert.Equal(t, first, second, "the core thread is locked to its OS thread")

	require.NoError(t, th.Shutdown(context.Background()))
	require.NoError(t, <-ran)
}

func TestThread_LatencyObserver(t *testing.T) {
	var (
		mu      sync.Mutex
		samples []float64
	)
	th, ran := startThread(t, WithLatencyObserver(prometheus.ObserverFunc(func(v float64) {
		mu.Lock()
		samples = append(samples, v)
		mu.Unlock()
	})))

	for range 3 {
		require.NoError(t, th.QueueCommand(func() {}))
	}
	require.NoError(t, th.Shutdown(context.Background()))
	require.NoError(t, <-ran)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, samples, 3)
	for _, v := range samples {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestThread_Options(t *testing.T) {
	_, err := NewThread(WithBatchSize(0))
	assert.Error(t, err)

	th, err := NewThread(nil, WithBatchSize(3))
	require.NoError(t, err)
	assert.Equal(t, 3, th.opts.batch)
	assert.Nil(t, th.QueueCommand(nil))
	assert.Zero(t, th.Pending())
}
