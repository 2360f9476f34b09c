package coreobject

import (
	"bytes"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_IDs(t *testing.T) {
	r, err := newRegistry(0)
	require.NoError(t, err)

	a, b := &Object{}, &Object{}
	assert.Equal(t, uint64(1), r.register(a), "0 is the null marker")
	assert.Equal(t, uint64(2), r.register(b))
	assert.Equal(t, uint64(1), a.id)
	assert.Equal(t, 2, r.len())

	got, err := r.lookup(2)
	require.NoError(t, err)
	assert.Same(t, b, got)

	assert.True(t, r.unregister(1))
	assert.False(t, r.unregister(1))
	_, err = r.lookup(1)
	assert.ErrorIs(t, err, ErrUnknownObject, "tombstones are disabled")
	runtime.KeepAlive(a)
}

func TestRegistry_Tombstones(t *testing.T) {
	r, err := newRegistry(2)
	require.NoError(t, err)

	objs := make([]*Object, 3)
	for i := range objs {
		objs[i] = &Object{}
		r.register(objs[i])
	}
	for _, o := range objs {
		r.unregister(o.id)
	}

	// only the 2 most recent are remembered
	_, err = r.lookup(1)
	assert.ErrorIs(t, err, ErrUnknownObject)
	_, err = r.lookup(2)
	assert.ErrorIs(t, err, ErrObjectFinalized)
	_, err = r.lookup(3)
	assert.ErrorIs(t, err, ErrObjectFinalized)
	_, err = r.lookup(99)
	assert.ErrorIs(t, err, ErrUnknownObject)
}

func TestRegistry_ObjectsOrdered(t *testing.T) {
	r, err := newRegistry(0)
	require.NoError(t, err)

	objs := make([]*Object, 50)
	for i := range objs {
		objs[i] = &Object{}
		r.register(objs[i])
	}
	r.unregister(objs[10].id)

	got := r.objects()
	require.Len(t, got, 49)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].id, got[i].id)
	}
	runtime.KeepAlive(objs)
}

func TestRegistry_ScavengeCollected(t *testing.T) {
	r, err := newRegistry(0)
	require.NoError(t, err)

	kept := &Object{}
	r.register(kept)
	func() {
		// never referenced again
		r.register(&Object{})
	}()

	var leaked []uint64
	for range 10 {
		runtime.GC()
		leaked = append(leaked, r.scavenge(100)...)
		if len(leaked) > 0 {
			break
		}
	}
	assert.Equal(t, []uint64{2}, leaked)
	assert.Equal(t, 1, r.len())

	got, err := r.lookup(1)
	require.NoError(t, err)
	assert.Same(t, kept, got)
}

func TestRegistry_ScavengeCompacts(t *testing.T) {
	r, err := newRegistry(0)
	require.NoError(t, err)

	objs := make([]*Object, 1000)
	for i := range objs {
		objs[i] = &Object{}
		r.register(objs[i])
	}
	// stale slots, as left by unregister while a scavenge was in progress
	r.mu.Lock()
	for _, o := range objs[:900] {
		delete(r.data, o.id)
	}
	r.mu.Unlock()

	// two full passes, the first reclaims ring slots, the second compacts
	for range 2 {
		for {
			assert.Empty(t, r.scavenge(128))
			r.mu.RLock()
			head := r.head
			r.mu.RUnlock()
			if head == 0 {
				break
			}
		}
	}

	r.mu.RLock()
	ringLen := len(r.ring)
	r.mu.RUnlock()
	assert.Equal(t, 100, ringLen)
	assert.Equal(t, 100, r.len())
	runtime.KeepAlive(objs)
}

func TestRegistry_Teardown(t *testing.T) {
	r, err := newRegistry(0)
	require.NoError(t, err)
	a, b := &Object{}, &Object{}
	r.register(a)
	r.register(b)

	assert.Equal(t, []uint64{1, 2}, r.teardown())
	assert.Zero(t, r.len())
	assert.Empty(t, r.teardown())
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func TestRegistry_Concurrent(t *testing.T) {
	r, err := newRegistry(16)
	require.NoError(t, err)

	const producers, perProducer = 16, 200
	var wg sync.WaitGroup
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				r.scavenge(32)
				runtime.Gosched()
			}
		}
	}()

	wg.Add(producers)
	for range producers {
		go func() {
			defer wg.Done()
			for range perProducer {
				o := &Object{}
				r.register(o)
				_, _ = r.lookup(o.id)
				r.unregister(o.id)
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-done

	assert.Zero(t, r.len())
}

func TestCore_Scavenge(t *testing.T) {
	c, _ := newManualCore(t)
	func() {
		// constructed, but never bound
		c.NewObject(true)
	}()

	var n int
	for range 10 {
		runtime.GC()
		if n = c.Scavenge(64); n > 0 {
			break
		}
	}
	assert.Equal(t, 1, n)
	assert.Zero(t, c.Len())
	assert.Equal(t, uint64(1), c.stats.scavenged.Load())
}

func TestCore_ScavengeRateLimitsWarnings(t *testing.T) {
	var buf bytes.Buffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelWarning),
	).Logger()
	c, _ := newManualCore(t, WithLogger(logger), WithLogRateLimits(map[time.Duration]int{time.Hour: 2}))
	require.NotNil(t, c.logLimiter)

	func() {
		for range 5 {
			c.NewObject(false)
		}
	}()

	var n int
	for range 10 {
		runtime.GC()
		if n += c.Scavenge(64); n == 5 {
			break
		}
	}
	require.Equal(t, 5, n)
	assert.Equal(t, 2, strings.Count(buf.String(), `"msg":"scavenged object that was never finalized"`))
	assert.Contains(t, buf.String(), `"msg":"scavenged object warnings rate limited"`)
}

func TestRegistry_UnregisterCompacts(t *testing.T) {
	r, err := newRegistry(0)
	require.NoError(t, err)

	objs := make([]*Object, 1000)
	for i := range objs {
		objs[i] = &Object{}
		r.register(objs[i])
	}
	for _, o := range objs[:900] {
		r.unregister(o.id)
	}

	r.mu.RLock()
	ringLen := len(r.ring)
	r.mu.RUnlock()
	assert.Less(t, ringLen, 1000, "unregister must reclaim stale ring slots")
	assert.Equal(t, 100, r.len())

	for _, o := range objs[900:] {
		got, err := r.lookup(o.id)
		require.NoError(t, err)
		assert.Same(t, o, got)
	}
	runtime.KeepAlive(objs)
}

func TestCore_RingBoundedAcrossLifecycles(t *testing.T) {
	c, _ := newManualCore(t)

	for range 20000 {
		ref := c.Create(false)
		ref.Object().Initialize()
		ref.Release()
	}

	c.registry.mu.RLock()
	ringLen := len(c.registry.ring)
	c.registry.mu.RUnlock()
	assert.Zero(t, c.Len())
	assert.LessOrEqual(t, ringLen, 257)
	assert.Equal(t, uint64(20000), c.stats.finalized.Load())
}
