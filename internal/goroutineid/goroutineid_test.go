package goroutineid

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrent_StableWithinGoroutine(t *testing.T) {
	a := Current()
	b := Current()
	require.NotZero(t, a)
	assert.Equal(t, a, b)
}

func TestCurrent_DistinctAcrossGoroutines(t *testing.T) {
	const n = 16
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ids[i] = Current()
		}()
	}
	wg.Wait()

	seen := make(map[uint64]struct{}, n+1)
	seen[Current()] = struct{}{}
	for _, id := range ids {
		require.NotZero(t, id)
		_, dup := seen[id]
		assert.False(t, dup, "duplicate goroutine id %d", id)
		seen[id] = struct{}{}
	}
}

func TestOSThread_LockedIsStable(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	a := OSThread()
	runtime.Gosched()
	b := OSThread()
	assert.Equal(t, a, b)
	if runtime.GOOS == "linux" {
		assert.NotZero(t, a)
	}
}
