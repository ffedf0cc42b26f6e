package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_StartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)

	release := make(chan struct{})
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		require.True(t, pool.StartIfAvailable(func() {
			defer wg.Done()
			<-release
		}))
	}
	// Both workers are busy.
	assert.False(t, pool.StartIfAvailable(func() {}))
	close(release)
	wg.Wait()
	require.Eventually(t, func() bool {
		return pool.StartIfAvailable(func() {})
	}, time.Second, time.Millisecond)

	// Disabled parallelism never starts a goroutine.
	pool.SetMaxParallelism(0)
	assert.False(t, pool.IsEnabled())
	assert.False(t, pool.StartIfAvailable(func() {}))

	// Unlimited always does.
	pool.SetMaxParallelism(-1)
	assert.True(t, pool.IsUnlimited())
	done := make(chan struct{})
	assert.True(t, pool.StartIfAvailable(func() { close(done) }))
	<-done
}

func TestPool_Range(t *testing.T) {
	for _, parallelism := range []int{-1, 0, 1, 3, 8} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		const n = 1000
		var counts [n]atomic.Int32
		var numChunks atomic.Int32
		pool.Range(n, 7, func(start, end int) {
			numChunks.Add(1)
			assert.Less(t, start, end)
			for ii := start; ii < end; ii++ {
				counts[ii].Add(1)
			}
		})
		for ii := range counts {
			require.Equalf(t, int32(1), counts[ii].Load(), "parallelism=%d, element %d", parallelism, ii)
		}
		if parallelism > 0 {
			assert.LessOrEqual(t, int(numChunks.Load()), parallelism)
		}
	}

	// Empty range never calls fn.
	New().Range(0, 10, func(start, end int) { t.Fatal("unexpected call") })
}
