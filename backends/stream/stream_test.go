package stream

import (
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gradkernels/backends"
	"github.com/gomlx/gradkernels/pkg/core/device"
	"github.com/gomlx/gradkernels/pkg/core/tensors"
)

func TestAsyncCopy(t *testing.T) {
	for _, queueSize := range []int{0, 1, DefaultQueueSize} {
		ctx := New("gpu", device.GPU(0), 0, queueSize)
		src := tensors.FromFlatDataAndDimensions([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
		dst := tensors.NewWithDimensions(6)

		// Hold the stream, so the copy can't run until released.
		release := make(chan struct{})
		require.NoError(t, ctx.Enqueue(func() error {
			<-release
			return nil
		}))
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ctx.Copy(src, ctx.Place(), false, dst))
		}()
		if queueSize > 0 {
			wg.Wait()
			// Copy returned, but the elements were not transferred yet.
			assert.Equal(t, []int{2, 3}, dst.Dimensions())
			assert.Equal(t, make([]float64, 6), tensors.MustCopyFlatData[float64](dst))
		}
		close(release)
		wg.Wait()
		require.NoError(t, ctx.Synchronize())
		assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, tensors.MustCopyFlatData[float64](dst))
		ctx.Finalize()
	}
}

func TestStickyError(t *testing.T) {
	ctx := New("xpu", device.XPU(0), 0, 8)
	defer ctx.Finalize()

	failure := errors.New("device fault")
	require.NoError(t, ctx.Enqueue(func() error { return failure }))
	ran := false
	require.NoError(t, ctx.Enqueue(func() error {
		ran = true
		return nil
	}))
	err := ctx.Synchronize()
	require.ErrorIs(t, err, failure)
	assert.False(t, ran, "operations after a failure must be skipped")

	// All later calls report the failure.
	src := tensors.FromFlatDataAndDimensions([]int8{1, 2}, 2)
	require.ErrorIs(t, ctx.Copy(src, ctx.Place(), false, tensors.New()), failure)
	require.ErrorIs(t, ctx.Alloc(tensors.NewWithDimensions(2), dtypes.Int8), failure)
	require.ErrorIs(t, ctx.Synchronize(), failure)
}

func TestFinalize(t *testing.T) {
	ctx := New("custom", device.Custom("npu", 1), 0, 4)
	done := false
	require.NoError(t, ctx.Enqueue(func() error {
		done = true
		return nil
	}))
	ctx.Finalize()
	assert.True(t, done, "Finalize must wait for queued operations")
	ctx.Finalize()

	require.ErrorIs(t, ctx.Synchronize(), backends.ErrFinalized)
	require.ErrorIs(t, ctx.Alloc(tensors.NewWithDimensions(1), dtypes.Float32), backends.ErrFinalized)
	src := tensors.FromFlatDataAndDimensions([]float32{1}, 1)
	require.ErrorIs(t, ctx.Copy(src, ctx.Place(), true, tensors.New()), backends.ErrFinalized)
}

func TestMemoryLimit(t *testing.T) {
	ctx := New("gpu", device.GPU(2), 16, 4)
	defer ctx.Finalize()
	require.NoError(t, ctx.Alloc(tensors.NewWithDimensions(4), dtypes.Float32))
	assert.Equal(t, uint64(16), ctx.MemoryInUse())
	err := ctx.Alloc(tensors.NewWithDimensions(1), dtypes.Float32)
	require.ErrorIs(t, err, backends.ErrOutOfMemory)

	// The stream is still usable: allocation failures are not sticky.
	require.NoError(t, ctx.Synchronize())
}

func TestCrossDeviceCopy(t *testing.T) {
	gpu0 := New("gpu", device.GPU(0), 0, 4)
	defer gpu0.Finalize()
	gpu1 := New("gpu", device.GPU(1), 0, 4)
	defer gpu1.Finalize()

	host := tensors.FromFlatDataAndDimensions([]int64{7, 8, 9}, 3)
	on0, err := backends.FromHost(gpu0, host)
	require.NoError(t, err)

	on1 := tensors.New()
	require.NoError(t, gpu0.Synchronize())
	require.NoError(t, gpu1.Copy(on0, gpu1.Place(), false, on1))
	back, err := backends.ToHost(gpu1, on1)
	require.NoError(t, err)
	assert.Equal(t, device.GPU(1), on1.Place())
	assert.Equal(t, []int64{7, 8, 9}, tensors.MustCopyFlatData[int64](back))
}

func TestRelease(t *testing.T) {
	ctx := New("gpu", device.GPU(0), 0, 4)
	defer ctx.Finalize()
	src := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4)
	dst := tensors.New()
	require.NoError(t, ctx.Copy(src, ctx.Place(), false, dst))
	assert.Equal(t, uint64(16), ctx.MemoryInUse())

	ctx.Release(dst)
	assert.False(t, dst.IsAllocated())
	assert.Equal(t, []int{4}, dst.Dimensions())
	require.NoError(t, ctx.Synchronize())
	assert.Equal(t, uint64(0), ctx.MemoryInUse())

	// Tensors from other places are ignored.
	ctx.Release(src)
	assert.True(t, src.IsAllocated())
}

func TestAllocDefersRecycling(t *testing.T) {
	ctx := New("gpu", device.GPU(0), 0, 4)
	defer ctx.Finalize()
	x := tensors.NewWithDimensions(4)
	require.NoError(t, ctx.Alloc(x, dtypes.Float32))
	assert.Equal(t, uint64(16), ctx.MemoryInUse())

	// Hold the stream: the float32 storage given up by the next Alloc is only recycled after it.
	release := make(chan struct{})
	require.NoError(t, ctx.Enqueue(func() error {
		<-release
		return nil
	}))
	require.NoError(t, ctx.Alloc(x, dtypes.Int8))
	assert.Equal(t, uint64(16+4), ctx.MemoryInUse())
	close(release)
	require.NoError(t, ctx.Synchronize())
	assert.Equal(t, uint64(4), ctx.MemoryInUse())
}

func TestRecycleAfterFailure(t *testing.T) {
	ctx := New("xpu", device.XPU(0), 0, 4)
	x := tensors.NewWithDimensions(8)
	require.NoError(t, ctx.Alloc(x, dtypes.Int64))
	y := tensors.NewWithDimensions(2)
	require.NoError(t, ctx.Alloc(y, dtypes.Int64))
	assert.Equal(t, uint64(80), ctx.MemoryInUse())

	// Storage is still recycled once the stream failed.
	require.NoError(t, ctx.Enqueue(func() error { return errors.New("device fault") }))
	ctx.Release(x)
	require.Error(t, ctx.Synchronize())
	assert.Equal(t, uint64(16), ctx.MemoryInUse())

	// And after it is finalized.
	ctx.Finalize()
	ctx.Release(y)
	assert.False(t, y.IsAllocated())
	assert.Equal(t, uint64(0), ctx.MemoryInUse())
}

func TestDestinationMovedBetweenContexts(t *testing.T) {
	gpu := New("gpu", device.GPU(0), 64, 4)
	defer gpu.Finalize()
	xpu := New("xpu", device.XPU(0), 64, 4)
	defer xpu.Finalize()

	src := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4)
	dst := tensors.New()
	require.NoError(t, gpu.Copy(src, gpu.Place(), true, dst))
	assert.Equal(t, uint64(16), gpu.MemoryInUse())

	// Reallocated by another context: the storage goes back to the one that allocated it.
	require.NoError(t, xpu.Copy(src, xpu.Place(), true, dst))
	require.NoError(t, gpu.Synchronize())
	assert.Equal(t, uint64(0), gpu.MemoryInUse())
	assert.Equal(t, uint64(16), xpu.MemoryInUse())
	assert.Equal(t, device.XPU(0), dst.Place())

	// Releasing through the wrong context is ignored.
	gpu.Release(dst)
	assert.True(t, dst.IsAllocated())
	xpu.Release(dst)
	require.NoError(t, xpu.Synchronize())
	assert.Equal(t, uint64(0), xpu.MemoryInUse())
}
