package cpu

import (
	"flag"
	"os"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/gomlx/gradkernels/backends"
	"github.com/gomlx/gradkernels/pkg/core/device"
	"github.com/gomlx/gradkernels/pkg/core/tensors"
)

func TestMain(m *testing.M) {
	klog.InitFlags(nil)
	flag.Parse()
	os.Exit(m.Run())
}

func newContext(t *testing.T, config string) *Context {
	ctx, err := backends.NewWithConfig(config)
	require.NoError(t, err)
	t.Cleanup(ctx.Finalize)
	return ctx.(*Context)
}

func TestCopy(t *testing.T) {
	ctx := newContext(t, "cpu:parallelism=4")
	assert.Equal(t, device.CPU(), ctx.Place())
	assert.Equal(t, Name, ctx.Name())

	// Small enough chunks to exercise the parallel copy.
	defer func(prev int) { MinParallelChunk = prev }(MinParallelChunk)
	MinParallelChunk = 10

	data := make([]uint16, 1003)
	for ii := range data {
		data[ii] = uint16(ii)
	}
	src := tensors.FromFlatDataAndDimensions(data, 17, 59)
	dst := tensors.NewWithDimensions(1003)
	require.NoError(t, ctx.Copy(src, ctx.Place(), false, dst))
	// Synchronous: no need to synchronize.
	assert.Equal(t, []int{17, 59}, dst.Dimensions())
	assert.Equal(t, data, tensors.MustCopyFlatData[uint16](dst))
	require.NoError(t, ctx.Synchronize())

	// Copying to another place is not supported.
	require.ErrorIs(t, ctx.Copy(src, device.GPU(0), false, dst), backends.ErrTransfer)
	// Unallocated source.
	require.ErrorIs(t, ctx.Copy(tensors.NewWithDimensions(2), ctx.Place(), false, dst), tensors.ErrNotAllocated)
}

func TestAllocAndRelease(t *testing.T) {
	ctx := newContext(t, "cpu:memory=1KiB")
	assert.Equal(t, uint64(1024), ctx.MemoryLimit())

	x := tensors.NewWithDimensions(4, 8)
	require.NoError(t, ctx.Alloc(x, dtypes.Float64))
	assert.Equal(t, uint64(256), ctx.MemoryInUse())
	assert.Equal(t, 32, x.StorageLen())

	err := ctx.Alloc(tensors.NewWithDimensions(100), dtypes.Float64)
	require.ErrorIs(t, err, backends.ErrOutOfMemory)

	ctx.Release(x)
	assert.False(t, x.IsAllocated())
	assert.Equal(t, []int{4, 8}, x.Dimensions())
	assert.Equal(t, uint64(0), ctx.MemoryInUse())
}

func TestFinalize(t *testing.T) {
	ctx := newContext(t, "cpu")
	ctx.Finalize()
	require.ErrorIs(t, ctx.Synchronize(), backends.ErrFinalized)
	require.ErrorIs(t, ctx.Alloc(tensors.NewWithDimensions(1), dtypes.Int32), backends.ErrFinalized)
}
