package flattengrad

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"

	"github.com/gomlx/gradkernels/backends"
	_ "github.com/gomlx/gradkernels/backends/default"
	"github.com/gomlx/gradkernels/kernels"
	"github.com/gomlx/gradkernels/pkg/core/device"
	"github.com/gomlx/gradkernels/pkg/core/shapes"
	"github.com/gomlx/gradkernels/pkg/core/tensors"
)

func TestMain(m *testing.M) {
	klog.InitFlags(nil)
	flag.Parse()
	os.Exit(m.Run())
}

// contextConfigs maps each device kind to the configuration of a context of that kind.
var contextConfigs = map[device.Kind]string{
	device.KindCPU:    "cpu",
	device.KindGPU:    "gpu:0",
	device.KindXPU:    "xpu:0",
	device.KindCustom: "custom:npu:0",
}

// newContext returns a context of the given kind, or skips the test if the kind was excluded from the build.
func newContext(t *testing.T, kind device.Kind) backends.Context {
	config := contextConfigs[kind]
	if !slices.Contains(backends.List(), kind.String()) {
		t.Skipf("device kind %s not included in the build", kind)
	}
	ctx := must.M1(backends.NewWithConfig(config))
	t.Cleanup(ctx.Finalize)
	return ctx
}

func sequence[T constraints.Integer | constraints.Float](n int) []T {
	flat := make([]T, n)
	for ii := range flat {
		flat[ii] = T(ii)
	}
	return flat
}

// sequenceFor returns a flat slice of the dtype with n values, 0, 1, 2, ... (for bool: alternating false/true).
func sequenceFor(dtype dtypes.DType, n int) any {
	switch dtype {
	case dtypes.Int8:
		return sequence[int8](n)
	case dtypes.Int16:
		return sequence[int16](n)
	case dtypes.Int32:
		return sequence[int32](n)
	case dtypes.Int64:
		return sequence[int64](n)
	case dtypes.Uint8:
		return sequence[uint8](n)
	case dtypes.Uint16:
		return sequence[uint16](n)
	case dtypes.Uint32:
		return sequence[uint32](n)
	case dtypes.Uint64:
		return sequence[uint64](n)
	case dtypes.Float32:
		return sequence[float32](n)
	case dtypes.Float64:
		return sequence[float64](n)
	case dtypes.Float16:
		flat := make([]float16.Float16, n)
		for ii := range flat {
			flat[ii] = float16.Fromfloat32(float32(ii))
		}
		return flat
	case dtypes.BFloat16:
		flat := make([]bfloat16.BFloat16, n)
		for ii := range flat {
			flat[ii] = bfloat16.FromFloat32(float32(ii))
		}
		return flat
	case dtypes.Bool:
		flat := make([]bool, n)
		for ii := range flat {
			flat[ii] = ii%2 == 1
		}
		return flat
	}
	panic(fmt.Sprintf("no sequence for dtype %s", dtype))
}

// hostTensor creates a host tensor with the given dtype and dimensions, filled with sequenceFor values.
func hostTensor(dtype dtypes.DType, dims ...int) *tensors.Tensor {
	shape := shapes.Make(dtype, dims...)
	t := tensors.New()
	t.Reset(device.CPU(), shape, sequenceFor(dtype, shape.Size()))
	return t
}

// flatOf returns the flat values of t, which must be on the host or on ctx's place.
func flatOf(t *testing.T, ctx backends.Context, tensor *tensors.Tensor) any {
	onHost := tensor
	if !tensor.Place().IsHost() {
		onHost = must.M1(backends.ToHost(ctx, tensor))
	} else {
		require.NoError(t, ctx.Synchronize())
	}
	flat := must.M1(onHost.Flat())
	return flat
}

func TestFlattenGradScenario(t *testing.T) {
	for _, kind := range device.KindValues() {
		t.Run(kind.String(), func(t *testing.T) {
			ctx := newContext(t, kind)
			x := tensors.NewWithDimensions(2, 3, 4)
			outGrad := must.M1(backends.FromHost(ctx, tensors.FromFlatDataAndDimensions(sequence[float32](24), 2, 12)))
			xGrad := tensors.NewWithDimensions(2, 3, 4)

			require.NoError(t, FlattenGrad[float32](ctx, x, outGrad, xGrad))
			assert.Equal(t, []int{2, 3, 4}, xGrad.Dimensions())
			assert.Equal(t, dtypes.Float32, xGrad.DType())
			assert.Equal(t, ctx.Place(), xGrad.Place())
			got := flatOf(t, ctx, xGrad).([]float32)
			want := flatOf(t, ctx, outGrad).([]float32)
			for i := range 2 {
				for j := range 3 {
					for k := range 4 {
						require.Equal(t, want[i*12+j*4+k], got[i*12+j*4+k])
						require.Equal(t, float32(i*12+j*4+k), got[i*12+j*4+k])
					}
				}
			}

			// Inputs are not modified.
			assert.Equal(t, []int{2, 12}, outGrad.Dimensions())
			assert.Equal(t, []int{2, 3, 4}, x.Dimensions())
			assert.False(t, x.IsAllocated())
		})
	}
}

func TestShapeRestore(t *testing.T) {
	ctx := newContext(t, device.KindCPU)
	testCases := []struct {
		original, flattened []int
	}{
		{[]int{2, 3, 4}, []int{24}},
		{[]int{2, 3, 4}, []int{6, 4}},
		{[]int{5}, []int{5}},
		{[]int{1, 1, 7, 1}, []int{7}},
		{[]int{}, []int{1}},
		{[]int{3, 2}, []int{2, 3}},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%v<-%v", tc.original, tc.flattened), func(t *testing.T) {
			outGrad := hostTensor(dtypes.Int32, tc.flattened...)
			xGrad := tensors.NewWithDimensions(tc.original...)
			require.NoError(t, FlattenGrad[int32](ctx, nil, outGrad, xGrad))
			assert.Equal(t, tc.original, xGrad.Dimensions())
			assert.Equal(t, flatOf(t, ctx, outGrad), flatOf(t, ctx, xGrad))
		})
	}
}

func TestShapeFromX(t *testing.T) {
	ctx := newContext(t, device.KindCPU)
	x := tensors.NewWithDimensions(4, 2)
	outGrad := hostTensor(dtypes.Int64, 8)
	xGrad := tensors.New()
	require.NoError(t, FlattenGrad[int64](ctx, x, outGrad, xGrad))
	assert.Equal(t, []int{4, 2}, xGrad.Dimensions())
	assert.Equal(t, sequence[int64](8), flatOf(t, ctx, xGrad))

	// Neither carries dimensions.
	require.Error(t, FlattenGrad[int64](ctx, tensors.New(), outGrad, tensors.New()))
}

func TestFlattenGradToShape(t *testing.T) {
	ctx := newContext(t, device.KindGPU)
	outGrad := must.M1(backends.FromHost(ctx, hostTensor(dtypes.Float64, 2, 12)))

	// The destination may carry any (or no) dimensions, the explicit ones are used.
	xGrad := tensors.NewWithDimensions(100)
	require.NoError(t, FlattenGradToShape[float64](ctx, []int{2, 3, 4}, outGrad, xGrad))
	assert.Equal(t, []int{2, 3, 4}, xGrad.Dimensions())
	assert.Equal(t, sequence[float64](24), flatOf(t, ctx, xGrad))

	xGrad = tensors.New()
	require.NoError(t, FlattenGradToShape[float64](ctx, []int{4, 6}, outGrad, xGrad))
	assert.Equal(t, []int{4, 6}, xGrad.Dimensions())

	require.Error(t, FlattenGradToShape[float64](ctx, []int{-1, 24}, outGrad, tensors.New()))
	require.ErrorIs(t, FlattenGradToShape[float64](ctx, []int{5, 5}, outGrad, tensors.New()), ErrShapeMismatch)
}

func TestIdempotent(t *testing.T) {
	ctx := newContext(t, device.KindXPU)
	outGrad := must.M1(backends.FromHost(ctx, hostTensor(dtypes.BFloat16, 3, 8)))
	xGrad := tensors.NewWithDimensions(3, 2, 4)
	require.NoError(t, FlattenGrad[bfloat16.BFloat16](ctx, nil, outGrad, xGrad))
	first := slices.Clone(flatOf(t, ctx, xGrad).([]bfloat16.BFloat16))
	firstShape := xGrad.Shape().Clone()

	require.NoError(t, FlattenGrad[bfloat16.BFloat16](ctx, nil, outGrad, xGrad))
	assert.Equal(t, first, flatOf(t, ctx, xGrad))
	assert.True(t, firstShape.Equal(xGrad.Shape()))
}

func TestEmpty(t *testing.T) {
	for _, kind := range device.KindValues() {
		t.Run(kind.String(), func(t *testing.T) {
			ctx := newContext(t, kind)
			outGrad := must.M1(backends.FromHost(ctx, tensors.FromFlatDataAndDimensions([]int8{}, 0)))
			xGrad := tensors.NewWithDimensions(3, 0, 2)
			require.NoError(t, FlattenGrad[int8](ctx, nil, outGrad, xGrad))
			require.NoError(t, ctx.Synchronize())
			assert.Equal(t, []int{3, 0, 2}, xGrad.Dimensions())
			assert.True(t, xGrad.IsAllocated())
			assert.Equal(t, 0, xGrad.StorageLen())
		})
	}
}

func TestStaleDestination(t *testing.T) {
	ctx := newContext(t, device.KindCPU)

	// Destination previously allocated with another dtype: it takes out_grad's dtype.
	xGrad := tensors.FromShape(shapes.Make(dtypes.Float64, 2, 3, 4))
	outGrad := hostTensor(dtypes.Uint8, 2, 12)
	require.NoError(t, FlattenGrad[uint8](ctx, nil, outGrad, xGrad))
	assert.Equal(t, dtypes.Uint8, xGrad.DType())
	assert.Equal(t, []int{2, 3, 4}, xGrad.Dimensions())
	assert.Equal(t, sequence[uint8](24), flatOf(t, ctx, xGrad))
}

func TestStaleDestinationFromOtherContext(t *testing.T) {
	gpu := newContext(t, device.KindGPU)
	cpu := must.M1(backends.NewWithConfig("cpu:memory=96"))
	defer cpu.Finalize()
	cpuMemory := cpu.(backends.MemoryReporter)

	x := tensors.NewWithDimensions(2, 3, 4)
	outGrad := hostTensor(dtypes.Float32, 2, 12)
	xGrad := tensors.NewWithDimensions(2, 3, 4)
	require.NoError(t, FlattenGrad[float32](cpu, x, outGrad, xGrad))
	assert.Equal(t, uint64(96), cpuMemory.MemoryInUse())

	// The same destination, now computed on the gpu: its cpu storage goes back to the cpu context.
	gpuOutGrad := must.M1(backends.FromHost(gpu, outGrad))
	require.NoError(t, FlattenGrad[float32](gpu, x, gpuOutGrad, xGrad))
	assert.Equal(t, gpu.Place(), xGrad.Place())
	assert.Equal(t, []int{2, 3, 4}, xGrad.Dimensions())
	assert.Equal(t, sequence[float32](24), flatOf(t, gpu, xGrad))
	assert.Equal(t, uint64(0), cpuMemory.MemoryInUse())

	// The cpu context can use its whole memory again.
	cpuXGrad, err := Run(cpu, x, outGrad)
	require.NoError(t, err)
	assert.Equal(t, sequence[float32](24), flatOf(t, cpu, cpuXGrad))
}

func TestOverflowingDimensions(t *testing.T) {
	ctx := newContext(t, device.KindCPU)
	outGrad := hostTensor(dtypes.Float32, 0)

	// The number of elements wraps around to 0 with plain int multiplication.
	xGrad := tensors.NewWithDimensions(1<<32, 1<<32)
	err := FlattenGrad[float32](ctx, nil, outGrad, xGrad)
	require.ErrorIs(t, err, ErrShapeMismatch)
	assert.False(t, xGrad.IsAllocated())
	assert.Equal(t, []int{1 << 32, 1 << 32}, xGrad.Dimensions())

	err = FlattenGradToShape[float32](ctx, []int{1 << 32, 1 << 32}, outGrad, tensors.New())
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Run(ctx, tensors.NewWithDimensions(1<<32, 1<<32), outGrad)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestValidation(t *testing.T) {
	ctx := newContext(t, device.KindCPU)
	outGrad := hostTensor(dtypes.Int16, 2, 12)

	// Element count mismatch: x_grad is left untouched.
	xGrad := tensors.NewWithDimensions(5, 5)
	err := FlattenGrad[int16](ctx, nil, outGrad, xGrad)
	require.ErrorIs(t, err, ErrShapeMismatch)
	assert.False(t, xGrad.IsAllocated())
	assert.Equal(t, []int{5, 5}, xGrad.Dimensions())

	// Kernel instantiated for the wrong dtype.
	err = FlattenGrad[int32](ctx, nil, outGrad, tensors.NewWithDimensions(24))
	require.ErrorIs(t, err, ErrDTypeMismatch)

	// Unallocated out_grad.
	err = FlattenGrad[int16](ctx, nil, tensors.NewWithDimensions(24), tensors.NewWithDimensions(24))
	require.ErrorIs(t, err, tensors.ErrNotAllocated)
}

// failingContext wraps a context and fails Alloc or Copy with the given errors.
type failingContext struct {
	backends.Context
	allocErr, copyErr error
	allocCalls        int
	copyCalls         int
}

func (c *failingContext) Alloc(t *tensors.Tensor, dtype dtypes.DType) error {
	c.allocCalls++
	if c.allocErr != nil {
		return c.allocErr
	}
	return c.Context.Alloc(t, dtype)
}

func (c *failingContext) Copy(src *tensors.Tensor, dstPlace device.Place, blocking bool, dst *tensors.Tensor) error {
	c.copyCalls++
	if c.copyErr != nil {
		return c.copyErr
	}
	return c.Context.Copy(src, dstPlace, blocking, dst)
}

func TestErrorPropagation(t *testing.T) {
	base := newContext(t, device.KindCPU)
	outGrad := hostTensor(dtypes.Float32, 2, 12)

	oom := errors.Wrap(backends.ErrOutOfMemory, "fake device")
	ctx := &failingContext{Context: base, allocErr: oom}
	err := FlattenGrad[float32](ctx, nil, outGrad, tensors.NewWithDimensions(2, 3, 4))
	require.Error(t, err)
	assert.Equal(t, errors.Cause(oom), errors.Cause(err))
	assert.ErrorIs(t, err, backends.ErrOutOfMemory)
	assert.Equal(t, 1, ctx.allocCalls)
	assert.Equal(t, 0, ctx.copyCalls, "copy must not be issued after a failed allocation")

	transfer := errors.Wrap(backends.ErrTransfer, "broken link")
	ctx = &failingContext{Context: base, copyErr: transfer}
	xGrad := tensors.NewWithDimensions(2, 3, 4)
	err = FlattenGrad[float32](ctx, nil, outGrad, xGrad)
	assert.ErrorIs(t, err, backends.ErrTransfer)
	assert.Equal(t, 1, ctx.allocCalls)
	assert.Equal(t, 1, ctx.copyCalls)

	// The failed x_grad doesn't keep storage with undefined contents.
	assert.False(t, xGrad.IsAllocated())
	assert.Equal(t, []int{2, 3, 4}, xGrad.Dimensions())
	assert.Equal(t, uint64(0), base.(backends.MemoryReporter).MemoryInUse())

	// Real out of memory.
	limited := must.M1(backends.NewWithConfig("gpu:0,memory=64"))
	defer limited.Finalize()
	outGrad = must.M1(backends.FromHost(limited, hostTensor(dtypes.Float32, 16)))
	_, err = Run(limited, tensors.NewWithDimensions(4, 4), outGrad)
	require.ErrorIs(t, err, backends.ErrOutOfMemory)
}

func TestDispatchCompleteness(t *testing.T) {
	for _, kind := range device.KindValues() {
		for _, dtype := range DeclaredDTypes[kind] {
			t.Run(fmt.Sprintf("%s/%s", kind, dtype), func(t *testing.T) {
				ctx := newContext(t, kind)
				_, err := Lookup(kind, dtype)
				require.NoError(t, err)

				x := tensors.NewWithDimensions(2, 3, 4)
				outGrad := must.M1(backends.FromHost(ctx, hostTensor(dtype, 2, 12)))
				xGrad, err := Run(ctx, x, outGrad)
				require.NoError(t, err)
				assert.Equal(t, []int{2, 3, 4}, xGrad.Dimensions())
				assert.Equal(t, dtype, xGrad.DType())
				assert.Equal(t, sequenceFor(dtype, 24), flatOf(t, ctx, xGrad))
			})
		}
	}
}

func TestUndeclaredNotRegistered(t *testing.T) {
	for _, kind := range device.KindValues() {
		registered := kernels.SupportedDTypes(Name, kind)
		if !slices.Contains(backends.List(), kind.String()) {
			assert.Empty(t, registered)
			continue
		}
		declared := slices.Clone(DeclaredDTypes[kind])
		slices.Sort(declared)
		assert.Equal(t, declared, registered, "kind %s", kind)
	}

	// Closed world: no coercion to a close dtype.
	_, err := Lookup(device.KindGPU, dtypes.Int16)
	require.ErrorIs(t, err, kernels.ErrKernelNotFound)
	_, err = Lookup(device.KindCPU, dtypes.Float16)
	require.ErrorIs(t, err, kernels.ErrKernelNotFound)
	assert.False(t, IsDeclared(device.KindCPU, dtypes.Float16))
	assert.True(t, IsDeclared(device.KindXPU, dtypes.Bool))

	ctx := newContext(t, device.KindCPU)
	_, err = Run(ctx, tensors.NewWithDimensions(2), hostTensor(dtypes.Uint32, 2))
	require.ErrorIs(t, err, kernels.ErrKernelNotFound)
}
