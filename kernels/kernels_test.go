package kernels

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gradkernels/pkg/core/device"
)

// resetTable gives the test a fresh, unfrozen, dispatch table.
func resetTable(t *testing.T) {
	registerMu.Lock()
	defer registerMu.Unlock()
	table = make(map[Key]any)
	frozen.Store(false)
}

func TestRegisterAndLookup(t *testing.T) {
	resetTable(t)
	fnF32 := func() string { return "float32" }
	fnI8 := func() string { return "int8" }
	Register("op", device.KindCPU, dtypes.Float32, fnF32)
	Register("op", device.KindCPU, dtypes.Int8, fnI8)
	Register("op", device.KindGPU, dtypes.Float32, fnF32)
	Register("another", device.KindCPU, dtypes.Bool, fnF32)
	require.Panics(t, func() { Register("op", device.KindCPU, dtypes.Int8, fnI8) }, "duplicate key")
	require.Panics(t, func() { Register("op", device.KindXPU, dtypes.Int8, nil) }, "nil kernel")
	assert.False(t, IsFrozen())

	fn, err := Lookup("op", device.KindCPU, dtypes.Int8)
	require.NoError(t, err)
	assert.Equal(t, "int8", fn.(func() string)())
	assert.True(t, IsFrozen())

	// Never coerces to a close dtype or another device kind.
	_, err = Lookup("op", device.KindGPU, dtypes.Int8)
	require.ErrorIs(t, err, ErrKernelNotFound)
	assert.Contains(t, err.Error(), "op[gpu, Int8]")
	_, err = Lookup("op", device.KindCPU, dtypes.Float64)
	require.ErrorIs(t, err, ErrKernelNotFound)
	_, err = Lookup("missing", device.KindCPU, dtypes.Float32)
	require.ErrorIs(t, err, ErrKernelNotFound)

	// Frozen: no more registrations.
	require.Panics(t, func() { Register("late", device.KindCPU, dtypes.Float32, fnF32) })
}

func TestListing(t *testing.T) {
	resetTable(t)
	fn := func() {}
	Register("b", device.KindGPU, dtypes.Int32, fn)
	Register("b", device.KindCPU, dtypes.Int32, fn)
	Register("a", device.KindCPU, dtypes.Float64, fn)
	Register("b", device.KindCPU, dtypes.Int8, fn)

	assert.Equal(t, []dtypes.DType{dtypes.Int8, dtypes.Int32}, SupportedDTypes("b", device.KindCPU))
	assert.Empty(t, SupportedDTypes("b", device.KindXPU))
	assert.Equal(t, []Key{
		{"a", device.KindCPU, dtypes.Float64},
		{"b", device.KindCPU, dtypes.Int8},
		{"b", device.KindCPU, dtypes.Int32},
		{"b", device.KindGPU, dtypes.Int32},
	}, Keys())
}
