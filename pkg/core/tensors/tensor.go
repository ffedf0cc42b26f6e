// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, the handle kernels operate on: a shape (dtype and dimensions),
// the device.Place where the data lives and the flat storage.
//
// A Tensor can exist in three states:
//
//   - Without a shape: created with New(). Neither dimensions nor storage.
//   - With dimensions only: created with NewWithDimensions(). This is how executors hand a destination tensor to a
//     kernel: it carries the dimensions it is expected to have, but no storage yet.
//   - Allocated: the storage holds Shape.Size() elements of Shape.DType, see Reset, used by the device contexts.
//
// There are various ways to construct an allocated Tensor from host data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
// Changing the dimensions of a Tensor with Resize is a metadata-only operation: the storage is untouched.
//
// The storage of a Tensor is always a flat Go slice of the dtype's Go type, even on non-host places: device
// contexts keep it in sync with the device memory they manage. A Tensor is not safe for concurrent mutation,
// the executor scheduling the kernels is responsible for that.
package tensors

import (
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/gradkernels/pkg/core/device"
	"github.com/gomlx/gradkernels/pkg/core/shapes"
)

// ErrNotAllocated is returned (wrapped) when accessing the storage of a Tensor that has none.
var ErrNotAllocated = errors.New("tensor not allocated")

// Recycler takes back the storage of the tensors it allocated, see Tensor.Recycle.
// Device contexts implement it with their storage pools.
type Recycler interface {
	Recycle(dtype dtypes.DType, flat any, length int)
}

// Tensor is a handle to a multidimensional array, see package documentation.
type Tensor struct {
	shape     shapes.Shape
	hasDims   bool
	place     device.Place
	flat      any
	allocated bool
	recycler  Recycler
}

// New returns a Tensor handle without shape or storage.
func New() *Tensor {
	return &Tensor{shape: shapes.Invalid()}
}

// NewWithDimensions returns a Tensor handle that carries the given dimensions, but no dtype or storage.
func NewWithDimensions(dimensions ...int) *Tensor {
	t := New()
	t.Resize(dimensions...)
	return t
}

// FromShape returns a Tensor allocated on the host with the given shape, with the data initialized with zeros.
//
// It panics if you provide an invalid shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	t := New()
	t.Reset(device.CPU(), shape, MakeFlat(shape.DType, shape.Size()))
	return t
}

// FromFlatDataAndDimensions creates a host tensor with the given dimensions, filled with the flattened values
// given in `data`. The data is copied to the Tensor.
// The `DType` is inferred from the `data` type.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	flat := make([]T, len(data))
	copy(flat, data)
	t := New()
	t.Reset(device.CPU(), shape, flat)
	return t
}

// MakeFlat allocates a zero-initialized flat slice of the Go type corresponding to dtype.
func MakeFlat(dtype dtypes.DType, length int) any {
	return reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface()
}

// Shape of the tensor, includes DType. DType is dtypes.InvalidDType if the tensor was never allocated.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
// It is a shortcut to `Tensor.Shape().DType`.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// HasDimensions returns whether the tensor carries dimensions, allocated or not.
func (t *Tensor) HasDimensions() bool { return t.hasDims }

// Dimensions returns a copy of the dimensions of the tensor.
func (t *Tensor) Dimensions() []int { return slices.Clone(t.shape.Dimensions) }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements described by the tensor's dimensions.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor. An alias to Tensor.Shape().Memory().
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Place where the tensor storage lives.
func (t *Tensor) Place() device.Place { return t.place }

// IsAllocated returns whether the tensor has storage. Zero-sized tensors can be allocated with an empty storage.
func (t *Tensor) IsAllocated() bool { return t != nil && t.allocated }

// Resize sets the dimensions of the tensor. It is a metadata-only operation: the storage and dtype are untouched.
//
// It panics if a dimension is negative.
func (t *Tensor) Resize(dimensions ...int) {
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("Tensor.Resize(%v): dimensions cannot be negative", dimensions)
		}
	}
	t.shape.Dimensions = slices.Clone(dimensions)
	if t.shape.Dimensions == nil {
		t.shape.Dimensions = []int{}
	}
	t.hasDims = true
}

// Reset replaces the tensor's place, shape and storage. The new storage has no Recycler, it is left to the
// garbage collector. Any previous storage is dropped without being recycled, see Recycle.
//
// It panics if flat is not a slice of the shape's dtype with exactly shape.Size() elements.
func (t *Tensor) Reset(place device.Place, shape shapes.Shape, flat any) {
	t.ResetRecyclable(place, shape, flat, nil)
}

// ResetRecyclable is like Reset, but the storage is handed back to recycler when the tensor is recycled.
// It's meant to be used by device contexts when allocating the tensor.
func (t *Tensor) ResetRecyclable(place device.Place, shape shapes.Shape, flat any, recycler Recycler) {
	if !shape.Ok() {
		exceptions.Panicf("Tensor.Reset(%s): invalid shape", shape)
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice || flatV.Type().Elem() != shape.DType.GoType() {
		exceptions.Panicf("Tensor.Reset(%s): flat storage of type %T doesn't match dtype", shape, flat)
	}
	if flatV.Len() != shape.Size() {
		exceptions.Panicf("Tensor.Reset(%s): flat storage has %d elements, shape requires %d",
			shape, flatV.Len(), shape.Size())
	}
	t.shape = shape.Clone()
	if t.shape.Dimensions == nil {
		t.shape.Dimensions = []int{}
	}
	t.hasDims = true
	t.place = place
	t.flat = flat
	t.allocated = true
	t.recycler = recycler
}

// StorageLen returns the number of elements of the storage, which may differ from Size after a Resize.
// It returns 0 if the tensor is not allocated.
func (t *Tensor) StorageLen() int {
	if !t.IsAllocated() {
		return 0
	}
	return reflect.ValueOf(t.flat).Len()
}

// Recycler that allocated the tensor's storage, or nil if it has none.
func (t *Tensor) Recycler() Recycler {
	if !t.IsAllocated() {
		return nil
	}
	return t.recycler
}

// Release drops the storage of the tensor and returns it, without recycling it. The dimensions are kept.
func (t *Tensor) Release() (flat any) {
	flat = t.flat
	t.flat = nil
	t.allocated = false
	t.recycler = nil
	return flat
}

// Recycle drops the storage of the tensor and hands it back to the Recycler that allocated it, if any.
// The dimensions are kept. It's a no-op if the tensor is not allocated.
func (t *Tensor) Recycle() {
	if !t.IsAllocated() {
		return
	}
	recycler, dtype, length := t.recycler, t.DType(), t.StorageLen()
	flat := t.Release()
	if recycler != nil {
		recycler.Recycle(dtype, flat, length)
	}
}

// Flat returns the flat storage of the tensor, or an error if it is not allocated.
// The storage is owned by the Tensor, and it should only be mutated by device contexts.
func (t *Tensor) Flat() (any, error) {
	if !t.IsAllocated() {
		return nil, errors.Wrapf(ErrNotAllocated, "tensor with shape %s", t.shape)
	}
	return t.flat, nil
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
// Even scalar values have a flattened data representation of one element.
//
// This provides accessFn with the actual Tensor data (not a copy), and it should not be changed.
//
// If the tensor lives on a stream device, the caller must synchronize the device context first.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) error {
	flat, err := t.Flat()
	if err != nil {
		return err
	}
	accessFn(flat)
	return nil
}

// ConstFlatData is the "generics" version of Tensor.ConstFlatData.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		return errors.Errorf("ConstFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	return t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// CopyFlatData returns a copy of the flat data of the Tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	var flatCopy []T
	err := ConstFlatData(t, func(flat []T) {
		flatCopy = slices.Clone(flat)
	})
	return flatCopy, err
}

// MustCopyFlatData returns a copy of the flat data of the Tensor, and panics on error.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	flat, err := CopyFlatData[T](t)
	if err != nil {
		panic(err)
	}
	return flat
}
