// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/gradkernels/pkg/core/device"
	"github.com/gomlx/gradkernels/pkg/core/shapes"
	"github.com/gomlx/gradkernels/pkg/core/tensors"
)

var (
	// ErrOutOfMemory is returned (wrapped) when a context can't allocate the storage requested.
	ErrOutOfMemory = errors.New("device out of memory")

	// ErrTransfer is returned (wrapped) when a copy between places is not possible.
	ErrTransfer = errors.New("transfer failed")

	// ErrFinalized is returned (wrapped) when using a context after Finalize was called.
	ErrFinalized = errors.New("device context finalized")
)

// Context is the execution context of one device: it allocates tensor storage on the device and copies
// data into it.
//
// The methods of a Context are safe for concurrent use, but the tensors passed to it are not: the caller
// must not mutate a tensor while an operation on it is in flight.
type Context interface {
	// Name of the constructor used to create the context, e.g. "gpu".
	Name() string

	// Place of the device the context manages.
	Place() device.Place

	// Alloc gives t storage on the context's place for its current dimensions with the given dtype.
	// Existing storage is reused if it already matches dtype, size and place.
	// Any previous contents may be lost.
	//
	// It returns an error if t has no dimensions, or if the device can't provide the memory (ErrOutOfMemory).
	Alloc(t *tensors.Tensor, dtype dtypes.DType) error

	// Copy the contents of src into dst, which is placed on dstPlace. dst takes src's shape, its storage is
	// reallocated if needed.
	//
	// If blocking is false the copy may complete asynchronously, after Copy returns: the caller must
	// call Synchronize before reading dst on the host, and must not mutate src before that.
	// Errors of an asynchronous copy are reported by a later call to Synchronize, Copy or Alloc.
	Copy(src *tensors.Tensor, dstPlace device.Place, blocking bool, dst *tensors.Tensor) error

	// Synchronize blocks until all the work issued so far completed, and returns the first error found.
	Synchronize() error

	// Finalize releases the resources of the context. Any later call returns an error wrapping ErrFinalized.
	// It's safe to call it more than once.
	Finalize()
}

// MemoryReporter is implemented by contexts that track the memory they allocated.
type MemoryReporter interface {
	// MemoryInUse returns the number of bytes of storage currently allocated by the context.
	MemoryInUse() uint64

	// MemoryLimit returns the maximum number of bytes the context can allocate, or 0 if unlimited.
	MemoryLimit() uint64
}

// Releaser is implemented by contexts that can recycle the storage of tensors no longer needed.
type Releaser interface {
	// Release drops the storage of t, which must have been allocated by the context. t keeps its
	// dimensions, but it is no longer allocated.
	Release(t *tensors.Tensor)
}

// CheckAlloc checks the arguments of Context.Alloc.
func CheckAlloc(t *tensors.Tensor, dtype dtypes.DType) error {
	if t == nil {
		return errors.New("Alloc: nil tensor")
	}
	if !t.HasDimensions() {
		return errors.New("Alloc: tensor has no dimensions, it must be resized before being allocated")
	}
	if !tensors.IsSupported(dtype) {
		return errors.Errorf("Alloc: invalid dtype %s", dtype)
	}
	if _, err := shapes.CheckedDimensionsSize(t.Dimensions()); err != nil {
		return errors.WithMessage(err, "Alloc")
	}
	return nil
}

// CheckCopy checks the arguments of Context.Copy for a context on the given place.
func CheckCopy(place device.Place, src *tensors.Tensor, dstPlace device.Place, dst *tensors.Tensor) error {
	if src == nil || dst == nil {
		return errors.New("Copy: nil tensor")
	}
	if !src.IsAllocated() {
		return errors.Wrap(tensors.ErrNotAllocated, "Copy: source tensor")
	}
	if src == dst {
		return errors.New("Copy: source and destination are the same tensor")
	}
	if dstPlace != place {
		return errors.Wrapf(ErrTransfer, "Copy: context on %s can't copy to %s", place, dstPlace)
	}
	return nil
}
