// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package flattengrad implements the backward (gradient) kernel of the flatten operation.
//
// Flatten merges a contiguous range of axes of x into one, without touching the data. Its gradient is the
// reverse: the incoming gradient out_grad, shaped like flatten's output, is copied element for element into
// x_grad, which takes back the dimensions of x. No arithmetic is involved.
//
// Following the executors' in-place convention, the destination x_grad is handed to the kernel already
// carrying the dimensions of x, but without storage. The kernel remembers those dimensions, allocates
// x_grad, copies out_grad into it (which reshapes x_grad like out_grad) and finally restores the
// remembered dimensions, a metadata-only change.
//
// The kernel is registered in the kernels dispatch table under the name "flatten_grad" for every
// (device kind, dtype) listed in DeclaredDTypes. Use Run to dispatch and execute it.
package flattengrad

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gradkernels/backends"
	"github.com/gomlx/gradkernels/kernels"
	"github.com/gomlx/gradkernels/pkg/core/device"
	"github.com/gomlx/gradkernels/pkg/core/shapes"
	"github.com/gomlx/gradkernels/pkg/core/tensors"
)

//go:generate go run ../../internal/cmd/kernels_dispatcher -flattengrad

// Name of the operation in the kernels dispatch table.
const Name = "flatten_grad"

var (
	// ErrShapeMismatch is returned (wrapped) when the number of elements of out_grad doesn't match
	// the dimensions x_grad must take.
	ErrShapeMismatch = errors.New("flatten_grad: number of elements mismatch")

	// ErrDTypeMismatch is returned (wrapped) when out_grad's dtype doesn't match the kernel instantiation.
	ErrDTypeMismatch = errors.New("flatten_grad: dtype mismatch")
)

// Kernel is the signature of the flatten_grad implementations stored in the dispatch table.
//
// x is only used for its dimensions, when xGrad doesn't carry any. Neither x nor outGrad are modified.
type Kernel func(ctx backends.Context, x, outGrad, xGrad *tensors.Tensor) error

// FlattenGrad copies outGrad into xGrad, preserving xGrad's dimensions.
//
// The dimensions to preserve are taken from xGrad if it carries them, otherwise from x.
// After a successful call, xGrad is allocated on ctx's place, has outGrad's dtype and values (in flat order)
// and the preserved dimensions. On a stream context the element copy may still be in flight:
// call ctx.Synchronize before reading xGrad.
//
// If the number of elements doesn't match (or doesn't fit an int), it returns an error wrapping
// ErrShapeMismatch, and xGrad is left untouched. Errors from ctx.Alloc and ctx.Copy are returned with added
// context, errors.Cause returns the original one. In that case xGrad is left unallocated, with the preserved
// dimensions.
func FlattenGrad[T tensors.SupportedTypesConstraints](ctx backends.Context, x, outGrad, xGrad *tensors.Tensor) error {
	if xGrad == nil {
		return errors.New("flatten_grad: nil x_grad")
	}
	var savedDims []int
	if xGrad.HasDimensions() {
		savedDims = xGrad.Dimensions()
	} else {
		if x == nil || !x.HasDimensions() {
			return errors.New("flatten_grad: neither x_grad nor x carry dimensions")
		}
		savedDims = x.Dimensions()
	}
	return flattenGrad[T](ctx, savedDims, outGrad, xGrad)
}

// FlattenGradToShape is like FlattenGrad, but the dimensions xGrad must end up with are given explicitly,
// instead of being read from the destination.
func FlattenGradToShape[T tensors.SupportedTypesConstraints](ctx backends.Context, dims []int, outGrad, xGrad *tensors.Tensor) error {
	if xGrad == nil {
		return errors.New("flatten_grad: nil x_grad")
	}
	for _, dim := range dims {
		if dim < 0 {
			return errors.Errorf("flatten_grad: invalid dimensions %v", dims)
		}
	}
	return flattenGrad[T](ctx, dims, outGrad, xGrad)
}

func flattenGrad[T tensors.SupportedTypesConstraints](ctx backends.Context, savedDims []int, outGrad, xGrad *tensors.Tensor) error {
	if outGrad == nil || !outGrad.IsAllocated() {
		return errors.Wrap(tensors.ErrNotAllocated, "flatten_grad: out_grad")
	}
	dtype := dtypes.FromGenericsType[T]()
	if outGrad.DType() != dtype {
		return errors.Wrapf(ErrDTypeMismatch, "kernel for %s called with out_grad %s", dtype, outGrad.Shape())
	}
	size, err := shapes.CheckedDimensionsSize(savedDims)
	if err != nil {
		return errors.Wrapf(ErrShapeMismatch, "x_grad: %v", err)
	}
	if size != outGrad.Size() {
		return errors.Wrapf(ErrShapeMismatch, "x_grad dimensions %v have %d elements, out_grad %s has %d",
			savedDims, size, outGrad.Shape(), outGrad.Size())
	}
	if klog.V(1).Enabled() {
		klog.Infof("%s on %s: out_grad %s -> x_grad dimensions %v", Name, ctx.Place(), outGrad.Shape(), savedDims)
	}

	if !xGrad.HasDimensions() {
		xGrad.Resize(savedDims...)
	}
	if err := ctx.Alloc(xGrad, dtype); err != nil {
		resetXGrad(xGrad, savedDims)
		return errors.WithMessagef(err, "%s: allocating x_grad", Name)
	}
	if err := ctx.Copy(outGrad, ctx.Place(), false, xGrad); err != nil {
		resetXGrad(xGrad, savedDims)
		return errors.WithMessagef(err, "%s: copying out_grad %s", Name, outGrad.Shape())
	}
	xGrad.Resize(savedDims...)
	return nil
}

// resetXGrad leaves a failed x_grad unallocated, with the dimensions it was expected to have.
func resetXGrad(xGrad *tensors.Tensor, savedDims []int) {
	xGrad.Recycle()
	xGrad.Resize(savedDims...)
}

// Lookup returns the flatten_grad kernel registered for the device kind and dtype, or an error
// wrapping kernels.ErrKernelNotFound.
func Lookup(kind device.Kind, dtype dtypes.DType) (Kernel, error) {
	fn, err := kernels.Lookup(Name, kind, dtype)
	if err != nil {
		return nil, err
	}
	kernel, ok := fn.(Kernel)
	if !ok {
		return nil, errors.Errorf("%s[%s, %s]: registered kernel has unexpected type %T", Name, kind, dtype, fn)
	}
	return kernel, nil
}

// Run computes the gradient of flatten for x, given the gradient of its output outGrad.
//
// It creates x_grad carrying x's dimensions, selects the kernel for ctx's device kind and outGrad's dtype
// and executes it. On stream contexts, call ctx.Synchronize before reading the returned tensor.
func Run(ctx backends.Context, x, outGrad *tensors.Tensor) (*tensors.Tensor, error) {
	if x == nil || !x.HasDimensions() {
		return nil, errors.New("flatten_grad: x must carry dimensions")
	}
	if outGrad == nil {
		return nil, errors.Wrap(tensors.ErrNotAllocated, "flatten_grad: nil out_grad")
	}
	kernel, err := Lookup(ctx.Place().Kind, outGrad.DType())
	if err != nil {
		return nil, err
	}
	xGrad := tensors.NewWithDimensions(x.Dimensions()...)
	if err := kernel(ctx, x, outGrad, xGrad); err != nil {
		return nil, err
	}
	return xGrad, nil
}
