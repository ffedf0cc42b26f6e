// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference calculates the shape resulting from the flatten family of operations and
// validates their inputs.
//
// Executors use it to plan the destination tensors handed to the kernels, and the kernels' tests use it to
// build consistent inputs.
package shapeinference

import (
	"github.com/pkg/errors"

	"github.com/gomlx/gradkernels/pkg/core/shapes"
)

// adjustAxis converts a negative axis (counting from the end) to its positive value, and checks it's valid
// for the given rank.
func adjustAxis(op string, operand shapes.Shape, axis int) (int, error) {
	rank := operand.Rank()
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		return 0, errors.Errorf("%s: axis %d out of range for shape %s", op, axis, operand)
	}
	return adjusted, nil
}

// FlattenOp returns the shape of flattening (merging) the axes [startAxis, stopAxis] (inclusive) of operand
// into one. Negative axes count from the end.
//
// A scalar is flattened to shape [1], whatever the axes given.
func FlattenOp(operand shapes.Shape, startAxis, stopAxis int) (output shapes.Shape, err error) {
	if !operand.Ok() {
		return shapes.Invalid(), errors.Errorf("invalid shape %s for FlattenOp", operand)
	}
	if operand.IsScalar() {
		return shapes.Make(operand.DType, 1), nil
	}
	start, err := adjustAxis("FlattenOp", operand, startAxis)
	if err != nil {
		return shapes.Invalid(), err
	}
	stop, err := adjustAxis("FlattenOp", operand, stopAxis)
	if err != nil {
		return shapes.Invalid(), err
	}
	if stop < start {
		return shapes.Invalid(), errors.Errorf("FlattenOp(%s): stop axis %d (%d) must be >= start axis %d (%d)",
			operand, stopAxis, stop, startAxis, start)
	}
	dims := make([]int, 0, operand.Rank()-(stop-start))
	dims = append(dims, operand.Dimensions[:start]...)
	merged, err := shapes.CheckedDimensionsSize(operand.Dimensions[start : stop+1])
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "FlattenOp(%s)", operand)
	}
	dims = append(dims, merged)
	dims = append(dims, operand.Dimensions[stop+1:]...)
	return shapes.Make(operand.DType, dims...), nil
}

// FlattenGradOp returns the shape of the gradient of flatten with respect to its input x: x's dimensions
// with outGrad's dtype. It checks the number of elements match.
func FlattenGradOp(x, outGrad shapes.Shape) (output shapes.Shape, err error) {
	if !outGrad.Ok() {
		return shapes.Invalid(), errors.Errorf("invalid out_grad shape %s for FlattenGradOp", outGrad)
	}
	xSize, err := shapes.CheckedDimensionsSize(x.Dimensions)
	if err != nil {
		return shapes.Invalid(), errors.WithMessage(err, "FlattenGradOp: x")
	}
	outGradSize, err := shapes.CheckedDimensionsSize(outGrad.Dimensions)
	if err != nil {
		return shapes.Invalid(), errors.WithMessage(err, "FlattenGradOp: out_grad")
	}
	if xSize != outGradSize {
		return shapes.Invalid(), errors.Errorf("FlattenGradOp: x dimensions %v have %d elements, out_grad %s has %d",
			x.Dimensions, xSize, outGrad, outGradSize)
	}
	return shapes.Make(outGrad.DType, x.Dimensions...), nil
}
