// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/gradkernels/internal/dtypemap"
)

//go:generate go run ../../../internal/cmd/kernels_dispatcher -copy

// SupportedTypesConstraints enumerates the Go types a Tensor can hold.
type SupportedTypesConstraints interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 |
		float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// copyFlatDTypeMap holds one instance of copyFlatGeneric per supported dtype.
var copyFlatDTypeMap = dtypemap.New("CopyFlat")

// copyFlatGeneric copies the raw elements in the range [start, end) of src to dst.
func copyFlatGeneric[T SupportedTypesConstraints](dst, src any, start, end int) {
	copy(dst.([]T)[start:end], src.([]T)[start:end])
}

// CopyFlatRange copies the elements in [start, end) between two flat slices of the given dtype.
// The values are copied verbatim, there is no conversion of any sort.
func CopyFlatRange(dtype dtypes.DType, dst, src any, start, end int) error {
	fn, err := copyFlatDTypeMap.Get(dtype)
	if err != nil {
		return errors.WithMessage(err, "tensors.CopyFlatRange")
	}
	fn.(func(dst, src any, start, end int))(dst, src, start, end)
	return nil
}

// CopyFlat copies the raw elements of src storage into dst storage. Both must be allocated, with the same dtype and
// number of elements. Shapes (dimensions) are not checked, nor changed: only the elements are copied.
func CopyFlat(dst, src *Tensor) error {
	srcFlat, err := src.Flat()
	if err != nil {
		return errors.WithMessage(err, "CopyFlat source")
	}
	dstFlat, err := dst.Flat()
	if err != nil {
		return errors.WithMessage(err, "CopyFlat destination")
	}
	if src.DType() != dst.DType() {
		return errors.Errorf("CopyFlat: source dtype %s doesn't match destination dtype %s", src.DType(), dst.DType())
	}
	if src.Size() != dst.Size() {
		return errors.Errorf("CopyFlat: source %s has %d elements, destination %s has %d",
			src.Shape(), src.Size(), dst.Shape(), dst.Size())
	}
	return CopyFlatRange(src.DType(), dstFlat, srcFlat, 0, src.Size())
}

// SupportedDTypes returns the dtypes a Tensor can be copied with.
func SupportedDTypes() []dtypes.DType {
	return copyFlatDTypeMap.DTypes()
}

// IsSupported returns whether a Tensor can hold values of the given dtype.
func IsSupported(dtype dtypes.DType) bool {
	return copyFlatDTypeMap.Has(dtype)
}
