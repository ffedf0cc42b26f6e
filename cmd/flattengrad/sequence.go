// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

func fillSequenceGeneric[T constraints.Integer | constraints.Float](flat []T) {
	for ii := range flat {
		flat[ii] = T(ii)
	}
}

// fillSequence fills the flat slice with 0, 1, 2, ... in its own type (wrapping around for small integers).
// Booleans alternate false and true.
func fillSequence(flat any) {
	switch flat := flat.(type) {
	case []int8:
		fillSequenceGeneric(flat)
	case []int16:
		fillSequenceGeneric(flat)
	case []int32:
		fillSequenceGeneric(flat)
	case []int64:
		fillSequenceGeneric(flat)
	case []uint8:
		fillSequenceGeneric(flat)
	case []uint16:
		fillSequenceGeneric(flat)
	case []uint32:
		fillSequenceGeneric(flat)
	case []uint64:
		fillSequenceGeneric(flat)
	case []float32:
		fillSequenceGeneric(flat)
	case []float64:
		fillSequenceGeneric(flat)
	case []float16.Float16:
		for ii := range flat {
			flat[ii] = float16.Fromfloat32(float32(ii))
		}
	case []bfloat16.BFloat16:
		for ii := range flat {
			flat[ii] = bfloat16.FromFloat32(float32(ii))
		}
	case []bool:
		for ii := range flat {
			flat[ii] = ii%2 == 1
		}
	default:
		exceptions.Panicf("fillSequence: unsupported flat type %T", flat)
	}
}
