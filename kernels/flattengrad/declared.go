// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flattengrad

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/gradkernels/pkg/core/device"
)

// DeclaredDTypes lists, per device kind, the dtypes flatten_grad is registered for.
// The gen_register_*.go files are generated from the same lists, by internal/cmd/kernels_dispatcher.
//
// Kinds excluded with the build tags nogpu, noxpu or nocustom are still declared here,
// but have no registrations.
var DeclaredDTypes = map[device.Kind][]dtypes.DType{
	device.KindCPU: {
		dtypes.BFloat16, dtypes.Float32, dtypes.Float64,
		dtypes.Uint8, dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Bool,
	},
	device.KindGPU: {
		dtypes.Float32, dtypes.Float16, dtypes.BFloat16, dtypes.Float64,
		dtypes.Uint8, dtypes.Int8, dtypes.Int32, dtypes.Int64,
	},
	device.KindXPU: {
		dtypes.Float64, dtypes.Float32, dtypes.Float16, dtypes.BFloat16,
		dtypes.Int64, dtypes.Int32, dtypes.Int16, dtypes.Int8, dtypes.Uint8,
		dtypes.Bool,
	},
	device.KindCustom: {
		dtypes.Float32, dtypes.Float16, dtypes.Float64,
		dtypes.Uint8, dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
	},
}

// IsDeclared returns whether flatten_grad is declared for the device kind and dtype.
func IsDeclared(kind device.Kind, dtype dtypes.DType) bool {
	return slices.Contains(DeclaredDTypes[kind], dtype)
}
