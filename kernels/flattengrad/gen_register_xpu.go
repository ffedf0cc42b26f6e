//go:build !noxpu

/***** File generated by ./internal/cmd/kernels_dispatcher. Don't edit it directly. *****/

package flattengrad

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"

	"github.com/gomlx/gradkernels/kernels"
	"github.com/gomlx/gradkernels/pkg/core/device"
)

func init() {
	kernels.Register(Name, device.KindXPU, dtypes.Float64, Kernel(FlattenGrad[float64]))
	kernels.Register(Name, device.KindXPU, dtypes.Float32, Kernel(FlattenGrad[float32]))
	kernels.Register(Name, device.KindXPU, dtypes.Float16, Kernel(FlattenGrad[float16.Float16]))
	kernels.Register(Name, device.KindXPU, dtypes.BFloat16, Kernel(FlattenGrad[bfloat16.BFloat16]))
	kernels.Register(Name, device.KindXPU, dtypes.Int64, Kernel(FlattenGrad[int64]))
	kernels.Register(Name, device.KindXPU, dtypes.Int32, Kernel(FlattenGrad[int32]))
	kernels.Register(Name, device.KindXPU, dtypes.Int16, Kernel(FlattenGrad[int16]))
	kernels.Register(Name, device.KindXPU, dtypes.Int8, Kernel(FlattenGrad[int8]))
	kernels.Register(Name, device.KindXPU, dtypes.Uint8, Kernel(FlattenGrad[uint8]))
	kernels.Register(Name, device.KindXPU, dtypes.Bool, Kernel(FlattenGrad[bool]))
}
