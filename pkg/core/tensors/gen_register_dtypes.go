/***** File generated by ./internal/cmd/kernels_dispatcher. Don't edit it directly. *****/

package tensors

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

func init() {

	// DTypeMap: copyFlatDTypeMap
	copyFlatDTypeMap.Register(dtypes.Int8, copyFlatGeneric[int8])
	copyFlatDTypeMap.Register(dtypes.Int16, copyFlatGeneric[int16])
	copyFlatDTypeMap.Register(dtypes.Int32, copyFlatGeneric[int32])
	copyFlatDTypeMap.Register(dtypes.Int64, copyFlatGeneric[int64])
	copyFlatDTypeMap.Register(dtypes.Uint8, copyFlatGeneric[uint8])
	copyFlatDTypeMap.Register(dtypes.Uint16, copyFlatGeneric[uint16])
	copyFlatDTypeMap.Register(dtypes.Uint32, copyFlatGeneric[uint32])
	copyFlatDTypeMap.Register(dtypes.Uint64, copyFlatGeneric[uint64])
	copyFlatDTypeMap.Register(dtypes.Float32, copyFlatGeneric[float32])
	copyFlatDTypeMap.Register(dtypes.Float64, copyFlatGeneric[float64])
	copyFlatDTypeMap.Register(dtypes.BFloat16, copyFlatGeneric[bfloat16.BFloat16])
	copyFlatDTypeMap.Register(dtypes.Float16, copyFlatGeneric[float16.Float16])
	copyFlatDTypeMap.Register(dtypes.Bool, copyFlatGeneric[bool])
}
