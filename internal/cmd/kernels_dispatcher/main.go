// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kernels_dispatcher generates the gen_register_*.go files that register the generic instantiations of
// functions and kernels, one per dtype.
//
// It is run with go:generate from the package that owns the files:
//
//   - -copy: pkg/core/tensors/gen_register_dtypes.go, the per-dtype copy functions.
//   - -flattengrad: kernels/flattengrad/gen_register_<kind>.go, one file per device kind, from
//     flattengrad.DeclaredDTypes.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path"
	"text/template"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/gradkernels/kernels/flattengrad"
	"github.com/gomlx/gradkernels/pkg/core/device"
)

var (
	flagCopy        = flag.Bool("copy", false, "Generate the tensors copy functions registration.")
	flagFlattenGrad = flag.Bool("flattengrad", false, "Generate the flatten_grad kernel registrations.")
)

type DTypeInfo struct {
	DType, GoType string
}

// goTypes maps the dtypes supported by tensors to their Go type, as written in the generated code.
var goTypes = map[dtypes.DType]string{
	dtypes.Int8:     "int8",
	dtypes.Int16:    "int16",
	dtypes.Int32:    "int32",
	dtypes.Int64:    "int64",
	dtypes.Uint8:    "uint8",
	dtypes.Uint16:   "uint16",
	dtypes.Uint32:   "uint32",
	dtypes.Uint64:   "uint64",
	dtypes.Float32:  "float32",
	dtypes.Float64:  "float64",
	dtypes.BFloat16: "bfloat16.BFloat16",
	dtypes.Float16:  "float16.Float16",
	dtypes.Bool:     "bool",
}

// allDTypes in the order they are registered for the copy functions.
var allDTypes = []dtypes.DType{
	dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
	dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
	dtypes.Float32, dtypes.Float64,
	dtypes.BFloat16, dtypes.Float16,
	dtypes.Bool,
}

func makeDTypes(list []dtypes.DType) []DTypeInfo {
	infos := make([]DTypeInfo, 0, len(list))
	for _, dtype := range list {
		goType, found := goTypes[dtype]
		if !found {
			klog.Fatalf("dtype %s not supported by tensors", dtype)
		}
		infos = append(infos, DTypeInfo{DType: dtype.String(), GoType: goType})
	}
	return infos
}

// MapInfo describes one per-dtype map of generic instantiations.
type MapInfo struct {
	MapName, Generic string
	DTypes           []DTypeInfo
}

// KernelsInfo describes the registrations of one kernel for one device kind.
type KernelsInfo struct {
	BuildTag string
	Kind     string
	Kernel   string
	Generic  string
	DTypes   []DTypeInfo
	BFloat16 bool
	Float16  bool
}

var copyTemplate = template.Must(template.New("gen_register_dtypes.go").Parse(
	`/***** File generated by ./internal/cmd/kernels_dispatcher. Don't edit it directly. *****/

package tensors

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

func init() {
{{- range .}}

	// DTypeMap: {{.MapName}}
{{- $mapName := .MapName }}
{{- $generic := .Generic }}
{{- range .DTypes }}
	{{$mapName}}.Register(dtypes.{{.DType}}, {{$generic}}[{{.GoType}}])
{{- end }}
{{- end }}
}
`))

var kernelsTemplate = template.Must(template.New("gen_register_kind.go").Parse(
	`{{- if .BuildTag}}//go:build !{{.BuildTag}}

{{end -}}
/***** File generated by ./internal/cmd/kernels_dispatcher. Don't edit it directly. *****/

package flattengrad

import (
	"github.com/gomlx/gopjrt/dtypes"
{{- if .BFloat16}}
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
{{- end}}
{{- if .Float16}}
	"github.com/x448/float16"
{{- end}}

	"github.com/gomlx/gradkernels/kernels"
	"github.com/gomlx/gradkernels/pkg/core/device"
)

func init() {
{{- $info := . }}
{{- range .DTypes }}
	kernels.Register(Name, device.Kind{{$info.Kind}}, dtypes.{{.DType}}, {{$info.Kernel}}({{$info.Generic}}[{{.GoType}}]))
{{- end }}
}
`))

// kindConstants maps the device kinds to the suffix of their constant name in package device.
var kindConstants = map[device.Kind]string{
	device.KindCPU:    "CPU",
	device.KindGPU:    "GPU",
	device.KindXPU:    "XPU",
	device.KindCustom: "Custom",
}

// buildTags maps the device kinds that can be excluded from the build to their tag.
var buildTags = map[device.Kind]string{
	device.KindGPU:    "nogpu",
	device.KindXPU:    "noxpu",
	device.KindCustom: "nocustom",
}

func generate(fileName string, tmpl *template.Template, data any) {
	fullPath := path.Join(must.M1(os.Getwd()), fileName)
	f := must.M1(os.Create(fullPath))
	must.M(tmpl.Execute(f, data))
	must.M(f.Close())

	cmd := exec.Command("gofmt", "-w", fullPath)
	klog.V(1).Infof("\t%s\n", cmd)
	must.M(cmd.Run())
	fmt.Printf("✅ kernels_dispatcher:  \tsuccessfully generated %s\n", fullPath)
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if !*flagCopy && !*flagFlattenGrad {
		klog.Fatalf("kernels_dispatcher: select what to generate with -copy or -flattengrad")
	}

	if *flagCopy {
		generate("gen_register_dtypes.go", copyTemplate, []MapInfo{
			{MapName: "copyFlatDTypeMap", Generic: "copyFlatGeneric", DTypes: makeDTypes(allDTypes)},
		})
	}

	if *flagFlattenGrad {
		for _, kind := range device.KindValues() {
			declared := flattengrad.DeclaredDTypes[kind]
			if len(declared) == 0 {
				continue
			}
			info := KernelsInfo{
				BuildTag: buildTags[kind],
				Kind:     kindConstants[kind],
				Kernel:   "Kernel",
				Generic:  "FlattenGrad",
				DTypes:   makeDTypes(declared),
			}
			for _, dtype := range declared {
				info.BFloat16 = info.BFloat16 || dtype == dtypes.BFloat16
				info.Float16 = info.Float16 || dtype == dtypes.Float16
			}
			generate(fmt.Sprintf("gen_register_%s.go", kind), kernelsTemplate, info)
		}
	}
}
