// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// flattengrad runs the flatten_grad kernel on a device and reports the result, or lists the kernels
// dispatch table with -list.
//
// Example:
//
//	flattengrad -device=gpu:0 -dtype=float32 -dims=2,3,4 -start_axis=1 -stop_axis=-1 -repeat=1000
package main

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gradkernels/backends"
	_ "github.com/gomlx/gradkernels/backends/default"
	"github.com/gomlx/gradkernels/backends/shapeinference"
	"github.com/gomlx/gradkernels/kernels/flattengrad"
	"github.com/gomlx/gradkernels/pkg/core/shapes"
	"github.com/gomlx/gradkernels/pkg/core/tensors"
)

var (
	flagDevice = flag.String("device", "", fmt.Sprintf("Device context configuration, e.g. \"cpu\", \"gpu:1,memory=1GiB\" "+
		"or \"custom:npu:0\". If empty, it uses $%s, or the first registered context.", backends.ConfigEnvVar))
	flagDType     = flag.String("dtype", "float32", "DType of the gradient, e.g. \"float32\", \"bfloat16\", \"int8\" or \"bool\".")
	flagDims      = flag.String("dims", "2,3,4", "Comma-separated dimensions of the input x.")
	flagStartAxis = flag.Int("start_axis", 1, "First axis flattened by the forward operation. Negative values count from the end.")
	flagStopAxis  = flag.Int("stop_axis", -1, "Last axis (inclusive) flattened by the forward operation. Negative values count from the end.")
	flagRepeat    = flag.Int("repeat", 1, "Number of times to run the kernel, for timing.")
	flagList      = flag.Bool("list", false, "List the flatten_grad dispatch table and exit.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagList {
		listDispatchTable()
		return
	}
	err := exceptions.TryCatch[error](func() {
		must.M(run())
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// parseDType finds the dtype supported by tensors with the given name, case-insensitive.
func parseDType(name string) (dtypes.DType, error) {
	var names []string
	for _, dtype := range tensors.SupportedDTypes() {
		if strings.EqualFold(dtype.String(), name) {
			return dtype, nil
		}
		names = append(names, strings.ToLower(dtype.String()))
	}
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q, valid values are: %s", name, strings.Join(names, ", "))
}

// parseDims parses a comma-separated list of dimensions. An empty string is a scalar.
func parseDims(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []int{}, nil
	}
	parts := strings.Split(s, ",")
	dims := make([]int, 0, len(parts))
	for _, part := range parts {
		dim, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || dim < 0 {
			return nil, errors.Errorf("invalid dimension %q in %q", part, s)
		}
		dims = append(dims, dim)
	}
	return dims, nil
}

func run() error {
	dtype, err := parseDType(*flagDType)
	if err != nil {
		return err
	}
	dims, err := parseDims(*flagDims)
	if err != nil {
		return err
	}
	xShape := shapes.Make(dtype, dims...)
	outShape, err := shapeinference.FlattenOp(xShape, *flagStartAxis, *flagStopAxis)
	if err != nil {
		return err
	}
	var ctx backends.Context
	if *flagDevice == "" {
		ctx, err = backends.New()
	} else {
		ctx, err = backends.NewWithConfig(*flagDevice)
	}
	if err != nil {
		return err
	}
	defer ctx.Finalize()

	hostGrad := tensors.FromShape(outShape)
	if err = hostGrad.ConstFlatData(fillSequence); err != nil {
		return err
	}
	outGrad, err := backends.FromHost(ctx, hostGrad)
	if err != nil {
		return err
	}
	x := tensors.NewWithDimensions(dims...)

	var xGrad *tensors.Tensor
	bar := newProgressBar(*flagRepeat)
	start := time.Now()
	releaser, _ := ctx.(backends.Releaser)
	for range max(*flagRepeat, 1) {
		if xGrad != nil && releaser != nil {
			releaser.Release(xGrad)
		}
		xGrad, err = flattengrad.Run(ctx, x, outGrad)
		if err != nil {
			bar.Finish()
			return err
		}
		bar.Add()
	}
	err = ctx.Synchronize()
	elapsed := time.Since(start)
	bar.Finish()
	if err != nil {
		return err
	}

	wantShape, err := shapeinference.FlattenGradOp(xShape, outShape)
	if err != nil {
		return err
	}
	result, err := backends.ToHost(ctx, xGrad)
	if err != nil {
		return err
	}
	verified := wantShape.Equal(result.Shape()) &&
		reflect.DeepEqual(must.M1(hostGrad.Flat()), must.M1(result.Flat()))

	report := newPlainTable(false)
	report.Row("device", ctx.Place().String())
	report.Row("x", xShape.String())
	report.Row("out_grad", outShape.String())
	report.Row("x_grad", xGrad.Shape().String())
	report.Row("x_grad memory", humanize.IBytes(uint64(xGrad.Memory())))
	if reporter, ok := ctx.(backends.MemoryReporter); ok {
		report.Row("context memory in use", humanize.IBytes(reporter.MemoryInUse()))
	}
	report.Row("repeat", humanize.Comma(int64(max(*flagRepeat, 1))))
	report.Row("time per call", (elapsed / time.Duration(max(*flagRepeat, 1))).String())
	report.Row("verified", strconv.FormatBool(verified))
	fmt.Println(titleStyle.Render("flatten_grad"))
	fmt.Println(report.Render())
	if xGrad.Size() <= 64 {
		fmt.Printf("\nx_grad = %s\n", result)
	}
	if !verified {
		return errors.Errorf("x_grad %s doesn't match out_grad %s", result.Shape(), outShape)
	}
	return nil
}
