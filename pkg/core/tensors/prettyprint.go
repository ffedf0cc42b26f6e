// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

var (
	typeFloat16  = reflect.TypeOf(float16.Float16(0))
	typeBFloat16 = reflect.TypeOf(bfloat16.BFloat16(0))
)

// TensorStringDefaultPrecision is the number of significant digits used by Tensor.String.
var TensorStringDefaultPrecision = 4

// maxRowElements is the number of elements of a row above which it is printed with an ellipsis.
const maxRowElements = 8

// String converts to string, if not too large. It uses t.Summary(TensorStringDefaultPrecision).
func (t *Tensor) String() string {
	return t.Summary(TensorStringDefaultPrecision)
}

// Summary returns a multi-line summary of the Tensor's content, one line per row of the last axis.
// Inspired by numpy output.
func (t *Tensor) Summary(precision int) string {
	if !t.IsAllocated() {
		if t.HasDimensions() {
			return fmt.Sprintf("(unallocated)%v", t.shape.Dimensions)
		}
		return "(unallocated)"
	}
	if t.shape.IsZeroSize() {
		return fmt.Sprintf("%s@%s", t.shape, t.place)
	}

	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }
	wValue := func(v reflect.Value) {
		switch v.Type() {
		case typeFloat16:
			w("%.*g", precision, v.Interface().(float16.Float16).Float32())
			return
		case typeBFloat16:
			w("%.*g", precision, v.Interface().(bfloat16.BFloat16).Float32())
			return
		}
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			w("%d", v.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			w("%d", v.Uint())
		case reflect.Bool:
			w("%v", v.Bool())
		default:
			w("%.*g", precision, v.Interface())
		}
	}

	w("%s@%s", t.shape, t.place)
	values := reflect.ValueOf(t.flat)
	if t.shape.Rank() == 0 {
		w(": ")
		wValue(values.Index(0))
		return buf.String()
	}
	rowLen := t.shape.Dim(-1)
	numRows := t.shape.Size() / rowLen
	writeRow := func(row int) {
		base := row * rowLen
		w("\n  {")
		for ii := range rowLen {
			if rowLen > maxRowElements {
				if ii == maxRowElements/2 {
					w(", ...")
				}
				if ii >= maxRowElements/2 && ii < rowLen-maxRowElements/2 {
					continue
				}
			}
			if ii > 0 {
				w(", ")
			}
			wValue(values.Index(base + ii))
		}
		w("}")
	}
	for row := range numRows {
		if numRows > maxRowElements && row >= maxRowElements/2 && row < numRows-maxRowElements/2 {
			if row == maxRowElements/2 {
				w("\n  ...")
			}
			continue
		}
		writeRow(row)
	}
	return buf.String()
}
