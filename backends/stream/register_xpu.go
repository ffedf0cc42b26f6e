//go:build !noxpu

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stream

import (
	"github.com/gomlx/gradkernels/backends"
	"github.com/gomlx/gradkernels/pkg/core/device"
)

func init() {
	backends.Register("xpu", constructorFor("xpu", device.KindXPU))
}
