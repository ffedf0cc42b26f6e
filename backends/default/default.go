// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default device contexts: "cpu", and the stream contexts "gpu", "xpu" and
// "custom".
//
// To use it simply include:
//
//	import _ "github.com/gomlx/gradkernels/backends/default"
//
// The stream contexts can be left out with the tags nogpu, noxpu and nocustom.
package _default

import (
	_ "github.com/gomlx/gradkernels/backends/cpu"
	_ "github.com/gomlx/gradkernels/backends/stream"
)
