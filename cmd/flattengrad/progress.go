// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

// progressBar shown while repeating the kernel. It's a no-op for a single run.
type progressBar struct {
	bar     *progressbar.ProgressBar
	termenv *termenv.Output
}

func newProgressBar(numSteps int) *progressBar {
	pBar := &progressBar{}
	if numSteps <= 1 {
		return pBar
	}
	pBar.termenv = termenv.NewOutput(os.Stdout)
	colors := pBar.termenv.ColorProfile() != termenv.Ascii
	pBar.termenv.HideCursor()
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]flatten_grad[reset]"),
		progressbar.OptionUseANSICodes(colors),
		progressbar.OptionEnableColorCodes(colors),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("calls"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	return pBar
}

// Add one step.
func (pBar *progressBar) Add() {
	if pBar.bar != nil {
		_ = pBar.bar.Add(1)
	}
}

// Finish the progress bar and restore the cursor.
func (pBar *progressBar) Finish() {
	if pBar.bar == nil {
		return
	}
	_ = pBar.bar.Finish()
	pBar.termenv.ShowCursor()
	fmt.Println()
}
