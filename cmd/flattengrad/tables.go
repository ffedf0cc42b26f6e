// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"

	"github.com/gomlx/gradkernels/backends"
	"github.com/gomlx/gradkernels/kernels"
	"github.com/gomlx/gradkernels/kernels/flattengrad"
	"github.com/gomlx/gradkernels/pkg/core/device"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// newPlainTable with the first column right aligned.
func newPlainTable(withHeader bool) *lgtable.Table {
	return newTableWithReds(withHeader, nil)
}

// newTableWithReds highlights in red the rows (not counting the header) for which isRed returns true.
func newTableWithReds(withHeader bool, isRed func(row int) bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row < 0 {
				s = headerRowStyle
				return
			}
			switch {
			case isRed != nil && isRed(row):
				s = redRowStyle
			case row%2 == 0:
				// Even row style.
				s = oddRowStyle
			default:
				// Odd row style
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// listDispatchTable prints, for each device kind, the dtypes flatten_grad is declared and registered for.
// Kinds whose declared dtypes are not all registered (excluded by build tags) are highlighted.
func listDispatchTable() {
	var incomplete []bool
	table := newTableWithReds(true, func(row int) bool {
		return row >= 0 && row < len(incomplete) && incomplete[row]
	})
	table.Headers("device", "context", "declared", "registered")
	contexts := backends.List()
	for _, kind := range device.KindValues() {
		declared := flattengrad.DeclaredDTypes[kind]
		registered := kernels.SupportedDTypes(flattengrad.Name, kind)
		hasContext := "no"
		if slices.Contains(contexts, kind.String()) {
			hasContext = "yes"
		}
		incomplete = append(incomplete, len(registered) != len(declared))
		table.Row(kind.String(), hasContext, dtypesList(declared), dtypesList(registered))
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s dispatch table", flattengrad.Name)))
	fmt.Println(table.Render())
	fmt.Printf("%d kernels registered in total.\n", len(kernels.Keys()))
}

func dtypesList[T fmt.Stringer](list []T) string {
	if len(list) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(list))
	for _, dtype := range list {
		parts = append(parts, strings.ToLower(dtype.String()))
	}
	return strings.Join(parts, ", ")
}
