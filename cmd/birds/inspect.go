// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/birds/pkg/birds"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

// inspectModel returns a report of the model saved in modelDir: a summary, the hyperparameters
// and the variables of the model.
func inspectModel(modelDir string) (string, error) {
	ctx := context.New()
	_, err := checkpoints.Load(ctx).Dir(modelDir).Immediate().Done()
	if err != nil {
		return "", errors.WithMessagef(err, "failed to load model from %q", modelDir)
	}
	var report strings.Builder

	// Summary of the model variables only, optimizer variables are not counted.
	modelCtx := ctx.InAbsPath("/model")
	var numVars, totalSize int
	var totalMemory uintptr
	var rows [][]string
	modelCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		shape := v.Shape()
		numVars++
		totalSize += shape.Size()
		totalMemory += shape.Memory()
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
		})
	})
	report.WriteString(titleStyle.Render("Summary") + "\n")
	table := newPlainTable(false)
	table.Row("model", modelDir)
	table.Row("global_step", humanize.Comma(optimizers.GetGlobalStep(ctx)))
	table.Row(birds.ParamNumClasses, fmt.Sprint(context.GetParamOr(ctx, birds.ParamNumClasses, 0)))
	table.Row(birds.ParamImageSize, fmt.Sprint(context.GetParamOr(ctx, birds.ParamImageSize, 0)))
	if names := context.GetParamOr[[]string](ctx, birds.ParamClassNames, nil); len(names) > 0 {
		table.Row(birds.ParamClassNames, strings.Join(names, ", "))
	}
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(totalSize)))
	table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	report.WriteString(table.Render() + "\n")

	report.WriteString(titleStyle.Render("Hyperparameters") + "\n")
	table = newPlainTable(true)
	table.Row("Scope", "Name", "Type", "Value")
	ctx.EnumerateParams(func(scope, key string, value any) {
		table.Row(scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	})
	report.WriteString(table.Render() + "\n")

	report.WriteString(titleStyle.Render("Variables") + "\n")
	table = newPlainTable(true)
	table.Row("Scope", "Name", "Shape", "Size")
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	report.WriteString(table.Render() + "\n")
	return report.String(), nil
}
