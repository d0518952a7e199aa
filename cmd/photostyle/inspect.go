// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/photostyle/pkg/transform"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
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
			if withHeader && row == lgtable.HeaderRow {
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

// tensorStats returns the mean absolute value, root-mean-square and max absolute value of t.
func tensorStats(t *tensors.Tensor) (mav, rms, maxAV float64, ok bool) {
	var values []float64
	switch t.DType() {
	case dtypes.Float32:
		for _, v := range tensors.MustCopyFlatData[float32](t) {
			values = append(values, float64(v))
		}
	case dtypes.Float64:
		values = tensors.MustCopyFlatData[float64](t)
	default:
		return 0, 0, 0, false
	}
	if len(values) == 0 {
		return 0, 0, 0, false
	}
	for _, v := range values {
		mav += math.Abs(v)
		rms += v * v
		maxAV = max(maxAV, math.Abs(v))
	}
	n := float64(len(values))
	return mav / n, math.Sqrt(rms / n), maxAV, true
}

// inspect prints a summary of the latest checkpoint in dir, a trainer checkpoint directory or a
// network directory, followed by tables of its variables and hyperparameters.
func inspect(w io.Writer, dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return errors.Wrapf(err, "checkpoint directory %q", dir)
	}
	ctx := context.New()
	handler, err := checkpoints.Load(ctx).Dir(dir).Immediate().Done()
	if err != nil {
		return err
	}
	list, err := handler.ListCheckpoints()
	if err != nil {
		return err
	}

	vars := make(map[string]*context.Variable)
	var totalSize int
	for v := range ctx.IterVariables() {
		vars[v.ScopeAndName()] = v
		totalSize += v.Shape().Size()
	}
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Checkpoint %q", dir)))
	summary := newPlainTable(false)
	summary.Row("latest", list[len(list)-1])
	summary.Row("# checkpoints", humanize.Comma(int64(len(list))))
	if v, found := vars[context.JoinScope(context.RootScope, optimizers.GlobalStepVariableName)]; found {
		summary.Row("global step", fmt.Sprint(v.MustValue().Value()))
	}
	if layer, found := ctx.GetParam(transform.ParamLayer); found {
		summary.Row("transform layer", fmt.Sprint(layer))
	}
	summary.Row("# variables", humanize.Comma(int64(len(vars))))
	summary.Row("# parameters", humanize.Comma(int64(totalSize)))
	_, _ = fmt.Fprintln(w, summary.Render())

	table := newPlainTable(true)
	table.Headers("Variable", "Shape", "Size", "MAV", "RMS", "MaxAV")
	names := maps.Keys(vars)
	slices.Sort(names)
	for _, name := range names {
		t := vars[name].MustValue()
		row := []string{name, t.Shape().String(), humanize.Comma(int64(t.Size())), "", "", ""}
		if mav, rms, maxAV, ok := tensorStats(t); ok {
			row[3], row[4], row[5] = fmt.Sprintf("%.3g", mav), fmt.Sprintf("%.3g", rms), fmt.Sprintf("%.3g", maxAV)
		}
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(w, table.Render())

	var params [][]string
	ctx.EnumerateParams(func(scope, key string, value any) {
		params = append(params, []string{context.JoinScope(scope, key), fmt.Sprintf("%v", value)})
	})
	if len(params) > 0 {
		slices.SortFunc(params, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
		paramsTable := newPlainTable(true)
		paramsTable.Headers("Hyperparameter", "Value")
		for _, row := range params {
			paramsTable.Row(row...)
		}
		_, _ = fmt.Fprintln(w, paramsTable.Render())
	}
	return nil
}
