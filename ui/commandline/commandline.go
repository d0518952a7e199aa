// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line: parsing of
// hyperparameter settings, and a progress display for the trainer.
package commandline

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/photostyle/pkg/trainer"
)

// ReportResult writes a summary of the losses of result to w.
func ReportResult(w io.Writer, result trainer.Result) error {
	_, err := fmt.Fprintf(w, "Results at step %s:\n"+
		"\tloss: %.4f\n\tstyle loss: %.4f\n\tcontent loss: %.4f\n\tmatting loss: %.4f\n\tlearning rate: %.3g\n",
		humanize.Comma(result.Step), result.Criterion, result.Style, result.Content, result.Matting,
		result.LearningRate)
	return err
}
