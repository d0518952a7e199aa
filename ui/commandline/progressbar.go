// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/photostyle/pkg/trainer"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each update of the display, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks attached by AttachProgressBar.
const ProgressBarName = "photostyle.ui.commandline.progressBar"

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out          io.Writer
	bar          *progressbar.ProgressBar
	lastReported int64

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	updates       chan progressBarUpdate
	updatesDone   sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

func (pBar *progressBar) onStart(t *trainer.Trainer) error {
	pBar.lastReported = t.Steps()
	pBar.bar = progressbar.NewOptions64(t.Config().TrainSteps-pBar.lastReported,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.isFirstOutput = true
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so training is not blocked.
	pBar.updatesDone.Add(1)
	go pBar.display()
	return nil
}

func (pBar *progressBar) onStep(t *trainer.Trainer, result trainer.Result) error {
	amount := int(result.Step - pBar.lastReported)
	if amount <= 0 || pBar.bar.IsFinished() {
		return nil
	}
	pBar.lastReported = result.Step
	pBar.updates <- progressBarUpdate{
		amount: amount,
		rows: [][2]string{
			{"Step", fmt.Sprintf("%s of %s", humanize.Comma(result.Step), humanize.Comma(t.Config().TrainSteps))},
			{"Median step duration", FormatDuration(t.MedianStepDuration())},
			{"Loss", humanize.FormatFloat("#,###.####", result.Criterion)},
			{"Style loss", humanize.FormatFloat("#,###.####", result.Style)},
			{"Content loss", humanize.FormatFloat("#,###.####", result.Content)},
			{"Matting loss", humanize.FormatFloat("#,###.####", result.Matting)},
			{"Learning rate", fmt.Sprintf("%.3g", result.LearningRate)},
		},
	}
	return nil
}

func (pBar *progressBar) onEnd(_ *trainer.Trainer, _ error) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.updatesDone.Wait()
		pBar.updates = nil
	}
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// display draws the updates asynchronously: this is handy if the training is faster than the
// terminal, in particular over a slow network connection.
func (pBar *progressBar) display() {
	defer pBar.updatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Move back over the previous table, which will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			numLinesToBackup := len(update.rows) + len(pBar.extraMetricFns) + 2 + 2
			pBar.termenv.CursorPrevLine(numLinesToBackup)
		}
		pBar.isFirstOutput = false
		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar displays a progress bar, and a table with the latest losses, while the
// trainer runs. Optionally, extraMetrics are called at every update and their values included
// in the table.
func AttachProgressBar(t *trainer.Trainer, extraMetrics ...ExtraMetricFn) {
	attachProgressBar(t, os.Stdout, extraMetrics...)
}

func attachProgressBar(t *trainer.Trainer, out io.Writer, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		out:            out,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		extraMetricFns: extraMetrics,
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	t.OnStart(ProgressBarName, 0, pBar.onStart)
	t.OnStep(ProgressBarName, 0, pBar.onStep)
	t.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
