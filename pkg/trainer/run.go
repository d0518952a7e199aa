// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gomlx/photostyle/pkg/plots"
	"github.com/gomlx/photostyle/pkg/snapshot"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxConsecutiveSkips is the number of consecutive skipped iterations after which Run gives up.
const MaxConsecutiveSkips = 100

// Run trains until Config.TrainSteps steps are completed (counting the steps of a checkpoint the
// training continued from), or until ctx is cancelled.
//
// Every Config.LogInterval steps it logs the losses and writes a snapshot "<out>/<step>.png"; every
// Config.SaveInterval steps, and at the end, it writes a checkpoint to CheckpointDir(out, layer).
// Skipped iterations are logged and don't count as steps, but after MaxConsecutiveSkips of them
// in a row Run fails with an error wrapping ErrSkipped.
//
// Cancellation is checked between steps: the checkpoint is saved with the state of the last
// completed step, and the returned error wraps ctx.Err().
func (t *Trainer) Run(ctx context.Context) (err error) {
	if err = t.Init(); err != nil {
		return err
	}
	if err = t.start(); err != nil {
		return err
	}
	defer func() {
		if endErr := t.end(err); err == nil {
			err = endErr
		}
		t.setState(StateDone)
	}()

	skips := 0
	for t.Steps() < t.cfg.TrainSteps {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err = t.checkpoint(); err != nil {
				return err
			}
			return errors.Wrapf(ctxErr, "training interrupted after step %d", t.Steps())
		}
		result, stepErr := t.Step(ctx)
		if errors.Is(stepErr, ErrSkipped) {
			klog.Warningf("%v", stepErr)
			skips++
			if skips >= MaxConsecutiveSkips {
				return errors.WithMessagef(stepErr, "giving up after %d consecutive skipped iterations", skips)
			}
			continue
		}
		if stepErr != nil {
			return stepErr
		}
		skips = 0
		if err = t.postStep(result); err != nil {
			return err
		}

		if result.Step%t.cfg.LogInterval == 0 {
			fmt.Printf("Iteration: [%d]/[%d] Loss: %.4f contentLoss: %.4f styleLoss: %.4f mattingLoss: %.4f Learning Rate is %.6f\n",
				result.Step, t.cfg.TrainSteps, result.Criterion, result.Content, result.Style, result.Matting,
				result.LearningRate)
			if err = t.snapshot(result); err != nil {
				return err
			}
		}
		if result.Step%t.cfg.SaveInterval == 0 {
			if err = t.checkpoint(); err != nil {
				return err
			}
		}
	}
	return t.checkpoint()
}

func (t *Trainer) checkpoint() error {
	t.setState(StateCheckpoint)
	if err := t.SaveCheckpoint(); err != nil {
		return errors.WithMessage(err, "checkpoint")
	}
	return nil
}

// snapshot writes the composite of the content, style and transfer images of result.
func (t *Trainer) snapshot(result Result) error {
	t.setState(StateSnapshot)
	img, err := snapshot.Composite(result.ContentImages, result.StyleImages, result.Transfer)
	if err != nil {
		return errors.WithMessagef(err, "snapshot of step %d", result.Step)
	}
	return snapshot.Save(filepath.Join(t.paths.Out, fmt.Sprintf("%d.png", result.Step)), img)
}

// PlotsName is the name of the hooks attached by AttachPlots.
const PlotsName = "photostyle.trainer.plots"

// AttachPlots records the losses of every step to the points file in the output directory, and
// renders the plot at the end of Run.
func AttachPlots(t *Trainer) {
	var recorder *plots.Recorder
	t.OnStart(PlotsName, 0, func(t *Trainer) (err error) {
		recorder, err = plots.NewRecorder(t.paths.Out)
		return err
	})
	t.OnStep(PlotsName, 0, func(_ *Trainer, result Result) error {
		recorder.Add(
			plots.Point{Name: "loss", Step: result.Step, Value: result.Criterion},
			plots.Point{Name: "style", Step: result.Step, Value: result.Style},
			plots.Point{Name: "content", Step: result.Step, Value: result.Content},
			plots.Point{Name: "matting", Step: result.Step, Value: result.Matting},
		)
		return nil
	})
	t.OnEnd(PlotsName, 0, func(t *Trainer, _ error) error {
		if recorder == nil {
			return nil
		}
		if err := recorder.Close(); err != nil {
			return err
		}
		plotPath := filepath.Join(t.paths.Out, plots.PlotFileName)
		if err := plots.RenderFile(recorder.Path(), plotPath); err != nil {
			// An interrupted run may have no points yet.
			klog.Warningf("no loss plot rendered: %v", err)
			return nil
		}
		klog.V(1).Infof("loss plot rendered to %q", plotPath)
		return nil
	})
}
