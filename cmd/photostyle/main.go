// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// photostyle trains the feature transform of a photorealistic style transfer model, on a folder of
// content images and a folder of style images.
//
// Usage:
//
//	photostyle -content=<dir> -style=<dir> -out=<dir> \
//		-encoder=<dir> -lossnet=<dir> -decoder=<dir> \
//		-set="transform_layer=r31;batch_size=4"
//
// Run with -help for the list of hyperparameters that can be given with -set.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/photostyle/pkg/data"
	"github.com/gomlx/photostyle/pkg/trainer"
	"github.com/gomlx/photostyle/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagContent  = flag.String("content", "", "Directory with the content images.")
	flagStyle    = flag.String("style", "", "Directory with the style images.")
	flagOut      = flag.String("out", "out", "Directory where checkpoints, snapshots and plots are written.")
	flagEncoder  = flag.String("encoder", "", "Network directory of the representation encoder.")
	flagLossNet  = flag.String("lossnet", "", "Network directory of the loss network.")
	flagDecoder  = flag.String("decoder", "", "Network directory of the decoder, for the configured transform layer.")
	flagFinetune = flag.String("finetune", "",
		"Checkpoint directory of another run to start the transform from. "+
			"Ignored if the output directory already holds a checkpoint to resume from.")
	flagQuiet    = flag.Bool("quiet", false, "Disables the progress bar.")
	flagPlot     = flag.Bool("plot", false, "Records the losses and plots them to the output directory.")
	flagInit     = flag.String("init_weights", "",
		"Writes randomly initialized encoder, loss network and decoder network directories into the given directory, "+
			"and uses them if the corresponding flags are not set. Used to smoke test the pipeline.")
	flagInspect = flag.String("inspect", "", "Prints the contents of a checkpoint or network directory and exits.")
)

// pathDefault sets *dst to src if it's not set yet.
type pathDefault struct {
	dst *string
	src string
}

func main() {
	klog.InitFlags(nil)
	ctx := mlctx.New()
	ctx.SetParams(trainer.DefaultParams())
	settings := commandline.CreateContextSettingsFlag(ctx, "set")
	flag.Parse()

	if *flagInspect != "" {
		must.M(inspect(os.Stdout, *flagInspect))
		return
	}
	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		klog.Exitf("Failed to parse -set=%q: %+v", *settings, err)
	}
	klog.V(1).Infof("Parameters set: %q", paramsSet)
	klog.V(2).Infof("Hyperparameters:\n%s", commandline.SprintContextSettings(ctx))
	cfg, err := trainer.ConfigFromContext(ctx)
	if err != nil {
		klog.Exitf("Invalid configuration: %+v", err)
	}

	backend := backends.MustNew()
	klog.Infof("Backend: %s", backend.Name())
	paths := trainer.Paths{
		Content:  *flagContent,
		Style:    *flagStyle,
		Out:      *flagOut,
		Encoder:  *flagEncoder,
		LossNet:  *flagLossNet,
		Decoder:  *flagDecoder,
		Finetune: *flagFinetune,
	}
	if *flagInit != "" {
		initPaths, err := initWeights(backend, cfg, *flagInit)
		if err != nil {
			klog.Exitf("Failed to write initial weights: %+v", err)
		}
		for _, p := range []pathDefault{
			{&paths.Encoder, initPaths.Encoder},
			{&paths.LossNet, initPaths.LossNet},
			{&paths.Decoder, initPaths.Decoder},
		} {
			if *p.dst == "" {
				*p.dst = p.src
			}
		}
		if paths.Content == "" || paths.Style == "" {
			return
		}
	}
	if err := train(backend, ctx, cfg, paths); err != nil {
		klog.Exitf("Training failed: %+v", err)
	}
}

// openSource opens an image folder as an infinite, prefetched source.
func openSource(ctx context.Context, dir string, cfg trainer.Config, seed uint64) (data.Source, error) {
	if dir == "" {
		return nil, errors.New("image directory not set")
	}
	folder, err := data.NewImageFolder(dir, cfg.LoadSize, cfg.FineSize, seed)
	if err != nil {
		return nil, err
	}
	klog.Infof("%d images in %q", folder.Len(), dir)
	src := data.Cycle(folder)
	if cfg.Prefetch > 0 {
		src = data.Prefetch(ctx, src, cfg.Prefetch)
	}
	return src, nil
}

func train(backend backends.Backend, ctx *mlctx.Context, cfg trainer.Config, paths trainer.Paths) error {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	content, err := openSource(runCtx, paths.Content, cfg, cfg.Seed)
	if err != nil {
		return errors.WithMessage(err, "content images")
	}
	style, err := openSource(runCtx, paths.Style, cfg, cfg.Seed+1)
	if err != nil {
		return errors.WithMessage(err, "style images")
	}
	for _, src := range []data.Source{content, style} {
		if p, ok := src.(*data.Prefetcher); ok {
			defer p.Close()
		}
	}

	tr, err := trainer.New(backend, ctx, cfg, paths, content, style)
	if err != nil {
		return err
	}
	if err := tr.LoadNetworks(paths); err != nil {
		return err
	}
	if paths.Finetune != "" {
		if err := tr.LoadCheckpoint(paths.Finetune); err != nil {
			return err
		}
	}
	if err := tr.Init(); err != nil {
		return err
	}
	if !*flagQuiet {
		commandline.AttachProgressBar(tr)
	}
	if *flagPlot {
		trainer.AttachPlots(tr)
	}

	err = tr.Run(runCtx)
	if errors.Is(err, context.Canceled) {
		klog.Infof("Interrupted: checkpoint saved at step %d", tr.Steps())
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Checkpoint saved to %q\n", trainer.CheckpointDir(paths.Out, cfg.Transform.Layer))
	return nil
}
