// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/photostyle/pkg/nets"
	"github.com/gomlx/photostyle/pkg/trainer"
	"github.com/gomlx/photostyle/pkg/weights"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// initWeights writes randomly initialized network directories for the frozen networks into dir, so
// the training pipeline can be exercised without pretrained networks. The encoder and the loss network
// go up to r41, and the decoder starts at the configured transform layer.
func initWeights(backend backends.Backend, cfg trainer.Config, dir string) (trainer.Paths, error) {
	paths := trainer.Paths{
		Encoder: filepath.Join(dir, "encoder"),
		LossNet: filepath.Join(dir, "lossnet"),
		Decoder: filepath.Join(dir, "decoder"),
	}
	ctx := context.New()
	if err := ctx.SetRNGStateFromSeed(int64(cfg.Seed)); err != nil {
		return paths, err
	}
	// After three poolings the r41 convolution needs at least 2x2 to reflect-pad.
	img := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 16, 16, 3))
	_, err := context.ExecOnceN(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		features := nets.Encode(ctx.In(nets.EncoderScope), cfg.Arch, inputs[0], nets.R41, true)
		lossFeatures := nets.Encode(ctx.In(nets.LossNetScope), cfg.Arch, inputs[0], nets.R41, false)
		decoded := nets.Decode(ctx.In(nets.DecoderScope), cfg.Arch, features.At(cfg.Transform.Layer),
			cfg.Transform.Layer, cfg.Mode, features.PoolMasks)
		return []*Node{decoded, lossFeatures.At(nets.R41)}
	}, img)
	if err != nil {
		return paths, errors.WithMessage(err, "failed to initialize the networks")
	}
	for scope, path := range map[string]string{
		nets.EncoderScope: paths.Encoder,
		nets.LossNetScope: paths.LossNet,
		nets.DecoderScope: paths.Decoder,
	} {
		if err := weights.WriteNetwork(ctx, scope, path); err != nil {
			return paths, err
		}
		klog.Infof("random %q network weights written to %q", scope, path)
	}
	return paths, nil
}
