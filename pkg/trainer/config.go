// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/photostyle/pkg/criterion"
	"github.com/gomlx/photostyle/pkg/laplacian"
	"github.com/gomlx/photostyle/pkg/nets"
	"github.com/gomlx/photostyle/pkg/schedule"
	"github.com/gomlx/photostyle/pkg/transform"
	"github.com/pkg/errors"
)

// Context parameters read by ConfigFromContext, besides those of the transform
// (transform.ParamLayer, ...), the learning rate (optimizers.ParamLearningRate) and its
// decay (schedule.ParamDecay).
const (
	ParamContentLayers  = "content_layers"
	ParamStyleLayers    = "style_layers"
	ParamContentWeight  = "content_weight"
	ParamStyleWeight    = "style_weight"
	ParamBatchSize      = "batch_size"
	ParamTrainSteps     = "train_steps"
	ParamLoadSize       = "load_size"
	ParamFineSize       = "fine_size"
	ParamLogInterval    = "log_interval"
	ParamSaveInterval   = "save_interval"
	ParamNumCheckpoints = "num_checkpoints"
	ParamDecoderMode    = "decoder_mode"
	ParamEncoderWidths  = "encoder_widths"
	ParamMattingRadius  = "matting_radius"
	ParamMattingEpsilon = "matting_epsilon"
	ParamMattingWeight  = "matting_weight"
	ParamPrefetch       = "prefetch"
	ParamSeed           = "seed"
)

// DefaultParams returns the default values of all hyperparameters, to be set in the context
// with ctx.SetParams before parsing the command line settings.
func DefaultParams() map[string]any {
	tc := transform.DefaultConfig()
	return map[string]any{
		ParamContentLayers:           "r41",
		ParamStyleLayers:             "r41,r31,r21,r11",
		ParamContentWeight:           1.0,
		ParamStyleWeight:             1e-2,
		ParamBatchSize:               1,
		ParamTrainSteps:              100_000,
		ParamLoadSize:                300,
		ParamFineSize:                256,
		ParamLogInterval:             100,
		ParamSaveInterval:            5000,
		ParamNumCheckpoints:          3,
		ParamDecoderMode:             nets.Upsample.String(),
		ParamEncoderWidths:           "64,128,256,512",
		ParamMattingRadius:           laplacian.DefaultRadius,
		ParamMattingEpsilon:          laplacian.DefaultEpsilon,
		ParamMattingWeight:           1.0,
		ParamPrefetch:                2,
		ParamSeed:                    0,
		optimizers.ParamLearningRate: 1e-4,
		schedule.ParamDecay:          schedule.DefaultDecay,
		transform.ParamLayer:         tc.Layer.String(),
		transform.ParamDim:           tc.Dim,
		transform.ParamEpsilon:       tc.Epsilon,
		transform.ParamIterations:    tc.Iterations,
	}
}

// Config of the training, see ConfigFromContext.
type Config struct {
	Arch      nets.Architecture
	Mode      nets.DecoderMode
	Transform transform.Config
	Criterion criterion.Config
	Matting   laplacian.Options

	// MattingWeight multiplies the matting loss before it's added to the criterion loss.
	MattingWeight float64

	BatchSize          int
	LoadSize, FineSize int
	TrainSteps         int64

	LearningRate, LearningRateDecay float64

	// LogInterval is the number of steps between log lines and snapshots, and SaveInterval the
	// number of steps between checkpoints.
	LogInterval, SaveInterval int64

	// NumCheckpoints is the number of checkpoints kept in the checkpoint directory, -1 to keep all.
	NumCheckpoints int

	// Prefetch is the number of samples read ahead by each data source.
	Prefetch int

	// Seed of the data sources shuffling and cropping.
	Seed uint64
}

// Paths used by a run.
type Paths struct {
	// Content and Style are the image folders.
	Content, Style string

	// Out is the directory where snapshots and plots are written. Checkpoints go to its
	// sub-directory CheckpointDir(Out, layer), and training resumes from there.
	Out string

	// Encoder, LossNet and Decoder are the network directories of the frozen networks, see
	// weights.WriteNetwork.
	Encoder, LossNet, Decoder string

	// Finetune is an optional checkpoint directory of another run, to start the transform from.
	Finetune string
}

// ConfigFromContext reads and validates the training configuration from the context parameters.
// Parameters not set take the values of DefaultParams.
func ConfigFromContext(ctx *context.Context) (cfg Config, err error) {
	defaults := DefaultParams()
	getString := func(key string) string { return context.GetParamOr(ctx, key, defaults[key].(string)) }
	getInt := func(key string) int { return context.GetParamOr(ctx, key, defaults[key].(int)) }
	getFloat := func(key string) float64 { return context.GetParamOr(ctx, key, defaults[key].(float64)) }

	if cfg.Arch, err = nets.ParseWidths(getString(ParamEncoderWidths)); err != nil {
		return cfg, errors.WithMessagef(err, "parameter %q", ParamEncoderWidths)
	}
	if cfg.Mode, err = nets.ParseDecoderMode(getString(ParamDecoderMode)); err != nil {
		return cfg, errors.WithMessagef(err, "parameter %q", ParamDecoderMode)
	}
	if cfg.Transform, err = transform.FromContext(ctx); err != nil {
		return cfg, err
	}

	if cfg.Criterion.StyleLayers, err = nets.ParseLayerList(getString(ParamStyleLayers)); err != nil {
		return cfg, errors.WithMessagef(err, "parameter %q", ParamStyleLayers)
	}
	if cfg.Criterion.ContentLayers, err = nets.ParseLayerList(getString(ParamContentLayers)); err != nil {
		return cfg, errors.WithMessagef(err, "parameter %q", ParamContentLayers)
	}
	cfg.Criterion.StyleWeight = getFloat(ParamStyleWeight)
	cfg.Criterion.ContentWeight = getFloat(ParamContentWeight)
	if err = cfg.Criterion.Validate(); err != nil {
		return cfg, err
	}

	cfg.Matting = laplacian.Options{Radius: getInt(ParamMattingRadius), Epsilon: getFloat(ParamMattingEpsilon)}
	if cfg.Matting.Radius < 1 || cfg.Matting.Epsilon <= 0 {
		return cfg, errors.Errorf("parameters %q and %q must be >= 1 and > 0, got %d and %g",
			ParamMattingRadius, ParamMattingEpsilon, cfg.Matting.Radius, cfg.Matting.Epsilon)
	}
	cfg.MattingWeight = getFloat(ParamMattingWeight)
	if cfg.MattingWeight < 0 {
		return cfg, errors.Errorf("parameter %q must be >= 0, got %g", ParamMattingWeight, cfg.MattingWeight)
	}

	cfg.BatchSize = getInt(ParamBatchSize)
	cfg.LoadSize = getInt(ParamLoadSize)
	cfg.FineSize = getInt(ParamFineSize)
	cfg.TrainSteps = int64(getInt(ParamTrainSteps))
	cfg.LogInterval = int64(getInt(ParamLogInterval))
	cfg.SaveInterval = int64(getInt(ParamSaveInterval))
	cfg.Prefetch = getInt(ParamPrefetch)
	cfg.NumCheckpoints = getInt(ParamNumCheckpoints)
	if cfg.NumCheckpoints == 0 || cfg.NumCheckpoints < -1 {
		return cfg, errors.Errorf("parameter %q must be > 0, or -1 to keep all checkpoints, got %d",
			ParamNumCheckpoints, cfg.NumCheckpoints)
	}
	for _, p := range []struct {
		key   string
		value int64
	}{
		{ParamBatchSize, int64(cfg.BatchSize)},
		{ParamLoadSize, int64(cfg.LoadSize)},
		{ParamFineSize, int64(cfg.FineSize)},
		{ParamTrainSteps, cfg.TrainSteps},
		{ParamLogInterval, cfg.LogInterval},
		{ParamSaveInterval, cfg.SaveInterval},
	} {
		if p.value <= 0 {
			return cfg, errors.Errorf("parameter %q must be > 0, got %d", p.key, p.value)
		}
	}
	if cfg.LoadSize < cfg.FineSize {
		return cfg, errors.Errorf("parameter %q (%d) must be >= %q (%d)",
			ParamLoadSize, cfg.LoadSize, ParamFineSize, cfg.FineSize)
	}
	// Each pooling halves the image, and the deepest convolutions reflect-pad by 1.
	deepest := nets.Deepest(cfg.Transform.Layer, cfg.Criterion.Deepest())
	if scale := 1 << (deepest.Depth() - 1); cfg.FineSize%scale != 0 || cfg.FineSize/scale < 2 {
		return cfg, errors.Errorf("parameter %q must be a multiple of %d and at least %d to reach layer %s, got %d",
			ParamFineSize, scale, 2*scale, deepest, cfg.FineSize)
	}
	if cfg.Prefetch < 0 {
		return cfg, errors.Errorf("parameter %q must be >= 0, got %d", ParamPrefetch, cfg.Prefetch)
	}
	cfg.Seed = uint64(getInt(ParamSeed))

	cfg.LearningRate = getFloat(optimizers.ParamLearningRate)
	cfg.LearningRateDecay = getFloat(schedule.ParamDecay)
	if cfg.LearningRate <= 0 || cfg.LearningRateDecay < 0 {
		return cfg, errors.Errorf("parameters %q and %q must be > 0 and >= 0, got %g and %g",
			optimizers.ParamLearningRate, schedule.ParamDecay, cfg.LearningRate, cfg.LearningRateDecay)
	}
	return cfg, nil
}
