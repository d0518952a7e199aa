// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/photostyle/pkg/criterion"
	"github.com/gomlx/photostyle/pkg/data"
	"github.com/gomlx/photostyle/pkg/laplacian"
	"github.com/gomlx/photostyle/pkg/nets"
	"github.com/gomlx/photostyle/pkg/plots"
	"github.com/gomlx/photostyle/pkg/schedule"
	"github.com/gomlx/photostyle/pkg/transform"
	"github.com/gomlx/photostyle/pkg/weights"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() Config {
	return Config{
		Arch:      nets.Architecture{Widths: [4]int{4, 6, 8, 10}},
		Mode:      nets.Upsample,
		Transform: transform.Config{Layer: nets.R21, Dim: 3, Epsilon: 1e-5, Iterations: 20},
		Criterion: criterion.Config{
			StyleLayers:   []nets.LayerID{nets.R11, nets.R21},
			ContentLayers: []nets.LayerID{nets.R21},
			StyleWeight:   1,
			ContentWeight: 1,
		},
		Matting:           laplacian.DefaultOptions(),
		MattingWeight:     1,
		BatchSize:         1,
		LoadSize:          8,
		FineSize:          8,
		TrainSteps:        10,
		LearningRate:      5e-3,
		LearningRateDecay: 5e-5,
		LogInterval:       5,
		SaveInterval:      5,
		NumCheckpoints:    2,
	}
}

func randomImage(rng *rand.Rand, dims ...int) *tensors.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	flat := make([]float32, size)
	for ii := range flat {
		flat[ii] = rng.Float32()
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

// newTestTrainer creates a trainer on a fixed pair of random images.
func newTestTrainer(t *testing.T, cfg Config, out string) *Trainer {
	rng := rand.New(rand.NewPCG(7, 11))
	content := data.Repeat(data.Sample{Image: randomImage(rng, cfg.FineSize, cfg.FineSize, 3), Name: "content"})
	style := data.Repeat(data.Sample{Image: randomImage(rng, cfg.FineSize, cfg.FineSize, 3), Name: "style"})
	ctx := mlctx.New()
	ctx.SetParam(transform.ParamLayer, cfg.Transform.Layer.String())
	tr, err := New(graphtest.BuildTestBackend(), ctx, cfg, Paths{Out: out}, content, style)
	require.NoError(t, err)
	return tr
}

func TestConfigFromContext(t *testing.T) {
	ctx := mlctx.New()
	ctx.SetParams(DefaultParams())
	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, nets.DefaultArchitecture(), cfg.Arch)
	assert.Equal(t, nets.Upsample, cfg.Mode)
	assert.Equal(t, transform.DefaultConfig(), cfg.Transform)
	assert.Equal(t, []nets.LayerID{nets.R11, nets.R21, nets.R31, nets.R41}, cfg.Criterion.StyleLayers)
	assert.Equal(t, []nets.LayerID{nets.R41}, cfg.Criterion.ContentLayers)
	assert.Equal(t, 1e-4, cfg.LearningRate)
	assert.Equal(t, int64(100_000), cfg.TrainSteps)
	assert.Equal(t, laplacian.DefaultOptions(), cfg.Matting)
	assert.Equal(t, 3, cfg.NumCheckpoints)

	// An empty context gets the same defaults.
	emptyCfg, err := ConfigFromContext(mlctx.New())
	require.NoError(t, err)
	assert.Equal(t, cfg, emptyCfg)

	for _, bad := range []map[string]any{
		{ParamDecoderMode: "bilinear"},
		{transform.ParamLayer: "r51"},
		{ParamStyleLayers: "r11,r11"},
		{ParamContentLayers: ""},
		{ParamBatchSize: 0},
		{ParamLoadSize: 100},
		{ParamSaveInterval: -1},
		{ParamEncoderWidths: "1,2,3"},
		{ParamMattingRadius: 0},
		{ParamFineSize: 12, ParamLoadSize: 12},
		{ParamFineSize: 8, ParamLoadSize: 8},
		{ParamNumCheckpoints: 0},
	} {
		ctx := mlctx.New()
		ctx.SetParams(DefaultParams())
		ctx.SetParams(bad)
		_, err := ConfigFromContext(ctx)
		assert.Error(t, err, "params %v", bad)
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	cfg := tinyConfig()
	tr := newTestTrainer(t, cfg, t.TempDir())

	const numSteps = 50
	var losses []float64
	for ii := range numSteps {
		result, err := tr.Step(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(ii+1), result.Step)
		assert.InDelta(t, result.Criterion+cfg.MattingWeight*result.Matting, result.Loss, 1e-3*result.Loss)
		assert.Greater(t, result.Matting, 0.0)
		assert.Greater(t, result.GradientNorm, 0.0)
		assert.Equal(t, []int{1, 8, 8, 3}, result.Transfer.Shape().Dimensions)
		losses = append(losses, result.Loss)
	}
	assert.Equal(t, int64(numSteps), tr.Steps())
	assert.InDelta(t, cfg.LearningRate/(1+numSteps*cfg.LearningRateDecay), tr.LearningRate(), 1e-12)
	assert.Less(t, losses[numSteps-1], losses[0], "losses: %v", losses)

	// Only the transform variables are trainable.
	for v := range tr.Context().IterVariables() {
		if v.Trainable {
			assert.Contains(t, v.Scope(), "/"+transform.Scope)
		}
	}
}

func TestMattingWeight(t *testing.T) {
	cfg := tinyConfig()
	cfg.MattingWeight = 2
	weighted := newTestTrainer(t, cfg, "")
	_, err := weighted.Step(context.Background())
	require.NoError(t, err)
	frozen := writeFrozen(t, weighted, t.TempDir())

	// Same networks and transform, without the matting loss.
	cfg.MattingWeight = 0
	unweighted := newTestTrainer(t, cfg, "")
	require.NoError(t, unweighted.LoadNetworks(frozen))
	require.NoError(t, unweighted.Init())
	params, err := weights.FromContext(weighted.Context(), transform.Scope)
	require.NoError(t, err)
	require.NoError(t, weights.Restore(unweighted.Context(), transform.Scope, params))

	rng := rand.New(rand.NewPCG(5, 9))
	content := randomImage(rng, 1, 8, 8, 3)
	style := randomImage(rng, 1, 8, 8, 3)
	with, err := weighted.Evaluate(content, style)
	require.NoError(t, err)
	without, err := unweighted.Evaluate(content, style)
	require.NoError(t, err)

	require.Greater(t, with.Matting, 0.0)
	assert.InDelta(t, with.Criterion, without.Criterion, 1e-5*with.Criterion)
	assert.InDelta(t, with.Matting, without.Matting, 1e-5*with.Matting)
	assert.InDelta(t, without.Criterion, without.Loss, 1e-5*without.Loss)
	assert.InDelta(t, with.Criterion+2*with.Matting, with.Loss, 1e-4*with.Loss)
	assert.NotEqual(t, with.Loss, without.Loss)
}

func TestStepStates(t *testing.T) {
	cfg := tinyConfig()
	tr := newTestTrainer(t, cfg, "")
	require.NoError(t, tr.Init())
	var (
		states []State
		steps  []int64
	)
	tr.OnState(func(s State) {
		states = append(states, s)
		steps = append(steps, tr.Steps())
	})
	result, err := tr.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{StateFetch, StateForward, StateLoss, StateBackward, StateOptimize}, states)
	// The parameters are only updated after StateOptimize.
	assert.Equal(t, []int64{0, 0, 0, 0, 0}, steps)
	assert.Equal(t, int64(1), result.Step)
	assert.Equal(t, int64(1), tr.Steps())
	assert.InDelta(t, cfg.LearningRate/(1+cfg.LearningRateDecay), result.LearningRate, 1e-12)
}

func TestNonFiniteLossSkipsUpdate(t *testing.T) {
	cfg := tinyConfig()
	cfg.MattingWeight = math.Inf(1)
	tr := newTestTrainer(t, cfg, "")
	require.NoError(t, tr.Init())
	before := make(map[string][]float32)
	params, err := weights.FromContext(tr.Context(), transform.Scope)
	require.NoError(t, err)
	for name, value := range params {
		before[name] = tensors.MustCopyFlatData[float32](value)
	}
	var states []State
	tr.OnState(func(s State) { states = append(states, s) })

	result, err := tr.Step(context.Background())
	require.ErrorIs(t, err, ErrNonFinite)
	assert.True(t, math.IsInf(result.Loss, 1), "loss=%g", result.Loss)
	assert.Equal(t, []State{StateFetch, StateForward, StateLoss}, states)
	assert.Equal(t, int64(0), tr.Steps())
	assert.Equal(t, int64(0), schedule.Steps(tr.Context()))

	params, err = weights.FromContext(tr.Context(), transform.Scope)
	require.NoError(t, err)
	for name, value := range params {
		assert.Equal(t, before[name], tensors.MustCopyFlatData[float32](value), "variable %q", name)
	}
}

func TestUnpoolStep(t *testing.T) {
	cfg := tinyConfig()
	cfg.Mode = nets.Unpool
	cfg.BatchSize = 2
	tr := newTestTrainer(t, cfg, t.TempDir())
	result, err := tr.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 8, 3}, result.Transfer.Shape().Dimensions)
	assert.Equal(t, []string{"content", "content"}, result.ContentNames)
}

// writeFrozen saves the frozen networks of tr as network directories under dir, and returns their
// paths.
func writeFrozen(t *testing.T, tr *Trainer, dir string) Paths {
	paths := Paths{
		Encoder: filepath.Join(dir, "encoder"),
		LossNet: filepath.Join(dir, "lossnet"),
		Decoder: filepath.Join(dir, "decoder"),
	}
	for ii, path := range []string{paths.Encoder, paths.LossNet, paths.Decoder} {
		require.NoError(t, weights.WriteNetwork(tr.Context(), frozenScopes[ii], path))
	}
	return paths
}

// requireSameTransform checks that both trainers hold the same transform variables.
func requireSameTransform(t *testing.T, want, got *Trainer) {
	wantParams, err := weights.FromContext(want.Context(), transform.Scope)
	require.NoError(t, err)
	gotParams, err := weights.FromContext(got.Context(), transform.Scope)
	require.NoError(t, err)
	require.Len(t, gotParams, len(wantParams))
	for name, value := range wantParams {
		require.Contains(t, gotParams, name)
		assert.Equal(t, tensors.MustCopyFlatData[float32](value), tensors.MustCopyFlatData[float32](gotParams[name]),
			"variable %q", name)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := tinyConfig()
	dir := t.TempDir()
	trained := newTestTrainer(t, cfg, dir)
	for range 3 {
		_, err := trained.Step(context.Background())
		require.NoError(t, err)
	}
	require.NoError(t, trained.SaveCheckpoint())
	checkpointDir := CheckpointDir(dir, cfg.Transform.Layer)
	frozen := writeFrozen(t, trained, filepath.Join(dir, "frozen"))

	rng := rand.New(rand.NewPCG(13, 17))
	content := randomImage(rng, 1, 8, 8, 3)
	style := randomImage(rng, 1, 8, 8, 3)
	want, err := trained.Evaluate(content, style)
	require.NoError(t, err)

	// A trainer on the same output directory resumes: transform, step and learning rate.
	fresh := newTestTrainer(t, cfg, dir)
	require.NoError(t, fresh.LoadNetworks(frozen))
	require.NoError(t, fresh.Init())
	assert.Equal(t, int64(3), fresh.Steps())
	assert.Equal(t, int64(3), schedule.Steps(fresh.Context()))
	assert.InDelta(t, cfg.LearningRate/(1+3*cfg.LearningRateDecay), fresh.LearningRate(), 1e-12)
	got, err := fresh.Evaluate(content, style)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Step)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float32](want.Transfer),
		tensors.MustCopyFlatData[float32](got.Transfer), 1e-5)
	assert.InDelta(t, want.Loss, got.Loss, 1e-5*want.Loss)
	requireSameTransform(t, trained, fresh)

	// The checkpoint of its own directory takes precedence over a finetune checkpoint.
	require.NoError(t, fresh.LoadCheckpoint(filepath.Join(dir, "missing")))
	result, err := fresh.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Step)

	// Finetuning from the checkpoint directory copies the transform, but starts counting anew.
	tuned := newTestTrainer(t, cfg, t.TempDir())
	require.NoError(t, tuned.LoadNetworks(frozen))
	require.NoError(t, tuned.LoadCheckpoint(checkpointDir))
	assert.Equal(t, int64(0), tuned.Steps())
	assert.InDelta(t, cfg.LearningRate, tuned.LearningRate(), 1e-12)
	requireSameTransform(t, trained, tuned)
	require.Error(t, tuned.LoadCheckpoint(filepath.Join(dir, "missing")))

	// A checkpoint for another layer is rejected.
	otherCfg := tinyConfig()
	otherCfg.Transform.Layer = nets.R11
	other := newTestTrainer(t, otherCfg, t.TempDir())
	require.Error(t, other.LoadCheckpoint(checkpointDir))

	// Networks must be loaded before the model is built.
	require.Error(t, fresh.LoadNetworks(frozen))
	incomplete := newTestTrainer(t, tinyConfig(), t.TempDir())
	require.Error(t, incomplete.LoadNetworks(Paths{Encoder: frozen.Encoder}))

	// Without an output directory there is nowhere to save.
	require.Error(t, newTestTrainer(t, cfg, "").SaveCheckpoint())
}

// loadCheckpoint reads the latest checkpoint of dir into a new context.
func loadCheckpoint(t *testing.T, dir string) *mlctx.Context {
	ctx := mlctx.New()
	_, err := checkpoints.Load(ctx).Dir(dir).Immediate().Done()
	require.NoError(t, err)
	return ctx
}

// flaky fails with a transient error on its first read.
type flaky struct {
	data.Source
	failed bool
}

func (f *flaky) Next() (data.Sample, error) {
	if !f.failed {
		f.failed = true
		return data.Sample{}, errors.Wrap(data.ErrTransient, "corrupt image")
	}
	return f.Source.Next()
}

func TestTransientFailureSkipsIteration(t *testing.T) {
	cfg := tinyConfig()
	rng := rand.New(rand.NewPCG(1, 3))
	sample := data.Sample{Image: randomImage(rng, 8, 8, 3), Name: "img"}
	content := &flaky{Source: data.Repeat(sample)}
	tr, err := New(graphtest.BuildTestBackend(), mlctx.New(), cfg, Paths{}, content, data.Repeat(sample))
	require.NoError(t, err)

	_, err = tr.Step(context.Background())
	require.ErrorIs(t, err, ErrSkipped)
	assert.Equal(t, int64(0), tr.Steps())
	result, err := tr.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Step)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Step(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), tr.Steps())
}

// broken always fails with a transient error.
type broken struct {
	data.Source
}

func (b broken) Next() (data.Sample, error) {
	return data.Sample{}, errors.Wrap(data.ErrTransient, "unreadable image")
}

func TestRunGivesUpOnSkips(t *testing.T) {
	cfg := tinyConfig()
	rng := rand.New(rand.NewPCG(1, 3))
	sample := data.Sample{Image: randomImage(rng, 8, 8, 3), Name: "img"}
	tr, err := New(graphtest.BuildTestBackend(), mlctx.New(), cfg, Paths{}, data.Repeat(sample),
		broken{data.Repeat(sample)})
	require.NoError(t, err)
	var fetches int
	tr.OnState(func(s State) {
		if s == StateFetch {
			fetches++
		}
	})
	err = tr.Run(context.Background())
	require.ErrorIs(t, err, ErrSkipped)
	assert.Equal(t, MaxConsecutiveSkips, fetches)
	assert.Equal(t, int64(0), tr.Steps())
}

func TestRun(t *testing.T) {
	cfg := tinyConfig()
	cfg.TrainSteps = 4
	cfg.LogInterval = 2
	cfg.SaveInterval = 3
	out := t.TempDir()
	tr := newTestTrainer(t, cfg, out)
	AttachPlots(tr)
	var stepped []int64
	var ended bool
	tr.OnStep("record", -1, func(_ *Trainer, result Result) error {
		stepped = append(stepped, result.Step)
		return nil
	})
	tr.OnEnd("record", 0, func(_ *Trainer, runErr error) error {
		ended = runErr == nil
		return nil
	})
	require.NoError(t, tr.Run(context.Background()))
	assert.Equal(t, []int64{1, 2, 3, 4}, stepped)
	assert.True(t, ended)
	assert.Equal(t, StateDone, tr.State())
	for _, name := range []string{"2.png", "4.png", "r21", plots.PointsFileName, plots.PlotFileName} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.NoError(t, err, "file %q", name)
	}

	// Only the transform and the step counters are checkpointed.
	saved := loadCheckpoint(t, CheckpointDir(out, cfg.Transform.Layer))
	assert.Equal(t, int64(4), optimizers.GetGlobalStep(saved))
	assert.Equal(t, int64(4), schedule.Steps(saved))
	numTransform := len(transform.Variables(tr.Context()))
	assert.Len(t, transform.Variables(saved), numTransform)
	assert.Equal(t, numTransform+2, saved.NumVariables())
	value, found := saved.GetParam(transform.ParamLayer)
	require.True(t, found)
	assert.Equal(t, "r21", value)

	// Already done: a second run only saves the checkpoint.
	require.NoError(t, tr.Run(context.Background()))
	assert.Len(t, stepped, 4)
	list, err := tr.checkpoints.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, list, cfg.NumCheckpoints)
}

func TestRunCancelled(t *testing.T) {
	cfg := tinyConfig()
	cfg.TrainSteps = 1000
	out := t.TempDir()
	tr := newTestTrainer(t, cfg, out)
	ctx, cancel := context.WithCancel(context.Background())
	tr.OnStep("cancel", 0, func(_ *Trainer, result Result) error {
		if result.Step == 2 {
			cancel()
		}
		return nil
	})
	err := tr.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(2), tr.Steps())
	saved := loadCheckpoint(t, CheckpointDir(out, cfg.Transform.Layer))
	assert.Equal(t, int64(2), optimizers.GetGlobalStep(saved))
}
