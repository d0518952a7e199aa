// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLearningRate(t *testing.T) {
	assert.Equal(t, 1e-4, LearningRate(1e-4, 5e-5, 0))
	assert.InDelta(t, 0.5e-4, LearningRate(1e-4, 5e-5, 20_000), 1e-12)
	assert.InDelta(t, 1e-4/(1+99_999*5e-5), LearningRate(1e-4, 5e-5, 99_999), 1e-12)
	assert.Equal(t, 0.3, LearningRate(0.3, 0, 1_000_000))
}

func TestGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const lr0, decay = 1.0, 0.1
	ctx := context.New()
	ctx.SetParams(map[string]any{optimizers.ParamLearningRate: lr0, ParamDecay: decay})
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		New(ctx, g, dtypes.Float64).FromContext().Done()
		return optimizers.LearningRateVar(ctx, dtypes.Float64, 1e3).ValueGraph(g)
	})
	require.NoError(t, err)
	for ii := range 20 {
		outputs, err := exec.Exec()
		require.NoErrorf(t, err, "failed for step %d", ii)
		assert.InDelta(t, LearningRate(lr0, decay, int64(ii)), tensors.ToScalar[float64](outputs[0]), 1e-12)
		assert.Equal(t, int64(ii+1), Steps(ctx))
	}

	// The variable keeps the value for the next step.
	lrVar := optimizers.LearningRateVar(ctx, dtypes.Float64, 1e3)
	value, err := lrVar.Value()
	require.NoError(t, err)
	assert.InDelta(t, LearningRate(lr0, decay, 19), tensors.ToScalar[float64](value), 1e-12)

	// Restoring the step counter, e.g. from a checkpoint, continues the schedule from there.
	require.NoError(t, StepVar(ctx).SetValue(tensors.FromScalar(int64(1000))))
	outputs, err := exec.Exec()
	require.NoError(t, err)
	assert.InDelta(t, LearningRate(lr0, decay, 1000), tensors.ToScalar[float64](outputs[0]), 1e-12)
	assert.Equal(t, int64(1001), Steps(ctx))
}

func TestNotTraining(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	output, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		New(ctx, g, dtypes.Float32).LearningRate(0.5).Decay(1).Done()
		return optimizers.LearningRateVar(ctx, dtypes.Float32, 0.25).ValueGraph(g)
	})
	require.NoError(t, err)
	assert.Equal(t, float32(0.25), tensors.ToScalar[float32](output))
}
