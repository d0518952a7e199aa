// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schedule implements the inverse decay learning rate schedule:
//
//	lr(step) = lr0 / (1 + step·decay)
//
// where step is the number of optimization steps already taken. The graph version (see New) writes
// the value into the optimizer's learning rate variable, so the optimizer built in the same graph
// uses it.
package schedule

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const (
	// ParamDecay is the context parameter with the decay of the learning rate per step.
	ParamDecay = "learning_rate_decay"

	// Scope under the optimizers scope where the schedule keeps its own step counter.
	Scope = "inverse_decay"

	// DefaultDecay is the decay used if none is configured.
	DefaultDecay = 5e-5
)

// LearningRate returns lr0 / (1 + step·decay).
func LearningRate(lr0, decay float64, step int64) float64 {
	return lr0 / (1 + float64(step)*decay)
}

// Config of the schedule. Create it with New, and call Done to add it to the graph.
type Config struct {
	ctx          *context.Context
	graph        *Graph
	dtype        dtypes.DType
	learningRate float64
	decay        float64
}

// New creates a configuration of the inverse decay schedule for the learning rate. Call it in the
// training graph before the optimizer:
//
//	schedule.New(ctx, g, dtypes.Float32).FromContext().Done()
//	optimizer.UpdateGraph(ctx, g, loss)
func New(ctx *context.Context, g *Graph, dtype dtypes.DType) *Config {
	return &Config{ctx: ctx, graph: g, dtype: dtype, decay: DefaultDecay}
}

// FromContext reads the initial learning rate (optimizers.ParamLearningRate) and the decay
// (ParamDecay) from the context.
func (c *Config) FromContext() *Config {
	c.learningRate = context.GetParamOr(c.ctx, optimizers.ParamLearningRate, c.learningRate)
	c.decay = context.GetParamOr(c.ctx, ParamDecay, c.decay)
	return c
}

// LearningRate sets the initial learning rate.
func (c *Config) LearningRate(lr0 float64) *Config {
	c.learningRate = lr0
	return c
}

// Decay sets the decay per step. 0 keeps the learning rate constant.
func (c *Config) Decay(decay float64) *Config {
	c.decay = decay
	return c
}

// Done builds the schedule in the graph: it increments the schedule's step counter and sets the
// learning rate variable, so that step i (counting from 1) uses LearningRate(lr0, decay, i-1).
//
// It's a no-op if the graph is not training.
func (c *Config) Done() {
	if c.learningRate <= 0 {
		exceptions.Panicf("schedule: learning rate must be > 0, got %g", c.learningRate)
	}
	if c.decay < 0 {
		exceptions.Panicf("schedule: decay must be >= 0, got %g", c.decay)
	}
	ctx := c.ctx.Checked(false)
	if !ctx.IsTraining(c.graph) {
		return
	}
	step := optimizers.IncrementGlobalStepGraph(ctx.In(optimizers.Scope).In(Scope), c.graph, c.dtype)
	step = MinusOne(step)
	lr := Reciprocal(AddScalar(MulScalar(step, c.decay), 1))
	lr = MulScalar(lr, c.learningRate)
	lrVar := optimizers.LearningRateVarWithValue(ctx, c.dtype, c.learningRate)
	lrVar.SetValueGraph(lr)
}

// StepVar returns the variable with the schedule's step counter in ctx, creating it if needed.
func StepVar(ctx *context.Context) *context.Variable {
	return optimizers.GetGlobalStepVar(ctx.In(optimizers.Scope).In(Scope))
}

// Steps returns the number of steps the schedule has taken in ctx.
func Steps(ctx *context.Context) int64 {
	return optimizers.GetGlobalStep(ctx.In(optimizers.Scope).In(Scope))
}
