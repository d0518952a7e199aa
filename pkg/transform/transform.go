// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transform implements the trainable feature transform: it maps content features to
// features that carry the second order statistics of the style features.
//
// The transform is a closed-form whitening and coloring, T0 = Cs^{1/2}·Cc^{-1/2}, corrected by a
// learned residual matrix computed from both images. It's the only trainable part of the model,
// and all its variables live under Scope.
package transform

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/photostyle/pkg/nets"
	"github.com/pkg/errors"
)

// Scope of the transform variables in the context.
const Scope = "transform"

const (
	// ParamLayer is the encoder layer where the transform is applied: "r11", "r21", "r31" or "r41".
	ParamLayer = "transform_layer"

	// ParamDim is the number of channels of the compressed features the learned correction works on.
	ParamDim = "transform_dim"

	// ParamEpsilon is added to the diagonal of the feature covariances.
	ParamEpsilon = "transform_epsilon"

	// ParamIterations is the number of Newton-Schulz iterations used for the matrix square roots.
	ParamIterations = "transform_iterations"
)

// Config of the transform.
type Config struct {
	Layer      nets.LayerID
	Dim        int
	Epsilon    float64
	Iterations int
}

// DefaultConfig returns the default configuration, transforming r31 features.
func DefaultConfig() Config {
	return Config{Layer: nets.R31, Dim: 32, Epsilon: 1e-5, Iterations: 40}
}

// FromContext reads the configuration from the context parameters, using DefaultConfig for
// the missing ones.
func FromContext(ctx *context.Context) (Config, error) {
	cfg := DefaultConfig()
	layer, err := nets.ParseLayerID(context.GetParamOr(ctx, ParamLayer, cfg.Layer.String()))
	if err != nil {
		return cfg, errors.WithMessagef(err, "parameter %q", ParamLayer)
	}
	cfg.Layer = layer
	cfg.Dim = context.GetParamOr(ctx, ParamDim, cfg.Dim)
	cfg.Epsilon = context.GetParamOr(ctx, ParamEpsilon, cfg.Epsilon)
	cfg.Iterations = context.GetParamOr(ctx, ParamIterations, cfg.Iterations)
	if cfg.Dim <= 0 {
		return cfg, errors.Errorf("parameter %q must be > 0, got %d", ParamDim, cfg.Dim)
	}
	if cfg.Epsilon <= 0 {
		return cfg, errors.Errorf("parameter %q must be > 0, got %g", ParamEpsilon, cfg.Epsilon)
	}
	if cfg.Iterations <= 0 {
		return cfg, errors.Errorf("parameter %q must be > 0, got %d", ParamIterations, cfg.Iterations)
	}
	return cfg, nil
}

// Apply transforms the content features to match the style features, both shaped [B, H, W, C]
// (spatial dimensions may differ). It returns the transformed features, shaped like content,
// and the learned correction matrix, shaped [B, Dim, Dim].
//
// Variables are created (or reused) under ctx.In(Scope). If style equals content, the result
// equals content and the matrix is the identity.
func (cfg Config) Apply(ctx *context.Context, content, style *Node) (feature, matrix *Node) {
	if content.Rank() != 4 || style.Rank() != 4 {
		exceptions.Panicf("transform.Apply requires features shaped [B, H, W, C], got content=%s and style=%s",
			content.Shape(), style.Shape())
	}
	cDims, sDims := content.Shape().Dimensions, style.Shape().Dimensions
	if cDims[0] != sDims[0] || cDims[3] != sDims[3] {
		exceptions.Panicf("transform.Apply requires content and style features with the same batch size and "+
			"channels, got content=%s and style=%s", content.Shape(), style.Shape())
	}
	ctx = ctx.In(Scope).Checked(false)
	batch, height, width, channels := cDims[0], cDims[1], cDims[2], cDims[3]

	contentCentered, _ := center(content)
	styleCentered, styleMean := center(style)

	// Closed-form whitening and coloring.
	contentFlat := Reshape(contentCentered, batch, height*width, channels)
	styleFlat := Reshape(styleCentered, batch, sDims[1]*sDims[2], channels)
	_, contentInvSqrt := SqrtAndInverse(covariance(contentFlat, cfg.Epsilon), cfg.Iterations)
	styleSqrt, _ := SqrtAndInverse(covariance(styleFlat, cfg.Epsilon), cfg.Iterations)
	colorize := Einsum("bij,bjk->bik", styleSqrt, contentInvSqrt)
	transformed := Einsum("bij,bpj->bpi", colorize, contentFlat)

	// Learned correction, on compressed features.
	compressedContent := cfg.compress(ctx, contentCentered)
	compressedStyle := cfg.compress(ctx, styleCentered)
	identity := batchIdentity(content.Graph(), content.DType(), batch, cfg.Dim)
	matrix = Add(identity, Sub(cfg.statistics(ctx, compressedStyle), cfg.statistics(ctx, compressedContent)))
	correction := Einsum("bij,bpj->bpi", Sub(matrix, identity),
		Reshape(compressedContent, batch, height*width, cfg.Dim))
	residual := cfg.unzip(ctx, Reshape(correction, batch, height, width, cfg.Dim), channels)

	feature = Reshape(transformed, batch, height, width, channels)
	feature = Add(Add(feature, residual), styleMean)
	return
}

// Variables returns the transform variables in ctx, the ones trained and checkpointed.
func Variables(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	for v := range ctx.In(Scope).IterVariablesInScope() {
		vars = append(vars, v)
	}
	return vars
}

// center returns x minus its spatial mean, and the mean shaped [B, 1, 1, C].
func center(x *Node) (centered, mean *Node) {
	dims := x.Shape().Dimensions
	mean = Reshape(ReduceMean(x, 1, 2), dims[0], 1, 1, dims[3])
	centered = Sub(x, mean)
	return
}

// covariance of the centered features shaped [B, P, C]: [B, C, C], regularized with epsilon·I.
func covariance(flat *Node, epsilon float64) *Node {
	dims := flat.Shape().Dimensions
	cov := DivScalar(Einsum("bpi,bpj->bij", flat, flat), float64(max(dims[1]-1, 1)))
	eye := batchIdentity(flat.Graph(), flat.DType(), dims[0], dims[2])
	return Add(cov, MulScalar(eye, epsilon))
}

// batchIdentity returns identity matrices shaped [batch, dim, dim].
func batchIdentity(g *Graph, dtype dtypes.DType, batch, dim int) *Node {
	rows := Iota(g, shapes.Make(dtypes.Int32, dim, dim), 0)
	cols := Iota(g, shapes.Make(dtypes.Int32, dim, dim), 1)
	eye := ConvertDType(Equal(rows, cols), dtype)
	return BroadcastToDims(Reshape(eye, 1, dim, dim), batch, dim, dim)
}

// SqrtAndInverse returns the square root and the inverse square root of the symmetric positive
// definite matrices a shaped [B, N, N], using coupled Newton-Schulz iterations. It's built only with
// matrix products, so it's differentiable.
//
// The matrices are first scaled by their Frobenius norm. The eigenvalues of the scaled matrix grow
// by about 2.25 per iteration until they approach 1, so a condition number κ needs roughly
// log_2.25(κ)+5 iterations: 40 cover the κ≈1e8 of ReLU feature covariances regularized with 1e-5.
func SqrtAndInverse(a *Node, iterations int) (sqrt, invSqrt *Node) {
	dims := a.Shape().Dimensions
	batch, n := dims[0], dims[1]
	norm := Sqrt(ReduceSum(Square(a), 1, 2))
	norm = Reshape(norm, batch, 1, 1)
	eye := batchIdentity(a.Graph(), a.DType(), batch, n)
	y := Div(a, norm)
	z := eye
	for range iterations {
		t := MulScalar(Sub(MulScalar(eye, 3), Einsum("bij,bjk->bik", z, y)), 0.5)
		y, z = Einsum("bij,bjk->bik", y, t), Einsum("bij,bjk->bik", t, z)
	}
	rootNorm := Sqrt(norm)
	return Mul(y, rootNorm), Div(z, rootNorm)
}

// compress applies the no-bias 1x1 convolution reducing the channels to Dim.
func (cfg Config) compress(ctx *context.Context, x *Node) *Node {
	return layers.Convolution(ctx.In("compress"), x).Channels(cfg.Dim).KernelSize(1).UseBias(false).Done()
}

// unzip applies the no-bias 1x1 convolution expanding the channels back.
func (cfg Config) unzip(ctx *context.Context, x *Node, channels int) *Node {
	return layers.Convolution(ctx.In("unzip"), x).Channels(channels).KernelSize(1).UseBias(false).Done()
}

// statistics network: two 3x3 convolutions, the covariance of their output and a dense layer to
// a [B, Dim, Dim] matrix. Variables are shared between the content and the style.
func (cfg Config) statistics(ctx *context.Context, x *Node) *Node {
	ctx = ctx.In("statistics")
	x = activations.Relu(layers.Convolution(ctx.In("conv1"), x).Channels(cfg.Dim).KernelSize(3).PadSame().Done())
	x = layers.Convolution(ctx.In("conv2"), x).Channels(cfg.Dim).KernelSize(3).PadSame().Done()
	x, _ = center(x)
	dims := x.Shape().Dimensions
	batch := dims[0]
	flat := Reshape(x, batch, dims[1]*dims[2], cfg.Dim)
	cov := DivScalar(Einsum("bpi,bpj->bij", flat, flat), float64(dims[1]*dims[2]))
	return Reshape(dense(ctx.In("dense"), Reshape(cov, batch, cfg.Dim*cfg.Dim)), batch, cfg.Dim, cfg.Dim)
}

// dense is a fully connected layer on x shaped [B, in]. Weights start small, so the learned
// correction starts close to zero.
func dense(ctx *context.Context, x *Node) *Node {
	dtype := x.DType()
	size := x.Shape().Dimensions[1]
	weights := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1e-3)).
		VariableWithShape("weights", shapes.Make(dtype, size, size))
	biases := ctx.WithInitializer(initializers.Zero).VariableWithShape("biases", shapes.Make(dtype, size))
	g := x.Graph()
	y := Einsum("bi,io->bo", x, weights.ValueGraph(g))
	return Add(y, Reshape(biases.ValueGraph(g), 1, size))
}
