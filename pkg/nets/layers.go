// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nets

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// frozenConv is a convolution with kernel "weights" shaped [k, k, in, out] and "biases" shaped [out],
// created in ctx and excluded from training. 3x3 kernels are applied on a reflection-padded input,
// so the spatial dimensions are preserved.
func frozenConv(ctx *context.Context, x *Node, kernelSize, outputChannels int, relu bool) *Node {
	dtype := x.DType()
	inputChannels := x.Shape().Dimensions[x.Rank()-1]
	kernelVar := ctx.VariableWithShape("weights",
		shapes.Make(dtype, kernelSize, kernelSize, inputChannels, outputChannels)).SetTrainable(false)
	biasVar := ctx.VariableWithShape("biases", shapes.Make(dtype, outputChannels)).SetTrainable(false)
	if kernelSize > 1 {
		x = ReflectPad(x, kernelSize/2)
	}
	y := Convolve(x, kernelVar.ValueGraph(x.Graph())).Strides(1).NoPadding().Done()
	y = Add(y, Reshape(biasVar.ValueGraph(x.Graph()), 1, 1, 1, outputChannels))
	if relu {
		y = activations.Relu(y)
	}
	return y
}

// sliceAxis returns x[..., from:to, ...] on the given axis.
func sliceAxis(x *Node, axis, from, to int) *Node {
	specs := make([]SliceAxisSpec, x.Rank())
	for ii := range specs {
		specs[ii] = AxisRange()
	}
	specs[axis] = AxisRange(from, to)
	return Slice(x, specs...)
}

// ReflectPad pads the spatial axes (1 and 2) of x shaped [B, H, W, C] by reflection, without
// repeating the edge: for pad=1 the row above the image is a copy of its second row.
func ReflectPad(x *Node, pad int) *Node {
	if pad == 0 {
		return x
	}
	for _, axis := range []int{1, 2} {
		dim := x.Shape().Dimensions[axis]
		if dim <= pad {
			exceptions.Panicf("ReflectPad(pad=%d) requires spatial dimensions > pad, got x.shape=%s", pad, x.Shape())
		}
		before := Reverse(sliceAxis(x, axis, 1, pad+1), axis)
		after := Reverse(sliceAxis(x, axis, dim-pad-1, dim-1), axis)
		x = Concatenate([]*Node{before, x, after}, axis)
	}
	return x
}

// MaxPoolWithMask does a 2x2 max-pooling with stride 2 on x shaped [B, H, W, C] (H and W must be even),
// and returns also the mask of the selected positions, shaped [B, H/2, W/2, C, 4], one-hot on the
// last axis with positions in row-major order within each window. Ties select the first position.
func MaxPoolWithMask(x *Node) (pooled, mask *Node) {
	dims := x.Shape().Dimensions
	if x.Rank() != 4 || dims[1]%2 != 0 || dims[2]%2 != 0 {
		exceptions.Panicf("MaxPoolWithMask requires x shaped [B, H, W, C] with even H and W, got %s", x.Shape())
	}
	batch, height, width, channels := dims[0], dims[1]/2, dims[2]/2, dims[3]
	windows := Reshape(x, batch, height, 2, width, 2, channels)
	windows = TransposeAllAxes(windows, 0, 1, 3, 5, 2, 4)
	windows = Reshape(windows, batch, height, width, channels, 4)
	pooled = ReduceMax(windows, 4)
	mask = StopGradient(OneHot(ArgMax(windows, 4), 4, x.DType()))
	return
}

// UnpoolWithMask places each value of x shaped [B, h, w, C] at the position selected by mask
// (see MaxPoolWithMask) of its 2x2 window, zeros elsewhere. It returns [B, 2h, 2w, C].
func UnpoolWithMask(x, mask *Node) *Node {
	dims := x.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if !mask.Shape().Equal(shapes.Make(x.DType(), batch, height, width, channels, 4)) {
		exceptions.Panicf("UnpoolWithMask: mask shape %s doesn't match x shape %s", mask.Shape(), x.Shape())
	}
	spread := Mul(ExpandAxes(x, -1), mask)
	spread = Reshape(spread, batch, height, width, channels, 2, 2)
	spread = TransposeAllAxes(spread, 0, 1, 4, 2, 5, 3)
	return Reshape(spread, batch, 2*height, 2*width, channels)
}

// Upsample2x repeats every pixel of x shaped [B, h, w, C] in a 2x2 block (nearest neighbor).
func Upsample2x(x *Node) *Node {
	dims := x.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	up := Reshape(x, batch, height, 1, width, 1, channels)
	up = BroadcastToDims(up, batch, height, 2, width, 2, channels)
	return Reshape(up, batch, 2*height, 2*width, channels)
}
