// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package matting implements the matting loss: the quadratic form of an image with its
// matting Laplacian, summed over channels,
//
//	loss = Σ_c X_cᵀ M X_c
//
// where X_c is channel c of the image flattened to a vector. Its gradient is not derived by
// automatic differentiation, but set explicitly to 2·M·X_c (times the upstream gradient).
package matting

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/photostyle/pkg/laplacian"
	"github.com/pkg/errors"
)

// ErrDimensionMismatch is returned (or raised during graph building) when the number of pixels
// of the image doesn't match the size of the Laplacian.
var ErrDimensionMismatch = errors.New("matting: image dimensions don't match the Laplacian")

// SparseMatrix is a square sparse matrix in the graph, in coordinate format.
type SparseMatrix struct {
	// Indices shaped [nnz, 2] with (row, column) pairs, integer dtype, sorted by row.
	Indices *Node

	// Values shaped [nnz].
	Values *Node

	// N is the number of rows and columns.
	N int
}

// NewSparseMatrix creates a SparseMatrix of size n from the Laplacian tensors.
func NewSparseMatrix(indices, values *Node, n int) SparseMatrix {
	if indices.Rank() != 2 || indices.Shape().Dimensions[1] != 2 {
		exceptions.Panicf("matting: indices must be shaped [nnz, 2], got %s", indices.Shape())
	}
	if values.Rank() != 1 || values.Shape().Dimensions[0] != indices.Shape().Dimensions[0] {
		exceptions.Panicf("matting: values must be shaped [nnz=%d], got %s",
			indices.Shape().Dimensions[0], values.Shape())
	}
	return SparseMatrix{Indices: indices, Values: values, N: n}
}

// Parameters returns the tensors of the Laplacian m to be fed as the graph inputs used by
// NewSparseMatrix, with values converted to dtype.
func Parameters(m *laplacian.Matrix, dtype dtypes.DType) (indices, values *tensors.Tensor, err error) {
	return m.ToTensors(dtype)
}

// MatMul returns M·x, for x shaped [N, C].
func (m SparseMatrix) MatMul(x *Node) *Node {
	if x.Rank() != 2 || x.Shape().Dimensions[0] != m.N {
		exceptions.Panicf("matting: MatMul requires x shaped [%d, C], got %s", m.N, x.Shape())
	}
	g := x.Graph()
	rows := Slice(m.Indices, AxisRange(), AxisRange(0, 1))
	cols := Slice(m.Indices, AxisRange(), AxisRange(1, 2))
	gathered := Gather(x, cols) // [nnz, C]
	values := ConvertDType(m.Values, x.DType())
	updates := Mul(gathered, ExpandAxes(values, -1))
	zeros := Zeros(g, shapes.Make(x.DType(), x.Shape().Dimensions...))
	return ScatterSum(zeros, rows, updates, true, false)
}

// CheckDimensions returns ErrDimensionMismatch if an image with the given dimensions
// ([H, W, C] or [B, H, W, C]) doesn't have exactly n pixels.
func CheckDimensions(imageDims []int, n int) error {
	if len(imageDims) != 3 && len(imageDims) != 4 {
		return errors.Wrapf(ErrDimensionMismatch, "image must be shaped [H,W,C] or [B,H,W,C], got %v", imageDims)
	}
	numPixels := 1
	for _, dim := range imageDims[:len(imageDims)-1] {
		numPixels *= dim
	}
	if numPixels != n {
		return errors.Wrapf(ErrDimensionMismatch, "image %v has %d pixels, Laplacian has size %d", imageDims, numPixels, n)
	}
	return nil
}

// Loss returns the scalar Σ_c X_cᵀ M X_c for img shaped [H, W, C] or [B, H, W, C]
// (a batch is handled as one flattened image, M being block-diagonal).
//
// The gradient with respect to img is 2·M·X (scaled by the incoming gradient), set with
// IdentityWithCustomGradient; M receives no gradient.
//
// It panics with an error wrapping ErrDimensionMismatch if img doesn't have M.N pixels.
func Loss(img *Node, m SparseMatrix) *Node {
	if err := CheckDimensions(img.Shape().Dimensions, m.N); err != nil {
		panic(err)
	}
	channels := img.Shape().Dimensions[img.Rank()-1]
	x := Reshape(img, m.N, channels)

	// Forward: value computed without tracking gradients.
	fixedX := StopGradient(x)
	quadratic := ReduceAllSum(Mul(fixedX, m.MatMul(fixedX)))

	// Backward: a zero-valued term whose gradient with respect to x is set manually.
	carrier := ReduceAllSum(IdentityWithCustomGradient(x, func(x, v *Node) *Node {
		return Mul(v, MulScalar(m.MatMul(StopGradient(x)), 2))
	}))
	return Add(quadratic, Sub(carrier, StopGradient(carrier)))
}
