// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package laplacian

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randomImage(rng *rand.Rand, height, width, channels int) Image {
	img := Image{Height: height, Width: width, Channels: channels, Pix: make([]float64, height*width*channels)}
	for ii := range img.Pix {
		img.Pix[ii] = rng.Float64()
	}
	return img
}

func checkerboard(size int) Image {
	img := Image{Height: size, Width: size, Channels: 1, Pix: make([]float64, size*size)}
	for y := range size {
		for x := range size {
			if (x+y)%2 == 1 {
				img.Pix[y*size+x] = 1
			}
		}
	}
	return img
}

func TestBuildCheckerboard(t *testing.T) {
	m, err := Build(checkerboard(4), DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 16, m.N)
	d := m.Dense()
	rows, cols := d.Dims()
	assert.Equal(t, 16, rows)
	assert.Equal(t, 16, cols)
	for _, v := range m.Values {
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
}

func TestSymmetric(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, channels := range []int{1, 3} {
		m, err := Build(randomImage(rng, 5, 7, channels), DefaultOptions())
		require.NoError(t, err)
		for k := range m.Values {
			r, c := int(m.Rows[k]), int(m.Cols[k])
			assert.InDeltaf(t, m.Values[k], m.At(c, r), 1e-9, "M[%d,%d] != M[%d,%d]", r, c, c, r)
		}
	}
}

func TestPositiveSemiDefinite(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	for _, channels := range []int{1, 3} {
		img := randomImage(rng, 6, 6, channels)
		m, err := Build(img, DefaultOptions())
		require.NoError(t, err)

		// Random quadratic forms.
		for range 20 {
			v := make([]float64, m.N)
			for ii := range v {
				v[ii] = rng.NormFloat64()
			}
			mv := m.MulVec(v)
			var q float64
			for ii := range v {
				q += v[ii] * mv[ii]
			}
			require.GreaterOrEqual(t, q, -1e-6)
		}

		// Eigenvalues of the dense version.
		var eig mat.EigenSym
		require.True(t, eig.Factorize(m.Dense(), false))
		for _, lambda := range eig.Values(nil) {
			require.GreaterOrEqual(t, lambda, -1e-6)
		}
	}
}

func TestRowsSumToZero(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	m, err := Build(randomImage(rng, 4, 9, 3), DefaultOptions())
	require.NoError(t, err)
	ones := make([]float64, m.N)
	for ii := range ones {
		ones[ii] = 1
	}
	for ii, v := range m.MulVec(ones) {
		assert.InDeltaf(t, 0.0, v, 1e-6, "row %d", ii)
	}
}

func TestSparsityPatternIsFixed(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	m0, err := Build(randomImage(rng, 8, 8, 3), DefaultOptions())
	require.NoError(t, err)
	m1, err := Build(Image{Height: 8, Width: 8, Channels: 3, Pix: make([]float64, 8*8*3)}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, m0.Rows, m1.Rows)
	assert.Equal(t, m0.Cols, m1.Cols)

	// Sorted by row, then column.
	for k := 1; k < m0.Nnz(); k++ {
		prev := int64(m0.Rows[k-1])<<32 | int64(m0.Cols[k-1])
		curr := int64(m0.Rows[k])<<32 | int64(m0.Cols[k])
		require.Less(t, prev, curr)
	}
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(Image{Height: 2, Width: 2, Channels: 3, Pix: make([]float64, 5)}, DefaultOptions())
	require.Error(t, err)
	_, err = Build(Image{}, DefaultOptions())
	require.Error(t, err)
	_, err = Build(checkerboard(3), Options{Radius: 0, Epsilon: 1e-7})
	require.Error(t, err)

	// A constant image has singular window covariances: without epsilon they can't be inverted.
	flat := Image{Height: 3, Width: 3, Channels: 3, Pix: make([]float64, 27)}
	for _, eps := range []float64{0, -1e-7, math.NaN()} {
		_, err = Build(flat, Options{Radius: 1, Epsilon: eps})
		require.Errorf(t, err, "epsilon=%g", eps)
	}
	_, err = Build(flat, DefaultOptions())
	require.NoError(t, err)
}

func TestBuildBatchAndTensors(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	const batch, height, width = 2, 3, 4
	flat := make([]float32, batch*height*width*3)
	for ii := range flat {
		flat[ii] = rng.Float32()
	}
	img := tensors.FromFlatDataAndDimensions(flat, batch, height, width, 3)
	m, err := BuildBatch(img, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, batch*height*width, m.N)

	// No entries across blocks.
	for k := range m.Values {
		assert.Equal(t, int(m.Rows[k])/(height*width), int(m.Cols[k])/(height*width))
	}

	indices, values, err := m.ToTensors(dtypes.Float32)
	require.NoError(t, err)
	assert.Equal(t, []int{m.Nnz(), 2}, indices.Shape().Dimensions)
	assert.Equal(t, dtypes.Int32, indices.DType())
	assert.Equal(t, []int{m.Nnz()}, values.Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, values.DType())
}
