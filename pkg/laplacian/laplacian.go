// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package laplacian builds the closed-form matting Laplacian of an image.
//
// The Laplacian L of an image with N pixels is an N×N sparse, symmetric and positive
// semi-definite matrix. For every window w_k of radius r (clipped at the image borders,
// with n_k pixels), with mean color μ_k and covariance Σ_k, it accumulates:
//
//	L_ij += δ_ij - (1/n_k) * (1 + (I_i - μ_k)ᵀ (Σ_k + ε/n_k·Id)⁻¹ (I_j - μ_k))
//
// for every pair of pixels i, j in w_k. Rows sum to 0: constant images are in its null space.
//
// The sparsity pattern only depends on the image height, width and the radius: two pixels
// interact if they are at most 2r apart on both axes. So graphs built on the Laplacian
// tensors keep the same shapes from one image to the next.
package laplacian

import (
	"fmt"
	"sort"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultRadius of the windows: 1 means 3x3 neighborhoods.
	DefaultRadius = 1

	// DefaultEpsilon regularizes the local covariance, guaranteeing it is invertible.
	DefaultEpsilon = 1e-7
)

// Options for Build.
type Options struct {
	// Radius of the square windows, must be >= 1.
	Radius int

	// Epsilon added (scaled by 1/n_k) to the diagonal of each local covariance, must be > 0:
	// a flat window has a singular covariance.
	Epsilon float64
}

// DefaultOptions returns radius 1 and epsilon 1e-7.
func DefaultOptions() Options {
	return Options{Radius: DefaultRadius, Epsilon: DefaultEpsilon}
}

// Image is a single image in height, width, channels (HWC) row-major order.
// Values are expected to be in [0, 1].
type Image struct {
	Height, Width, Channels int
	Pix                     []float64
}

// NumPixels returns Height*Width.
func (img Image) NumPixels() int { return img.Height * img.Width }

// Validate checks that the dimensions are positive and match the size of Pix.
func (img Image) Validate() error {
	if img.Height <= 0 || img.Width <= 0 || img.Channels <= 0 {
		return errors.Errorf("laplacian: invalid image dimensions %dx%dx%d", img.Height, img.Width, img.Channels)
	}
	if want := img.Height * img.Width * img.Channels; len(img.Pix) != want {
		return errors.Errorf("laplacian: image %dx%dx%d requires %d values, got %d",
			img.Height, img.Width, img.Channels, want, len(img.Pix))
	}
	return nil
}

// Matrix is a square sparse matrix in coordinate (COO) format.
// Entries are sorted by row and then by column, with no duplicates.
type Matrix struct {
	// N is the number of rows and columns.
	N int

	Rows, Cols []int32
	Values     []float64
}

// Nnz returns the number of stored entries.
func (m *Matrix) Nnz() int { return len(m.Values) }

// String implements fmt.Stringer.
func (m *Matrix) String() string {
	return fmt.Sprintf("laplacian.Matrix(%dx%d, nnz=%d)", m.N, m.N, m.Nnz())
}

// Build returns the matting Laplacian of img.
func Build(img Image, opts Options) (*Matrix, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if opts.Radius < 1 {
		return nil, errors.Errorf("laplacian: radius must be >= 1, got %d", opts.Radius)
	}
	if !(opts.Epsilon > 0) {
		return nil, errors.Errorf("laplacian: epsilon must be > 0, got %g", opts.Epsilon)
	}
	nb := newNeighborhood(img.Height, img.Width, opts.Radius)
	acc := make([]float64, img.NumPixels()*nb.span*nb.span)
	w := newWindowWorkspace(img.Channels, (2*opts.Radius+1)*(2*opts.Radius+1))
	for cy := range img.Height {
		for cx := range img.Width {
			w.accumulate(img, opts, nb, cy, cx, acc)
		}
	}
	return nb.emit(acc), nil
}

// neighborhood indexes, for each pixel, the pixels it can share a window with:
// offsets (dy, dx) with |dy|, |dx| <= 2*radius.
type neighborhood struct {
	height, width, reach, span int
}

func newNeighborhood(height, width, radius int) neighborhood {
	reach := 2 * radius
	return neighborhood{height: height, width: width, reach: reach, span: 2*reach + 1}
}

// slot returns the position in the accumulator of the pair (i, j), given by their coordinates.
func (nb neighborhood) slot(iy, ix, jy, jx int) int {
	i := iy*nb.width + ix
	return (i*nb.span+(jy-iy+nb.reach))*nb.span + (jx - ix + nb.reach)
}

// emit converts the dense per-pixel accumulator into a sorted COO matrix, with every
// in-bounds pair stored (including exact zeros) so the pattern is fixed.
func (nb neighborhood) emit(acc []float64) *Matrix {
	n := nb.height * nb.width
	m := &Matrix{N: n}
	for iy := range nb.height {
		for ix := range nb.width {
			i := iy*nb.width + ix
			for dy := -nb.reach; dy <= nb.reach; dy++ {
				jy := iy + dy
				if jy < 0 || jy >= nb.height {
					continue
				}
				for dx := -nb.reach; dx <= nb.reach; dx++ {
					jx := ix + dx
					if jx < 0 || jx >= nb.width {
						continue
					}
					m.Rows = append(m.Rows, int32(i))
					m.Cols = append(m.Cols, int32(jy*nb.width+jx))
					m.Values = append(m.Values, acc[nb.slot(iy, ix, jy, jx)])
				}
			}
		}
	}
	return m
}

// windowWorkspace holds the buffers reused across windows.
type windowWorkspace struct {
	channels int
	ys, xs   []int
	centered *mat.Dense
	cov      *mat.SymDense
	inv      mat.Dense
	proj     mat.Dense
	affinity mat.Dense
}

func newWindowWorkspace(channels, maxPixels int) *windowWorkspace {
	return &windowWorkspace{
		channels: channels,
		ys:       make([]int, 0, maxPixels),
		xs:       make([]int, 0, maxPixels),
		cov:      mat.NewSymDense(channels, nil),
	}
}

// accumulate adds the contribution of the window centered at (cy, cx) to acc.
func (w *windowWorkspace) accumulate(img Image, opts Options, nb neighborhood, cy, cx int, acc []float64) {
	r := opts.Radius
	w.ys, w.xs = w.ys[:0], w.xs[:0]
	for y := max(0, cy-r); y <= min(img.Height-1, cy+r); y++ {
		for x := max(0, cx-r); x <= min(img.Width-1, cx+r); x++ {
			w.ys = append(w.ys, y)
			w.xs = append(w.xs, x)
		}
	}
	n := len(w.ys)
	c := w.channels
	nf := float64(n)

	// Centered colors: n×C.
	w.centered = mat.NewDense(n, c, nil)
	mean := make([]float64, c)
	for p := range n {
		base := (w.ys[p]*img.Width + w.xs[p]) * c
		for ch := range c {
			mean[ch] += img.Pix[base+ch]
		}
	}
	for ch := range c {
		mean[ch] /= nf
	}
	for p := range n {
		base := (w.ys[p]*img.Width + w.xs[p]) * c
		for ch := range c {
			w.centered.Set(p, ch, img.Pix[base+ch]-mean[ch])
		}
	}

	// Regularized covariance: (1/n)·DᵀD + (ε/n)·Id.
	w.cov.SymOuterK(1/nf, w.centered.T())
	for ch := range c {
		w.cov.SetSym(ch, ch, w.cov.At(ch, ch)+opts.Epsilon/nf)
	}
	if err := w.inv.Inverse(w.cov); err != nil {
		// Only reachable with epsilon == 0 on flat windows: the pseudo-inverse of a
		// zero covariance contributes nothing, as D is zero along the same directions.
		var cond mat.Condition
		if !errors.As(err, &cond) {
			w.inv.Zero()
		}
	}

	// Affinities inside the window: D Σ⁻¹ Dᵀ, n×n.
	w.proj.Reset()
	w.proj.Mul(w.centered, &w.inv)
	w.affinity.Reset()
	w.affinity.Mul(&w.proj, w.centered.T())
	for a := range n {
		for b := range n {
			v := -(1 + w.affinity.At(a, b)) / nf
			if a == b {
				v += 1
			}
			acc[nb.slot(w.ys[a], w.xs[a], w.ys[b], w.xs[b])] += v
		}
	}
}

// MulVec returns y = M·x for a vector x of size N.
func (m *Matrix) MulVec(x []float64) []float64 {
	y := make([]float64, m.N)
	for k, v := range m.Values {
		y[m.Rows[k]] += v * x[m.Cols[k]]
	}
	return y
}

// Dense returns the matrix as a gonum dense symmetric matrix, using the lower triangle.
// Only meant for small matrices.
func (m *Matrix) Dense() *mat.SymDense {
	d := mat.NewSymDense(m.N, nil)
	for k, v := range m.Values {
		r, c := int(m.Rows[k]), int(m.Cols[k])
		if r >= c {
			d.SetSym(r, c, v)
		}
	}
	return d
}

// At returns the value at (row, col), 0 if not stored.
func (m *Matrix) At(row, col int) float64 {
	// Entries of a row are contiguous and sorted by column.
	start := sort.Search(len(m.Rows), func(k int) bool { return int(m.Rows[k]) >= row })
	for k := start; k < len(m.Rows) && int(m.Rows[k]) == row; k++ {
		if int(m.Cols[k]) == col {
			return m.Values[k]
		}
	}
	return 0
}

// ToTensors returns the coordinates and values of the matrix as tensors:
// indices shaped [nnz, 2] (row, col) as Int32 and values shaped [nnz] as dtype.
// dtype must be Float32 or Float64.
func (m *Matrix) ToTensors(dtype dtypes.DType) (indices, values *tensors.Tensor, err error) {
	nnz := m.Nnz()
	flatIndices := make([]int32, 2*nnz)
	for k := range nnz {
		flatIndices[2*k] = m.Rows[k]
		flatIndices[2*k+1] = m.Cols[k]
	}
	indices = tensors.FromFlatDataAndDimensions(flatIndices, nnz, 2)
	switch dtype {
	case dtypes.Float64:
		values = tensors.FromFlatDataAndDimensions(append([]float64(nil), m.Values...), nnz)
	case dtypes.Float32:
		flat := make([]float32, nnz)
		for k, v := range m.Values {
			flat[k] = float32(v)
		}
		values = tensors.FromFlatDataAndDimensions(flat, nnz)
	default:
		return nil, nil, errors.Errorf("laplacian: unsupported dtype %s for values", dtype)
	}
	return indices, values, nil
}

// BlockDiagonal stacks matrices along the diagonal: the result has size Σ N_b and the
// entries of the b-th matrix are offset by the sizes of the previous ones.
// It is used to handle batches of images as one flattened image.
func BlockDiagonal(blocks ...*Matrix) *Matrix {
	out := &Matrix{}
	for _, b := range blocks {
		out.N += b.N
	}
	nnz := 0
	for _, b := range blocks {
		nnz += b.Nnz()
	}
	out.Rows = make([]int32, 0, nnz)
	out.Cols = make([]int32, 0, nnz)
	out.Values = make([]float64, 0, nnz)
	offset := int32(0)
	for _, b := range blocks {
		for k := range b.Values {
			out.Rows = append(out.Rows, b.Rows[k]+offset)
			out.Cols = append(out.Cols, b.Cols[k]+offset)
		}
		out.Values = append(out.Values, b.Values...)
		offset += int32(b.N)
	}
	return out
}
