// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matting

import (
	"github.com/gomlx/photostyle/pkg/laplacian"
	"github.com/pkg/errors"
)

// ReferenceLoss computes Σ_c X_cᵀ M X_c on the CPU, for x given in pixel-major order
// (N pixels × channels).
func ReferenceLoss(m *laplacian.Matrix, x []float64, channels int) (float64, error) {
	if len(x) != m.N*channels {
		return 0, errors.Wrapf(ErrDimensionMismatch, "got %d values for %d pixels × %d channels", len(x), m.N, channels)
	}
	var total float64
	for k, v := range m.Values {
		r, c := int(m.Rows[k]), int(m.Cols[k])
		for ch := range channels {
			total += x[r*channels+ch] * v * x[c*channels+ch]
		}
	}
	return total, nil
}

// ReferenceGradient computes 2·M·X_c for every channel on the CPU, in the same layout as x.
func ReferenceGradient(m *laplacian.Matrix, x []float64, channels int) ([]float64, error) {
	if len(x) != m.N*channels {
		return nil, errors.Wrapf(ErrDimensionMismatch, "got %d values for %d pixels × %d channels", len(x), m.N, channels)
	}
	grad := make([]float64, len(x))
	for k, v := range m.Values {
		r, c := int(m.Rows[k]), int(m.Cols[k])
		for ch := range channels {
			grad[r*channels+ch] += 2 * v * x[c*channels+ch]
		}
	}
	return grad, nil
}
