// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch of samples.
type Batch struct {
	// Images shaped [batchSize, height, width, 3].
	Images *tensors.Tensor

	// Names of the images.
	Names []string
}

// Batcher groups samples of a Source in batches.
type Batcher struct {
	Source    Source
	BatchSize int
}

// NewBatcher returns a Batcher of the given size.
func NewBatcher(src Source, batchSize int) (*Batcher, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	return &Batcher{Source: src, BatchSize: batchSize}, nil
}

// Next returns the next batch. If reading any sample fails, the whole batch is dropped and the
// error returned: transient errors can be skipped by calling Next again.
func (b *Batcher) Next() (Batch, error) {
	var (
		flat  []float32
		names []string
		dims  []int
	)
	for ii := range b.BatchSize {
		sample, err := b.Source.Next()
		if err != nil {
			return Batch{}, err
		}
		img := sample.Image
		if img.Rank() != 3 || img.Shape().Dimensions[2] != 3 {
			return Batch{}, errors.Errorf("sample %q from %q has invalid shape %s, expected [H, W, 3]",
				sample.Name, b.Source.Name(), img.Shape())
		}
		if ii == 0 {
			dims = slices.Clone(img.Shape().Dimensions)
			flat = make([]float32, 0, b.BatchSize*img.Size())
		} else if !slices.Equal(dims, img.Shape().Dimensions) {
			return Batch{}, errors.Errorf("samples of a batch must have the same shape, got %v and %v (%q)",
				dims, img.Shape().Dimensions, sample.Name)
		}
		flat = append(flat, tensors.MustCopyFlatData[float32](img)...)
		names = append(names, sample.Name)
	}
	return Batch{
		Images: tensors.FromFlatDataAndDimensions(flat, b.BatchSize, dims[0], dims[1], dims[2]),
		Names:  names,
	}, nil
}
