// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package laplacian

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ImagesFromTensor converts a float tensor shaped [H, W, C] or [B, H, W, C] to images.
func ImagesFromTensor(t *tensors.Tensor) ([]Image, error) {
	dims := t.Shape().Dimensions
	if len(dims) == 3 {
		dims = append([]int{1}, dims...)
	}
	if len(dims) != 4 {
		return nil, errors.Errorf("laplacian: expected image tensor shaped [H,W,C] or [B,H,W,C], got %s", t.Shape())
	}
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	var flat []float64
	switch t.DType() {
	case dtypes.Float32:
		for _, v := range tensors.MustCopyFlatData[float32](t) {
			flat = append(flat, float64(v))
		}
	case dtypes.Float64:
		flat = tensors.MustCopyFlatData[float64](t)
	default:
		return nil, errors.Errorf("laplacian: unsupported image dtype %s", t.DType())
	}
	imgSize := height * width * channels
	images := make([]Image, batch)
	for b := range batch {
		images[b] = Image{
			Height:   height,
			Width:    width,
			Channels: channels,
			Pix:      flat[b*imgSize : (b+1)*imgSize],
		}
	}
	return images, nil
}

// BuildBatch builds the Laplacian of each image of a [B, H, W, C] (or [H, W, C]) tensor
// and returns them as one block-diagonal matrix of size B·H·W, matching the image
// flattened to [B·H·W, C].
func BuildBatch(t *tensors.Tensor, opts Options) (*Matrix, error) {
	images, err := ImagesFromTensor(t)
	if err != nil {
		return nil, err
	}
	blocks := make([]*Matrix, len(images))
	for ii, img := range images {
		blocks[ii], err = Build(img, opts)
		if err != nil {
			return nil, errors.WithMessagef(err, "batch element #%d", ii)
		}
	}
	if len(blocks) == 1 {
		return blocks[0], nil
	}
	return BlockDiagonal(blocks...), nil
}
