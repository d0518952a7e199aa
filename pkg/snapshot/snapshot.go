// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package snapshot renders the images of a training step side by side, for visual inspection.
package snapshot

import (
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Padding in pixels around each tile.
const Padding = 2

// Composite builds a grid with one row for each of content, style and result, and one column
// per batch element. Each tensor is shaped [B, H, W, 3]; content and style may have different
// spatial dimensions from the result, the tiles are sized to the largest.
//
// Values of result are clamped to [0, 1], and then each tile is scaled so that its minimum
// and maximum values map to 0 and 1.
func Composite(content, style, result *tensors.Tensor) (image.Image, error) {
	rows := []*tensors.Tensor{content, style, result}
	batch, tileH, tileW := -1, 0, 0
	for ii, t := range rows {
		if t == nil || t.Rank() != 4 || t.Shape().Dimensions[3] != 3 {
			return nil, errors.Errorf("snapshot tensor #%d must be shaped [B, H, W, 3], got %v", ii, shapeOf(t))
		}
		dims := t.Shape().Dimensions
		if batch >= 0 && dims[0] != batch {
			return nil, errors.Errorf("snapshot tensors must have the same batch size, got %d and %d", batch, dims[0])
		}
		batch = dims[0]
		tileH, tileW = max(tileH, dims[1]), max(tileW, dims[2])
	}

	canvas := imaging.New(batch*(tileW+Padding)+Padding, len(rows)*(tileH+Padding)+Padding, color.Black)
	for row, t := range rows {
		tiles, err := tilesOf(t, row == len(rows)-1)
		if err != nil {
			return nil, err
		}
		for col, tile := range tiles {
			canvas = imaging.Paste(canvas, tile, image.Pt(Padding+col*(tileW+Padding), Padding+row*(tileH+Padding)))
		}
	}
	return canvas, nil
}

func shapeOf(t *tensors.Tensor) any {
	if t == nil {
		return nil
	}
	return t.Shape()
}

// tilesOf converts each image of the batch to a normalized image.
func tilesOf(t *tensors.Tensor, clamp bool) ([]image.Image, error) {
	var flat []float32
	switch t.DType() {
	case dtypes.Float32:
		flat = tensors.MustCopyFlatData[float32](t)
	case dtypes.Float64:
		for _, v := range tensors.MustCopyFlatData[float64](t) {
			flat = append(flat, float32(v))
		}
	default:
		return nil, errors.Errorf("snapshot tensors must be float32 or float64, got %s", t.DType())
	}
	dims := t.Shape().Dimensions
	size := dims[1] * dims[2] * dims[3]
	tiles := make([]image.Image, dims[0])
	for b := range dims[0] {
		pixels := flat[b*size : (b+1)*size]
		if clamp {
			for ii, v := range pixels {
				pixels[ii] = min(max(v, 0), 1)
			}
		}
		normalize(pixels)
		tile := tensors.FromFlatDataAndDimensions(pixels, dims[1], dims[2], dims[3])
		tiles[b] = images.ToImage().MaxValue(1.0).Single(tile)
	}
	return tiles, nil
}

// normalize scales values in place so they span [0, 1]. Constant values are left unchanged.
func normalize(values []float32) {
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo, hi = min(lo, v), max(hi, v)
	}
	if hi-lo < 1e-5 {
		return
	}
	scale := 1 / (hi - lo)
	for ii, v := range values {
		values[ii] = (v - lo) * scale
	}
}

// Save writes img as a PNG file to path. The file is first written to a temporary file in the
// same directory and then renamed.
func Save(path string, img image.Image) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create directory %q", dir)
		}
	}
	tmpPath := path + "." + uuid.NewString() + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create snapshot %q", tmpPath)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if err = imaging.Encode(f, img, imaging.PNG); err != nil {
		return errors.Wrapf(err, "failed to encode snapshot %q", path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close snapshot %q", tmpPath)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmpPath, path)
	}
	return nil
}
