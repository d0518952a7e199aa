// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeImages creates n solid color PNG images sized width x height in dir.
func writeImages(t *testing.T, dir string, n, width, height int) {
	for ii := range n {
		img := imaging.New(width, height, color.NRGBA{R: uint8(40 * ii), G: 100, B: 200, A: 255})
		require.NoError(t, imaging.Save(img, filepath.Join(dir, string(rune('a'+ii))+".png")))
	}
}

func TestImageFolder(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, dir, 3, 40, 30)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	folder, err := NewImageFolder(dir, 20, 16, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, folder.Len())

	seen := make(map[string]bool)
	for range 3 {
		sample, err := folder.Next()
		require.NoError(t, err)
		assert.Equal(t, []int{16, 16, 3}, sample.Image.Shape().Dimensions)
		assert.Equal(t, []int{16, 16, 3}, sample.Thumbnail.Shape().Dimensions)
		for _, v := range tensors.MustCopyFlatData[float32](sample.Image) {
			require.True(t, v >= 0 && v <= 1, "value %g out of [0, 1]", v)
		}
		seen[sample.Name] = true
	}
	assert.Len(t, seen, 3)
	_, err = folder.Next()
	assert.True(t, errors.Is(err, ErrExhausted))

	require.NoError(t, folder.Reset())
	_, err = folder.Next()
	require.NoError(t, err)

	_, err = NewImageFolder(t.TempDir(), 20, 16, 0)
	require.Error(t, err)
	_, err = NewImageFolder(dir, 8, 16, 0)
	require.Error(t, err)
}

func TestTransientAndCycle(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, dir, 1, 16, 16)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "corrupt.png"), []byte("not a png"), 0o644))
	folder, err := NewImageFolder(dir, 16, 16, 1)
	require.NoError(t, err)

	src := Cycle(folder)
	var good, transient int
	for range 6 {
		_, err := src.Next()
		switch {
		case err == nil:
			good++
		case IsTransient(err):
			transient++
		default:
			require.NoError(t, err)
		}
	}
	// Two passes of two files: cycling never reports exhaustion.
	assert.Equal(t, 3, good)
	assert.Equal(t, 3, transient)
}

func TestPrefetchAndBatch(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, dir, 4, 16, 16)
	folder, err := NewImageFolder(dir, 16, 8, 3)
	require.NoError(t, err)

	// Reference order, from an identical folder.
	reference, err := NewImageFolder(dir, 16, 8, 3)
	require.NoError(t, err)
	var want []string
	for range 4 {
		sample, err := reference.Next()
		require.NoError(t, err)
		want = append(want, sample.Name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prefetcher := Prefetch(ctx, folder, 2)
	defer prefetcher.Close()
	batcher, err := NewBatcher(prefetcher, 2)
	require.NoError(t, err)
	var got []string
	for range 2 {
		batch, err := batcher.Next()
		require.NoError(t, err)
		assert.Equal(t, []int{2, 8, 8, 3}, batch.Images.Shape().Dimensions)
		got = append(got, batch.Names...)
	}
	assert.Equal(t, want, got)
	_, err = batcher.Next()
	assert.True(t, errors.Is(err, ErrExhausted))

	require.NoError(t, prefetcher.Reset())
	_, err = batcher.Next()
	require.NoError(t, err)

	_, err = NewBatcher(prefetcher, 0)
	require.Error(t, err)
}

func TestRepeat(t *testing.T) {
	img := imaging.New(4, 4, color.White)
	sample := Sample{Image: ImageToTensor(img), Name: "white"}
	src := Repeat(sample)
	batcher, err := NewBatcher(src, 3)
	require.NoError(t, err)
	batch, err := batcher.Next()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 4, 3}, batch.Images.Shape().Dimensions)
	assert.Equal(t, []string{"white", "white", "white"}, batch.Names)
	for _, v := range tensors.MustCopyFlatData[float32](batch.Images) {
		require.Equal(t, float32(1), v)
	}
}
