// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"image"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// ImageExtensions recognized by ImageFolder, lower case.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff"}

// ImageFolder is a Source of the images of a directory (not recursive).
//
// Each pass visits all files in a random order. An image is resized so its shorter side is
// LoadSize, and a random FineSize x FineSize crop is taken. It's safe for concurrent use.
type ImageFolder struct {
	dir                string
	loadSize, fineSize int
	seed               uint64

	mu    sync.Mutex
	files []string
	order []int
	pos   int
	pass  uint64
	rng   *rand.Rand
}

// NewImageFolder lists the images in dir. It fails if there are none, or if loadSize < fineSize.
func NewImageFolder(dir string, loadSize, fineSize int, seed uint64) (*ImageFolder, error) {
	if fineSize <= 0 || loadSize < fineSize {
		return nil, errors.Errorf("invalid image sizes: load_size=%d must be >= fine_size=%d > 0", loadSize, fineSize)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %q", dir)
	}
	f := &ImageFolder{dir: dir, loadSize: loadSize, fineSize: fineSize, seed: seed}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if slices.Contains(ImageExtensions, ext) {
			f.files = append(f.files, entry.Name())
		}
	}
	if len(f.files) == 0 {
		return nil, errors.Errorf("no images found in %q", dir)
	}
	slices.Sort(f.files)
	f.shuffle()
	return f, nil
}

// shuffle starts a new pass.
func (f *ImageFolder) shuffle() {
	f.rng = rand.New(rand.NewPCG(f.seed, f.pass))
	f.order = f.rng.Perm(len(f.files))
	f.pos = 0
	f.pass++
}

// Name implements Source.
func (f *ImageFolder) Name() string { return f.dir }

// Len returns the number of images in the folder.
func (f *ImageFolder) Len() int { return len(f.files) }

// Reset implements Source.
func (f *ImageFolder) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shuffle()
	return nil
}

// Next implements Source. Files that fail to decode return an error wrapping ErrTransient.
func (f *ImageFolder) Next() (Sample, error) {
	f.mu.Lock()
	if f.pos >= len(f.order) {
		f.mu.Unlock()
		return Sample{}, ErrExhausted
	}
	name := f.files[f.order[f.pos]]
	f.pos++
	// Crop position drawn while holding the lock, so the sequence only depends on the seed.
	cropX, cropY := f.rng.Float64(), f.rng.Float64()
	f.mu.Unlock()

	path := filepath.Join(f.dir, name)
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return Sample{}, errors.Wrapf(ErrTransient, "failed to decode %q: %v", path, err)
	}
	if b := img.Bounds(); b.Dx() < 1 || b.Dy() < 1 {
		return Sample{}, errors.Wrapf(ErrTransient, "empty image %q", path)
	}
	crop := f.Crop(img, cropX, cropY)
	thumb := imaging.Resize(img, f.fineSize, f.fineSize, imaging.Lanczos)
	return Sample{
		Image:     ImageToTensor(crop),
		Thumbnail: ImageToTensor(thumb),
		Name:      name,
	}, nil
}

// Crop resizes img so its shorter side is the load size, and crops a fine size square at the
// relative position (x, y), each in [0, 1).
func (f *ImageFolder) Crop(img image.Image, x, y float64) image.Image {
	b := img.Bounds()
	var resized *image.NRGBA
	if b.Dx() <= b.Dy() {
		resized = imaging.Resize(img, f.loadSize, 0, imaging.Lanczos)
	} else {
		resized = imaging.Resize(img, 0, f.loadSize, imaging.Lanczos)
	}
	rb := resized.Bounds()
	left := int(x * float64(rb.Dx()-f.fineSize+1))
	top := int(y * float64(rb.Dy()-f.fineSize+1))
	return imaging.Crop(resized, image.Rect(left, top, left+f.fineSize, top+f.fineSize))
}

// ImageToTensor converts img to a float32 tensor shaped [height, width, 3] with values in [0, 1].
func ImageToTensor(img image.Image) *tensors.Tensor {
	return images.ToTensor(dtypes.Float32).Single(img)
}
