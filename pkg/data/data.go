// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data provides the image sources feeding the training loop: a folder of images,
// wrappers that restart, prefetch or repeat sources, and a Batcher to group samples in batches.
//
// Images are float32 tensors shaped [height, width, 3], with values in [0, 1].
package data

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrExhausted is returned by Source.Next at the end of a pass. Call Source.Reset to restart.
	ErrExhausted = errors.New("data source exhausted")

	// ErrTransient is wrapped by errors that only affect the current sample (e.g. a corrupt
	// image file): the caller may skip it and continue.
	ErrTransient = errors.New("transient data source error")
)

// Sample is one image of a Source.
type Sample struct {
	// Image shaped [fineSize, fineSize, 3].
	Image *tensors.Tensor

	// Thumbnail is the whole image resized to [fineSize, fineSize, 3].
	Thumbnail *tensors.Tensor

	// Name of the image, usually its file name.
	Name string
}

// Source of samples.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// Next returns the next sample. At the end of a pass it returns ErrExhausted, and errors
	// wrapping ErrTransient for samples that failed to load. Any other error is fatal.
	Next() (Sample, error)

	// Reset restarts the source for a new pass.
	Reset() error
}

// IsTransient reports whether err only affects the current sample.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// cycle implements Cycle.
type cycle struct {
	Source
}

// Cycle wraps src so that exhaustion restarts it within the same Next call. Its Next never
// returns ErrExhausted, except if src is empty.
func Cycle(src Source) Source {
	return &cycle{Source: src}
}

// Next implements Source.
func (c *cycle) Next() (Sample, error) {
	sample, err := c.Source.Next()
	if !errors.Is(err, ErrExhausted) {
		return sample, err
	}
	klog.V(1).Infof("data source %q exhausted, restarting", c.Source.Name())
	if err := c.Source.Reset(); err != nil {
		return Sample{}, errors.WithMessagef(err, "failed to restart data source %q", c.Source.Name())
	}
	sample, err = c.Source.Next()
	if errors.Is(err, ErrExhausted) {
		return Sample{}, errors.Errorf("data source %q is empty", c.Source.Name())
	}
	return sample, err
}

// repeat implements Repeat.
type repeat struct {
	sample Sample
}

// Repeat returns a Source that yields sample forever.
func Repeat(sample Sample) Source {
	return &repeat{sample: sample}
}

// Name implements Source.
func (r *repeat) Name() string { return "repeat(" + r.sample.Name + ")" }

// Next implements Source.
func (r *repeat) Next() (Sample, error) { return r.sample, nil }

// Reset implements Source.
func (r *repeat) Reset() error { return nil }
