// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package criterion implements the style and content losses computed on the loss network features.
//
// The style loss compares Gram matrices of the transformed image and of the style image, and the
// content loss compares features of the transformed image and the content image directly.
package criterion

import (
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/photostyle/pkg/nets"
	"github.com/pkg/errors"
)

// Config of the criterion.
type Config struct {
	StyleLayers, ContentLayers []nets.LayerID
	StyleWeight, ContentWeight float64
}

// Validate checks that both lists of layers are non-empty and have no repeated layers. It sorts the
// lists, since the order of the layers doesn't matter.
func (c *Config) Validate() error {
	for _, list := range []struct {
		name   string
		layers []nets.LayerID
	}{{"style", c.StyleLayers}, {"content", c.ContentLayers}} {
		if len(list.layers) == 0 {
			return errors.Errorf("criterion: no %s layers configured", list.name)
		}
		seen := make(map[nets.LayerID]bool, len(list.layers))
		for _, l := range list.layers {
			if l < nets.R11 || l > nets.R41 {
				return errors.Errorf("criterion: invalid %s layer %s", list.name, l)
			}
			if seen[l] {
				return errors.Errorf("criterion: %s layer %s configured more than once", list.name, l)
			}
			seen[l] = true
		}
	}
	slices.Sort(c.StyleLayers)
	slices.Sort(c.ContentLayers)
	if c.StyleWeight < 0 || c.ContentWeight < 0 {
		return errors.Errorf("criterion: weights must be non-negative, got style=%g content=%g",
			c.StyleWeight, c.ContentWeight)
	}
	return nil
}

// Deepest layer used by either list: the loss network must be computed up to it.
func (c *Config) Deepest() nets.LayerID {
	return nets.Deepest(append(slices.Clone(c.StyleLayers), c.ContentLayers...)...)
}

// Gram returns the Gram matrices of features shaped [B, H, W, C]: [B, C, C] normalized by H·W·C.
func Gram(features *Node) *Node {
	dims := features.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	flat := Reshape(features, batch, height*width, channels)
	gram := Einsum("bpi,bpj->bij", flat, flat)
	return DivScalar(gram, float64(height*width*channels))
}

// mse is the mean of the squared differences.
func mse(a, b *Node) *Node {
	return ReduceAllMean(Square(Sub(a, b)))
}

// Compute returns the total loss, the style loss and the content loss, given the loss network
// features of the transformed image, the style image and the content image.
//
// style = Σ_layers MSE(Gram(transformed), Gram(style)),
// content = Σ_layers MSE(transformed, content),
// total = ContentWeight·content + StyleWeight·style.
func (c *Config) Compute(transformed, style, content *nets.Features) (total, styleLoss, contentLoss *Node) {
	for _, layer := range c.StyleLayers {
		term := mse(Gram(transformed.At(layer)), Gram(style.At(layer)))
		if styleLoss == nil {
			styleLoss = term
		} else {
			styleLoss = Add(styleLoss, term)
		}
	}
	for _, layer := range c.ContentLayers {
		term := mse(transformed.At(layer), content.At(layer))
		if contentLoss == nil {
			contentLoss = term
		} else {
			contentLoss = Add(contentLoss, term)
		}
	}
	total = Add(MulScalar(contentLoss, c.ContentWeight), MulScalar(styleLoss, c.StyleWeight))
	return
}
