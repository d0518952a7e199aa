// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nets

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Variant bundles the representation encoder and the decoder for one transform layer and
// decoder mode. It is created once, and its Encode and Decode are then used without any
// further dispatch on the layer or mode.
type Variant struct {
	Arch  Architecture
	Layer LayerID
	Mode  DecoderMode

	encode func(ctx *context.Context, img *Node) *Features
	decode func(ctx *context.Context, feature *Node, content *Features) *Node
}

// NewVariant selects the encoder/decoder pair for the given layer and mode.
func NewVariant(arch Architecture, layer LayerID, mode DecoderMode) *Variant {
	v := &Variant{Arch: arch, Layer: layer, Mode: mode}
	withMasks := mode == Unpool
	v.encode = func(ctx *context.Context, img *Node) *Features {
		return Encode(ctx.In(EncoderScope), arch, img, layer, withMasks)
	}
	if withMasks {
		v.decode = func(ctx *context.Context, feature *Node, content *Features) *Node {
			return Decode(ctx.In(DecoderScope), arch, feature, layer, Unpool, content.PoolMasks)
		}
	} else {
		v.decode = func(ctx *context.Context, feature *Node, _ *Features) *Node {
			return Decode(ctx.In(DecoderScope), arch, feature, layer, Upsample, nil)
		}
	}
	return v
}

// String implements fmt.Stringer.
func (v *Variant) String() string {
	return fmt.Sprintf("%s/%s%v", v.Layer, v.Mode, v.Arch.Widths)
}

// Encode runs the representation encoder (scope EncoderScope under ctx) up to the variant's layer.
func (v *Variant) Encode(ctx *context.Context, img *Node) *Features {
	return v.encode(ctx, img)
}

// Decode converts a feature at the variant's layer back to an image (scope DecoderScope under ctx).
// content holds the content image's features: in Unpool mode its pooling masks are used.
func (v *Variant) Decode(ctx *context.Context, feature *Node, content *Features) *Node {
	return v.decode(ctx, feature, content)
}

// LossNetwork runs the loss network encoder (scope LossNetScope under ctx) up to layer upTo.
func LossNetwork(ctx *context.Context, arch Architecture, img *Node, upTo LayerID) *Features {
	return Encode(ctx.In(LossNetScope), arch, img, upTo, false)
}

// Deepest returns the deepest of the given layers (R11 if empty).
func Deepest(layers ...LayerID) LayerID {
	deepest := R11
	for _, l := range layers {
		if l > deepest {
			deepest = l
		}
	}
	return deepest
}
