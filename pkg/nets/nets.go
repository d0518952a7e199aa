// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nets implements the frozen networks used for style transfer: a VGG-19 "normalized"
// encoder truncated at relu4_1 (layers r11 to r41), and the decoders mirroring it.
//
// Images are shaped [batch, height, width, 3] (channels last) with values in [0, 1].
// All variables created here are marked as not trainable: their values are expected to be loaded
// from pretrained network directories (see package weights), and no optimizer ever updates them.
package nets

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Scopes of the frozen networks in the context.
const (
	// EncoderScope holds the representation encoder, whose features feed the transform.
	EncoderScope = "encoder"

	// LossNetScope holds the loss network encoder, whose features feed the criterion.
	LossNetScope = "lossnet"

	// DecoderScope holds the decoder that inverts the representation encoder.
	DecoderScope = "decoder"
)

// LayerID enumerates the encoder layers features can be taken from: the first ReLU of each stage.
type LayerID int

const (
	R11 LayerID = iota + 1
	R21
	R31
	R41
)

// AllLayers lists the layers from the shallowest to the deepest.
var AllLayers = []LayerID{R11, R21, R31, R41}

// Depth is the stage number of the layer, 1 for r11 up to 4 for r41.
func (l LayerID) Depth() int { return int(l) }

// String implements fmt.Stringer, returning "r11", "r21", "r31" or "r41".
func (l LayerID) String() string {
	if l < R11 || l > R41 {
		return fmt.Sprintf("LayerID(%d)", int(l))
	}
	return fmt.Sprintf("r%d1", int(l))
}

// ParseLayerID converts "r11", "r21", "r31" or "r41" to a LayerID.
func ParseLayerID(name string) (LayerID, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, l := range AllLayers {
		if l.String() == name {
			return l, nil
		}
	}
	return 0, errors.Errorf("unknown layer %q, valid values are r11, r21, r31 and r41", name)
}

// ParseLayerList parses a comma-separated list of layers, e.g. "r41,r31,r21,r11".
func ParseLayerList(list string) ([]LayerID, error) {
	var layers []LayerID
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		l, err := ParseLayerID(part)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, nil
}

// DecoderMode selects how the decoder inverts the encoder's pooling.
type DecoderMode int

const (
	// Upsample uses nearest-neighbor upsampling.
	Upsample DecoderMode = iota

	// Unpool places values at the positions selected by the content encoder's max-pooling.
	Unpool
)

// String implements fmt.Stringer.
func (m DecoderMode) String() string {
	switch m {
	case Upsample:
		return "upsample"
	case Unpool:
		return "unpool"
	}
	return fmt.Sprintf("DecoderMode(%d)", int(m))
}

// ParseDecoderMode converts "upsample" or "unpool" to a DecoderMode.
func ParseDecoderMode(name string) (DecoderMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "upsample":
		return Upsample, nil
	case "unpool":
		return Unpool, nil
	}
	return 0, errors.Errorf("unknown decoder mode %q, valid values are upsample and unpool", name)
}

// Architecture defines the number of channels of each stage of the encoder.
type Architecture struct {
	Widths [4]int
}

// DefaultArchitecture is VGG-19's: 64, 128, 256 and 512 channels.
func DefaultArchitecture() Architecture {
	return Architecture{Widths: [4]int{64, 128, 256, 512}}
}

// ParseWidths parses a comma-separated list of the 4 stage widths, e.g. "64,128,256,512".
func ParseWidths(list string) (Architecture, error) {
	var arch Architecture
	parts := strings.Split(list, ",")
	if len(parts) != 4 {
		return arch, errors.Errorf("encoder widths must have 4 values, got %q", list)
	}
	for ii, part := range parts {
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &arch.Widths[ii]); err != nil || arch.Widths[ii] <= 0 {
			return arch, errors.Errorf("invalid encoder width %q in %q", part, list)
		}
	}
	return arch, nil
}

// Width returns the number of channels of the features at the given layer.
func (a Architecture) Width(layer LayerID) int { return a.Widths[layer.Depth()-1] }

// Features produced by an encoder.
type Features struct {
	// Layers maps "r11", "r12", "r21", "r22", "r31", "r34" and "r41" (up to the depth computed)
	// to their features, shaped [B, H, W, C].
	Layers map[string]*Node

	// PoolMasks holds the mask of each max-pooling (see MaxPoolWithMask), in order, when the
	// encoder was built with masks.
	PoolMasks []*Node
}

// At returns the features of the given layer. It panics if the layer was not computed.
func (f *Features) At(layer LayerID) *Node {
	node, found := f.Layers[layer.String()]
	if !found {
		exceptions.Panicf("features of layer %s not computed", layer)
	}
	return node
}

// stage of the encoder: number of 3x3 convolutions and the names of the features to keep,
// indexed by the convolution number (1-based).
var encoderStages = [4]struct {
	numConvs int
	keep     map[int]string
}{
	{2, map[int]string{1: "r11", 2: "r12"}},
	{2, map[int]string{1: "r21", 2: "r22"}},
	{4, map[int]string{1: "r31", 4: "r34"}},
	{1, map[int]string{1: "r41"}},
}

// Encode runs the encoder on img ([B, H, W, 3], values in [0, 1]) up to the given layer.
// If withMasks is true, the max-pooling masks are kept for unpooling decoders.
//
// Variables are created (or reused) in ctx's current scope.
func Encode(ctx *context.Context, arch Architecture, img *Node, upTo LayerID, withMasks bool) *Features {
	if img.Rank() != 4 || img.Shape().Dimensions[3] != 3 {
		exceptions.Panicf("nets.Encode requires images shaped [B, H, W, 3], got %s", img.Shape())
	}
	ctx = ctx.Checked(false)
	features := &Features{Layers: make(map[string]*Node)}

	// 1x1 convolution that converts the [0, 1] RGB input to VGG's normalized space.
	x := frozenConv(ctx.In("conv0"), img, 1, 3, false)
	for stage := range upTo.Depth() {
		if stage > 0 {
			pooled, mask := MaxPoolWithMask(x)
			x = pooled
			if withMasks {
				features.PoolMasks = append(features.PoolMasks, mask)
			}
		}
		spec := encoderStages[stage]
		for conv := 1; conv <= spec.numConvs; conv++ {
			if stage == upTo.Depth()-1 && conv > 1 {
				// Nothing else needed from the last stage.
				break
			}
			x = frozenConv(ctx.In(fmt.Sprintf("conv%d_%d", stage+1, conv)), x, 3, arch.Widths[stage], true)
			if name, ok := spec.keep[conv]; ok {
				features.Layers[name] = x
			}
		}
	}
	return features
}

// Decode inverts the encoder from the features of layer from back to an image [B, H, W, 3].
//
// In Unpool mode, masks must hold (at least) the first from.Depth()-1 pooling masks of the
// content encoder (see Features.PoolMasks); in Upsample mode masks are ignored.
//
// Variables are created (or reused) in ctx's current scope.
func Decode(ctx *context.Context, arch Architecture, feature *Node, from LayerID, mode DecoderMode, masks []*Node) *Node {
	if got, want := feature.Shape().Dimensions[feature.Rank()-1], arch.Width(from); got != want {
		exceptions.Panicf("nets.Decode from %s expects %d channels, got feature shaped %s", from, want, feature.Shape())
	}
	if mode == Unpool && len(masks) < from.Depth()-1 {
		exceptions.Panicf("nets.Decode(mode=unpool) from %s requires %d pooling masks, got %d",
			from, from.Depth()-1, len(masks))
	}
	ctx = ctx.Checked(false)
	x := feature
	for stage := from.Depth() - 1; stage >= 0; stage-- {
		width := arch.Widths[stage]
		// Convolutions at this stage's width, and one reducing to the previous stage's width
		// (or to RGB for the first stage). The starting feature is the stage's first ReLU, so
		// only the reducing convolution is used there.
		numSame := encoderStages[stage].numConvs - 1
		if stage == from.Depth()-1 {
			numSame = 0
		}
		for conv := 1; conv <= numSame; conv++ {
			x = frozenConv(ctx.In(fmt.Sprintf("deconv%d_%d", stage+1, conv)), x, 3, width, true)
		}
		name := fmt.Sprintf("deconv%d_%d", stage+1, numSame+1)
		if stage == 0 {
			x = frozenConv(ctx.In(name), x, 3, 3, false)
			break
		}
		x = frozenConv(ctx.In(name), x, 3, arch.Widths[stage-1], true)
		switch mode {
		case Upsample:
			x = Upsample2x(x)
		case Unpool:
			x = UnpoolWithMask(x, masks[stage-1])
		default:
			exceptions.Panicf("unknown decoder mode %s", mode)
		}
	}
	return x
}
