// Package pspnet implements the Pyramid Scene Parsing network over an encoder
// from the backbone catalog.
// Ref: https://arxiv.org/abs/1612.01105
package pspnet

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/pspseg/base"
	"github.com/sugarme/pspseg/config"
	"github.com/sugarme/pspseg/encoder"
)

// Bins of the pyramid pooling module.
var Bins = []int64{1, 2, 3, 6}

// PSPNet is a PSPNet model struct.
type PSPNet struct {
	encoder encoder.Encoder
	tap     int
	pyramid *PyramidPooling
	head    *base.SegmentationHead
	params  config.Params
}

// New creates PSPNet from params under path p. Encoder variables sit at the
// root of p so pretrained backbone weights load as is; the rest live under
// p.Sub("decoder") and p.Sub("head").
func New(p *nn.Path, params config.Params) (*PSPNet, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.InputShape.Channels != 3 {
		// catalog encoders have RGB stems.
		return nil, errors.Wrapf(config.ErrInvalidParams, "encoder %q expects 3 input channels, got %d",
			params.Backbone, params.InputShape.Channels)
	}

	tap := tapIndex(params.DownsampleFactor)
	enc, err := encoder.New(p, params.Backbone, tap)
	if err != nil {
		return nil, err
	}
	cIn := enc.OutChannels()[tap]

	pyramid := NewPyramidPooling(p.Sub("decoder"), cIn, params)
	head, err := base.NewSegmentationHead(p.Sub("head"), params.ConvFilters, params.Classes, 3, params.DownsampleFactor, params.Activation)
	if err != nil {
		return nil, errors.Wrap(config.ErrInvalidParams, err.Error())
	}

	return &PSPNet{
		encoder: enc,
		tap:     tap,
		pyramid: pyramid,
		head:    head,
		params:  params,
	}, nil
}

// tapIndex maps downsample factor 4, 8, 16 to encoder tap 2, 3, 4.
func tapIndex(factor int64) int {
	tap := 0
	for f := factor; f > 1; f /= 2 {
		tap++
	}

	return tap
}

// ForwardT implements ts.ModuleT for PSPNet struct.
// x: [B C H W] -> [B classes H W]
func (n *PSPNet) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	features := n.encoder.ForwardAll(x, train)
	z := n.pyramid.ForwardT(features[n.tap], train)
	for _, f := range features {
		f.MustDrop()
	}
	masks := n.head.ForwardT(z, train)
	z.MustDrop()

	return masks
}

// IsDecoderVar reports whether a var-store variable name belongs to the
// pyramid pooling module or the head rather than the encoder.
func IsDecoderVar(name string) bool {
	return strings.HasPrefix(name, "decoder.") || strings.HasPrefix(name, "head.")
}

// Params returns the params the model was created from.
func (n *PSPNet) Params() config.Params {
	return n.params
}

// PyramidPooling pools encoder features over several bin sizes, projects and
// resizes each back, then fuses them with the features.
type PyramidPooling struct {
	pooling string
	stages  []*nn.SequentialT
	fuse    *nn.SequentialT
	dropout float64
}

// NewPyramidPooling creates PyramidPooling over cIn channels.
func NewPyramidPooling(p *nn.Path, cIn int64, params config.Params) *PyramidPooling {
	m := &PyramidPooling{pooling: params.Pooling, dropout: params.Dropout}
	for _, bin := range Bins {
		m.stages = append(m.stages, base.Conv2dBnRelu(p.Sub(fmt.Sprintf("psp_level%d", bin)), cIn, params.ConvFilters, 1, 0, 1, params.UseBatchNorm))
	}
	cCat := cIn + int64(len(Bins))*params.ConvFilters
	m.fuse = base.Conv2dBnRelu(p.Sub("aggregation"), cCat, params.ConvFilters, 1, 0, 1, params.UseBatchNorm)

	return m
}

// ForwardT implements ts.ModuleT for PyramidPooling.
func (m *PyramidPooling) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	size := x.MustSize()
	hw := size[2:]

	levels := []ts.Tensor{*x}
	var tmp []*ts.Tensor
	for i, bin := range Bins {
		pooled := m.pool(x, bin)
		conv := m.stages[i].ForwardT(pooled, train)
		pooled.MustDrop()
		up := base.Upsampling(conv, hw)
		conv.MustDrop()
		levels = append(levels, *up)
		tmp = append(tmp, up)
	}

	cat := ts.MustCat(levels, 1)
	for _, t := range tmp {
		t.MustDrop()
	}
	out := m.fuse.ForwardT(cat, train)
	cat.MustDrop()

	if m.dropout > 0 {
		d := ts.MustDropout(out, m.dropout, train)
		out.MustDrop()
		out = d
	}

	return out
}

// pool reduces x [B C H W] to [B C bin bin]. H and W are divisible by bin.
func (m *PyramidPooling) pool(x *ts.Tensor, bin int64) *ts.Tensor {
	if m.pooling == "max" {
		size := x.MustSize()
		k := []int64{size[2] / bin, size[3] / bin}
		return x.MustMaxPool2d(k, k, []int64{0, 0}, []int64{1, 1}, false, false)
	}

	return x.MustAdaptiveAvgPool2d([]int64{bin, bin}, false)
}
