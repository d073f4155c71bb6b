package encoder

import (
	"fmt"
	"math"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/pspseg/base"
)

// EfficientNet
// Ref. https://arxiv.org/abs/1905.11946

type blockArgs struct {
	repeats int
	kernel  int64
	stride  int64
	expand  int64
	cIn     int64
	cOut    int64
}

// EfficientNet-B0 stages.
var baseBlocks = []blockArgs{
	{1, 3, 1, 1, 32, 16},
	{2, 3, 2, 6, 16, 24},
	{2, 5, 2, 6, 24, 40},
	{3, 3, 2, 6, 40, 80},
	{3, 5, 1, 6, 80, 112},
	{4, 5, 2, 6, 112, 192},
	{1, 3, 1, 6, 192, 320},
}

// stages whose first block expand activation is a feature tap (strides 2, 4, 8, 16).
var tapStages = []int{1, 2, 3, 5}

const (
	stemFilters  = 32
	headFilters  = 1280
	seRatio      = 0.25
	depthDivisor = 8
)

type scaling struct {
	width float64
	depth float64
}

var efficientNetScaling = map[string]scaling{
	"efficientnetb0": {1.0, 1.0},
	"efficientnetb1": {1.0, 1.1},
	"efficientnetb2": {1.1, 1.2},
	"efficientnetb3": {1.2, 1.4},
	"efficientnetb4": {1.4, 1.8},
	"efficientnetb5": {1.6, 2.2},
	"efficientnetb6": {1.8, 2.6},
	"efficientnetb7": {2.0, 3.1},
}

func init() {
	for name, s := range efficientNetScaling {
		s := s
		register(name, entry{
			build: func(p *nn.Path, depth int) Encoder {
				return NewEfficientNetEncoder(p, s.width, s.depth, depth)
			},
			channels: func(depth int) []int64 {
				return efficientNetChannels(s.width, depth)
			},
		})
	}
}

// roundFilters scales filters by width and rounds to a multiple of 8,
// never going below 90% of the scaled value.
func roundFilters(filters int64, width float64) int64 {
	f := float64(filters) * width
	n := int64(f+depthDivisor/2) / depthDivisor * depthDivisor
	if n < depthDivisor {
		n = depthDivisor
	}
	if float64(n) < 0.9*f {
		n += depthDivisor
	}

	return n
}

func roundRepeats(repeats int, depth float64) int {
	return int(math.Ceil(depth * float64(repeats)))
}

// scaledBlocks returns the stage args scaled by width and depth coefficients.
func scaledBlocks(width, depth float64) []blockArgs {
	blocks := make([]blockArgs, len(baseBlocks))
	for i, b := range baseBlocks {
		blocks[i] = blockArgs{
			repeats: roundRepeats(b.repeats, depth),
			kernel:  b.kernel,
			stride:  b.stride,
			expand:  b.expand,
			cIn:     roundFilters(b.cIn, width),
			cOut:    roundFilters(b.cOut, width),
		}
	}

	return blocks
}

func efficientNetChannels(width float64, depth int) []int64 {
	blocks := scaledBlocks(width, 1.0)
	channels := []int64{3}
	for i := 0; i < depth; i++ {
		if i < len(tapStages) {
			b := blocks[tapStages[i]]
			channels = append(channels, b.cIn*b.expand)
		} else {
			channels = append(channels, roundFilters(headFilters, width))
		}
	}

	return channels
}

// MBConv is a mobile inverted bottleneck block with squeeze-excite.
type MBConv struct {
	expandConv  *nn.Conv2D
	expandBn    *nn.BatchNorm
	dwConv      *nn.Conv2D
	dwBn        *nn.BatchNorm
	se          *base.SqueezeExcite
	projectConv *nn.Conv2D
	projectBn   *nn.BatchNorm
	residual    bool
}

// NewMBConv creates a MBConv block. When withProject is false only the
// expansion is created, for a block whose expand activation is the last
// feature tap.
func NewMBConv(p *nn.Path, args blockArgs, withProject bool) *MBConv {
	b := &MBConv{
		residual: args.stride == 1 && args.cIn == args.cOut,
	}
	cExp := args.cIn * args.expand
	if args.expand != 1 {
		b.expandConv = base.Conv2dNoBias(p.Sub("expand_conv"), args.cIn, cExp, 1, 0, 1)
		b.expandBn = base.BatchNorm(p.Sub("expand_bn"), cExp)
	}
	if !withProject {
		return b
	}

	cSqueeze := int64(float64(args.cIn) * seRatio)
	if cSqueeze < 1 {
		cSqueeze = 1
	}
	b.dwConv = base.DepthwiseConv2d(p.Sub("dwconv"), cExp, args.kernel, args.stride)
	b.dwBn = base.BatchNorm(p.Sub("bn"), cExp)
	b.se = base.NewSqueezeExcite(p.Sub("se"), cExp, cSqueeze)
	b.projectConv = base.Conv2dNoBias(p.Sub("project_conv"), cExp, args.cOut, 1, 0, 1)
	b.projectBn = base.BatchNorm(p.Sub("project_bn"), args.cOut)

	return b
}

// ExpandT returns the expand activation of x. Blocks without expansion
// return a copy of x.
func (b *MBConv) ExpandT(x *ts.Tensor, train bool) *ts.Tensor {
	if b.expandConv == nil {
		return base.NewIdentity().Forward(x)
	}
	c := b.expandConv.ForwardT(x, train)
	bn := b.expandBn.ForwardT(c, train)
	c.MustDrop()
	res := base.Swish(bn)
	bn.MustDrop()

	return res
}

// ProjectT completes the block from its input x and expand activation.
func (b *MBConv) ProjectT(x, expanded *ts.Tensor, train bool) *ts.Tensor {
	dw := b.dwConv.ForwardT(expanded, train)
	dwBn := b.dwBn.ForwardT(dw, train)
	dw.MustDrop()
	act := base.Swish(dwBn)
	dwBn.MustDrop()
	se := b.se.ForwardT(act, train)
	act.MustDrop()
	pc := b.projectConv.ForwardT(se, train)
	se.MustDrop()
	out := b.projectBn.ForwardT(pc, train)
	pc.MustDrop()

	if b.residual {
		return out.MustAdd(x, true)
	}

	return out
}

// ForwardT implements ts.ModuleT for MBConv.
func (b *MBConv) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	exp := b.ExpandT(x, train)
	res := b.ProjectT(x, exp, train)
	exp.MustDrop()

	return res
}

type EfficientNetEncoder struct {
	stemConv *nn.Conv2D
	stemBn   *nn.BatchNorm
	// segments[i] runs before taps[i] (or the head for the last segment).
	segments [][]*MBConv
	taps     []*MBConv
	headConv *nn.Conv2D
	headBn   *nn.BatchNorm
	depth    int
	channels []int64
}

// NewEfficientNetEncoder creates an EfficientNet encoder scaled by width and
// depth coefficients, holding only the layers needed up to tap `depth`.
// Variable names follow keras: `block4a.expand_conv.weight`, ...
func NewEfficientNetEncoder(p *nn.Path, width, depthCoef float64, depth int) *EfficientNetEncoder {
	blocks := scaledBlocks(width, depthCoef)
	e := &EfficientNetEncoder{
		stemConv: base.Conv2dNoBias(p.Sub("stem_conv"), 3, roundFilters(stemFilters, width), 3, 1, 2),
		stemBn:   base.BatchNorm(p.Sub("stem_bn"), roundFilters(stemFilters, width)),
		depth:    depth,
		channels: efficientNetChannels(width, depth),
	}

	isTap := func(stage, idx int) (int, bool) {
		if idx != 0 {
			return 0, false
		}
		for t, s := range tapStages {
			if s == stage {
				return t, true
			}
		}
		return 0, false
	}

	var segment []*MBConv
	for stage, b := range blocks {
		for idx := 0; idx < b.repeats; idx++ {
			args := b
			if idx > 0 {
				args.stride = 1
				args.cIn = b.cOut
			}
			path := p.Sub(fmt.Sprintf("block%d%c", stage+1, 'a'+idx))

			if t, ok := isTap(stage, idx); ok {
				e.segments = append(e.segments, segment)
				segment = nil
				last := t+1 == depth
				e.taps = append(e.taps, NewMBConv(path, args, !last))
				if last {
					return e
				}
				continue
			}
			segment = append(segment, NewMBConv(path, args, true))
		}
	}

	// depth 5: the remaining blocks run before the head.
	e.segments = append(e.segments, segment)
	cHead := roundFilters(headFilters, width)
	e.headConv = base.Conv2dNoBias(p.Sub("top_conv"), blocks[len(blocks)-1].cOut, cHead, 1, 0, 1)
	e.headBn = base.BatchNorm(p.Sub("top_bn"), cHead)

	return e
}

// ForwardAll implements Encoder interface for EfficientNetEncoder
func (e *EfficientNetEncoder) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	features := []*ts.Tensor{base.NewIdentity().Forward(x)}

	c := e.stemConv.ForwardT(x, train)
	bn := e.stemBn.ForwardT(c, train)
	c.MustDrop()
	h := base.Swish(bn)
	bn.MustDrop()

	for i := 0; i < e.depth; i++ {
		h = runBlocks(e.segments[i], h, train)
		if i == len(e.taps) {
			hc := e.headConv.ForwardT(h, train)
			h.MustDrop()
			hb := e.headBn.ForwardT(hc, train)
			hc.MustDrop()
			features = append(features, base.Swish(hb))
			hb.MustDrop()
			return features
		}

		tap := e.taps[i]
		exp := tap.ExpandT(h, train)
		features = append(features, exp)
		if i+1 == e.depth {
			break
		}
		next := tap.ProjectT(h, exp, train)
		h.MustDrop()
		h = next
	}
	h.MustDrop()

	return features
}

// OutChannels implements Encoder interface for EfficientNetEncoder
func (e *EfficientNetEncoder) OutChannels() []int64 {
	return append([]int64{}, e.channels...)
}

// runBlocks forwards h through blocks, dropping intermediates including h.
func runBlocks(blocks []*MBConv, h *ts.Tensor, train bool) *ts.Tensor {
	for _, b := range blocks {
		next := b.ForwardT(h, train)
		h.MustDrop()
		h = next
	}

	return h
}
