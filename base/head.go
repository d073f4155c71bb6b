package base

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// SegmentationHead maps decoder features to per-class masks:
// conv -> bilinear upsampling -> activation.
type SegmentationHead struct {
	conv       *nn.Conv2D
	upsampling int64
	activation nn.Func
}

// NewSegmentationHead creates new SegmentationHead.
func NewSegmentationHead(p *nn.Path, cIn, cOut, ksize, upsampling int64, activation string) (*SegmentationHead, error) {
	act, ok := Activation(activation)
	if !ok {
		return nil, fmt.Errorf("unsupported activation %q", activation)
	}

	return &SegmentationHead{
		conv:       Conv2d(p, cIn, cOut, ksize, ksize/2, 1),
		upsampling: upsampling,
		activation: act,
	}, nil
}

// ForwardT implements ts.ModuleT for SegmentationHead.
func (h *SegmentationHead) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	logit := h.conv.ForwardT(x, train)
	if h.upsampling > 1 {
		size := logit.MustSize()
		up := Upsampling(logit, []int64{size[2] * h.upsampling, size[3] * h.upsampling})
		logit.MustDrop()
		logit = up
	}
	out := h.activation.Forward(logit)
	logit.MustDrop()

	return out
}

// Upsampling resizes x [BCHW] to outSize [H W] with bilinear interpolation.
func Upsampling(x *ts.Tensor, outSize []int64) *ts.Tensor {
	xSize := x.MustSize()
	if xSize[2] == outSize[0] && xSize[3] == outSize[1] {
		return NewIdentity().Forward(x)
	}

	return x.MustUpsampleBilinear2d(outSize, false, nil, nil, false)
}
